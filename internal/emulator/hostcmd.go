package emulator

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const hostCommandTimeout = 2 * time.Minute

// runHostCommand executes an SDK host tool (avdmanager) and returns its
// combined output.
func runHostCommand(ctx context.Context, path string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, hostCommandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w\n%s", path, strings.Join(args, " "), err, out)
	}
	return string(out), nil
}
