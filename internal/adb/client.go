// Package adb wraps the Android Debug Bridge CLI. Every call spawns one adb
// subprocess; the host-side adb server is shared across all emulators.
package adb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var (
	// ErrBridgeUnavailable means the adb binary could not be located or the
	// adb server refused to start.
	ErrBridgeUnavailable = errors.New("adb bridge unavailable")

	// ErrCommandFailed is returned by RunChecked when adb exits non-zero.
	ErrCommandFailed = errors.New("adb command failed")
)

// defaultTimeout bounds a single adb invocation when the caller's context
// carries no deadline of its own.
const defaultTimeout = 30 * time.Second

// Result holds the captured output of one adb invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Device is one row of `adb devices -l` output.
type Device struct {
	Serial string
	State  string
}

// IsEmulator reports whether the device is a local emulator instance.
func (d Device) IsEmulator() bool {
	return strings.HasPrefix(d.Serial, "emulator-")
}

// Runner abstracts adb invocations for testability.
type Runner interface {
	Run(ctx context.Context, device string, args ...string) (Result, error)
	RunChecked(ctx context.Context, device string, args ...string) (Result, error)
	RunRaw(ctx context.Context, device string, args ...string) ([]byte, error)
	Devices(ctx context.Context) ([]Device, error)
}

// Client executes real adb commands.
type Client struct {
	path string

	serverMu      sync.Mutex
	serverStarted bool
}

// candidatePaths lists conventional adb locations checked when the configured
// path does not exist.
var candidatePaths = []string{
	"adb",
	"/opt/android-sdk/platform-tools/adb",
}

// NewClient creates a Client for the adb binary at path. When path does not
// point at an existing file, conventional SDK locations and PATH are searched.
func NewClient(path string) (*Client, error) {
	resolved, err := resolveBinary(path, candidatePaths)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}
	return &Client{path: resolved}, nil
}

// resolveBinary returns the first usable binary among preferred and the
// fallback candidates. Bare names are looked up in PATH.
func resolveBinary(preferred string, candidates []string) (string, error) {
	all := append([]string{preferred}, candidates...)
	for _, p := range all {
		if p == "" {
			continue
		}
		if strings.Contains(p, string(os.PathSeparator)) {
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
			continue
		}
		if found, err := exec.LookPath(p); err == nil {
			return found, nil
		}
	}
	return "", fmt.Errorf("no usable binary among %v", all)
}

// Path returns the resolved adb binary path.
func (c *Client) Path() string { return c.path }

// EnsureServer starts the adb server if it is not already running. Safe to
// call concurrently; subsequent calls are no-ops once the server started.
func (c *Client) EnsureServer(ctx context.Context) error {
	c.serverMu.Lock()
	defer c.serverMu.Unlock()
	if c.serverStarted {
		return nil
	}
	res, err := c.Run(ctx, "", "start-server")
	if err != nil {
		return fmt.Errorf("%w: starting server: %v", ErrBridgeUnavailable, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: start-server exited %d: %s", ErrBridgeUnavailable, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	c.serverStarted = true
	slog.Info("adb server running", "path", c.path)
	return nil
}

// Run executes `adb [-s device] args...` and captures text output. A non-zero
// exit code is reported through Result, not through the error return.
func (c *Client) Run(ctx context.Context, device string, args ...string) (Result, error) {
	ctx, cancel := ensureDeadline(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.path, c.deviceArgs(device, args)...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("adb %s: %w", strings.Join(args, " "), err)
	}
	return res, nil
}

// RunChecked is Run plus an ErrCommandFailed error when adb exits non-zero.
func (c *Client) RunChecked(ctx context.Context, device string, args ...string) (Result, error) {
	res, err := c.Run(ctx, device, args...)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("%w: adb %s exited %d: %s",
			ErrCommandFailed, strings.Join(args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

// RunRaw executes adb and returns stdout as raw bytes. Screenshots via
// `exec-out screencap -p` must not pass through text decoding.
func (c *Client) RunRaw(ctx context.Context, device string, args ...string) ([]byte, error) {
	ctx, cancel := ensureDeadline(ctx)
	defer cancel()

	out, err := exec.CommandContext(ctx, c.path, c.deviceArgs(device, args)...).Output()
	if err != nil {
		return nil, fmt.Errorf("adb %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

// Devices lists connected devices, skipping the header and blank lines.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	res, err := c.RunChecked(ctx, "", "devices", "-l")
	if err != nil {
		return nil, err
	}
	return parseDevices(res.Stdout), nil
}

func (c *Client) deviceArgs(device string, args []string) []string {
	if device == "" {
		return args
	}
	return append([]string{"-s", device}, args...)
}

func ensureDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultTimeout)
}

// parseDevices parses `adb devices -l` tabular output.
func parseDevices(out string) []Device {
	var devices []Device
	for i, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// First line is "List of devices attached".
		if i == 0 && strings.HasPrefix(line, "List of devices") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices = append(devices, Device{Serial: fields[0], State: fields[1]})
	}
	return devices
}
