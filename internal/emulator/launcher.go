package emulator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// Process is a handle on a launched emulator. Stop attempts a graceful
// termination and escalates to SIGKILL after the grace period.
type Process interface {
	PID() int
	Alive() bool
	Done() <-chan struct{}
	Stop(grace time.Duration) error
}

// Launcher spawns emulator processes. The real implementation execs the SDK
// emulator binary; tests substitute fakes.
type Launcher interface {
	Launch(ctx context.Context, avd string, consolePort int, opts Options, logPath string) (Process, error)
}

// ExecLauncher launches the real emulator binary.
type ExecLauncher struct {
	Path string
}

// Launch starts `emulator <flags>` with stdout/stderr redirected to logPath.
// The process is detached from ctx on purpose: cancelling the caller's request
// must not tear down a booting emulator mid-flight.
func (l *ExecLauncher) Launch(_ context.Context, avd string, consolePort int, opts Options, logPath string) (Process, error) {
	args := opts.Flags(avd, consolePort)

	var logFile *os.File
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating emulator log directory: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening emulator log file: %w", err)
		}
		logFile = f
	}

	cmd := exec.Command(l.Path, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("starting emulator: %w", err)
	}
	slog.Info("emulator launched", "avd", avd, "console_port", consolePort, "pid", cmd.Process.Pid, "log", logPath)

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
		close(p.done)
	}()
	return p, nil
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *osProcess) PID() int { return p.cmd.Process.Pid }

func (p *osProcess) Done() <-chan struct{} { return p.done }

func (p *osProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Stop sends SIGTERM and waits up to grace before escalating to SIGKILL.
func (p *osProcess) Stop(grace time.Duration) error {
	if !p.Alive() {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminating emulator pid %d: %w", p.PID(), err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("killing emulator pid %d: %w", p.PID(), err)
	}
	<-p.done
	return nil
}
