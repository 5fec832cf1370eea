// Package emulator boots and supervises Android emulator processes: AVD
// provisioning, launch, boot polling, screen unlock, console snapshots, and
// shutdown.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"droidfarm/internal/adb"
	"droidfarm/internal/observe"
)

// ErrBootTimeout means the emulator did not reach boot-completed within the
// configured window. The process has already been terminated when this is
// returned.
var ErrBootTimeout = errors.New("emulator boot timeout")

// BaselineSnapshot is the snapshot captured right after first boot and used
// for fast reset.
const BaselineSnapshot = "baseline_clean"

const (
	defaultBootTimeout  = 60 * time.Second
	defaultPollInterval = 5 * time.Second
	stopGrace           = 5 * time.Second
)

// Config holds the SDK paths and boot parameters for a Supervisor.
type Config struct {
	AVDName        string
	AVDManagerPath string

	// SystemImage and DeviceProfile are used when the AVD has to be
	// synthesized, e.g. "system-images;android-33;google_apis;x86_64" and
	// "pixel_6".
	SystemImage   string
	DeviceProfile string

	BootTimeout time.Duration
	LogDir      string
}

// Supervisor drives emulator lifecycles for one AVD.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	runner   adb.Runner

	pollInterval time.Duration
	sleep        func(time.Duration)

	avdMu      sync.Mutex
	avdChecked bool
}

// NewSupervisor creates a Supervisor from config, a process launcher, and an
// adb runner.
func NewSupervisor(cfg Config, launcher Launcher, runner adb.Runner) *Supervisor {
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = defaultBootTimeout
	}
	return &Supervisor{
		cfg:          cfg,
		launcher:     launcher,
		runner:       runner,
		pollInterval: defaultPollInterval,
		sleep:        time.Sleep,
	}
}

// Serial returns the adb serial for a console port.
func Serial(consolePort int) string {
	return "emulator-" + strconv.Itoa(consolePort+1)
}

// Start brings an emulator online on the given console port and waits until
// it is ready for commands. On a fresh start (no snapshot load) the baseline
// snapshot is ensured; failures there are logged, not fatal.
func (s *Supervisor) Start(ctx context.Context, trajectoryID string, consolePort int, opts Options) (Process, error) {
	if err := s.EnsureAVD(ctx); err != nil {
		return nil, err
	}

	logPath := ""
	if s.cfg.LogDir != "" {
		logPath = filepath.Join(s.cfg.LogDir, "emulator-"+trajectoryID+".log")
	}
	proc, err := s.launcher.Launch(ctx, s.cfg.AVDName, consolePort, opts, logPath)
	if err != nil {
		return nil, fmt.Errorf("launching emulator: %w", err)
	}

	serial := Serial(consolePort)
	if err := s.WaitForBoot(ctx, serial); err != nil {
		if stopErr := proc.Stop(stopGrace); stopErr != nil {
			slog.Warn("failed to stop timed-out emulator", "serial", serial, "err", stopErr)
		}
		return nil, err
	}

	s.Unlock(ctx, serial)

	if !opts.SnapshotLoad {
		if err := s.EnsureBaseline(ctx, serial); err != nil {
			slog.Warn("baseline snapshot unavailable", "serial", serial, "err", err)
		}
	}
	return proc, nil
}

// WaitForBoot polls the device list and sys.boot_completed until the device
// is fully up or the boot timeout elapses.
func (s *Supervisor) WaitForBoot(ctx context.Context, serial string) error {
	deadline := time.Now().Add(s.cfg.BootTimeout)
	for {
		if ready, err := s.bootCompleted(ctx, serial); err != nil {
			slog.Debug("boot poll failed", "serial", serial, "err", err)
		} else if ready {
			slog.Info("emulator booted", "serial", serial)
			return nil
		}

		if time.Now().Add(s.pollInterval).After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrBootTimeout, serial, s.cfg.BootTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.sleep(s.pollInterval)
	}
}

func (s *Supervisor) bootCompleted(ctx context.Context, serial string) (bool, error) {
	devices, err := s.runner.Devices(ctx)
	if err != nil {
		return false, err
	}
	online := false
	for _, d := range devices {
		if d.Serial == serial && d.State == "device" {
			online = true
			break
		}
	}
	if !online {
		return false, nil
	}
	res, err := s.runner.RunChecked(ctx, serial, "shell", "getprop", "sys.boot_completed")
	if err != nil {
		return false, err
	}
	return strings.Contains(res.Stdout, "1"), nil
}

// Unlock wakes the device and swipes up to dismiss the lock screen. Failures
// are ignored: the screen may already be unlocked.
func (s *Supervisor) Unlock(ctx context.Context, serial string) {
	if _, err := s.runner.RunChecked(ctx, serial, "shell", "input", "keyevent", "KEYCODE_WAKEUP"); err != nil {
		slog.Warn("wake failed", "serial", serial, "err", err)
		return
	}
	size, err := observe.NewBuilder(s.runner).ScreenSize(ctx, serial)
	if err != nil {
		slog.Warn("unlock skipped, screen size unknown", "serial", serial, "err", err)
		return
	}
	midX := strconv.Itoa(size.Width / 2)
	if _, err := s.runner.RunChecked(ctx, serial, "shell", "input", "swipe",
		midX, strconv.Itoa(size.Height*2/3),
		midX, strconv.Itoa(size.Height/3),
		"300"); err != nil {
		slog.Warn("unlock swipe failed", "serial", serial, "err", err)
	}
}

// EnsureBaseline loads the baseline snapshot, saving a fresh one when the
// emulator reports it missing.
func (s *Supervisor) EnsureBaseline(ctx context.Context, serial string) error {
	out, err := s.LoadSnapshot(ctx, serial, BaselineSnapshot)
	if err == nil && SnapshotOK(out) {
		return nil
	}
	slog.Info("baseline snapshot absent, capturing", "serial", serial)
	if _, err := s.SaveSnapshot(ctx, serial, BaselineSnapshot); err != nil {
		return fmt.Errorf("saving baseline snapshot: %w", err)
	}
	return nil
}

// SaveSnapshot saves a named snapshot through the emulator console.
func (s *Supervisor) SaveSnapshot(ctx context.Context, serial, name string) (string, error) {
	res, err := s.runner.RunChecked(ctx, serial, "emu", "avd", "snapshot", "save", name)
	if err != nil {
		return res.Stdout, err
	}
	return res.Stdout, nil
}

// LoadSnapshot loads a named snapshot through the emulator console. Callers
// should verify the output with SnapshotOK; the console reports errors on
// stdout with exit code 0.
func (s *Supervisor) LoadSnapshot(ctx context.Context, serial, name string) (string, error) {
	res, err := s.runner.RunChecked(ctx, serial, "emu", "avd", "snapshot", "load", name)
	if err != nil {
		return res.Stdout, err
	}
	return res.Stdout, nil
}

// SnapshotOK checks the console response of a snapshot operation. The exact
// wording varies between emulator versions; "OK" has been stable.
func SnapshotOK(out string) bool {
	return strings.Contains(out, "OK")
}

// Kill shuts an emulator down via the console. The owning process handle, if
// any, still needs to be reaped by the caller.
func (s *Supervisor) Kill(ctx context.Context, serial string) error {
	if _, err := s.runner.RunChecked(ctx, serial, "emu", "kill"); err != nil {
		return fmt.Errorf("killing %s: %w", serial, err)
	}
	return nil
}

// EnsureAVD verifies the configured AVD exists, synthesizing it with
// avdmanager when missing. Checked once per process.
func (s *Supervisor) EnsureAVD(ctx context.Context) error {
	s.avdMu.Lock()
	defer s.avdMu.Unlock()
	if s.avdChecked || s.cfg.AVDManagerPath == "" {
		return nil
	}

	list, err := runHostCommand(ctx, s.cfg.AVDManagerPath, "list", "avd", "-c")
	if err != nil {
		slog.Warn("avdmanager list failed, assuming AVD exists", "err", err)
		s.avdChecked = true
		return nil
	}
	for _, name := range strings.Fields(list) {
		if name == s.cfg.AVDName {
			s.avdChecked = true
			return nil
		}
	}

	slog.Info("creating AVD", "name", s.cfg.AVDName, "image", s.cfg.SystemImage, "profile", s.cfg.DeviceProfile)
	if _, err := runHostCommand(ctx, s.cfg.AVDManagerPath,
		"create", "avd", "-n", s.cfg.AVDName,
		"-k", s.cfg.SystemImage,
		"-d", s.cfg.DeviceProfile,
		"--force"); err != nil {
		return fmt.Errorf("creating AVD %s: %w", s.cfg.AVDName, err)
	}
	s.avdChecked = true
	return nil
}
