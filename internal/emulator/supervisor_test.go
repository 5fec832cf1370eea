package emulator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"droidfarm/internal/adb"
)

func TestOptionsFlags_Defaults(t *testing.T) {
	got := DefaultOptions().Flags("Pixel6_API33", 5554)
	want := []string{
		"-avd", "Pixel6_API33",
		"-port", "5554",
		"-grpc", "6554",
		"-no-window", "-no-audio", "-no-boot-anim", "-read-only",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Flags() = %v, want %v", got, want)
	}
}

func TestOptionsFlags_SnapshotLoad(t *testing.T) {
	opts := DefaultOptions()
	opts.Snapshot = "sandbox_ab12cd34"
	opts.SnapshotLoad = true
	opts.Accel = "on"

	got := opts.Flags("Pixel6_API33", 5558)
	joined := strings.Join(got, " ")
	for _, want := range []string{
		"-port 5558", "-grpc 6558", "-accel on",
		"-snapshot sandbox_ab12cd34 -snapshot-load",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("flags %q missing %q", joined, want)
		}
	}
}

func TestSerial(t *testing.T) {
	if got := Serial(5554); got != "emulator-5555" {
		t.Errorf("Serial(5554) = %q", got)
	}
}

// fakeBootRunner simulates a device that becomes ready after a number of
// polls.
type fakeBootRunner struct {
	mu         sync.Mutex
	serial     string
	readyAfter int
	polls      int
	commands   [][]string
}

func (f *fakeBootRunner) Devices(context.Context) ([]adb.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls > f.readyAfter {
		return []adb.Device{{Serial: f.serial, State: "device"}}, nil
	}
	return []adb.Device{{Serial: f.serial, State: "offline"}}, nil
}

func (f *fakeBootRunner) Run(_ context.Context, _ string, args ...string) (adb.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, args)
	if len(args) >= 3 && args[2] == "sys.boot_completed" {
		return adb.Result{Stdout: "1\n"}, nil
	}
	if len(args) >= 2 && args[0] == "shell" && args[1] == "wm" {
		return adb.Result{Stdout: "Physical size: 1080x1920"}, nil
	}
	if len(args) >= 4 && args[2] == "snapshot" && args[3] == "load" {
		return adb.Result{Stdout: "OK\n"}, nil
	}
	return adb.Result{}, nil
}

func (f *fakeBootRunner) RunChecked(ctx context.Context, device string, args ...string) (adb.Result, error) {
	return f.Run(ctx, device, args...)
}

func (f *fakeBootRunner) RunRaw(context.Context, string, ...string) ([]byte, error) {
	return nil, nil
}

type fakeProcess struct {
	stopped bool
	done    chan struct{}
}

func newFakeProcess() *fakeProcess { return &fakeProcess{done: make(chan struct{})} }

func (p *fakeProcess) PID() int              { return 4242 }
func (p *fakeProcess) Alive() bool           { return !p.stopped }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Stop(time.Duration) error {
	if !p.stopped {
		p.stopped = true
		close(p.done)
	}
	return nil
}

type fakeLauncher struct {
	proc     *fakeProcess
	err      error
	launches int
}

func (l *fakeLauncher) Launch(context.Context, string, int, Options, string) (Process, error) {
	l.launches++
	if l.err != nil {
		return nil, l.err
	}
	return l.proc, nil
}

func newTestSupervisor(runner adb.Runner, launcher Launcher, timeout time.Duration) *Supervisor {
	s := NewSupervisor(Config{AVDName: "Pixel6_API33", BootTimeout: timeout}, launcher, runner)
	s.pollInterval = time.Millisecond
	s.sleep = func(time.Duration) {}
	return s
}

func TestStart_BootsAndUnlocks(t *testing.T) {
	runner := &fakeBootRunner{serial: "emulator-5555", readyAfter: 2}
	launcher := &fakeLauncher{proc: newFakeProcess()}
	s := newTestSupervisor(runner, launcher, time.Second)

	proc, err := s.Start(context.Background(), "traj-1", 5554, DefaultOptions())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if proc != launcher.proc {
		t.Error("Start returned a different process")
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	var sawWake, sawSwipe bool
	for _, cmd := range runner.commands {
		joined := strings.Join(cmd, " ")
		if strings.Contains(joined, "KEYCODE_WAKEUP") {
			sawWake = true
		}
		if strings.HasPrefix(joined, "shell input swipe") {
			sawSwipe = true
		}
	}
	if !sawWake || !sawSwipe {
		t.Errorf("unlock sequence missing: wake=%v swipe=%v", sawWake, sawSwipe)
	}
}

func TestStart_BootTimeoutStopsProcess(t *testing.T) {
	runner := &fakeBootRunner{serial: "emulator-5555", readyAfter: 1 << 30}
	proc := newFakeProcess()
	s := newTestSupervisor(runner, &fakeLauncher{proc: proc}, 10*time.Millisecond)
	s.pollInterval = 5 * time.Millisecond

	_, err := s.Start(context.Background(), "traj-1", 5554, DefaultOptions())
	if !errors.Is(err, ErrBootTimeout) {
		t.Fatalf("err = %v, want ErrBootTimeout", err)
	}
	if proc.Alive() {
		t.Error("timed-out emulator process left running")
	}
}

func TestStart_LaunchError(t *testing.T) {
	s := newTestSupervisor(&fakeBootRunner{}, &fakeLauncher{err: fmt.Errorf("no such avd")}, time.Second)
	if _, err := s.Start(context.Background(), "traj-1", 5554, DefaultOptions()); err == nil {
		t.Fatal("expected launch error")
	}
}

// baselineRunner reports the baseline snapshot missing on load, forcing a save.
type baselineRunner struct {
	fakeBootRunner
	loadOut string
	saved   []string
}

func (r *baselineRunner) Run(ctx context.Context, device string, args ...string) (adb.Result, error) {
	if len(args) >= 5 && args[2] == "snapshot" {
		switch args[3] {
		case "load":
			return adb.Result{Stdout: r.loadOut}, nil
		case "save":
			r.mu.Lock()
			r.saved = append(r.saved, args[4])
			r.mu.Unlock()
			return adb.Result{Stdout: "OK\n"}, nil
		}
	}
	return r.fakeBootRunner.Run(ctx, device, args...)
}

func (r *baselineRunner) RunChecked(ctx context.Context, device string, args ...string) (adb.Result, error) {
	return r.Run(ctx, device, args...)
}

func TestEnsureBaseline_SavesWhenMissing(t *testing.T) {
	runner := &baselineRunner{loadOut: "KO: snapshot not found\n"}
	s := newTestSupervisor(runner, &fakeLauncher{proc: newFakeProcess()}, time.Second)

	if err := s.EnsureBaseline(context.Background(), "emulator-5555"); err != nil {
		t.Fatal(err)
	}
	if len(runner.saved) != 1 || runner.saved[0] != BaselineSnapshot {
		t.Errorf("saved = %v, want [%s]", runner.saved, BaselineSnapshot)
	}
}

func TestEnsureBaseline_LoadsWhenPresent(t *testing.T) {
	runner := &baselineRunner{loadOut: "OK\n"}
	s := newTestSupervisor(runner, &fakeLauncher{proc: newFakeProcess()}, time.Second)

	if err := s.EnsureBaseline(context.Background(), "emulator-5555"); err != nil {
		t.Fatal(err)
	}
	if len(runner.saved) != 0 {
		t.Errorf("unexpected save %v", runner.saved)
	}
}
