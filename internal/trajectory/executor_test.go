package trajectory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"droidfarm/internal/action"
	"droidfarm/internal/adb"
)

// fakeRunner is a scripted adb runner. Commands whose joined arguments start
// with a failPrefixes entry return a nonzero exit; outputs maps argument
// prefixes to canned stdout.
type fakeRunner struct {
	mu           sync.Mutex
	commands     [][]string
	devices      []adb.Device
	outputs      map[string]string
	raw          []byte
	rawErr       error
	failPrefixes []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: map[string]string{
			"shell wm size": "Physical size: 1080x1920",
		},
		// Observation probes are exercised elsewhere; fail them fast here.
		failPrefixes: []string{"shell uiautomator", "shell dumpsys"},
	}
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) (adb.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, args)
	joined := strings.Join(args, " ")
	for _, p := range f.failPrefixes {
		if strings.HasPrefix(joined, p) {
			return adb.Result{ExitCode: 1, Stderr: "scripted failure"}, nil
		}
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(joined, prefix) {
			return adb.Result{Stdout: out}, nil
		}
	}
	return adb.Result{}, nil
}

func (f *fakeRunner) RunChecked(ctx context.Context, device string, args ...string) (adb.Result, error) {
	res, err := f.Run(ctx, device, args...)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("adb %s: exit %d", strings.Join(args, " "), res.ExitCode)
	}
	return res, nil
}

func (f *fakeRunner) RunRaw(context.Context, string, ...string) ([]byte, error) {
	return f.raw, f.rawErr
}

func (f *fakeRunner) Devices(context.Context) ([]adb.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices, nil
}

func (f *fakeRunner) joinedCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	for i, c := range f.commands {
		out[i] = strings.Join(c, " ")
	}
	return out
}

func (f *fakeRunner) sawCommand(want string) bool {
	for _, c := range f.joinedCommands() {
		if c == want {
			return true
		}
	}
	return false
}

func newTestExecutor(runner *fakeRunner) *Executor {
	e := NewExecutor(runner)
	e.sleep = func(time.Duration) {}
	return e
}

func intp(n int) *int { return &n }

func TestExecute_DeviceCommands(t *testing.T) {
	tests := []struct {
		name string
		act  action.Action
		want string
	}{
		{"click", action.Action{Kind: action.Click, X: intp(100), Y: intp(200)},
			"shell input tap 100 200"},
		{"long press default duration", action.Action{Kind: action.LongPress, X: intp(10), Y: intp(20)},
			"shell input swipe 10 20 10 20 800"},
		{"long press explicit duration", action.Action{Kind: action.LongPress, X: intp(10), Y: intp(20), DurationMS: 1500},
			"shell input swipe 10 20 10 20 1500"},
		{"input text escapes spaces", action.Action{Kind: action.InputText, Text: "Hello World"},
			"shell input text Hello%sWorld"},
		{"navigate back", action.Action{Kind: action.NavigateBack},
			"shell input keyevent KEYCODE_BACK"},
		{"navigate home", action.Action{Kind: action.NavigateHome},
			"shell input keyevent KEYCODE_HOME"},
		{"keyboard enter", action.Action{Kind: action.KeyboardEnter},
			"shell input keyevent KEYCODE_ENTER"},
		{"answer call", action.Action{Kind: action.Answer},
			"shell input keyevent KEYCODE_CALL"},
		{"keycode resolves friendly name", action.Action{Kind: action.Keycode, Keycode: "volume_up"},
			"shell input keyevent KEYCODE_VOLUME_UP"},
		{"swipe raw", action.Action{Kind: action.SwipeRaw, X: intp(1), Y: intp(2), X2: intp(3), Y2: intp(4)},
			"shell input swipe 1 2 3 4 300"},
		{"scroll up uses screen size", action.Action{Kind: action.Scroll, Direction: "up"},
			"shell input swipe 540 1440 540 480 300"},
		{"swipe left uses screen size", action.Action{Kind: action.Swipe, Direction: "left"},
			"shell input swipe 810 960 270 960 300"},
		{"open known app", action.Action{Kind: action.OpenApp, AppName: "settings"},
			"shell am start -n com.android.settings/.Settings"},
		{"open unknown app via monkey", action.Action{Kind: action.OpenApp, AppName: "com.example.app"},
			"shell monkey -p com.example.app 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner()
			e := newTestExecutor(runner)
			if _, err := e.Execute(context.Background(), "emulator-5555", tt.act); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !runner.sawCommand(tt.want) {
				t.Errorf("missing command %q in %v", tt.want, runner.joinedCommands())
			}
		})
	}
}

func TestExecute_DoubleTapTapsTwice(t *testing.T) {
	runner := newFakeRunner()
	e := newTestExecutor(runner)

	if _, err := e.Execute(context.Background(), "emulator-5555",
		action.Action{Kind: action.DoubleTap, X: intp(50), Y: intp(60)}); err != nil {
		t.Fatal(err)
	}
	taps := 0
	for _, c := range runner.joinedCommands() {
		if c == "shell input tap 50 60" {
			taps++
		}
	}
	if taps != 2 {
		t.Errorf("taps = %d, want 2", taps)
	}
}

func TestExecute_WaitSleeps(t *testing.T) {
	runner := newFakeRunner()
	e := NewExecutor(runner)
	var slept time.Duration
	e.sleep = func(d time.Duration) { slept += d }

	if _, err := e.Execute(context.Background(), "emulator-5555",
		action.Action{Kind: action.Wait, Text: "2.5"}); err != nil {
		t.Fatal(err)
	}
	if slept != 2500*time.Millisecond {
		t.Errorf("slept %v, want 2.5s", slept)
	}
}

func TestExecute_ScreenshotReturnsBase64(t *testing.T) {
	runner := newFakeRunner()
	runner.raw = []byte{0x89, 'P', 'N', 'G'}
	e := newTestExecutor(runner)

	obs, err := e.Execute(context.Background(), "emulator-5555", action.Action{Kind: action.Screenshot})
	if err != nil {
		t.Fatal(err)
	}
	want := base64.StdEncoding.EncodeToString(runner.raw)
	if obs.ImageBase64 != want {
		t.Errorf("ImageBase64 = %q, want %q", obs.ImageBase64, want)
	}
}

func TestExecute_ScreenshotWakesThenNudges(t *testing.T) {
	runner := newFakeRunner()
	runner.raw = []byte{0x89, 'P', 'N', 'G'}
	e := newTestExecutor(runner)

	if _, err := e.Execute(context.Background(), "emulator-5555", action.Action{Kind: action.Screenshot}); err != nil {
		t.Fatal(err)
	}

	cmds := runner.joinedCommands()
	wakeAt, swipeAt := -1, -1
	for i, c := range cmds {
		switch c {
		case "shell input keyevent KEYCODE_WAKEUP":
			wakeAt = i
		case "shell input swipe 540 1820 540 1720 100":
			swipeAt = i
		}
	}
	if wakeAt == -1 || swipeAt == -1 || swipeAt < wakeAt {
		t.Errorf("wake/swipe sequence wrong: wake=%d swipe=%d in %v", wakeAt, swipeAt, cmds)
	}
}

func TestExecute_ScreenshotEmptyImageFails(t *testing.T) {
	runner := newFakeRunner()
	e := newTestExecutor(runner)

	if _, err := e.Execute(context.Background(), "emulator-5555", action.Action{Kind: action.Screenshot}); err == nil {
		t.Fatal("expected error for empty screenshot")
	}
}

func TestObservation_MarshalFlattensAction(t *testing.T) {
	obs := Observation{
		Action:          action.Action{Kind: action.Swipe, Direction: "right"},
		Success:         true,
		CurrentActivity: "com.android.settings/.Settings",
	}
	data, err := json.Marshal(obs)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["action"] != "swipe" || got["direction"] != "right" {
		t.Errorf("flattened echo = %v", got)
	}
	if got["success"] != true {
		t.Errorf("success = %v", got["success"])
	}
	if _, present := got["image_base64"]; present {
		t.Error("empty image field serialized")
	}
}

func TestExecute_InvalidActionRejected(t *testing.T) {
	runner := newFakeRunner()
	e := newTestExecutor(runner)

	_, err := e.Execute(context.Background(), "emulator-5555", action.Action{Kind: action.Click})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if len(runner.joinedCommands()) != 0 {
		t.Errorf("commands issued for invalid action: %v", runner.joinedCommands())
	}
}
