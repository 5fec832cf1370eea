package trajectory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"droidfarm/internal/action"
	"droidfarm/internal/adb"
	"droidfarm/internal/observe"
)

const (
	doubleTapGap     = 50 * time.Millisecond
	longPressDefault = 800
	swipeDurationMS  = 300

	wakeSettle      = 500 * time.Millisecond
	wakeSwipeSettle = 300 * time.Millisecond
)

// Observation is the result of executing one action: the normalized action
// that ran plus whatever device state could be captured afterwards.
type Observation struct {
	Action          action.Action
	Success         bool
	ImageBase64     string
	CurrentActivity string
	ScreenSize      *observe.Size
	UIElements      []observe.UIElement
}

// MarshalJSON flattens the action echo into the observation object, so
// clients read `action`, `x`, `direction` and friends at the top level.
func (o Observation) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"action":  string(o.Action.Kind),
		"success": o.Success,
	}
	if o.Action.X != nil {
		out["x"] = *o.Action.X
	}
	if o.Action.Y != nil {
		out["y"] = *o.Action.Y
	}
	if o.Action.X2 != nil {
		out["x2"] = *o.Action.X2
	}
	if o.Action.Y2 != nil {
		out["y2"] = *o.Action.Y2
	}
	if o.Action.DurationMS != 0 {
		out["duration_ms"] = o.Action.DurationMS
	}
	if o.Action.Text != "" {
		out["text"] = o.Action.Text
	}
	if o.Action.Direction != "" {
		out["direction"] = o.Action.Direction
	}
	if o.Action.AppName != "" {
		out["app_name"] = o.Action.AppName
	}
	if o.Action.Keycode != "" {
		out["keycode"] = o.Action.Keycode
	}
	if o.ImageBase64 != "" {
		out["image_base64"] = o.ImageBase64
	}
	if o.CurrentActivity != "" {
		out["current_activity"] = o.CurrentActivity
	}
	if o.ScreenSize != nil {
		out["screen_size"] = o.ScreenSize
	}
	if o.UIElements != nil {
		out["ui_elements"] = o.UIElements
	}
	return json.Marshal(out)
}

// appActivities maps friendly app names to launchable package/activity pairs.
// Apps not listed here are launched through monkey by package name.
var appActivities = map[string]string{
	"settings": "com.android.settings/.Settings",
	"chrome":   "com.android.chrome/com.google.android.apps.chrome.Main",
	"camera":   "com.android.camera2/com.android.camera.CameraActivity",
	"contacts": "com.android.contacts/.activities.PeopleActivity",
	"clock":    "com.android.deskclock/.DeskClock",
	"calendar": "com.android.calendar/.AllInOneActivity",
	"files":    "com.android.documentsui/.files.FilesActivity",
	"phone":    "com.android.dialer/.main.impl.MainActivity",
	"messages": "com.android.messaging/.ui.conversationlist.ConversationListActivity",
}

// Executor runs normalized actions against a device and captures the
// resulting observation.
type Executor struct {
	runner   adb.Runner
	observer *observe.Builder

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewExecutor creates an Executor over the given adb runner.
func NewExecutor(runner adb.Runner) *Executor {
	return &Executor{
		runner:   runner,
		observer: observe.NewBuilder(runner),
		sleep:    time.Sleep,
	}
}

// Execute runs one action on a device and returns the post-action
// observation. Screenshot capture failures during a screenshot action are
// errors; observation probes after other actions are best-effort.
func (e *Executor) Execute(ctx context.Context, device string, a action.Action) (Observation, error) {
	if err := a.Validate(); err != nil {
		return Observation{}, err
	}

	obs := Observation{Action: a, Success: true}
	if err := e.perform(ctx, device, a, &obs); err != nil {
		return Observation{}, err
	}

	snap := e.observer.Observe(ctx, device)
	obs.CurrentActivity = snap.CurrentActivity
	obs.ScreenSize = snap.ScreenSize
	obs.UIElements = snap.UIElements
	return obs, nil
}

func (e *Executor) perform(ctx context.Context, device string, a action.Action, obs *Observation) error {
	switch a.Kind {
	case action.Click:
		return e.tap(ctx, device, *a.X, *a.Y)

	case action.DoubleTap:
		if err := e.tap(ctx, device, *a.X, *a.Y); err != nil {
			return err
		}
		e.sleep(doubleTapGap)
		return e.tap(ctx, device, *a.X, *a.Y)

	case action.LongPress:
		dur := a.DurationMS
		if dur <= 0 {
			dur = longPressDefault
		}
		x, y := strconv.Itoa(*a.X), strconv.Itoa(*a.Y)
		return e.shell(ctx, device, "input", "swipe", x, y, x, y, strconv.Itoa(dur))

	case action.InputText:
		// `input text` cannot carry literal spaces.
		escaped := strings.ReplaceAll(a.Text, " ", "%s")
		return e.shell(ctx, device, "input", "text", escaped)

	case action.NavigateBack:
		return e.keyevent(ctx, device, "KEYCODE_BACK")
	case action.NavigateHome:
		return e.keyevent(ctx, device, "KEYCODE_HOME")
	case action.KeyboardEnter:
		return e.keyevent(ctx, device, "KEYCODE_ENTER")
	case action.Answer:
		return e.keyevent(ctx, device, "KEYCODE_CALL")
	case action.Keycode:
		return e.keyevent(ctx, device, action.KeyCode(a.Keycode))

	case action.Scroll, action.Swipe:
		return e.directionalSwipe(ctx, device, a.Direction)

	case action.SwipeRaw:
		dur := a.DurationMS
		if dur <= 0 {
			dur = swipeDurationMS
		}
		return e.shell(ctx, device, "input", "swipe",
			strconv.Itoa(*a.X), strconv.Itoa(*a.Y),
			strconv.Itoa(*a.X2), strconv.Itoa(*a.Y2),
			strconv.Itoa(dur))

	case action.OpenApp:
		return e.openApp(ctx, device, a.AppName)

	case action.Wait:
		e.sleep(a.WaitDuration())
		return nil

	case action.Screenshot:
		img, err := e.Screenshot(ctx, device)
		if err != nil {
			return err
		}
		obs.ImageBase64 = img
		return nil

	default:
		return fmt.Errorf("%w: unknown kind %q", action.ErrInvalidAction, a.Kind)
	}
}

func (e *Executor) tap(ctx context.Context, device string, x, y int) error {
	return e.shell(ctx, device, "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
}

func (e *Executor) keyevent(ctx context.Context, device, code string) error {
	return e.shell(ctx, device, "input", "keyevent", code)
}

func (e *Executor) shell(ctx context.Context, device string, args ...string) error {
	full := append([]string{"shell"}, args...)
	if _, err := e.runner.RunChecked(ctx, device, full...); err != nil {
		return fmt.Errorf("executing %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

// directionalSwipe swipes across the middle half of the screen along the
// requested axis. The screen size probe falls back to 1080x1920 when the
// device will not report it.
func (e *Executor) directionalSwipe(ctx context.Context, device, direction string) error {
	size, err := e.observer.ScreenSize(ctx, device)
	if err != nil {
		slog.Warn("screen size unavailable, using default", "device", device, "err", err)
		size = observe.Size{Width: 1080, Height: 1920}
	}

	midX, midY := size.Width/2, size.Height/2
	var x1, y1, x2, y2 int
	switch direction {
	case "up":
		x1, y1, x2, y2 = midX, size.Height*3/4, midX, size.Height/4
	case "down":
		x1, y1, x2, y2 = midX, size.Height/4, midX, size.Height*3/4
	case "left":
		x1, y1, x2, y2 = size.Width*3/4, midY, size.Width/4, midY
	case "right":
		x1, y1, x2, y2 = size.Width/4, midY, size.Width*3/4, midY
	default:
		return fmt.Errorf("%w: swipe direction %q", action.ErrInvalidAction, direction)
	}
	return e.shell(ctx, device, "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1),
		strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.Itoa(swipeDurationMS))
}

func (e *Executor) openApp(ctx context.Context, device, name string) error {
	if component, ok := appActivities[strings.ToLower(name)]; ok {
		return e.shell(ctx, device, "am", "start", "-n", component)
	}
	// Unknown apps: let monkey resolve the launcher activity by package name.
	return e.shell(ctx, device, "monkey", "-p", name, "1")
}

// Screenshot wakes the device and captures a PNG screenshot, returned
// base64-encoded.
func (e *Executor) Screenshot(ctx context.Context, device string) (string, error) {
	e.wakeScreen(ctx, device)
	raw, err := e.runner.RunRaw(ctx, device, "exec-out", "screencap", "-p")
	if err != nil {
		return "", fmt.Errorf("capturing screenshot: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("capturing screenshot: empty image")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// wakeScreen wakes the display and nudges it with a small swipe near the
// bottom edge so screencap does not grab a blank or dimming frame. The swipe
// is too short to unlock anything. Best-effort throughout.
func (e *Executor) wakeScreen(ctx context.Context, device string) {
	if err := e.keyevent(ctx, device, "KEYCODE_WAKEUP"); err != nil {
		slog.Debug("pre-screenshot wake failed", "device", device, "err", err)
		return
	}
	e.sleep(wakeSettle)

	size, err := e.observer.ScreenSize(ctx, device)
	if err != nil {
		slog.Debug("screen size unavailable, skipping wake swipe", "device", device, "err", err)
		return
	}
	x := strconv.Itoa(size.Width / 2)
	if err := e.shell(ctx, device, "input", "swipe",
		x, strconv.Itoa(size.Height-100),
		x, strconv.Itoa(size.Height-200),
		"100"); err != nil {
		slog.Debug("pre-screenshot swipe failed", "device", device, "err", err)
		return
	}
	e.sleep(wakeSwipeSettle)
}
