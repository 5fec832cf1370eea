// Package action normalizes the polymorphic action representations accepted
// by the step API (typed record, JSON object, JSON string, terse DSL string)
// into a single tagged Action value.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidAction is returned for unparseable input or missing required
// fields. It is always produced before any device command is issued.
var ErrInvalidAction = errors.New("invalid action")

// Kind tags a normalized action.
type Kind string

const (
	Click         Kind = "click"
	DoubleTap     Kind = "double_tap"
	LongPress     Kind = "long_press"
	InputText     Kind = "input_text"
	NavigateBack  Kind = "navigate_back"
	NavigateHome  Kind = "navigate_home"
	KeyboardEnter Kind = "keyboard_enter"
	Scroll        Kind = "scroll"
	Swipe         Kind = "swipe"
	SwipeRaw      Kind = "swipe_raw"
	OpenApp       Kind = "open_app"
	Answer        Kind = "answer"
	Wait          Kind = "wait"
	Keycode       Kind = "keycode"
	Screenshot    Kind = "screenshot"
)

// Kinds lists every supported action kind, in a stable order.
func Kinds() []string {
	return []string{
		string(Click), string(DoubleTap), string(LongPress), string(InputText),
		string(NavigateBack), string(NavigateHome), string(KeyboardEnter),
		string(Scroll), string(Swipe), string(SwipeRaw), string(OpenApp),
		string(Answer), string(Wait), string(Keycode), string(Screenshot),
	}
}

// Action is the normalized form of a device action. Only the fields relevant
// to Kind are populated; Validate enforces the per-kind requirements.
type Action struct {
	Kind Kind `json:"action_type"`

	X *int `json:"x,omitempty"`
	Y *int `json:"y,omitempty"`

	// End coordinates for swipe_raw.
	X2 *int `json:"x2,omitempty"`
	Y2 *int `json:"y2,omitempty"`

	// DurationMS is the press or swipe duration for long_press and swipe_raw.
	DurationMS int `json:"duration_ms,omitempty"`

	// Text carries the input string for input_text, and the duration in
	// seconds (as a string) for wait.
	Text string `json:"text,omitempty"`

	Direction string `json:"direction,omitempty"`
	AppName   string `json:"app_name,omitempty"`
	Keycode   string `json:"keycode,omitempty"`
}

// WaitDuration returns the sleep duration of a wait action, defaulting to one
// second when Text is absent or unparseable.
func (a Action) WaitDuration() time.Duration {
	if a.Kind != Wait {
		return 0
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(a.Text), 64)
	if err != nil || secs < 0 {
		return time.Second
	}
	return time.Duration(secs * float64(time.Second))
}

// Validate checks the per-kind required fields.
func (a Action) Validate() error {
	switch a.Kind {
	case Click, DoubleTap, LongPress:
		if a.X == nil || a.Y == nil {
			return fmt.Errorf("%w: %s requires x and y", ErrInvalidAction, a.Kind)
		}
	case SwipeRaw:
		if a.X == nil || a.Y == nil || a.X2 == nil || a.Y2 == nil {
			return fmt.Errorf("%w: swipe_raw requires x, y, x2 and y2", ErrInvalidAction)
		}
	case Scroll, Swipe:
		switch a.Direction {
		case "up", "down", "left", "right":
		default:
			return fmt.Errorf("%w: %s direction %q", ErrInvalidAction, a.Kind, a.Direction)
		}
	case OpenApp:
		if a.AppName == "" {
			return fmt.Errorf("%w: open_app requires app_name", ErrInvalidAction)
		}
	case Keycode:
		if a.Keycode == "" {
			return fmt.Errorf("%w: keycode requires a code", ErrInvalidAction)
		}
	case InputText, NavigateBack, NavigateHome, KeyboardEnter, Answer, Wait, Screenshot:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, a.Kind)
	}
	return nil
}

// Translate converts any supported action representation into a validated
// Action. Translation is idempotent: feeding the result back in returns an
// equal Action.
func Translate(v any) (Action, error) {
	switch in := v.(type) {
	case Action:
		return in, in.Validate()
	case *Action:
		if in == nil {
			return Action{}, fmt.Errorf("%w: nil action", ErrInvalidAction)
		}
		return *in, in.Validate()
	case map[string]any:
		return fromMap(in)
	case json.RawMessage:
		return fromString(string(in))
	case []byte:
		return fromString(string(in))
	case string:
		return fromString(in)
	default:
		return Action{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidAction, v)
	}
}

func fromMap(m map[string]any) (Action, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	return a, a.Validate()
}

func fromString(s string) (Action, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Action{}, fmt.Errorf("%w: empty command", ErrInvalidAction)
	}
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		var a Action
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			return Action{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
		}
		return a, a.Validate()
	}
	// JSON string literals arrive with their quotes when the caller passes
	// the raw body field through; unwrap one level and reparse.
	if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) && len(s) >= 2 {
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			return fromString(inner)
		}
	}
	return parseDSL(s)
}

// parseDSL handles the terse command strings used by older clients, e.g.
// "click 100 200", "swipe 100 200 300 400", `text "Hello World"`, "key back".
func parseDSL(cmd string) (Action, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return Action{}, fmt.Errorf("%w: empty command", ErrInvalidAction)
	}

	switch strings.ToLower(parts[0]) {
	case "click":
		if len(parts) < 3 {
			return Action{}, fmt.Errorf("%w: click needs x and y", ErrInvalidAction)
		}
		x, errX := strconv.Atoi(parts[1])
		y, errY := strconv.Atoi(parts[2])
		if errX != nil || errY != nil {
			return Action{}, fmt.Errorf("%w: click coordinates %q %q", ErrInvalidAction, parts[1], parts[2])
		}
		return Action{Kind: Click, X: &x, Y: &y}, nil

	case "text":
		text := strings.Join(parts[1:], " ")
		if strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) && len(text) >= 2 {
			text = text[1 : len(text)-1]
		}
		return Action{Kind: InputText, Text: text}, nil

	case "swipe":
		if len(parts) < 5 {
			return Action{}, fmt.Errorf("%w: swipe needs four coordinates", ErrInvalidAction)
		}
		coords := make([]int, 4)
		for i := 0; i < 4; i++ {
			n, err := strconv.Atoi(parts[i+1])
			if err != nil {
				return Action{}, fmt.Errorf("%w: swipe coordinate %q", ErrInvalidAction, parts[i+1])
			}
			coords[i] = n
		}
		return Action{Kind: Swipe, Direction: swipeDirection(coords[0], coords[1], coords[2], coords[3])}, nil

	case "key":
		if len(parts) < 2 {
			return Action{}, fmt.Errorf("%w: key needs a name", ErrInvalidAction)
		}
		switch strings.ToLower(parts[1]) {
		case "back":
			return Action{Kind: NavigateBack}, nil
		case "home":
			return Action{Kind: NavigateHome}, nil
		case "enter":
			return Action{Kind: KeyboardEnter}, nil
		default:
			return Action{Kind: Keycode, Keycode: KeyCode(parts[1])}, nil
		}

	case "screenshot":
		return Action{Kind: Screenshot}, nil

	default:
		return Action{}, fmt.Errorf("%w: cannot parse %q", ErrInvalidAction, cmd)
	}
}

// swipeDirection derives a directional swipe from raw coordinates. The axis
// with the larger magnitude wins; ties resolve toward the vertical axis.
func swipeDirection(x1, y1, x2, y2 int) string {
	dx, dy := x2-x1, y2-y1
	if abs(dx) > abs(dy) {
		if dx > 0 {
			return "right"
		}
		return "left"
	}
	if dy > 0 {
		return "down"
	}
	return "up"
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// keyCodes maps friendly key names to Android keycodes. Unknown names pass
// through verbatim.
var keyCodes = map[string]string{
	"back":        "KEYCODE_BACK",
	"home":        "KEYCODE_HOME",
	"menu":        "KEYCODE_MENU",
	"power":       "KEYCODE_POWER",
	"enter":       "KEYCODE_ENTER",
	"delete":      "KEYCODE_DEL",
	"recents":     "KEYCODE_APP_SWITCH",
	"volume_up":   "KEYCODE_VOLUME_UP",
	"volume_down": "KEYCODE_VOLUME_DOWN",
}

// KeyCode resolves a friendly key name (case-insensitive) to its Android
// keycode, or returns the name verbatim when unknown.
func KeyCode(name string) string {
	if code, ok := keyCodes[strings.ToLower(name)]; ok {
		return code
	}
	return name
}
