// Package observe gathers structured device state after an action: foreground
// activity, screen size, and the UI element tree. Every sub-probe is
// best-effort; a failed probe logs a warning and leaves its field unset.
package observe

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"droidfarm/internal/adb"
)

const uiDumpPath = "/sdcard/window_dump.xml"

// uiDumpSettle is how long uiautomator gets to flush the dump file.
const uiDumpSettle = 500 * time.Millisecond

// Size is a device screen size in pixels.
type Size struct {
	Width  int
	Height int
}

// MarshalJSON renders the size as a [w, h] pair, matching what clients expect.
func (s Size) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("[%d,%d]", s.Width, s.Height)), nil
}

// UIElement is one node of the UI hierarchy dump.
type UIElement struct {
	Bounds      [4]int `json:"bounds"`
	Text        string `json:"text"`
	ResourceID  string `json:"resource_id"`
	Class       string `json:"class"`
	ContentDesc string `json:"content_desc,omitempty"`
	Clickable   bool   `json:"clickable,omitempty"`
	Raw         string `json:"raw,omitempty"`
}

// Snapshot holds whatever device state could be collected. Nil/zero fields
// were unavailable.
type Snapshot struct {
	CurrentActivity string
	ScreenSize      *Size
	UIElements      []UIElement
}

// Builder collects snapshots from a device through adb.
type Builder struct {
	runner adb.Runner

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewBuilder creates a Builder over the given adb runner.
func NewBuilder(runner adb.Runner) *Builder {
	return &Builder{runner: runner, sleep: time.Sleep}
}

// Observe collects the current device state. It never fails: individually
// unavailable probes are logged and omitted.
func (b *Builder) Observe(ctx context.Context, device string) Snapshot {
	var snap Snapshot

	if activity, err := b.CurrentActivity(ctx, device); err != nil {
		slog.Warn("observe: current activity unavailable", "device", device, "err", err)
	} else {
		snap.CurrentActivity = activity
	}

	if size, err := b.ScreenSize(ctx, device); err != nil {
		slog.Warn("observe: screen size unavailable", "device", device, "err", err)
	} else {
		snap.ScreenSize = &size
	}

	if elements, err := b.UIElements(ctx, device); err != nil {
		slog.Warn("observe: ui hierarchy unavailable", "device", device, "err", err)
	} else {
		snap.UIElements = elements
	}

	return snap
}

var activityRe = regexp.MustCompile(`([\w.]+/[\w.$]+)`)

// CurrentActivity parses `dumpsys window windows` for the focused
// package/activity. The first mCurrentFocus or mFocusedApp line wins.
func (b *Builder) CurrentActivity(ctx context.Context, device string) (string, error) {
	res, err := b.runner.RunChecked(ctx, device, "shell", "dumpsys", "window", "windows")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if !strings.Contains(line, "mCurrentFocus") && !strings.Contains(line, "mFocusedApp") {
			continue
		}
		if m := activityRe.FindString(line); m != "" {
			return m, nil
		}
	}
	return "", fmt.Errorf("no focused window in dumpsys output")
}

var sizeRe = regexp.MustCompile(`(\d+)x(\d+)`)

// ScreenSize parses `wm size`, typically "Physical size: 1080x1920".
func (b *Builder) ScreenSize(ctx context.Context, device string) (Size, error) {
	res, err := b.runner.RunChecked(ctx, device, "shell", "wm", "size")
	if err != nil {
		return Size{}, err
	}
	m := sizeRe.FindStringSubmatch(res.Stdout)
	if m == nil {
		return Size{}, fmt.Errorf("unparseable wm size output %q", strings.TrimSpace(res.Stdout))
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	return Size{Width: w, Height: h}, nil
}

// UIElements dumps the UI hierarchy via uiautomator and parses it. When the
// dump file never appears, `dumpsys activity top` is returned as a single
// opaque element so callers still get something to inspect.
func (b *Builder) UIElements(ctx context.Context, device string) ([]UIElement, error) {
	if _, err := b.runner.RunChecked(ctx, device, "shell", "uiautomator", "dump", uiDumpPath); err != nil {
		return nil, err
	}
	b.sleep(uiDumpSettle)

	check, err := b.runner.Run(ctx, device, "shell", "test", "-f", uiDumpPath)
	if err != nil {
		return nil, err
	}
	if check.ExitCode != 0 {
		slog.Warn("observe: ui dump file missing, using dumpsys fallback", "device", device)
		fallback, err := b.runner.RunChecked(ctx, device, "shell", "dumpsys", "activity", "top")
		if err != nil {
			return nil, err
		}
		return []UIElement{{Raw: "<activity_info>" + fallback.Stdout + "</activity_info>"}}, nil
	}

	content, err := b.runner.RunChecked(ctx, device, "shell", "cat", uiDumpPath)
	if err != nil {
		return nil, err
	}
	if _, err := b.runner.Run(ctx, device, "shell", "rm", uiDumpPath); err != nil {
		slog.Debug("observe: failed to remove ui dump file", "device", device, "err", err)
	}
	return ParseUIHierarchy(content.Stdout)
}
