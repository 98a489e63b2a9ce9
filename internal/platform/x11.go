package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/agent"
)

const (
	xdotool = "xdotool"
	wmctrl  = "wmctrl"
	magick  = "import"

	// scrollUnit is how much wheel amount one button 4/5 click represents.
	scrollUnit = 100
	// typeDelayMs is the per-character delay handed to xdotool type.
	typeDelayMs = 12
)

// xdotoolKeys maps the agent key vocabulary onto X keysym names.
var xdotoolKeys = map[string]string{
	"enter":     "Return",
	"esc":       "Escape",
	"tab":       "Tab",
	"space":     "space",
	"backspace": "BackSpace",
	"delete":    "Delete",
	"home":      "Home",
	"end":       "End",
	"up":        "Up",
	"down":      "Down",
	"left":      "Left",
	"right":     "Right",
	"pageup":    "Prior",
	"pagedown":  "Next",
	"insert":    "Insert",
	"ctrl":      "ctrl",
	"control":   "ctrl",
	"alt":       "alt",
	"shift":     "shift",
	"win":       "super",
	"super":     "super",
	"cmd":       "super",
}

// KeySym translates a normalized key name to the xdotool spelling. Function
// keys and single characters pass through.
func KeySym(name string) string {
	if sym, ok := xdotoolKeys[name]; ok {
		return sym
	}
	if len(name) >= 2 && name[0] == 'f' {
		if _, err := strconv.Atoi(name[1:]); err == nil {
			return strings.ToUpper(name)
		}
	}
	return name
}

// X11Device drives an X11 session through command-line helpers.
type X11Device struct {
	logger *zap.Logger
	run    Runner
	settle time.Duration
	sleep  func(context.Context, time.Duration) error
}

var _ Device = (*X11Device)(nil)

// NewX11Device creates a device. settle is the pause after a minimize before
// the window is restored.
func NewX11Device(logger *zap.Logger, run Runner, settle time.Duration) *X11Device {
	if run == nil {
		run = ExecRunner{}
	}
	return &X11Device{
		logger: logger.Named("x11"),
		run:    run,
		settle: settle,
		sleep:  sleep,
	}
}

func (d *X11Device) xdo(ctx context.Context, args ...string) error {
	_, err := d.run.Run(ctx, xdotool, args...)
	return err
}

func itoa(v int) string { return strconv.Itoa(v) }

func (d *X11Device) Click(ctx context.Context, x, y int) error {
	return d.xdo(ctx, "mousemove", "--sync", itoa(x), itoa(y), "click", "1")
}

func (d *X11Device) DoubleClick(ctx context.Context, x, y int) error {
	return d.xdo(ctx, "mousemove", "--sync", itoa(x), itoa(y), "click", "--repeat", "2", "1")
}

func (d *X11Device) Move(ctx context.Context, x, y int) error {
	return d.xdo(ctx, "mousemove", "--sync", itoa(x), itoa(y))
}

func (d *X11Device) Drag(ctx context.Context, x1, y1, x2, y2 int) error {
	return d.xdo(ctx,
		"mousemove", "--sync", itoa(x1), itoa(y1),
		"mousedown", "1",
		"mousemove", "--sync", itoa(x2), itoa(y2),
		"mouseup", "1")
}

func (d *X11Device) Type(ctx context.Context, text string) error {
	return d.xdo(ctx, "type", "--delay", itoa(typeDelayMs), "--", text)
}

func (d *X11Device) Key(ctx context.Context, name string) error {
	return d.xdo(ctx, "key", "--", KeySym(name))
}

func (d *X11Device) Hotkey(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return errors.New("hotkey needs at least one key")
	}
	syms := make([]string, len(names))
	for i, n := range names {
		syms[i] = KeySym(n)
	}
	return d.xdo(ctx, "key", "--", strings.Join(syms, "+"))
}

// Scroll turns a wheel amount into button clicks. Positive scrolls up.
func (d *X11Device) Scroll(ctx context.Context, amount int) error {
	if amount == 0 {
		return nil
	}
	button := "4"
	if amount < 0 {
		button = "5"
		amount = -amount
	}
	clicks := (amount + scrollUnit - 1) / scrollUnit
	return d.xdo(ctx, "click", "--repeat", itoa(clicks), button)
}

func (d *X11Device) Wait(ctx context.Context, dur time.Duration) error {
	return d.sleep(ctx, dur)
}

// Activate focuses the window owning region with wmctrl, falling back to a
// title search when no window id is known.
func (d *X11Device) Activate(ctx context.Context, region schemas.TargetRegion) bool {
	var err error
	switch {
	case region.WindowID != "":
		_, err = d.run.Run(ctx, wmctrl, "-i", "-a", region.WindowID)
	case region.Label != "":
		err = d.xdo(ctx, "search", "--onlyvisible", "--name", region.Label, "windowactivate", "--sync")
	default:
		return false
	}
	if err != nil {
		d.logger.Debug("Activate failed.", zap.String("window", region.Label), zap.Error(err))
		return false
	}
	return true
}

// minimizeRestore forces focus by iconifying and re-activating the window.
func (d *X11Device) minimizeRestore(ctx context.Context, region schemas.TargetRegion) bool {
	if region.WindowID == "" {
		return false
	}
	if err := d.xdo(ctx, "windowminimize", "--sync", region.WindowID); err != nil {
		d.logger.Debug("Minimize failed.", zap.String("window", region.Label), zap.Error(err))
		return false
	}
	if err := d.sleep(ctx, d.settle); err != nil {
		return false
	}
	if err := d.xdo(ctx, "windowactivate", "--sync", region.WindowID); err != nil {
		d.logger.Debug("Restore failed.", zap.String("window", region.Label), zap.Error(err))
		return false
	}
	return true
}

func (d *X11Device) raise(ctx context.Context, region schemas.TargetRegion) bool {
	if region.WindowID == "" {
		return false
	}
	return d.xdo(ctx, "windowraise", region.WindowID, "windowfocus", region.WindowID) == nil
}

func (d *X11Device) Strategies() []agent.ForegroundStrategy {
	return []agent.ForegroundStrategy{
		{Name: "activate", Try: d.Activate},
		{Name: "minimize-restore", Try: d.minimizeRestore},
		{Name: "raise", Try: d.raise},
	}
}

// Position reads the pointer from xdotool's shell-style output.
func (d *X11Device) Position(ctx context.Context) (int, int, error) {
	out, err := d.run.Run(ctx, xdotool, "getmouselocation", "--shell")
	if err != nil {
		return 0, 0, err
	}
	return parseMouseLocation(out)
}

func parseMouseLocation(out []byte) (int, int, error) {
	var x, y int
	var seenX, seenY bool
	for _, line := range strings.Split(string(out), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		switch k {
		case "X":
			x, seenX = n, true
		case "Y":
			y, seenY = n, true
		}
	}
	if !seenX || !seenY {
		return 0, 0, fmt.Errorf("unexpected getmouselocation output: %q", strings.TrimSpace(string(out)))
	}
	return x, y, nil
}

// ListWindows returns the visible top-level windows from wmctrl -lG.
func (d *X11Device) ListWindows(ctx context.Context) ([]schemas.TargetRegion, error) {
	out, err := d.run.Run(ctx, wmctrl, "-lG")
	if err != nil {
		return nil, fmt.Errorf("failed to list windows: %w", err)
	}
	return parseWindowList(out), nil
}

// parseWindowList reads lines of the form
// "0x03a00003  0 10 20 800 600 host Title words".
func parseWindowList(out []byte) []schemas.TargetRegion {
	var regions []schemas.TargetRegion
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		nums := make([]int, 4)
		valid := true
		for i := range nums {
			n, err := strconv.Atoi(fields[2+i])
			if err != nil {
				valid = false
				break
			}
			nums[i] = n
		}
		// Desktop -1 marks sticky panels and docks.
		if !valid || fields[1] == "-1" {
			continue
		}
		r := schemas.TargetRegion{
			Label:    strings.Join(fields[7:], " "),
			Left:     nums[0],
			Top:      nums[1],
			Width:    nums[2],
			Height:   nums[3],
			WindowID: fields[0],
		}
		if r.IsZero() || r.Label == "" {
			continue
		}
		regions = append(regions, r)
	}
	return regions
}

// Grab captures region from the root window as PNG through ImageMagick.
func (d *X11Device) Grab(ctx context.Context, region schemas.TargetRegion) (image.Image, error) {
	args := []string{"-silent", "-window", "root"}
	if !region.IsZero() {
		args = append(args, "-crop", fmt.Sprintf("%dx%d+%d+%d", region.Width, region.Height, region.Left, region.Top))
	}
	args = append(args, "png:-")
	out, err := d.run.Run(ctx, magick, args...)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("failed to decode screen grab: %w", err)
	}
	return img, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
