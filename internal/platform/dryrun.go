package platform

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/agent"
)

// Observer is the read-only half of a Device. DryRunDevice delegates to one
// when available so perception still sees the real desktop.
type Observer interface {
	schemas.PointerReader
	schemas.WindowLister
	Grab(ctx context.Context, region schemas.TargetRegion) (image.Image, error)
}

// VirtualScreen is the desktop size reported when no Observer is attached.
var VirtualScreen = schemas.TargetRegion{Label: "virtual desktop", Width: 1920, Height: 1080, WindowID: "0x0"}

// DryRunDevice logs input actions instead of performing them.
type DryRunDevice struct {
	logger *zap.Logger
	inner  Observer

	mu      sync.Mutex
	x, y    int
	actions []string
}

var _ Device = (*DryRunDevice)(nil)

// NewDryRunDevice creates a logging device. inner may be nil.
func NewDryRunDevice(logger *zap.Logger, inner Observer) *DryRunDevice {
	return &DryRunDevice{logger: logger.Named("dry_run"), inner: inner}
}

func (d *DryRunDevice) record(action string, fields ...zap.Field) {
	d.mu.Lock()
	d.actions = append(d.actions, action)
	d.mu.Unlock()
	d.logger.Info("Dry run: "+action, fields...)
}

func (d *DryRunDevice) moveTo(x, y int) {
	d.mu.Lock()
	d.x, d.y = x, y
	d.mu.Unlock()
}

// Actions returns the verbs recorded so far.
func (d *DryRunDevice) Actions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.actions...)
}

func (d *DryRunDevice) Click(_ context.Context, x, y int) error {
	d.moveTo(x, y)
	d.record("click", zap.Int("x", x), zap.Int("y", y))
	return nil
}

func (d *DryRunDevice) DoubleClick(_ context.Context, x, y int) error {
	d.moveTo(x, y)
	d.record("double_click", zap.Int("x", x), zap.Int("y", y))
	return nil
}

func (d *DryRunDevice) Move(_ context.Context, x, y int) error {
	d.moveTo(x, y)
	d.record("move", zap.Int("x", x), zap.Int("y", y))
	return nil
}

func (d *DryRunDevice) Drag(_ context.Context, x1, y1, x2, y2 int) error {
	d.moveTo(x2, y2)
	d.record("drag", zap.Int("x1", x1), zap.Int("y1", y1), zap.Int("x2", x2), zap.Int("y2", y2))
	return nil
}

func (d *DryRunDevice) Type(_ context.Context, text string) error {
	d.record("type", zap.Int("chars", len([]rune(text))))
	return nil
}

func (d *DryRunDevice) Key(_ context.Context, name string) error {
	d.record("key", zap.String("key", name))
	return nil
}

func (d *DryRunDevice) Hotkey(_ context.Context, names ...string) error {
	d.record("hotkey", zap.String("keys", strings.Join(names, "+")))
	return nil
}

func (d *DryRunDevice) Scroll(_ context.Context, amount int) error {
	d.record("scroll", zap.Int("amount", amount))
	return nil
}

func (d *DryRunDevice) Wait(ctx context.Context, dur time.Duration) error {
	return sleep(ctx, dur)
}

func (d *DryRunDevice) Activate(_ context.Context, region schemas.TargetRegion) bool {
	d.record("activate", zap.String("window", region.Label))
	return true
}

func (d *DryRunDevice) Strategies() []agent.ForegroundStrategy {
	return []agent.ForegroundStrategy{{Name: "activate", Try: d.Activate}}
}

func (d *DryRunDevice) Position(ctx context.Context) (int, int, error) {
	if d.inner != nil {
		return d.inner.Position(ctx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.x, d.y, nil
}

func (d *DryRunDevice) ListWindows(ctx context.Context) ([]schemas.TargetRegion, error) {
	if d.inner != nil {
		return d.inner.ListWindows(ctx)
	}
	return []schemas.TargetRegion{VirtualScreen}, nil
}

// Grab returns a flat gray frame when no Observer is attached.
func (d *DryRunDevice) Grab(ctx context.Context, region schemas.TargetRegion) (image.Image, error) {
	if d.inner != nil {
		return d.inner.Grab(ctx, region)
	}
	if region.IsZero() {
		region = VirtualScreen
	}
	img := image.NewRGBA(image.Rect(0, 0, region.Width, region.Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 64, G: 64, B: 64, A: 255}}, image.Point{}, draw.Src)
	return img, nil
}
