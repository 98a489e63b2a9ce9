package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/config"
	"github.com/xkilldash9x/deskpilot/internal/humanoid"
)

// Foreground outcomes recorded on an ExecutionResult.
const (
	ForegroundSkipped          = "skipped"
	ForegroundBestEffortFailed = "best-effort-failed"
)

// ForegroundStrategy is one attempt at raising the target window. Strategies
// are tried in order and the first success wins.
type ForegroundStrategy struct {
	Name string
	Try  func(ctx context.Context, region schemas.TargetRegion) bool
}

// Actuator turns decoded commands into exactly one device operation each.
type Actuator struct {
	logger     *zap.Logger
	cfg        config.ActuatorConfig
	device     schemas.InputDevice
	humanoid   *humanoid.Humanoid
	strategies []ForegroundStrategy
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewActuator creates an actuator over device. When no strategies are given the
// device's own Activate is the only one. h may be nil, which disables
// humanized pointer paths regardless of configuration.
func NewActuator(logger *zap.Logger, cfg config.ActuatorConfig, device schemas.InputDevice, h *humanoid.Humanoid, strategies ...ForegroundStrategy) *Actuator {
	if len(strategies) == 0 {
		strategies = []ForegroundStrategy{{Name: "activate", Try: device.Activate}}
	}
	return &Actuator{
		logger:     logger.Named("actuator"),
		cfg:        cfg,
		device:     device,
		humanoid:   h,
		strategies: strategies,
		sleep:      sleepContext,
	}
}

// Execute runs cmd against region and reports the outcome as text.
func (a *Actuator) Execute(ctx context.Context, cmd schemas.ActionCommand, region schemas.TargetRegion) string {
	return a.Run(ctx, cmd, region).String()
}

// Run is Execute with the structured result. It never panics.
func (a *Actuator) Run(ctx context.Context, cmd schemas.ActionCommand, region schemas.TargetRegion) (result *ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Panic while executing action.",
				zap.String("action", cmd.String()),
				zap.Any("panic_value", r),
				zap.String("stack", string(debug.Stack())))
			result = fail(ErrCodeExecutorPanic, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return failFromError(err, cmd)
	}

	foreground := ForegroundSkipped
	if cmd.Verb != schemas.VerbWait && !region.IsZero() {
		foreground = a.foreground(ctx, region)
	}

	result = a.dispatch(ctx, cmd, region)
	if result.Foreground == "" {
		result.Foreground = foreground
	}
	if result.Succeeded() {
		a.logger.Debug("Action executed.", zap.String("action", cmd.String()), zap.String("detail", result.Detail), zap.String("foreground", result.Foreground))
	} else {
		a.logger.Info("Action failed.", zap.String("action", cmd.String()), zap.String("code", string(result.ErrorCode)), zap.String("detail", result.Detail))
	}
	return result
}

// foreground walks the strategy list.
func (a *Actuator) foreground(ctx context.Context, region schemas.TargetRegion) string {
	for _, s := range a.strategies {
		if s.Try == nil || !s.Try(ctx, region) {
			continue
		}
		if a.cfg.ActivateSettle > 0 {
			_ = a.sleep(ctx, a.cfg.ActivateSettle)
		}
		return s.Name
	}
	a.logger.Debug("No foreground strategy succeeded; continuing.", zap.String("region", region.String()))
	return ForegroundBestEffortFailed
}

func (a *Actuator) dispatch(ctx context.Context, cmd schemas.ActionCommand, region schemas.TargetRegion) *ExecutionResult {
	switch cmd.Verb {
	case schemas.VerbClick, schemas.VerbDoubleClick, schemas.VerbMove:
		x, y, err := ResolvePoint(cmd.X, cmd.Y, cmd.Unit, region)
		if err != nil {
			return fail(ErrCodeNoTarget, err.Error())
		}
		if err := a.approach(ctx, x, y, cmd.Verb == schemas.VerbMove); err != nil {
			return failFromError(err, cmd)
		}
		switch cmd.Verb {
		case schemas.VerbClick:
			err = a.device.Click(ctx, x, y)
		case schemas.VerbDoubleClick:
			err = a.device.DoubleClick(ctx, x, y)
		default:
			if !a.humanized() {
				err = a.device.Move(ctx, x, y)
			}
		}
		if err != nil {
			return failFromError(err, cmd)
		}
		return succeedAt(fmt.Sprintf("%s at (%d, %d)", cmd.Verb, x, y), x, y)

	case schemas.VerbDrag:
		x1, y1, err := ResolvePoint(cmd.X, cmd.Y, cmd.Unit, region)
		if err != nil {
			return fail(ErrCodeNoTarget, err.Error())
		}
		x2, y2, err := ResolvePoint(cmd.X2, cmd.Y2, cmd.Unit, region)
		if err != nil {
			return fail(ErrCodeNoTarget, err.Error())
		}
		if err := a.approach(ctx, x1, y1, false); err != nil {
			return failFromError(err, cmd)
		}
		if err := a.device.Drag(ctx, x1, y1, x2, y2); err != nil {
			return failFromError(err, cmd)
		}
		return succeedAt(fmt.Sprintf("drag (%d, %d) -> (%d, %d)", x1, y1, x2, y2), x2, y2)

	case schemas.VerbType:
		if cmd.Text == "" {
			return fail(ErrCodeInvalidParameters, "type requires text")
		}
		if err := a.device.Type(ctx, cmd.Text); err != nil {
			return failFromError(err, cmd)
		}
		return succeed(fmt.Sprintf("typed %d characters", len([]rune(cmd.Text))))

	case schemas.VerbKey, schemas.VerbHotkey:
		keys := make([]string, 0, len(cmd.Keys))
		for _, k := range cmd.Keys {
			if k = NormalizeKey(k); k != "" {
				keys = append(keys, k)
			}
		}
		if len(keys) == 0 {
			return fail(ErrCodeInvalidParameters, fmt.Sprintf("%s requires at least one key", cmd.Verb))
		}
		var err error
		if len(keys) == 1 {
			err = a.device.Key(ctx, keys[0])
		} else {
			err = a.device.Hotkey(ctx, keys...)
		}
		if err != nil {
			return failFromError(err, cmd)
		}
		return succeed("pressed " + strings.Join(keys, "+"))

	case schemas.VerbScroll:
		if cmd.Amount == 0 {
			return fail(ErrCodeInvalidParameters, "scroll amount must be non-zero")
		}
		// Scrolls land wherever the pointer is; a preceding move action
		// positions it.
		if err := a.device.Scroll(ctx, cmd.Amount); err != nil {
			return failFromError(err, cmd)
		}
		return succeed(fmt.Sprintf("scrolled %d", cmd.Amount))

	case schemas.VerbWait:
		d := a.waitDuration(cmd.Seconds)
		if err := a.device.Wait(ctx, d); err != nil {
			return failFromError(err, cmd)
		}
		return succeed("waited " + d.String())
	}
	return fail(ErrCodeUnknownAction, fmt.Sprintf("unknown action verb %q", cmd.Verb))
}

func (a *Actuator) humanized() bool {
	return a.cfg.Humanize && a.humanoid != nil
}

// approach glides the pointer to (x, y) along a humanized path when enabled
// and the device can report where the pointer currently is. A device that
// cannot is simply jumped by the following operation. For a move the path is
// the whole operation, so a missing start position falls back to a jump.
func (a *Actuator) approach(ctx context.Context, x, y int, isMove bool) error {
	if !a.humanized() {
		return nil
	}
	reader, ok := a.device.(schemas.PointerReader)
	if !ok {
		if isMove {
			return a.device.Move(ctx, x, y)
		}
		return nil
	}
	sx, sy, err := reader.Position(ctx)
	if err != nil {
		a.logger.Debug("Pointer position unavailable; jumping.", zap.Error(err))
		if isMove {
			return a.device.Move(ctx, x, y)
		}
		return nil
	}
	return a.humanoid.MoveTo(ctx, a.device, humanoid.Point(sx, sy), humanoid.Point(x, y))
}

func (a *Actuator) waitDuration(seconds float64) time.Duration {
	d := time.Duration(seconds * float64(time.Second))
	if d <= 0 {
		d = a.cfg.DefaultWait
	}
	if a.cfg.MaxWait > 0 && d > a.cfg.MaxWait {
		d = a.cfg.MaxWait
	}
	return d
}

// ResolvePoint maps a command coordinate onto absolute screen pixels.
// Normalized and permille units scale by the region size. Pixel coordinates
// smaller than the region size are taken as region-relative, anything else
// as already absolute.
func ResolvePoint(x, y float64, unit schemas.CoordinateUnit, region schemas.TargetRegion) (int, int, error) {
	switch unit {
	case schemas.UnitNormalized, schemas.UnitPermille:
		if region.IsZero() {
			return 0, 0, ErrNoTarget
		}
		if unit == schemas.UnitPermille {
			x, y = x/1000, y/1000
		}
		px := clampInt(int(math.Round(x*float64(region.Width))), 0, region.Width-1)
		py := clampInt(int(math.Round(y*float64(region.Height))), 0, region.Height-1)
		return region.Left + px, region.Top + py, nil
	default:
		px, py := int(math.Round(x)), int(math.Round(y))
		if !region.IsZero() && px >= 0 && py >= 0 && px < region.Width && py < region.Height {
			return region.Left + px, region.Top + py, nil
		}
		return px, py, nil
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func succeed(detail string) *ExecutionResult {
	return &ExecutionResult{Status: "success", Detail: detail}
}

func succeedAt(detail string, x, y int) *ExecutionResult {
	return &ExecutionResult{Status: "success", Detail: detail, X: x, Y: y}
}

func fail(code ErrorCode, detail string) *ExecutionResult {
	return &ExecutionResult{Status: "failed", ErrorCode: code, Detail: detail}
}

func failFromError(err error, cmd schemas.ActionCommand) *ExecutionResult {
	code := ErrCodeDeviceFailure
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeoutError
	case errors.Is(err, context.Canceled):
		code = ErrCodeInterrupted
	}
	return fail(code, fmt.Sprintf("%s: %v", cmd.Verb, err))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
