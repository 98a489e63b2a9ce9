package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/api/schemas"
)

// PointerTelemetry samples the pointer position at a fixed rate and emits a
// mouse_move event whenever it changes. It never touches the device beyond
// reading.
type PointerTelemetry struct {
	logger   *zap.Logger
	reader   schemas.PointerReader
	sink     schemas.EventSink
	interval time.Duration
}

// NewPointerTelemetry creates the telemetry loop. hz <= 0 selects 25Hz.
func NewPointerTelemetry(logger *zap.Logger, reader schemas.PointerReader, sink schemas.EventSink, hz float64) *PointerTelemetry {
	if hz <= 0 {
		hz = 25
	}
	return &PointerTelemetry{
		logger:   logger.Named("pointer"),
		reader:   reader,
		sink:     sink,
		interval: time.Duration(float64(time.Second) / hz),
	}
}

// Run samples until ctx is cancelled.
func (p *PointerTelemetry) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	lastX, lastY := -1, -1
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		x, y, err := p.reader.Position(ctx)
		if err != nil {
			failures++
			if failures == 1 {
				p.logger.Debug("Pointer position unavailable.", zap.Error(err))
			}
			continue
		}
		failures = 0
		if x == lastX && y == lastY {
			continue
		}
		lastX, lastY = x, y
		if p.sink != nil {
			p.sink.Emit(schemas.EventMouseMove, map[string]interface{}{"x": x, "y": y})
		}
	}
}
