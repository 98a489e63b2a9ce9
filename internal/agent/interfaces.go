// File: internal/agent/interfaces.go
package agent

import (
	"context"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/capture"
	"github.com/xkilldash9x/deskpilot/internal/llmclient"
)

// FrameSource is the slice of the capture service the controller consumes.
type FrameSource interface {
	LatestFrame(force bool) (*capture.EncodedFrame, bool)
	Snapshot() *capture.Frame
	CheckImpact(reference *capture.Frame) (bool, float64)
	SetRegion(region schemas.TargetRegion)
	Stats() capture.Stats
}

// ModelRouter dispatches prompts to role-resolved backends. Dispatch never
// fails; errors come back as tagged text.
type ModelRouter interface {
	Dispatch(ctx context.Context, req llmclient.DispatchRequest) string
	DefaultRole() string
	VisionRole() string
	Bindings() []llmclient.Binding
}

// ActionExecutor runs one decoded command against a region and reports the
// outcome as a plain string.
type ActionExecutor interface {
	Execute(ctx context.Context, cmd schemas.ActionCommand, region schemas.TargetRegion) string
}

// TileScanner sweeps a region in tiles under the perception lock.
type TileScanner interface {
	Scan(ctx context.Context, region schemas.TargetRegion, fn capture.TileFunc) ([]capture.TileResult, error)
}

var (
	_ TileScanner    = (*capture.TiledScanner)(nil)
	_ FrameSource    = (*capture.Service)(nil)
	_ ModelRouter    = (*llmclient.Router)(nil)
	_ ActionExecutor = (*Actuator)(nil)
)
