package schemas

import (
	"context"
	"time"
)

// -- Inference Backends --

// Backend is a resolved, loaded handle to one inference resource. Instances are
// shared between every role that resolves to the same physical resource, so
// implementations must be safe for concurrent use.
type Backend interface {
	// Generate produces a completion for the message sequence.
	Generate(ctx context.Context, messages []Message, params GenerationParams) (string, error)
	// Identity is the physical resource key used for instance caching
	// (absolute weights path, daemon model name, cloud model name).
	Identity() string
	// SupportsImages reports whether image attachments reach the model.
	SupportsImages() bool
	// FoldsSystemPrompt reports whether the system instruction must be
	// prepended into the final user turn instead of sent as its own turn.
	FoldsSystemPrompt() bool
	// Close releases any process or network resources held by the instance.
	Close() error
}

// Interrupter exposes the cooperative cancellation flag checked between
// streamed tokens.
type Interrupter interface {
	Interrupted() bool
}

// -- Actuation --

// InputDevice is the raw input-injection capability provided by the
// platform binding. Coordinates are absolute screen pixels.
type InputDevice interface {
	Click(ctx context.Context, x, y int) error
	DoubleClick(ctx context.Context, x, y int) error
	Move(ctx context.Context, x, y int) error
	Drag(ctx context.Context, x1, y1, x2, y2 int) error
	Type(ctx context.Context, text string) error
	Key(ctx context.Context, name string) error
	Hotkey(ctx context.Context, names ...string) error
	Scroll(ctx context.Context, amount int) error
	Wait(ctx context.Context, d time.Duration) error
	// Activate tries to bring the window owning the region to the
	// foreground. It reports whether the attempt succeeded.
	Activate(ctx context.Context, region TargetRegion) bool
}

// PointerReader is implemented by devices that can report the current
// pointer position. Used only by the telemetry loop.
type PointerReader interface {
	Position(ctx context.Context) (x, y int, err error)
}

// WindowLister enumerates candidate target regions.
type WindowLister interface {
	ListWindows(ctx context.Context) ([]TargetRegion, error)
}

// -- Knowledge & Events --

// KnowledgeStore is the long-term experience store boundary.
type KnowledgeStore interface {
	StoreExperience(ctx context.Context, exp Experience) error
	QueryExperience(ctx context.Context, text string, limit int) ([]Experience, error)
}

// EventSink receives fire-and-forget notifications (frame previews, log
// lines, state snapshots). Emit must never block or fail the caller.
type EventSink interface {
	Emit(eventType EventType, payload map[string]interface{})
}
