package schemas

import (
	"fmt"
	"time"
)

// -- Target Region --

// TargetRegion is the screen rectangle currently designated as the
// automation surface.
type TargetRegion struct {
	Label  string `json:"label"`
	Left   int    `json:"left"`
	Top    int    `json:"top"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	// WindowID is the platform handle of the owning window, if known.
	WindowID string `json:"window_id,omitempty"`
}

// IsZero reports whether the region has no usable area.
func (r TargetRegion) IsZero() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Contains reports whether the absolute point lies inside the region.
func (r TargetRegion) Contains(x, y int) bool {
	return x >= r.Left && x < r.Left+r.Width && y >= r.Top && y < r.Top+r.Height
}

func (r TargetRegion) String() string {
	return fmt.Sprintf("%s [%dx%d+%d+%d]", r.Label, r.Width, r.Height, r.Left, r.Top)
}

// -- Actions --

// ActionVerb names a single device operation.
type ActionVerb string

const (
	VerbClick       ActionVerb = "click"
	VerbDoubleClick ActionVerb = "doubleclick"
	VerbMove        ActionVerb = "move"
	VerbDrag        ActionVerb = "drag"
	VerbType        ActionVerb = "type"
	VerbKey         ActionVerb = "key"
	VerbHotkey      ActionVerb = "hotkey"
	VerbScroll      ActionVerb = "scroll"
	VerbWait        ActionVerb = "wait"
)

// HasCoordinates reports whether the verb targets a point on screen.
func (v ActionVerb) HasCoordinates() bool {
	switch v {
	case VerbClick, VerbDoubleClick, VerbMove, VerbDrag:
		return true
	}
	return false
}

// CoordinateUnit describes how ActionCommand coordinates map onto the
// target region.
type CoordinateUnit string

const (
	// UnitPixel coordinates are region-relative pixels, or screen-absolute
	// pixels when they fall outside the region's size.
	UnitPixel CoordinateUnit = "pixel"
	// UnitNormalized coordinates are fractions (0..1) of the region size.
	UnitNormalized CoordinateUnit = "normalized"
	// UnitPermille coordinates are on a 0..1000 scale of the region size.
	UnitPermille CoordinateUnit = "permille"
)

// ActionCommand is one normalized device instruction produced by the
// decoder and consumed exactly once by the actuator.
type ActionCommand struct {
	Verb    ActionVerb     `json:"verb"`
	X       float64        `json:"x,omitempty"`
	Y       float64        `json:"y,omitempty"`
	X2      float64        `json:"x2,omitempty"`
	Y2      float64        `json:"y2,omitempty"`
	Text    string         `json:"text,omitempty"`
	Keys    []string       `json:"keys,omitempty"`
	Amount  int            `json:"amount,omitempty"`
	Seconds float64        `json:"seconds,omitempty"`
	Unit    CoordinateUnit `json:"unit,omitempty"`
	// Explicit is set when the unit came from a tag rather than the
	// magnitude heuristic.
	Explicit bool `json:"explicit,omitempty"`
}

func (c ActionCommand) String() string {
	switch c.Verb {
	case VerbClick, VerbDoubleClick, VerbMove:
		return fmt.Sprintf("%s %g, %g (%s)", c.Verb, c.X, c.Y, c.Unit)
	case VerbDrag:
		return fmt.Sprintf("drag %g, %g -> %g, %g (%s)", c.X, c.Y, c.X2, c.Y2, c.Unit)
	case VerbType:
		return fmt.Sprintf("type %q", c.Text)
	case VerbKey, VerbHotkey:
		return fmt.Sprintf("%s %v", c.Verb, c.Keys)
	case VerbScroll:
		return fmt.Sprintf("scroll %d", c.Amount)
	case VerbWait:
		return fmt.Sprintf("wait %gs", c.Seconds)
	}
	return string(c.Verb)
}

// -- Model Messages --

// MessageRole is the speaker of a chat turn.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one chat turn. Images are base64 encoded PNG or JPEG payloads.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
	Images  []string    `json:"images,omitempty"`
}

// GenerationParams carries per-role sampling parameters.
type GenerationParams struct {
	Temperature   float64 `json:"temperature"`
	ContextLength int     `json:"context_length"`
	MaxTokens     int     `json:"max_tokens"`
	// Interrupt is polled between streamed tokens. Optional.
	Interrupt Interrupter `json:"-"`
}

// -- Knowledge --

// Experience is one record in the long-term knowledge store.
type Experience struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Observation string    `json:"observation"`
	Action      string    `json:"action"`
	Outcome     string    `json:"outcome"`
	Image       []byte    `json:"image,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// -- Events --

// EventType names a notification published to the event sink.
type EventType string

const (
	EventVisionFrame    EventType = "vision_frame"
	EventVisualLog      EventType = "visual_log"
	EventThoughtLog     EventType = "thought_log"
	EventMonitorUpdate  EventType = "monitor_update"
	EventMouseMove      EventType = "mouse_move"
	EventStateChange    EventType = "state_change"
	EventSessionSummary EventType = "session_summary"
	EventBackpressure   EventType = "backpressure"
	EventActionOutcome  EventType = "action_outcome"
)
