package llmclient

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xkilldash9x/deskpilot/api/schemas"
)

var (
	// ErrBackendUnavailable means no source in a role's descriptor resolved.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrNoMatch is returned by a Locator that has nothing for a source entry.
	ErrNoMatch = errors.New("no matching model")
	// ErrInterrupted is returned by Generate when the interrupt flag stopped
	// a streaming response. The partial text is returned alongside it.
	ErrInterrupted = errors.New("generation interrupted")
)

// Reserved prefixes of Dispatch results that are not model output.
const (
	SystemErrorTag = "[SYSTEM ERROR]"
	RouterErrorTag = "[ROUTER ERROR]"
	InterruptedTag = "[INTERRUPTED]"
)

// IsTagged reports whether text is a router sentinel rather than model output.
func IsTagged(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, SystemErrorTag) ||
		strings.HasPrefix(t, RouterErrorTag) ||
		strings.HasPrefix(t, InterruptedTag)
}

// DispatchRequest is one prompt routed to a logical role.
type DispatchRequest struct {
	Role         string
	Prompt       string
	SystemPrompt string
	Context      []schemas.Message
	// Images are base64 payloads attached to the final user turn when the
	// resolved backend supports them.
	Images    []string
	Interrupt schemas.Interrupter
}

// BuildMessages assembles the message sequence for a backend. Backends that
// fold the system prompt get it prepended to the final user turn; all others
// receive it as a leading system turn.
func BuildMessages(b schemas.Backend, req DispatchRequest) []schemas.Message {
	fold := b.FoldsSystemPrompt()
	msgs := make([]schemas.Message, 0, len(req.Context)+2)

	if req.SystemPrompt != "" && !fold {
		msgs = append(msgs, schemas.Message{Role: schemas.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Context {
		cp := m
		cp.Images = append([]string(nil), m.Images...)
		msgs = append(msgs, cp)
	}
	if req.Prompt != "" || len(req.Context) == 0 {
		content := req.Prompt
		if content == "" {
			content = "..."
		}
		msgs = append(msgs, schemas.Message{Role: schemas.RoleUser, Content: content})
	}

	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == schemas.RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		if fold && req.SystemPrompt != "" {
			msgs = append(msgs, schemas.Message{Role: schemas.RoleUser, Content: req.SystemPrompt})
		}
		return msgs
	}

	if len(req.Images) > 0 && b.SupportsImages() {
		msgs[last].Images = append(msgs[last].Images, req.Images...)
	}
	if fold && req.SystemPrompt != "" {
		msgs[last].Content = fmt.Sprintf("%s\n\nTask: %s", req.SystemPrompt, msgs[last].Content)
	}
	return msgs
}

// RoleForTask maps a task kind onto a logical role name.
func RoleForTask(task string) string {
	switch strings.ToLower(task) {
	case "thought", "reflexion":
		return "reflexion"
	case "visual", "visual_perception", "image_analysis", "vision":
		return "vision"
	case "logic", "code", "analysis", "complex_logic", "reasoning":
		return "deep_thought"
	}
	return "chat"
}

// interrupted polls an optional interrupter.
func interrupted(i schemas.Interrupter) bool {
	return i != nil && i.Interrupted()
}
