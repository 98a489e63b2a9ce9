package agent

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// maxSuccessActions bounds the per-window success history fed into prompts.
const maxSuccessActions = 20

// Button is a clickable element reported by a perception pass, in region
// fractions.
type Button struct {
	Label string  `json:"label"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// SuccessAction is a click that produced a visible reaction.
type SuccessAction struct {
	Verb string  `json:"verb"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Gain float64 `json:"gain"`
}

// WindowKnowledge is what the agent remembers about one target window.
type WindowKnowledge struct {
	Buttons        []Button        `json:"buttons"`
	SuccessActions []SuccessAction `json:"success_actions"`
	LastReward     float64         `json:"last_reward"`
}

// WindowMemory keeps WindowKnowledge per target label in a JSON file.
type WindowMemory struct {
	logger *zap.Logger
	path   string

	mu   sync.Mutex
	data map[string]*WindowKnowledge
}

// NewWindowMemory loads the memory file at path. An empty path keeps the
// memory in process.
func NewWindowMemory(logger *zap.Logger, path string) *WindowMemory {
	m := &WindowMemory{logger: logger.Named("window_memory"), path: path, data: make(map[string]*WindowKnowledge)}
	if path == "" {
		return m
	}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		m.logger.Warn("Could not read window knowledge.", zap.String("path", path), zap.Error(err))
	default:
		if err := json.Unmarshal(raw, &m.data); err != nil {
			m.logger.Warn("Window knowledge file is corrupt; starting empty.", zap.String("path", path), zap.Error(err))
			m.data = make(map[string]*WindowKnowledge)
		}
	}
	return m
}

// Get returns a copy of the knowledge for a window label.
func (m *WindowMemory) Get(label string) WindowKnowledge {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.data[label]
	if !ok {
		return WindowKnowledge{}
	}
	return WindowKnowledge{
		Buttons:        append([]Button(nil), k.Buttons...),
		SuccessActions: append([]SuccessAction(nil), k.SuccessActions...),
		LastReward:     k.LastReward,
	}
}

// RecordButtons replaces the known buttons of a window.
func (m *WindowMemory) RecordButtons(label string, buttons []Button) {
	if len(buttons) == 0 {
		return
	}
	m.mutate(label, func(k *WindowKnowledge) { k.Buttons = buttons })
}

// RecordReward stores the latest reward signal and, when the action was
// effective, appends it to the success history.
func (m *WindowMemory) RecordReward(label string, action SuccessAction, effective bool) {
	m.mutate(label, func(k *WindowKnowledge) {
		k.LastReward = action.Gain
		if !effective {
			return
		}
		k.SuccessActions = append(k.SuccessActions, action)
		if n := len(k.SuccessActions); n > maxSuccessActions {
			k.SuccessActions = k.SuccessActions[n-maxSuccessActions:]
		}
	})
}

func (m *WindowMemory) mutate(label string, fn func(*WindowKnowledge)) {
	m.mu.Lock()
	k, ok := m.data[label]
	if !ok {
		k = &WindowKnowledge{}
		m.data[label] = k
	}
	fn(k)
	snapshot, err := json.MarshalIndent(m.data, "", "  ")
	m.mu.Unlock()

	if m.path == "" {
		return
	}
	if err == nil {
		err = writeBytesAtomic(m.path, snapshot)
	}
	if err != nil {
		m.logger.Warn("Failed to persist window knowledge.", zap.String("path", m.path), zap.Error(err))
	}
}

// ExtractButtons reads a perception answer of the form
// {"buttons":[{"label":..,"x":..,"y":..}]} and keeps fractional entries.
func ExtractButtons(text string) []Button {
	for _, block := range candidateBlocks(text) {
		if !strings.Contains(block, "buttons") {
			continue
		}
		var payload struct {
			Buttons []Button `json:"buttons"`
		}
		if err := json.Unmarshal([]byte(block), &payload); err != nil {
			continue
		}
		out := payload.Buttons[:0]
		for _, b := range payload.Buttons {
			if b.X >= 0 && b.X <= 1 && b.Y >= 0 && b.Y <= 1 {
				out = append(out, b)
			}
		}
		return out
	}
	return nil
}
