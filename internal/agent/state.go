package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// CognitiveState is the operator-tunable disposition of the agent. It is
// persisted on every mutation.
type CognitiveState struct {
	PowerLevel     int    `json:"power_level"`
	Mood           string `json:"mood"`
	Strategy       string `json:"strategy"`
	GamerMode      bool   `json:"gamer_mode"`
	AutonomyActive bool   `json:"autonomy_active"`
	Aggressiveness int    `json:"aggressiveness"`
}

// DefaultCognitiveState is the state used when nothing has been persisted.
func DefaultCognitiveState(power, aggressiveness int) CognitiveState {
	return CognitiveState{
		PowerLevel:     power,
		Mood:           "curious",
		Strategy:       "explore first, then exploit",
		Aggressiveness: aggressiveness,
	}
}

// StateStore guards the single CognitiveState value and writes it through to
// a JSON file. Persistence failures are logged and swallowed.
type StateStore struct {
	logger *zap.Logger
	path   string

	mu    sync.Mutex
	state CognitiveState
}

// NewStateStore loads the state from path. A missing or unreadable file
// yields defaults. AutonomyActive is always false after loading, so a restart
// never resumes autonomous action. An empty path keeps the state in memory.
func NewStateStore(logger *zap.Logger, path string, defaults CognitiveState) *StateStore {
	s := &StateStore{logger: logger.Named("state_store"), path: path, state: defaults}
	if path != "" {
		if loaded, err := readState(path); err == nil {
			s.state = loaded
		} else if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Could not read cognitive state; using defaults.", zap.String("path", path), zap.Error(err))
		}
	}
	if s.state.PowerLevel < 1 || s.state.PowerLevel > 10 {
		s.state.PowerLevel = defaults.PowerLevel
	}
	if s.state.Aggressiveness < 1 || s.state.Aggressiveness > 5 {
		s.state.Aggressiveness = defaults.Aggressiveness
	}
	s.state.AutonomyActive = false
	return s
}

func readState(path string) (CognitiveState, error) {
	var st CognitiveState
	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decoding %s: %w", path, err)
	}
	return st, nil
}

// Get returns a copy of the current state.
func (s *StateStore) Get() CognitiveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update applies a named transition to the state and persists the result.
func (s *StateStore) Update(name string, fn func(*CognitiveState)) CognitiveState {
	s.mu.Lock()
	before := s.state
	fn(&s.state)
	after := s.state
	s.mu.Unlock()

	if after != before {
		s.logger.Debug("Cognitive state transition.", zap.String("transition", name), zap.Any("state", after))
		s.persist(after)
	}
	return after
}

func (s *StateStore) persist(st CognitiveState) {
	if s.path == "" {
		return
	}
	if err := writeFileAtomic(s.path, st); err != nil {
		s.logger.Warn("Failed to persist cognitive state.", zap.String("path", s.path), zap.Error(err))
	}
}

// writeFileAtomic marshals v and replaces path through a temp file rename.
func writeFileAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding: %w", err)
	}
	return writeBytesAtomic(path, data)
}

func writeBytesAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
