package llmclient

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/config"
)

// MockBackend is a mock implementation of schemas.Backend.
type MockBackend struct {
	mock.Mock
	ID     string
	Images bool
	Fold   bool
}

func (m *MockBackend) Generate(ctx context.Context, messages []schemas.Message, params schemas.GenerationParams) (string, error) {
	args := m.Called(ctx, messages, params)
	return args.String(0), args.Error(1)
}

func (m *MockBackend) Identity() string        { return m.ID }
func (m *MockBackend) SupportsImages() bool    { return m.Images }
func (m *MockBackend) FoldsSystemPrompt() bool { return m.Fold }
func (m *MockBackend) Close() error            { return nil }

// fakeLocator resolves patterns from a fixed table and counts probes.
type fakeLocator struct {
	kind       config.SourceKind
	identities map[string]string // match pattern -> identity
	images     bool

	mu      sync.Mutex
	opened  map[string]*MockBackend
	locates atomic.Int32
	opens   atomic.Int32
}

func newFakeLocator(kind config.SourceKind, identities map[string]string) *fakeLocator {
	return &fakeLocator{kind: kind, identities: identities, opened: map[string]*MockBackend{}}
}

func (f *fakeLocator) Kind() config.SourceKind { return f.kind }

func (f *fakeLocator) Locate(_ context.Context, src config.BackendSource) (string, error) {
	f.locates.Add(1)
	id, ok := f.identities[src.Match]
	if !ok {
		return "", ErrNoMatch
	}
	return id, nil
}

func (f *fakeLocator) Open(_ context.Context, identity string, src config.BackendSource) (schemas.Backend, error) {
	f.opens.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &MockBackend{ID: identity, Images: f.images || src.Vision, Fold: src.Vision}
	f.opened[identity] = b
	return b, nil
}

func (f *fakeLocator) backend(identity string) *MockBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[identity]
}

// setupTestLogger creates a zap logger with an observer for log assertions.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func src(kind config.SourceKind, match string, vision bool) config.BackendSource {
	return config.BackendSource{Kind: kind, Match: match, Vision: vision, Params: config.BackendParams{Temperature: 0.5, MaxTokens: 256}}
}

type flag struct{ v atomic.Bool }

func (f *flag) Interrupted() bool { return f.v.Load() }
