package agent

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/capture"
	"github.com/xkilldash9x/deskpilot/internal/config"
	"github.com/xkilldash9x/deskpilot/internal/llmclient"
)

// setupTestLogger creates a zap logger with an observer for log assertions.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// -- Router --

type mockRouter struct {
	mock.Mock
}

func (m *mockRouter) Dispatch(ctx context.Context, req llmclient.DispatchRequest) string {
	args := m.Called(ctx, req)
	return args.String(0)
}

func (m *mockRouter) DefaultRole() string { return "chat" }
func (m *mockRouter) VisionRole() string  { return "vision" }
func (m *mockRouter) Bindings() []llmclient.Binding {
	return []llmclient.Binding{{Role: "chat", Identity: "daemon:mistral"}}
}

func roleIs(role string) interface{} {
	return mock.MatchedBy(func(req llmclient.DispatchRequest) bool { return req.Role == role })
}

// -- Frames --

type fakeFrames struct {
	mu       sync.Mutex
	frame    *capture.EncodedFrame
	pending  bool
	changed  bool
	score    float64
	region   schemas.TargetRegion
	requests int
}

func newFakeFrames() *fakeFrames {
	return &fakeFrames{
		frame:   &capture.EncodedFrame{Data: []byte("jpeg"), MimeType: "image/jpeg", Width: 1000, Height: 800},
		pending: true,
	}
}

func (f *fakeFrames) LatestFrame(force bool) (*capture.EncodedFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	changed := f.pending
	if !changed && !force {
		return nil, false
	}
	f.pending = false
	return f.frame, changed
}

func (f *fakeFrames) Snapshot() *capture.Frame {
	return &capture.Frame{Image: image.NewRGBA(image.Rect(0, 0, 4, 4))}
}

func (f *fakeFrames) CheckImpact(*capture.Frame) (bool, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changed, f.score
}

func (f *fakeFrames) SetRegion(r schemas.TargetRegion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.region = r
}

func (f *fakeFrames) Stats() capture.Stats {
	return capture.Stats{Running: true, FPS: 5, LastScore: 0.01}
}

func (f *fakeFrames) markChanged() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = true
}

// -- Executor --

type recordingExecutor struct {
	mu      sync.Mutex
	cmds    []schemas.ActionCommand
	regions []schemas.TargetRegion
	outcome string
	onExec  func()
}

func (r *recordingExecutor) Execute(_ context.Context, cmd schemas.ActionCommand, region schemas.TargetRegion) string {
	r.mu.Lock()
	r.cmds = append(r.cmds, cmd)
	r.regions = append(r.regions, region)
	hook := r.onExec
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	if r.outcome != "" {
		return r.outcome
	}
	return "Success: " + cmd.String()
}

func (r *recordingExecutor) executed() []schemas.ActionCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schemas.ActionCommand(nil), r.cmds...)
}

// -- Device --

type mockDevice struct {
	mock.Mock
}

func (m *mockDevice) Click(ctx context.Context, x, y int) error {
	return m.Called(ctx, x, y).Error(0)
}
func (m *mockDevice) DoubleClick(ctx context.Context, x, y int) error {
	return m.Called(ctx, x, y).Error(0)
}
func (m *mockDevice) Move(ctx context.Context, x, y int) error {
	return m.Called(ctx, x, y).Error(0)
}
func (m *mockDevice) Drag(ctx context.Context, x1, y1, x2, y2 int) error {
	return m.Called(ctx, x1, y1, x2, y2).Error(0)
}
func (m *mockDevice) Type(ctx context.Context, text string) error {
	return m.Called(ctx, text).Error(0)
}
func (m *mockDevice) Key(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}
func (m *mockDevice) Hotkey(ctx context.Context, names ...string) error {
	return m.Called(ctx, names).Error(0)
}
func (m *mockDevice) Scroll(ctx context.Context, amount int) error {
	return m.Called(ctx, amount).Error(0)
}
func (m *mockDevice) Wait(ctx context.Context, d time.Duration) error {
	return m.Called(ctx, d).Error(0)
}
func (m *mockDevice) Activate(ctx context.Context, region schemas.TargetRegion) bool {
	return m.Called(ctx, region).Bool(0)
}

// -- Knowledge --

type mockKnowledge struct {
	mock.Mock
}

func (m *mockKnowledge) StoreExperience(ctx context.Context, exp schemas.Experience) error {
	return m.Called(ctx, exp).Error(0)
}

func (m *mockKnowledge) QueryExperience(ctx context.Context, text string, limit int) ([]schemas.Experience, error) {
	args := m.Called(ctx, text, limit)
	exps, _ := args.Get(0).([]schemas.Experience)
	return exps, args.Error(1)
}

// -- Events --

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(t schemas.EventType, payload map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{Type: t, Payload: payload})
}

func (s *recordingSink) ofType(t schemas.EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// -- Fixtures --

var testRegion = schemas.TargetRegion{Label: "Calculator", Left: 100, Top: 50, Width: 1000, Height: 800, WindowID: "0x01"}

func testAutonomyConfig() config.AutonomyConfig {
	return config.AutonomyConfig{
		DefaultDuration: 30 * time.Second,
		MinDuration:     5 * time.Second,
		MaxDuration:     300 * time.Second,
		BaseInterval:    5 * time.Second,
		MinInterval:     time.Second,
		GamerInterval:   3 * time.Second,
		DefaultPower:    5,
		Reasoning:       ReasoningAuto,
		ConsultMarkers:  []string{"[[CONSULT]]", "CONSULT:"},
		ChatHistory:     10,
		Budget:          config.BudgetConfig{Capacity: 5, RefillPerSecond: 0.5, Aggressiveness: 1},
	}
}

type controllerFixture struct {
	ctrl      *Controller
	router    *mockRouter
	frames    *fakeFrames
	executor  *recordingExecutor
	knowledge *mockKnowledge
	sink      *recordingSink
	clock     *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newControllerFixture(t *testing.T, cfg config.AutonomyConfig) *controllerFixture {
	t.Helper()
	logger, _ := setupTestLogger(t)
	f := &controllerFixture{
		router:    &mockRouter{},
		frames:    newFakeFrames(),
		executor:  &recordingExecutor{},
		knowledge: &mockKnowledge{},
		sink:      &recordingSink{},
		clock:     &fakeClock{now: time.Now()},
	}
	f.ctrl = NewController(logger, cfg, DefaultScrollStep, Dependencies{
		Frames:    f.frames,
		Router:    f.router,
		Executor:  f.executor,
		Knowledge: f.knowledge,
		Sink:      f.sink,
	})
	f.ctrl.now = f.clock.Now
	f.ctrl.budget.now = f.clock.Now
	f.ctrl.budget.Reset()
	f.ctrl.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

// armed sets the target and starts a session of d.
func (f *controllerFixture) armed(t *testing.T, d time.Duration) *Session {
	t.Helper()
	if err := f.ctrl.SetTarget(testRegion); err != nil {
		t.Fatalf("set target: %v", err)
	}
	s, err := f.ctrl.Activate(d, "")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	return s
}
