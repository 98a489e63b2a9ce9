package humanoid

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// Test Infrastructure
// =============================================================================

// recordingMover records pointer moves instead of touching a device.
type recordingMover struct {
	mu       sync.Mutex
	moves    [][2]int
	waits    []time.Duration
	failAt   int // 1-based move call that fails
	cancel   context.CancelFunc
	cancelAt int
}

func (m *recordingMover) Move(ctx context.Context, x, y int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAt > 0 && len(m.moves)+1 == m.failAt {
		return errors.New("device gone")
	}
	m.moves = append(m.moves, [2]int{x, y})
	if m.cancelAt > 0 && len(m.moves) == m.cancelAt && m.cancel != nil {
		m.cancel()
	}
	return nil
}

// Wait records the duration without sleeping.
func (m *recordingMover) Wait(ctx context.Context, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waits = append(m.waits, d)
	return ctx.Err()
}

func newTestHumanoid(seed int64) *Humanoid {
	cfg := DefaultConfig()
	cfg.Rng = rand.New(rand.NewSource(seed))
	return New(cfg, zap.NewNop())
}

// =============================================================================
// Tests
// =============================================================================

func TestMovementDurationGrowsWithDistance(t *testing.T) {
	h := newTestHumanoid(1)
	assert.Zero(t, h.MovementDuration(0))

	short := h.MovementDuration(20)
	long := h.MovementDuration(1500)
	assert.Greater(t, long, short)
	assert.LessOrEqual(t, long, DefaultConfig().MaxDuration)
}

func TestPlanEndsExactlyOnTarget(t *testing.T) {
	h := newTestHumanoid(7)
	traj := h.Plan(Point(10, 10), Point(800, 450))

	require.GreaterOrEqual(t, len(traj.Waypoints), 2)
	last := traj.Waypoints[len(traj.Waypoints)-1]
	assert.Equal(t, 800, last.X)
	assert.Equal(t, 450, last.Y)
	assert.Equal(t, traj.Duration, last.At)

	for i := 1; i < len(traj.Waypoints); i++ {
		assert.GreaterOrEqual(t, traj.Waypoints[i].At, traj.Waypoints[i-1].At, "offsets are monotonic")
	}
}

func TestPlanStaysNearTheStraightLine(t *testing.T) {
	h := newTestHumanoid(3)
	start, end := Point(0, 0), Point(1000, 0)
	traj := h.Plan(start, end)

	maxBow := DefaultConfig().Curvature*1000 + 20
	for _, wp := range traj.Waypoints {
		assert.LessOrEqual(t, float64(abs(wp.Y)), maxBow)
		assert.GreaterOrEqual(t, wp.X, -20)
		assert.LessOrEqual(t, wp.X, 1020)
	}
}

func TestPlanZeroDistance(t *testing.T) {
	h := newTestHumanoid(1)
	traj := h.Plan(Point(5, 5), Point(5, 5))
	require.Len(t, traj.Waypoints, 1)
	assert.Equal(t, Waypoint{X: 5, Y: 5}, traj.Waypoints[0])
}

func TestReplayDispatchesEveryWaypoint(t *testing.T) {
	h := newTestHumanoid(11)
	m := &recordingMover{}
	traj := Trajectory{Waypoints: []Waypoint{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}}}

	require.NoError(t, h.Replay(context.Background(), m, traj))
	assert.Equal(t, [][2]int{{1, 1}, {2, 2}, {3, 3}}, m.moves)
}

func TestReplayStopsOnCancellation(t *testing.T) {
	h := newTestHumanoid(5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := &recordingMover{cancel: cancel, cancelAt: 2}
	traj := Trajectory{Waypoints: []Waypoint{{X: 1}, {X: 2}, {X: 3}, {X: 4}}}

	err := h.Replay(ctx, m, traj)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, m.moves, 2)
}

func TestReplayPropagatesDeviceErrors(t *testing.T) {
	h := newTestHumanoid(5)
	m := &recordingMover{failAt: 2}
	err := h.MoveTo(context.Background(), m, Point(0, 0), Point(400, 300))
	assert.EqualError(t, err, "device gone")
	assert.Len(t, m.moves, 1)
}

func TestVectorHelpers(t *testing.T) {
	v := Vector2D{X: 3, Y: 4}
	assert.Equal(t, 5.0, v.Mag())
	assert.InDelta(t, 1.0, v.Normalize().Mag(), 1e-9)
	assert.Equal(t, Vector2D{}, Vector2D{}.Normalize())
	assert.Equal(t, Vector2D{X: -4, Y: 3}, v.Perp())
	x, y := Vector2D{X: 1.6, Y: -0.4}.Round()
	assert.Equal(t, 2, x)
	assert.Equal(t, 0, y)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
