package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/llmclient"
)

func fixedSessionIDs(t *testing.T, ids ...string) {
	t.Helper()
	orig := uuidNewString
	i := 0
	uuidNewString = func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
	t.Cleanup(func() { uuidNewString = orig })
}

func TestControllerStateMachine(t *testing.T) {
	fixedSessionIDs(t, "session-1")
	f := newControllerFixture(t, testAutonomyConfig())
	c := f.ctrl

	assert.Equal(t, StateIdle, c.State())
	_, err := c.Activate(10*time.Second, "")
	assert.ErrorIs(t, err, ErrNoTarget)
	assert.ErrorIs(t, c.SetTarget(schemas.TargetRegion{Label: "empty"}), ErrNoTarget)

	require.NoError(t, c.SetTarget(testRegion))
	assert.Equal(t, StateArmed, c.State())
	assert.Equal(t, testRegion, f.frames.region)

	sess, err := c.Activate(0, "explore")
	require.NoError(t, err)
	assert.Equal(t, "session-1", sess.ID)
	assert.Equal(t, 30*time.Second, sess.Deadline.Sub(sess.StartedAt), "zero selects the default duration")
	assert.Equal(t, StateAutonomous, c.State())
	assert.True(t, c.Cognitive().Get().AutonomyActive)

	sess, err = c.Activate(time.Second, "")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, sess.Deadline.Sub(sess.StartedAt))
	sess, err = c.Activate(time.Hour, "")
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, sess.Deadline.Sub(sess.StartedAt))
	assert.Len(t, f.sink.ofType(schemas.EventSessionSummary), 2, "replaced sessions are summarised")

	c.Stop("")
	assert.Equal(t, StateArmed, c.State())
	assert.Nil(t, c.Session())
	assert.True(t, c.Interrupted())
	assert.False(t, c.Cognitive().Get().AutonomyActive)

	_, err = c.Activate(10*time.Second, "")
	require.NoError(t, err)
	assert.False(t, c.Interrupted(), "a new session clears the interrupt")

	c.ClearTarget()
	assert.Equal(t, StateIdle, c.State())
	assert.Nil(t, c.Session())
	assert.True(t, f.frames.region.IsZero())

	c.Shutdown()
	assert.Equal(t, StateStopping, c.State())
	assert.ErrorIs(t, c.SetTarget(testRegion), ErrInvalidTransition)
	assert.False(t, canTransition(StateStopping, StateIdle))

	changes := f.sink.ofType(schemas.EventStateChange)
	require.NotEmpty(t, changes)
	assert.Equal(t, "STOPPING", changes[len(changes)-1].Payload["to"])
}

func TestInterval(t *testing.T) {
	cfg := testAutonomyConfig()
	f := newControllerFixture(t, cfg)
	c := f.ctrl

	assert.Equal(t, 5*time.Second, c.Interval(), "default power keeps the base interval")
	c.Cognitive().Update("power", func(s *CognitiveState) { s.PowerLevel = 10 })
	assert.Equal(t, 2500*time.Millisecond, c.Interval())
	c.Cognitive().Update("power", func(s *CognitiveState) { s.PowerLevel = 1 })
	assert.Equal(t, 25*time.Second, c.Interval())

	cfg.BaseInterval = time.Second
	f = newControllerFixture(t, cfg)
	f.ctrl.Cognitive().Update("power", func(s *CognitiveState) { s.PowerLevel = 10 })
	assert.Equal(t, time.Second, f.ctrl.Interval(), "floored at the minimum")

	f.ctrl.Cognitive().Update("gamer", func(s *CognitiveState) { s.GamerMode = true })
	assert.Equal(t, 3*time.Second, f.ctrl.Interval())
}

func TestTickRequiresSession(t *testing.T) {
	f := newControllerFixture(t, testAutonomyConfig())
	report := f.ctrl.Tick(context.Background())
	assert.Equal(t, "not autonomous", report.Skipped)
	assert.Zero(t, f.frames.requests)
}

func TestTickSkipsUnchangedScreen(t *testing.T) {
	f := newControllerFixture(t, testAutonomyConfig())
	f.armed(t, 30*time.Second)
	f.frames.pending = false

	report := f.ctrl.Tick(context.Background())
	assert.Equal(t, "no change", report.Skipped)
	f.router.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
	assert.NotEmpty(t, f.sink.ofType(schemas.EventMonitorUpdate))
}

func TestTickGamerModeForcesFrames(t *testing.T) {
	f := newControllerFixture(t, testAutonomyConfig())
	f.armed(t, 30*time.Second)
	f.frames.pending = false
	f.ctrl.Cognitive().Update("gamer", func(s *CognitiveState) { s.GamerMode = true })
	f.router.On("Dispatch", mock.Anything, roleIs("vision")).Return("[[ACTION: key space]]")

	report := f.ctrl.Tick(context.Background())
	assert.Empty(t, report.Skipped)
	require.Len(t, f.executor.executed(), 1)
}

// The deadline is honoured at a tick boundary even when the screen is static.
func TestTickEndsSessionAtDeadline(t *testing.T) {
	f := newControllerFixture(t, testAutonomyConfig())
	f.armed(t, 5*time.Second)

	f.clock.Advance(5 * time.Second)
	report := f.ctrl.Tick(context.Background())
	assert.Equal(t, "deadline", report.Ended)
	assert.Equal(t, StateArmed, f.ctrl.State())
	assert.Zero(t, f.frames.requests, "no frame is pulled after the deadline")

	summaries := f.sink.ofType(schemas.EventSessionSummary)
	require.Len(t, summaries, 1)
	assert.Equal(t, "deadline reached", summaries[0].Payload["reason"])
}

func TestTickDeadlineBoundsBlockedBackend(t *testing.T) {
	cfg := testAutonomyConfig()
	cfg.MinDuration = 0
	f := newControllerFixture(t, cfg)
	f.ctrl.now = time.Now
	f.armed(t, 300*time.Millisecond)

	f.router.On("Dispatch", mock.Anything, roleIs("vision")).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return("")

	start := time.Now()
	report := f.ctrl.Tick(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "deadline", report.Ended)
	assert.Equal(t, StateArmed, f.ctrl.State())
	assert.Empty(t, f.executor.executed())
}

func TestTickInterruptMidStream(t *testing.T) {
	f := newControllerFixture(t, testAutonomyConfig())
	f.armed(t, 30*time.Second)

	f.router.On("Dispatch", mock.Anything, roleIs("vision")).Run(func(mock.Arguments) {
		f.ctrl.Stop("operator stop")
	}).Return(llmclient.InterruptedTag + " [[ACTION: click 0.5, 0.5]]")

	report := f.ctrl.Tick(context.Background())
	assert.Equal(t, "interrupted", report.Skipped)
	assert.Empty(t, f.executor.executed(), "no action after an interrupt")
	assert.Equal(t, StateArmed, f.ctrl.State())
}

func TestTickInterruptBetweenActions(t *testing.T) {
	f := newControllerFixture(t, testAutonomyConfig())
	f.armed(t, 30*time.Second)
	f.router.On("Dispatch", mock.Anything, roleIs("vision")).
		Return("[[ACTION: key a]] [[ACTION: key b]] [[ACTION: key c]]")
	f.executor.onExec = func() { f.ctrl.Stop("") }

	report := f.ctrl.Tick(context.Background())
	assert.Len(t, f.executor.executed(), 1)
	assert.Equal(t, "interrupted", report.Skipped)
}

func TestTickPerceptionFailureMeansNoActions(t *testing.T) {
	f := newControllerFixture(t, testAutonomyConfig())
	f.armed(t, 30*time.Second)
	f.router.On("Dispatch", mock.Anything, roleIs("vision")).
		Return(llmclient.SystemErrorTag + " no vision backend available")

	report := f.ctrl.Tick(context.Background())
	assert.Equal(t, "perception unavailable", report.Skipped)
	assert.Empty(t, f.executor.executed())
	logs := f.sink.ofType(schemas.EventVisualLog)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Payload["text"], "no vision backend")
	assert.Equal(t, StateAutonomous, f.ctrl.State(), "a failed perception does not end the session")
}

func TestTickReasoningModes(t *testing.T) {
	t.Run("auto skips reasoning when perception already acts", func(t *testing.T) {
		f := newControllerFixture(t, testAutonomyConfig())
		f.armed(t, 30*time.Second)
		f.router.On("Dispatch", mock.Anything, roleIs("vision")).Return("[[ACTION: click 0.1, 0.1]]")

		report := f.ctrl.Tick(context.Background())
		assert.Empty(t, report.Decision)
		require.Len(t, f.executor.executed(), 1)
		assert.Equal(t, 0.1, f.executor.executed()[0].X)
	})

	t.Run("always prefers the decision", func(t *testing.T) {
		cfg := testAutonomyConfig()
		cfg.Reasoning = ReasoningAlways
		f := newControllerFixture(t, cfg)
		f.armed(t, 30*time.Second)
		f.router.On("Dispatch", mock.Anything, roleIs("vision")).Return(`[[ACTION: click 0.1, 0.1]] {"buttons":[]}`)
		f.router.On("Dispatch", mock.Anything, mock.MatchedBy(func(req llmclient.DispatchRequest) bool {
			return req.Role == "deep_thought" && len(req.Images) == 0 &&
				strings.Contains(req.Prompt, "PERCEPTION: [[ACTION: click 0.1, 0.1]]") &&
				strings.Contains(req.Prompt, "MOOD: curious")
		})).Return(`{"type":"click","x":0.9,"y":0.9}`)

		report := f.ctrl.Tick(context.Background())
		assert.NotEmpty(t, report.Decision)
		require.Len(t, f.executor.executed(), 1)
		assert.Equal(t, 0.9, f.executor.executed()[0].X)
	})

	t.Run("never leaves an empty perception idle", func(t *testing.T) {
		cfg := testAutonomyConfig()
		cfg.Reasoning = ReasoningNever
		f := newControllerFixture(t, cfg)
		f.armed(t, 30*time.Second)
		f.router.On("Dispatch", mock.Anything, roleIs("vision")).Return("A settings page.")

		report := f.ctrl.Tick(context.Background())
		assert.Empty(t, report.Actions)
		f.router.AssertNumberOfCalls(t, "Dispatch", 1)
	})
}

func TestTickConsultPausesUntilOperatorReplies(t *testing.T) {
	f := newControllerFixture(t, testAutonomyConfig())
	f.armed(t, 30*time.Second)
	logger, _ := setupTestLogger(t)
	commander := NewCommander(logger, testAutonomyConfig(), DefaultScrollStep, f.ctrl, Dependencies{Router: f.router, Executor: f.executor, Frames: f.frames})

	f.router.On("Dispatch", mock.Anything, roleIs("vision")).Return("A login dialog with two accounts.")
	f.router.On("Dispatch", mock.Anything, roleIs("deep_thought")).Return("CONSULT: which account should I use?").Once()
	f.router.On("Dispatch", mock.Anything, mock.MatchedBy(func(req llmclient.DispatchRequest) bool {
		return req.Role == "deep_thought" && strings.Contains(req.Prompt, "OPERATOR GUIDANCE: the guest one")
	})).Return(`{"type":"click","x":0.5,"y":0.5}`).Once()

	report := f.ctrl.Tick(context.Background())
	assert.True(t, report.Paused)
	assert.Equal(t, StatePaused, f.ctrl.State())
	assert.Equal(t, "which account should I use?", f.ctrl.PendingQuestion())
	assert.Empty(t, f.executor.executed())

	f.frames.markChanged()
	assert.Equal(t, "not autonomous", f.ctrl.Tick(context.Background()).Skipped, "paused sessions do not tick")

	reply := commander.Handle(context.Background(), "the guest one")
	assert.Contains(t, reply, "Resuming")
	assert.Equal(t, StateAutonomous, f.ctrl.State())

	report = f.ctrl.Tick(context.Background())
	assert.False(t, report.Paused)
	require.Len(t, f.executor.executed(), 1)
	f.router.AssertExpectations(t)
}

func TestTickExpiresPausedSessionAtDeadline(t *testing.T) {
	f := newControllerFixture(t, testAutonomyConfig())
	f.armed(t, 30*time.Second)
	f.router.On("Dispatch", mock.Anything, roleIs("vision")).Return("A dialog.")
	f.router.On("Dispatch", mock.Anything, roleIs("deep_thought")).Return("CONSULT: continue?").Once()

	require.True(t, f.ctrl.Tick(context.Background()).Paused)
	assert.True(t, f.ctrl.Cognitive().Get().AutonomyActive)

	f.clock.Advance(10 * time.Second)
	assert.Equal(t, "not autonomous", f.ctrl.Tick(context.Background()).Skipped, "paused before the deadline")
	assert.Equal(t, StatePaused, f.ctrl.State())

	f.clock.Advance(25 * time.Second)
	report := f.ctrl.Tick(context.Background())
	assert.Equal(t, "deadline", report.Ended)
	assert.Equal(t, StateArmed, f.ctrl.State())
	assert.Nil(t, f.ctrl.Session())
	assert.Empty(t, f.ctrl.PendingQuestion())
	assert.False(t, f.ctrl.Cognitive().Get().AutonomyActive)
	require.Len(t, f.sink.ofType(schemas.EventSessionSummary), 1)
	assert.Empty(t, f.executor.executed())
}

func TestTickBudgetTruncatesAndSignalsBackpressure(t *testing.T) {
	cfg := testAutonomyConfig()
	cfg.Budget.Capacity = 2
	f := newControllerFixture(t, cfg)
	f.armed(t, 30*time.Second)
	f.router.On("Dispatch", mock.Anything, roleIs("vision")).
		Return("[[ACTION: key a]] [[ACTION: key b]] [[ACTION: key c]]")

	report := f.ctrl.Tick(context.Background())
	assert.Len(t, f.executor.executed(), 2)
	assert.Equal(t, 1, report.Throttled)
	assert.Equal(t, 1, f.ctrl.Session().Throttled)
	assert.Equal(t, 2, f.ctrl.Session().ActionCount)

	bp := f.sink.ofType(schemas.EventBackpressure)
	require.Len(t, bp, 1)
	assert.Equal(t, string(ErrCodeBudgetExhausted), bp[0].Payload["code"])
	assert.Equal(t, 1, bp[0].Payload["dropped"])
	assert.Equal(t, StateAutonomous, f.ctrl.State(), "backpressure is not a failure")
}

func TestTickRewardedClickIsRemembered(t *testing.T) {
	fixedSessionIDs(t, "id-1")
	f := newControllerFixture(t, testAutonomyConfig())
	f.armed(t, 30*time.Second)
	f.frames.changed, f.frames.score = true, 0.2

	f.router.On("Dispatch", mock.Anything, roleIs("vision")).
		Return(`{"buttons":[{"label":"7","x":0.2,"y":0.6}]}` + "\n[[ACTION: click 0.2, 0.6]]")
	f.knowledge.On("StoreExperience", mock.Anything, mock.MatchedBy(func(exp schemas.Experience) bool {
		return exp.ID == "id-1" && exp.Category == "autonomy_success" && exp.Action == "click 0.2, 0.6 (normalized)"
	})).Return(nil).Once()

	f.ctrl.Tick(context.Background())

	f.knowledge.AssertExpectations(t)
	assert.Equal(t, 1, f.ctrl.Session().Rewards)
	known := f.ctrl.Memory().Get(testRegion.Label)
	require.Len(t, known.Buttons, 1)
	require.Len(t, known.SuccessActions, 1)
	assert.Equal(t, SuccessAction{Verb: "click", X: 0.2, Y: 0.6, Gain: 0.2}, known.SuccessActions[0])

	outcomes := f.sink.ofType(schemas.EventActionOutcome)
	require.Len(t, outcomes, 1)
	monitor := f.sink.ofType(schemas.EventMonitorUpdate)
	require.NotEmpty(t, monitor)
	assert.Equal(t, 1, monitor[len(monitor)-1].Payload["action_count"])
	assert.Contains(t, monitor[len(monitor)-1].Payload["mode"], "AUTO ")
}

func TestTickUnrewardedClickIsNotStored(t *testing.T) {
	f := newControllerFixture(t, testAutonomyConfig())
	f.armed(t, 30*time.Second)
	f.router.On("Dispatch", mock.Anything, roleIs("vision")).Return("[[ACTION: click 40, 30 px]]")

	f.ctrl.Tick(context.Background())
	f.knowledge.AssertNotCalled(t, "StoreExperience", mock.Anything, mock.Anything)
	known := f.ctrl.Memory().Get(testRegion.Label)
	assert.Empty(t, known.SuccessActions)
	assert.Zero(t, f.ctrl.Session().Rewards)
}

func TestTickRecoversFromPanics(t *testing.T) {
	f := newControllerFixture(t, testAutonomyConfig())
	f.armed(t, 30*time.Second)
	f.router.On("Dispatch", mock.Anything, roleIs("vision")).Return("[[ACTION: key a]]")
	f.executor.onExec = func() { panic("executor bug") }

	var report TickReport
	assert.NotPanics(t, func() { report = f.ctrl.Tick(context.Background()) })
	assert.Equal(t, "panic", report.Skipped)
}

func TestRunMovesToStoppingOnCancel(t *testing.T) {
	f := newControllerFixture(t, testAutonomyConfig())
	f.armed(t, 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ctrl.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, StateStopping, f.ctrl.State())
	assert.Nil(t, f.ctrl.Session())
}

func TestStatusSnapshot(t *testing.T) {
	f := newControllerFixture(t, testAutonomyConfig())
	f.armed(t, 30*time.Second)

	st := f.ctrl.Status()
	assert.Equal(t, StateAutonomous, st.State)
	require.NotNil(t, st.Session)
	assert.Equal(t, 5, st.Capacity)
	assert.Equal(t, 5.0, st.Tokens)

	text := FormatStatus(st)
	assert.Contains(t, text, "State: AUTONOMOUS")
	assert.Contains(t, text, "Target: Calculator")
	assert.Contains(t, text, "Role chat -> daemon:mistral")
}
