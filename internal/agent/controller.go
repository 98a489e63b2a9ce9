package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/capture"
	"github.com/xkilldash9x/deskpilot/internal/config"
	"github.com/xkilldash9x/deskpilot/internal/llmclient"
)

// uuidNewString is a package-level variable to allow mocking in tests.
var uuidNewString = uuid.NewString

// Reasoning modes for the second, text-only pass of a tick.
const (
	ReasoningAuto   = "auto"
	ReasoningAlways = "always"
	ReasoningNever  = "never"
)

// experienceCategory tags knowledge records written after a rewarded click.
const experienceCategory = "autonomy_success"

// Dependencies bundles the collaborators of a Controller. Knowledge,
// Transcript and Sink may be nil.
type Dependencies struct {
	Frames     FrameSource
	Router     ModelRouter
	Executor   ActionExecutor
	State      *StateStore
	Memory     *WindowMemory
	Knowledge  schemas.KnowledgeStore
	Sink       schemas.EventSink
	Transcript *Transcript
	// Windows and Scanner are only used by the command handler.
	Windows schemas.WindowLister
	Scanner TileScanner
}

// Controller owns the autonomy state machine and runs the perceive, decide,
// act loop while a session is active.
type Controller struct {
	logger     *zap.Logger
	cfg        config.AutonomyConfig
	frames     FrameSource
	router     ModelRouter
	executor   ActionExecutor
	decoder    *Decoder
	budget     *ActionBudget
	state      *StateStore
	memory     *WindowMemory
	knowledge  schemas.KnowledgeStore
	sink       schemas.EventSink
	transcript *Transcript
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	// sessionMu serializes a tick with foreground command handling, so the
	// actuator never runs twice at once for the target.
	sessionMu sync.Mutex

	mu       sync.Mutex
	current  State
	target   schemas.TargetRegion
	session  *Session
	guidance string
	question string

	interrupt atomic.Bool
}

// NewController creates a controller in IDLE.
func NewController(logger *zap.Logger, cfg config.AutonomyConfig, scrollStep int, deps Dependencies) *Controller {
	log := logger.Named("autonomy")
	if deps.State == nil {
		deps.State = NewStateStore(log, "", DefaultCognitiveState(cfg.DefaultPower, cfg.Budget.Aggressiveness))
	}
	if deps.Memory == nil {
		deps.Memory = NewWindowMemory(log, "")
	}
	c := &Controller{
		logger:     log,
		cfg:        cfg,
		frames:     deps.Frames,
		router:     deps.Router,
		executor:   deps.Executor,
		decoder:    NewDecoder(logger, scrollStep),
		budget:     NewActionBudget(cfg.Budget),
		state:      deps.State,
		memory:     deps.Memory,
		knowledge:  deps.Knowledge,
		sink:       deps.Sink,
		transcript: deps.Transcript,
		now:        time.Now,
		sleep:      sleepContext,
		current:    StateIdle,
	}
	c.budget.SetAggressiveness(c.state.Get().Aggressiveness)
	return c
}

// -- Accessors --

// State returns the current state machine position.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Target returns the current target region and whether one is set.
func (c *Controller) Target() (schemas.TargetRegion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target, !c.target.IsZero()
}

// Session returns a copy of the running session, or nil.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// PendingQuestion is the consultation question that paused the session.
func (c *Controller) PendingQuestion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.question
}

// Interrupted implements schemas.Interrupter for streamed generations.
func (c *Controller) Interrupted() bool { return c.interrupt.Load() }

// rearm clears a stale interrupt before a new foreground turn.
func (c *Controller) rearm() { c.interrupt.Store(false) }

// Budget exposes the action budget for status reporting and tuning.
func (c *Controller) Budget() *ActionBudget { return c.budget }

// Cognitive exposes the cognitive state store.
func (c *Controller) Cognitive() *StateStore { return c.state }

// Memory exposes the per-window knowledge.
func (c *Controller) Memory() *WindowMemory { return c.memory }

// Exclusive runs fn while holding the session lock. Foreground command
// handling uses it so it never interleaves with a tick.
func (c *Controller) Exclusive(fn func()) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	fn()
}

// -- Transitions --

// transition moves the state machine. Callers hold c.mu.
func (c *Controller) transition(to State, reason string, extra map[string]interface{}) error {
	from := c.current
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from == to {
		return nil
	}
	c.current = to
	c.logger.Info("State transition.", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("reason", reason))
	payload := map[string]interface{}{"from": string(from), "to": string(to), "reason": reason}
	for k, v := range extra {
		payload[k] = v
	}
	c.emit(schemas.EventStateChange, payload)
	return nil
}

// restingState is where the machine goes when nothing is running. Callers
// hold c.mu.
func (c *Controller) restingState() State {
	if c.target.IsZero() {
		return StateIdle
	}
	return StateArmed
}

// SetTarget designates the automation surface. A running session keeps going
// against the new region.
func (c *Controller) SetTarget(region schemas.TargetRegion) error {
	if region.IsZero() {
		return fmt.Errorf("%w: region %s has no area", ErrNoTarget, region)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == StateStopping {
		return fmt.Errorf("%w: shutting down", ErrInvalidTransition)
	}
	c.target = region
	if c.session != nil {
		c.session.Target = region
	}
	if c.frames != nil {
		c.frames.SetRegion(region)
	}
	if c.current == StateIdle {
		return c.transition(StateArmed, "target selected", map[string]interface{}{"target": region.String()})
	}
	c.logger.Info("Target changed.", zap.String("target", region.String()))
	return nil
}

// ClearTarget drops the target and ends any session.
func (c *Controller) ClearTarget() {
	c.interrupt.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endSessionLocked("target cleared")
	c.target = schemas.TargetRegion{}
	if c.frames != nil {
		c.frames.SetRegion(schemas.TargetRegion{})
	}
	if c.current != StateStopping {
		_ = c.transition(StateIdle, "target cleared", nil)
	}
}

// ClampDuration applies the session duration bounds. Zero selects the default.
func (c *Controller) ClampDuration(d time.Duration) time.Duration {
	if d <= 0 {
		d = c.cfg.DefaultDuration
	}
	if c.cfg.MinDuration > 0 && d < c.cfg.MinDuration {
		d = c.cfg.MinDuration
	}
	if c.cfg.MaxDuration > 0 && d > c.cfg.MaxDuration {
		d = c.cfg.MaxDuration
	}
	return d
}

// Activate starts a new autonomy session. A session that is already running
// is replaced.
func (c *Controller) Activate(d time.Duration, task string) (*Session, error) {
	d = c.ClampDuration(d)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target.IsZero() {
		return nil, ErrNoTarget
	}
	if c.current == StateStopping {
		return nil, fmt.Errorf("%w: shutting down", ErrInvalidTransition)
	}
	if c.session != nil {
		c.endSessionLocked("replaced")
	}

	c.interrupt.Store(false)
	c.budget.Reset()
	c.budget.SetAggressiveness(c.state.Get().Aggressiveness)
	c.state.Update("activate", func(s *CognitiveState) { s.AutonomyActive = true })

	now := c.now()
	c.session = &Session{
		ID:        uuidNewString(),
		StartedAt: now,
		Deadline:  now.Add(d),
		Target:    c.target,
		Task:      task,
	}
	c.guidance, c.question = "", ""
	if err := c.transition(StateAutonomous, "session started", map[string]interface{}{
		"session_id": c.session.ID,
		"duration":   d.Seconds(),
	}); err != nil {
		c.endSessionLocked("activation failed")
		return nil, err
	}
	c.transcriptLog("system", fmt.Sprintf("Autonomy started for %s on %s.", d, c.target.Label))
	s := *c.session
	return &s, nil
}

// Stop ends any session immediately and raises the interrupt flag so
// in-flight generations and remaining actions are abandoned. It does not wait
// for a running tick.
func (c *Controller) Stop(reason string) {
	c.interrupt.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if reason == "" {
		reason = "stopped by operator"
	}
	c.endSessionLocked(reason)
	if c.current != StateStopping {
		_ = c.transition(c.restingState(), reason, nil)
	}
}

// Resume continues a paused session. Non-empty guidance is carried into the
// next decision prompt. It reports whether a paused session was resumed.
func (c *Controller) Resume(guidance string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != StatePaused || c.session == nil {
		return false
	}
	c.guidance = strings.TrimSpace(guidance)
	c.question = ""
	c.interrupt.Store(false)
	_ = c.transition(StateAutonomous, "operator replied", nil)
	return true
}

// Shutdown moves to STOPPING. The controller accepts no further sessions.
func (c *Controller) Shutdown() {
	c.interrupt.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endSessionLocked("shutdown")
	_ = c.transition(StateStopping, "shutdown", nil)
}

// endSessionLocked clears the session and publishes its summary. Callers
// hold c.mu.
func (c *Controller) endSessionLocked(reason string) {
	s := c.session
	if s == nil {
		return
	}
	c.session = nil
	c.guidance, c.question = "", ""
	c.state.Update("end_session", func(st *CognitiveState) { st.AutonomyActive = false })

	elapsed := c.now().Sub(s.StartedAt)
	c.logger.Info("Autonomy session ended.",
		zap.String("session_id", s.ID),
		zap.String("reason", reason),
		zap.Int("actions", s.ActionCount),
		zap.Int("rewards", s.Rewards),
		zap.Duration("elapsed", elapsed))
	c.emit(schemas.EventSessionSummary, map[string]interface{}{
		"session_id":   s.ID,
		"reason":       reason,
		"action_count": s.ActionCount,
		"rewards":      s.Rewards,
		"throttled":    s.Throttled,
		"last_action":  s.LastAction,
		"elapsed":      elapsed.Seconds(),
		"target":       s.Target.Label,
	})
	c.transcriptLog("system", fmt.Sprintf("Autonomy ended (%s) after %d actions.", reason, s.ActionCount))
}

// expire ends the session if it is still the one identified by id.
func (c *Controller) expire(id, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.ID != id {
		return false
	}
	c.endSessionLocked(reason)
	if c.current != StateStopping {
		_ = c.transition(c.restingState(), reason, nil)
	}
	return true
}

func (c *Controller) pause(id, question string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.ID != id || c.current != StateAutonomous {
		return false
	}
	c.question = question
	_ = c.transition(StatePaused, "consultation requested", map[string]interface{}{"question": question})
	return true
}

// active reports whether id is still the running, unpaused session.
func (c *Controller) active(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.ID == id && c.current == StateAutonomous
}

func (c *Controller) updateSession(id string, fn func(*Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && c.session.ID == id {
		fn(c.session)
	}
}

func (c *Controller) takeGuidance() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.guidance
	c.guidance = ""
	return g
}

// -- Loop --

// Interval is the pause between ticks for the current cognitive state.
func (c *Controller) Interval() time.Duration {
	cs := c.state.Get()
	var d time.Duration
	if cs.GamerMode {
		d = c.cfg.GamerInterval
	} else {
		power := cs.PowerLevel
		if power < 1 {
			power = 1
		}
		d = time.Duration(float64(c.cfg.BaseInterval) * float64(c.cfg.DefaultPower) / float64(power))
	}
	if d < c.cfg.MinInterval {
		d = c.cfg.MinInterval
	}
	return d
}

// Run ticks until ctx is cancelled, then moves to STOPPING.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("Autonomy loop started.")
	defer c.logger.Info("Autonomy loop stopped.")
	for {
		timer := time.NewTimer(c.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			c.Shutdown()
			return nil
		case <-timer.C:
		}
		c.Tick(ctx)
	}
}

// Tick runs one perceive, decide, act cycle.
func (c *Controller) Tick(ctx context.Context) (report TickReport) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Recovered from panic in autonomy tick.", zap.Any("panic_value", r), zap.Stack("stack"))
			report.Skipped = "panic"
		}
	}()

	c.mu.Lock()
	var sess Session
	live := c.session != nil && (c.current == StateAutonomous || c.current == StatePaused)
	if live {
		sess = *c.session
	}
	running := live && c.current == StateAutonomous
	target := c.target
	c.mu.Unlock()

	// The deadline is checked before anything else so an unchanged screen or
	// an unanswered consultation cannot keep a session alive.
	if live && !c.now().Before(sess.Deadline) {
		c.expire(sess.ID, "deadline reached")
		report.Ended = "deadline"
		return report
	}
	if !running {
		report.Skipped = "not autonomous"
		return report
	}

	cs := c.state.Get()
	frame, _ := c.frames.LatestFrame(cs.GamerMode)
	if frame == nil {
		report.Skipped = "no change"
		c.emitMonitor(sess.ID)
		return report
	}
	reference := c.frames.Snapshot()

	callCtx, cancel := context.WithDeadline(ctx, sess.Deadline)
	defer cancel()

	// -- Perception --
	known := c.memory.Get(target.Label)
	perception, err := c.ask(callCtx, llmclient.DispatchRequest{
		Role:         c.router.VisionRole(),
		Prompt:       perceptionPrompt(frame.Width, frame.Height, known, sess.Task),
		SystemPrompt: perceptionSystem,
		Images:       []string{frame.Base64()},
		Interrupt:    c,
	})
	if c.abandon(ctx, sess.ID, err, &report) {
		return report
	}
	report.Perception = perception
	c.emit(schemas.EventVisualLog, map[string]interface{}{"session_id": sess.ID, "text": perception})
	if llmclient.IsTagged(perception) {
		c.logger.Warn("Perception unavailable; no actions this tick.", zap.String("output", perception))
		report.Skipped = "perception unavailable"
		return report
	}
	if buttons := ExtractButtons(perception); len(buttons) > 0 {
		c.memory.RecordButtons(target.Label, buttons)
	}

	actions := c.decoder.Decode(perception)

	// -- Reasoning --
	if c.wantsReasoning(len(actions)) {
		decision, err := c.ask(callCtx, llmclient.DispatchRequest{
			Role: llmclient.RoleForTask("complex_logic"),
			Prompt: decisionPrompt(decisionInput{
				Perception: perception,
				Successes:  known.SuccessActions,
				LastReward: known.LastReward,
				Remaining:  sess.Remaining(c.now()),
				Mood:       cs.Mood,
				Strategy:   cs.Strategy,
				Task:       sess.Task,
				Guidance:   c.takeGuidance(),
			}),
			SystemPrompt: decisionSystem,
			Interrupt:    c,
		})
		if c.abandon(ctx, sess.ID, err, &report) {
			return report
		}
		report.Decision = decision
		c.emit(schemas.EventThoughtLog, map[string]interface{}{"session_id": sess.ID, "text": decision})
		if q, ok := ConsultQuestion(decision, c.cfg.ConsultMarkers); ok {
			if c.pause(sess.ID, q) {
				c.transcriptLog("assistant", "CONSULT: "+q)
				report.Paused = true
			}
			return report
		}
		if !llmclient.IsTagged(decision) {
			if decided := c.decoder.Decode(decision); len(decided) > 0 {
				actions = decided
			}
		}
	}
	report.Actions = actions

	// -- Actuation --
	for i, cmd := range actions {
		if c.interrupt.Load() || !c.active(sess.ID) {
			report.Skipped = "interrupted"
			break
		}
		if !c.budget.Spend() {
			report.Throttled = len(actions) - i
			c.updateSession(sess.ID, func(s *Session) { s.Throttled += report.Throttled })
			c.logger.Info("Action budget exhausted; dropping the rest of the tick.",
				zap.Int("dropped", report.Throttled),
				zap.Float64("tokens", c.budget.Tokens()))
			c.emit(schemas.EventBackpressure, map[string]interface{}{
				"session_id": sess.ID,
				"code":       string(ErrCodeBudgetExhausted),
				"dropped":    report.Throttled,
				"tokens":     c.budget.Tokens(),
			})
			break
		}
		outcome := c.executor.Execute(callCtx, cmd, target)
		report.Outcomes = append(report.Outcomes, outcome)
		c.updateSession(sess.ID, func(s *Session) {
			s.ActionCount++
			s.LastAction = cmd.String()
		})
		c.emit(schemas.EventActionOutcome, map[string]interface{}{
			"session_id": sess.ID,
			"action":     cmd.String(),
			"outcome":    outcome,
		})
		if cmd.Verb == schemas.VerbClick && strings.HasPrefix(outcome, "Success") {
			c.reward(callCtx, sess.ID, target, cmd, reference, perception)
		}
	}

	c.emitMonitor(sess.ID)
	return report
}

func (c *Controller) wantsReasoning(decoded int) bool {
	switch c.cfg.Reasoning {
	case ReasoningAlways:
		return true
	case ReasoningNever:
		return false
	default:
		return decoded == 0
	}
}

// ask dispatches a request but stops waiting when ctx ends, so a blocked
// backend cannot hold a session past its deadline. A late reply is discarded.
func (c *Controller) ask(ctx context.Context, req llmclient.DispatchRequest) (string, error) {
	reply := make(chan string, 1)
	go func() { reply <- c.router.Dispatch(ctx, req) }()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case out := <-reply:
		if c.interrupt.Load() || strings.HasPrefix(strings.TrimSpace(out), llmclient.InterruptedTag) {
			return out, llmclient.ErrInterrupted
		}
		return out, nil
	}
}

// abandon decides whether a model call ended the tick.
func (c *Controller) abandon(parent context.Context, id string, err error, report *TickReport) bool {
	switch {
	case err == nil:
		if !c.active(id) {
			report.Skipped = "session changed"
			return true
		}
		return false
	case errors.Is(err, llmclient.ErrInterrupted):
		report.Skipped = "interrupted"
	case parent.Err() != nil:
		report.Skipped = "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		c.expire(id, "deadline reached")
		report.Ended = "deadline"
	default:
		report.Skipped = err.Error()
	}
	return true
}

// reward waits for the screen to settle and compares it with the frame taken
// before the actions. A visible change is a success worth remembering.
func (c *Controller) reward(ctx context.Context, id string, target schemas.TargetRegion, cmd schemas.ActionCommand, reference *capture.Frame, observation string) {
	if reference == nil {
		return
	}
	if c.cfg.RewardSettle > 0 {
		if err := c.sleep(ctx, c.cfg.RewardSettle); err != nil {
			return
		}
	}
	changed, score := c.frames.CheckImpact(reference)
	fx, fy := fraction(cmd, target)
	c.memory.RecordReward(target.Label, SuccessAction{Verb: string(cmd.Verb), X: fx, Y: fy, Gain: score}, changed)
	if !changed {
		return
	}
	c.updateSession(id, func(s *Session) { s.Rewards++ })
	c.logger.Debug("Click produced a visible change.", zap.String("action", cmd.String()), zap.Float64("score", score))

	if c.knowledge == nil {
		return
	}
	if r := []rune(observation); len(r) > perceptionExcerpt {
		observation = string(r[:perceptionExcerpt])
	}
	exp := schemas.Experience{
		ID:          uuidNewString(),
		Category:    experienceCategory,
		Observation: observation,
		Action:      cmd.String(),
		Outcome:     fmt.Sprintf("screen changed on %s, score %.4f", target.Label, score),
		CreatedAt:   c.now(),
	}
	if err := c.knowledge.StoreExperience(ctx, exp); err != nil {
		c.logger.Warn("Failed to store experience.", zap.Error(err))
	}
}

// fraction expresses a command point as region fractions for window memory.
func fraction(cmd schemas.ActionCommand, region schemas.TargetRegion) (float64, float64) {
	switch cmd.Unit {
	case schemas.UnitNormalized:
		return cmd.X, cmd.Y
	case schemas.UnitPermille:
		return cmd.X / 1000, cmd.Y / 1000
	}
	if region.IsZero() {
		return 0, 0
	}
	x, y, _ := ResolvePoint(cmd.X, cmd.Y, cmd.Unit, region)
	fx := float64(x-region.Left) / float64(region.Width)
	fy := float64(y-region.Top) / float64(region.Height)
	return round3(fx), round3(fy)
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

// -- Status --

// Status is a point-in-time snapshot for the status command and monitors.
type Status struct {
	State     State
	Target    schemas.TargetRegion
	Session   *Session
	Question  string
	Cognitive CognitiveState
	Tokens    float64
	Capacity  int
	Interval  time.Duration
	Capture   capture.Stats
	Bindings  []llmclient.Binding
}

// Status collects the current snapshot.
func (c *Controller) Status() Status {
	st := Status{
		Cognitive: c.state.Get(),
		Tokens:    c.budget.Tokens(),
		Capacity:  c.budget.Capacity(),
		Interval:  c.Interval(),
	}
	c.mu.Lock()
	st.State, st.Target, st.Question = c.current, c.target, c.question
	if c.session != nil {
		s := *c.session
		st.Session = &s
	}
	c.mu.Unlock()
	if c.frames != nil {
		st.Capture = c.frames.Stats()
	}
	if c.router != nil {
		st.Bindings = c.router.Bindings()
	}
	return st
}

func (c *Controller) emitMonitor(id string) {
	c.mu.Lock()
	if c.session == nil || c.session.ID != id {
		c.mu.Unlock()
		return
	}
	s := *c.session
	state := c.current
	c.mu.Unlock()

	payload := map[string]interface{}{
		"session_id":   s.ID,
		"state":        string(state),
		"mode":         fmt.Sprintf("AUTO %ds", int(s.Remaining(c.now()).Seconds())),
		"action_count": s.ActionCount,
		"last_action":  s.LastAction,
		"tokens":       c.budget.Tokens(),
	}
	if c.frames != nil {
		stats := c.frames.Stats()
		payload["fps"] = stats.FPS
		payload["last_score"] = stats.LastScore
		payload["animated"] = stats.Animated
	}
	c.emit(schemas.EventMonitorUpdate, payload)
}

func (c *Controller) emit(t schemas.EventType, payload map[string]interface{}) {
	if c.sink != nil {
		c.sink.Emit(t, payload)
	}
}

func (c *Controller) transcriptLog(role, content string) {
	c.transcript.Log(role, content)
}
