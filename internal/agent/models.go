// internal/agent/models.go
package agent

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/deskpilot/api/schemas"
)

// State is the autonomy controller's position in its state machine.
type State string

const (
	StateIdle       State = "IDLE"       // No target, or a target with nothing running.
	StateArmed      State = "ARMED"      // Target set, autonomy off, vision-assisted chat available.
	StateAutonomous State = "AUTONOMOUS" // A session with a deadline is running.
	StatePaused     State = "PAUSED"     // Waiting on the operator after a consultation request.
	StateStopping   State = "STOPPING"   // Shutdown observed, tearing down.
)

// transitions lists the legal edges of the state machine.
var transitions = map[State][]State{
	StateIdle:       {StateArmed, StateStopping},
	StateArmed:      {StateIdle, StateAutonomous, StateStopping},
	StateAutonomous: {StateIdle, StateArmed, StatePaused, StateStopping},
	StatePaused:     {StateIdle, StateArmed, StateAutonomous, StateStopping},
	StateStopping:   {},
}

func canTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is one time-boxed autonomy period. It exists if and only if the
// cognitive state reports autonomy as active.
type Session struct {
	ID          string               `json:"id"`
	StartedAt   time.Time            `json:"started_at"`
	Deadline    time.Time            `json:"deadline"`
	ActionCount int                  `json:"action_count"`
	LastAction  string               `json:"last_action"`
	Target      schemas.TargetRegion `json:"target"`
	Task        string               `json:"task"`
	Throttled   int                  `json:"throttled"`
	Rewards     int                  `json:"rewards"`
}

// Remaining is the time left before the deadline, never negative.
func (s *Session) Remaining(now time.Time) time.Duration {
	if d := s.Deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ExecutionResult is the structured outcome of one actuator call. Callers
// outside the package only ever see its String form.
type ExecutionResult struct {
	Status     string    `json:"status"` // "success" or "failed"
	ErrorCode  ErrorCode `json:"error_code,omitempty"`
	Detail     string    `json:"detail"`
	Foreground string    `json:"foreground,omitempty"`
	X          int       `json:"x,omitempty"`
	Y          int       `json:"y,omitempty"`
}

// Succeeded reports whether the device operation completed.
func (r *ExecutionResult) Succeeded() bool { return r.Status == "success" }

func (r *ExecutionResult) String() string {
	var s string
	if r.Succeeded() {
		s = "Success: " + r.Detail
	} else {
		s = fmt.Sprintf("Failed: %s: %s", r.ErrorCode, r.Detail)
	}
	if r.Foreground == ForegroundBestEffortFailed {
		s += " [foreground: " + ForegroundBestEffortFailed + "]"
	}
	return s
}

// TickReport summarises one autonomy tick. It is mostly useful to tests and
// the status command.
type TickReport struct {
	Skipped    string                  `json:"skipped,omitempty"`
	Perception string                  `json:"perception,omitempty"`
	Decision   string                  `json:"decision,omitempty"`
	Actions    []schemas.ActionCommand `json:"actions,omitempty"`
	Outcomes   []string                `json:"outcomes,omitempty"`
	Throttled  int                     `json:"throttled,omitempty"`
	Ended      string                  `json:"ended,omitempty"`
	Paused     bool                    `json:"paused,omitempty"`
}
