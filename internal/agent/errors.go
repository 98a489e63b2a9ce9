// internal/agent/errors.go
package agent

import "errors"

// ErrorCode is a string type used for structured error reporting from the actuator.
// Using a custom type ensures that only predefined constants can be used where an
// ErrorCode is expected.
type ErrorCode string

const (
	// -- Execution Errors --
	ErrCodeDeviceFailure     ErrorCode = "DEVICE_ACTION_FAILURE"
	ErrCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrCodeUnknownAction     ErrorCode = "UNKNOWN_ACTION_TYPE"
	ErrCodeNoTarget          ErrorCode = "NO_TARGET"
	ErrCodeTimeoutError      ErrorCode = "TIMEOUT_ERROR"
	ErrCodeInterrupted       ErrorCode = "INTERRUPTED"

	// -- Control Loop Signals --
	// ErrCodeBudgetExhausted is backpressure, not a failure: the remaining
	// actions of a tick are dropped.
	ErrCodeBudgetExhausted ErrorCode = "BUDGET_EXHAUSTED"

	// -- Internal System Errors --
	ErrCodeExecutorPanic ErrorCode = "EXECUTOR_PANIC"
)

var (
	// ErrNoTarget is returned when an operation needs a target region and none is set.
	ErrNoTarget = errors.New("no target region selected")
	// ErrInvalidTransition is returned when the state machine refuses a transition.
	ErrInvalidTransition = errors.New("invalid state transition")
)
