package graph

import "errors"

// ErrMaxStepsExceeded indicates that the graph execution reached the maximum
// allowed step count without completing or suspending.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrNotInterrupted is returned by Resume when the run has no pending
// interruption, either because it never suspended or because the suspension
// was already consumed by an earlier Resume.
var ErrNotInterrupted = errors.New("run is not interrupted")

// ErrMaxAttemptsExceeded is returned when a node fails more times than allowed by its retry policy.
var ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

// ErrInvalidRetryPolicy is returned when a RetryPolicy fails validation.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// EngineError represents an error from Engine operations.
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}
