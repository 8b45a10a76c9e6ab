package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/huytu0702/moniagent-sub000/category"
)

// ErrResolutionMiss is returned when a category name matches nothing.
var ErrResolutionMiss = category.ErrNotFound

// ErrNoPendingConfirmation is returned by Resume when the session is not
// waiting for a confirmation.
var ErrNoPendingConfirmation = errors.New("no pending confirmation")

// ErrSessionSuspended is returned by Run when the session is waiting for a
// confirmation reply.
var ErrSessionSuspended = errors.New("session is awaiting confirmation")

// ErrNothingToRetry is returned by Retry when no failed commit is retained.
var ErrNothingToRetry = errors.New("nothing to retry")

// ErrInvalidInput is returned for malformed Run input.
var ErrInvalidInput = errors.New("invalid input")

// ExtractionError reports a failed extraction. Temporary marks failures
// worth retrying, such as rate limits and timeouts.
type ExtractionError struct {
	Reason    string
	Temporary bool
	Err       error
}

func (e *ExtractionError) Error() string {
	if e.Err == nil {
		return "extraction failed: " + e.Reason
	}
	if e.Reason == "" {
		return "extraction failed: " + e.Err.Error()
	}
	return fmt.Sprintf("extraction failed: %s: %v", e.Reason, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ClassificationError reports an unusable classifier response.
type ClassificationError struct {
	Err error
}

func (e *ClassificationError) Error() string {
	return "intent classification failed: " + e.Err.Error()
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// PersistenceError reports a failed ledger commit. The pending record is
// retained so the commit can be retried.
type PersistenceError struct {
	SessionID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("commit for session %s failed: %v", e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// LearningError reports a failed learning side effect. It is logged, never
// returned to callers.
type LearningError struct {
	RecordID string
	Err      error
}

func (e *LearningError) Error() string {
	return fmt.Sprintf("recording correction for %s failed: %v", e.RecordID, e.Err)
}

func (e *LearningError) Unwrap() error { return e.Err }

// isTemporary is the retry predicate for the Extract step. Step timeouts
// count as temporary.
func isTemporary(err error) bool {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee.Temporary
	}
	return errors.Is(err, context.DeadlineExceeded)
}
