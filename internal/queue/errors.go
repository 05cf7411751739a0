package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
)

var (
	// ErrQueueExhausted marks a write that failed past its retry budget.
	ErrQueueExhausted = errors.New("queue: write exhausted retry budget")
	// ErrWriteNotFound is returned for unknown correlation ids.
	ErrWriteNotFound = errors.New("queue: write not found")
	// ErrWriteNotExhausted is returned when acknowledging a write that is still pending.
	ErrWriteNotExhausted = errors.New("queue: write is not exhausted")

	errMissingStore      = errors.New("persistence collaborator is required")
	errMissingSender     = errors.New("write collaborator is required")
	errMissingIDProvider = errors.New("id provider is required")
	errInvalidOperation  = errors.New("queue: invalid operation")
	errInvalidPayload    = errors.New("queue: payload must be valid json")
	errAttemptTimeout    = errors.New("write attempt did not complete in time")
)

// ServiceError carries a stable code of the form "<operation>.<reason>".
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opQueueNew    = "queue.new"
	opEnqueue     = "queue.enqueue"
	opFlush       = "queue.flush"
	opAcknowledge = "queue.acknowledge"
	opRetry       = "queue.retry"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ExhaustedError is surfaced when a write is moved to StateExhausted. The
// write stays queued until the user acknowledges or retries it.
type ExhaustedError struct {
	CorrelationID string
	Scope         records.Scope
	Target        records.Key
	Attempts      int
	Err           error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("queue: write %s for %s failed after %d attempts: %v", e.CorrelationID, e.Target, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Is reports ExhaustedError as ErrQueueExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrQueueExhausted
}

// WriteConflict reports an applied write that may have overwritten a
// concurrent server-side edit. It is surfaced, never retried.
type WriteConflict struct {
	CorrelationID  string
	Scope          records.Scope
	Target         records.Key
	BaseVersion    int64
	ServerVersion  int64
	AppliedVersion int64
	DetectedAt     time.Time
}

func (c WriteConflict) Error() string {
	return fmt.Sprintf("queue: write %s to %s applied over server version %d (based on %d)", c.CorrelationID, c.Target, c.ServerVersion, c.BaseVersion)
}
