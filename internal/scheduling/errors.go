package scheduling

import (
	"errors"
	"fmt"
)

var (
	ErrStopped = errors.New("scheduling: context stopped")
	// ErrCancelled is returned by Get for a one-shot job cancelled before it ran.
	// Cancelled periodic jobs yield no result and no error instead.
	ErrCancelled       = errors.New("scheduling: job cancelled")
	ErrTimeout         = errors.New("scheduling: result not yet available")
	ErrShutdownTimeout = errors.New("scheduling: worker did not stop within grace period")
	ErrAlreadyActive   = errors.New("scheduling: context already active")
	ErrNilTask         = errors.New("scheduling: nil task")
	ErrInvalidPeriod   = errors.New("scheduling: period must be > 0")
)

// TaskError carries a failure raised by a task body.
type TaskError struct {
	JobID string
	Job   string
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (%s) failed: %v", e.Job, e.JobID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// PanicError is the error recorded when a task body panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// IsPanic reports whether err wraps a recovered task panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
