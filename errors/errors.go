// Package errors provides error handling for metronome.
//
// It re-exports github.com/cockroachdb/errors (stack traces, wrapping,
// hints and details) and defines the engine's error taxonomy as sentinels,
// so callers can branch with errors.Is regardless of how much context was
// wrapped around the original failure.
//
//	if err := store.UpdateStatus(ctx, id, job.StatusRunning, upd); err != nil {
//	    if errors.IsInvalidTransition(err) {
//	        // record is in a state that forbids this move
//	    }
//	    return errors.Wrap(err, "failed to start job")
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

var AssertionFailedf = crdb.AssertionFailedf

// Engine error taxonomy. Wrap these to add context; check them with Is.
var (
	// ErrNotFound indicates the requested job or entry does not exist
	ErrNotFound = New("not found")

	// ErrValidation indicates a job submission was rejected before anything was persisted
	ErrValidation = New("validation failed")

	// ErrInvalidTransition indicates a status change the job state machine forbids
	ErrInvalidTransition = New("invalid status transition")

	// ErrTaskExecution indicates the task function itself failed
	ErrTaskExecution = New("task execution failed")

	// ErrClaimConflict indicates a second worker tried to run a job that is
	// already running under a live claim
	ErrClaimConflict = New("job already claimed")

	// ErrDispatchLoss indicates a job that should have a queue entry has none
	ErrDispatchLoss = New("dispatch lost")

	// ErrConflict indicates a concurrent writer won an optimistic update
	ErrConflict = New("concurrent update conflict")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsValidationError checks if an error is or wraps ErrValidation
func IsValidationError(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsInvalidTransition checks if an error is or wraps ErrInvalidTransition
func IsInvalidTransition(err error) bool {
	return err != nil && Is(err, ErrInvalidTransition)
}

// IsClaimConflict checks if an error is or wraps ErrClaimConflict
func IsClaimConflict(err error) bool {
	return err != nil && Is(err, ErrClaimConflict)
}

// IsTaskExecutionError checks if an error is or wraps ErrTaskExecution
func IsTaskExecutionError(err error) bool {
	return err != nil && Is(err, ErrTaskExecution)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...interface{}) error {
	return Wrap(ErrValidation, Newf(format, args...).Error())
}

// NewInvalidTransitionError reports a forbidden move between two states
func NewInvalidTransitionError(from, to string) error {
	return Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
}
