package async

import (
	"context"
	"fmt"
	"strings"

	"github.com/teranos/metronome/errors"
)

// ErrorCode represents the classification of a task failure
type ErrorCode string

const (
	ErrorCodeNoHandler      ErrorCode = "no_handler"
	ErrorCodePanic          ErrorCode = "panic"
	ErrorCodePayload        ErrorCode = "payload_error"
	ErrorCodeNetworkError   ErrorCode = "network_error"
	ErrorCodeDatabaseError  ErrorCode = "database_error"
	ErrorCodeValidation     ErrorCode = "validation_error"
	ErrorCodeTimeout        ErrorCode = "timeout"
	ErrorCodeIntegrityError ErrorCode = "integrity_error"
	ErrorCodeUnknown        ErrorCode = "unknown"
)

// TaskError is a failure raised by, or on behalf of, a task function. It is
// always recorded on the job and never escapes the worker.
type TaskError struct {
	Action string
	Code   ErrorCode
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %v", e.Action, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, errors.ErrTaskExecution) match any TaskError.
func (e *TaskError) Is(target error) bool {
	return target == errors.ErrTaskExecution
}

// NewTaskError wraps err as a failure of action and classifies it.
func NewTaskError(action string, err error) *TaskError {
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return &TaskError{Action: action, Code: ClassifyError(err), Err: err}
}

// ClassifyError categorizes a failure for the job log
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}

	var te *TaskError
	if errors.As(err, &te) && te.Code != "" {
		return te.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeTimeout
	}
	if errors.IsValidationError(err) {
		return ErrorCodeValidation
	}
	if errors.IsAny(err, errors.ErrInvalidTransition, errors.ErrClaimConflict, errors.ErrDispatchLoss) {
		return ErrorCodeIntegrityError
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timed out") ||
		strings.Contains(errLower, "timeout"):
		return ErrorCodeTimeout
	case strings.Contains(errLower, "unmarshal") || strings.Contains(errLower, "invalid json") ||
		strings.Contains(errLower, "cannot decode"):
		return ErrorCodePayload
	case strings.Contains(errLower, "network") || strings.Contains(errLower, "connection") ||
		strings.Contains(errLower, "no such host"):
		return ErrorCodeNetworkError
	case strings.Contains(errLower, "database") || strings.Contains(errLower, "sql"):
		return ErrorCodeDatabaseError
	case strings.Contains(errLower, "validation") || strings.Contains(errLower, "invalid"):
		return ErrorCodeValidation
	default:
		return ErrorCodeUnknown
	}
}
