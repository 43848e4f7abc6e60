package errval

import (
	"errors"
	"fmt"
)

var (
	ErrInternal        = errors.New("internal server error")
	ErrNotFound        = errors.New("not found")
	ErrInvalidTaskType = errors.New("invalid task type")
	ErrUnknownTaskType = errors.New("no handler registered for task type")
	ErrQueueClosed     = errors.New("queue is closed")
)

// TaskError is the single error type task execution is normalized into. The
// Retryable flag tells the worker loop whether to retry or dead-letter.
type TaskError struct {
	Err       error
	Retryable bool
}

func (e *TaskError) Error() string {
	return e.Err.Error()
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewRetryable wraps err as a retryable task failure.
func NewRetryable(err error) *TaskError {
	return &TaskError{Err: err, Retryable: true}
}

// NewFatal wraps err as a non-retryable task failure.
func NewFatal(err error) *TaskError {
	return &TaskError{Err: err, Retryable: false}
}

func Fatalf(format string, args ...any) *TaskError {
	return NewFatal(fmt.Errorf(format, args...))
}

// IsRetryable reports whether err is classified as retryable. Errors that are
// not a *TaskError are conservatively non-retryable.
func IsRetryable(err error) bool {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// ExtractError is raised by the structuring/OCR collaborator. Its retryable
// flag is chosen by the collaborator and must be honored, not overridden.
type ExtractError struct {
	Message   string
	Retryable bool
}

func (e *ExtractError) Error() string {
	return e.Message
}
