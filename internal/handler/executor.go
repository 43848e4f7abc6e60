package handler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/docpipe/docpipe/internal/domain"
	"github.com/docpipe/docpipe/internal/errval"
)

// Handler is the per-task-type execution contract. Process runs inside a
// unit of work under an absolute deadline; everything it returns is
// normalized by the Executor into a *errval.TaskError, except cancellation,
// which passes through untouched.
type Handler interface {
	Type() domain.TaskType
	Process(ctx context.Context, session domain.Session, task *domain.Task) error
}

// Executor owns the transactional frame around Process: it opens the unit of
// work, enforces the overall timeout, commits on success and rolls back on
// every failure path including timeout and cancellation.
type Executor struct {
	uow     domain.UnitOfWork
	timeout time.Duration
}

func NewExecutor(uow domain.UnitOfWork, timeout time.Duration) *Executor {
	return &Executor{
		uow:     uow,
		timeout: timeout,
	}
}

func (e *Executor) Execute(ctx context.Context, h Handler, task *domain.Task) error {
	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	session, err := e.uow.Begin(execCtx)
	if err != nil {
		// Failing to open a transaction is an infra hiccup, not a task bug.
		return errval.NewRetryable(err)
	}

	err = h.Process(execCtx, session, task)
	if err == nil {
		if commitErr := session.Commit(execCtx); commitErr != nil {
			rollback(ctx, session)
			return errval.NewRetryable(commitErr)
		}

		return nil
	}

	rollback(ctx, session)
	return classify(ctx, err)
}

func rollback(ctx context.Context, session domain.Session) {
	// The rollback must run even when ctx is already cancelled or expired.
	if err := session.Rollback(context.WithoutCancel(ctx)); err != nil {
		slog.Error("Error occurred while rolling back task transaction", "error", err.Error())
	}
}

// classify normalizes a Process error. Cancellation is not a task outcome
// and is re-raised untouched; a timeout is always retryable; a typed error
// keeps the flag its author chose; anything else is conservatively
// non-retryable so a systematic bug surfaces instead of looping forever.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return context.Canceled
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errval.NewRetryable(err)
	}

	var taskErr *errval.TaskError
	if errors.As(err, &taskErr) {
		return taskErr
	}

	var extractErr *errval.ExtractError
	if errors.As(err, &extractErr) {
		return &errval.TaskError{Err: extractErr, Retryable: extractErr.Retryable}
	}

	return errval.NewFatal(err)
}
