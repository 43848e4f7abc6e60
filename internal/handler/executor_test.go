package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/docpipe/docpipe/internal/domain"
	"github.com/docpipe/docpipe/internal/errval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTask() *domain.Task {
	return &domain.Task{
		ID:         "task-1",
		Type:       domain.DocumentProcess,
		Payload:    []byte(`{"document_id":1}`),
		DeliveryID: "1-0",
	}
}

func TestExecuteCommitsOnSuccess(t *testing.T) {
	storage := newMemStorage()
	executor := NewExecutor(storage, time.Second)

	h := &funcHandler{taskType: domain.DocumentProcess, fn: func(context.Context, domain.Session, *domain.Task) error {
		return nil
	}}

	err := executor.Execute(context.Background(), h, testTask())
	require.NoError(t, err)
	require.Len(t, storage.sessions, 1)
	assert.True(t, storage.sessions[0].committed)
	assert.False(t, storage.sessions[0].rolledBack)
}

func TestExecuteDeadlineIsRetryableAndRollsBack(t *testing.T) {
	storage := newMemStorage()
	executor := NewExecutor(storage, 20*time.Millisecond)

	h := &funcHandler{taskType: domain.DocumentProcess, fn: func(ctx context.Context, _ domain.Session, _ *domain.Task) error {
		// Sleeps past the overall deadline.
		<-ctx.Done()
		return ctx.Err()
	}}

	err := executor.Execute(context.Background(), h, testTask())
	require.Error(t, err)
	assert.True(t, errval.IsRetryable(err))
	require.Len(t, storage.sessions, 1)
	assert.False(t, storage.sessions[0].committed)
	assert.True(t, storage.sessions[0].rolledBack)
}

func TestExecuteKeepsTaskErrorFlag(t *testing.T) {
	for name, tc := range map[string]struct {
		err       error
		retryable bool
	}{
		"retryable stays retryable": {err: errval.NewRetryable(errors.New("transient")), retryable: true},
		"fatal stays fatal":         {err: errval.NewFatal(errors.New("broken")), retryable: false},
	} {
		t.Run(name, func(t *testing.T) {
			storage := newMemStorage()
			executor := NewExecutor(storage, time.Second)

			h := &funcHandler{taskType: domain.DocumentProcess, fn: func(context.Context, domain.Session, *domain.Task) error {
				return tc.err
			}}

			err := executor.Execute(context.Background(), h, testTask())
			require.Error(t, err)
			assert.Equal(t, tc.retryable, errval.IsRetryable(err))
			assert.True(t, storage.sessions[0].rolledBack)
		})
	}
}

func TestExecuteHonorsExtractErrorFlag(t *testing.T) {
	storage := newMemStorage()
	executor := NewExecutor(storage, time.Second)

	h := &funcHandler{taskType: domain.DocumentProcess, fn: func(context.Context, domain.Session, *domain.Task) error {
		return &errval.ExtractError{Message: "service overloaded", Retryable: true}
	}}

	err := executor.Execute(context.Background(), h, testTask())
	require.Error(t, err)
	assert.True(t, errval.IsRetryable(err))

	var extractErr *errval.ExtractError
	assert.True(t, errors.As(err, &extractErr))
}

func TestExecuteUnclassifiedErrorsAreFatal(t *testing.T) {
	storage := newMemStorage()
	executor := NewExecutor(storage, time.Second)

	h := &funcHandler{taskType: domain.DocumentProcess, fn: func(context.Context, domain.Session, *domain.Task) error {
		return errors.New("some systematic bug")
	}}

	err := executor.Execute(context.Background(), h, testTask())
	require.Error(t, err)
	assert.False(t, errval.IsRetryable(err))
}

func TestExecuteReraisesCancellationUntouched(t *testing.T) {
	storage := newMemStorage()
	executor := NewExecutor(storage, time.Second)

	ctx, cancel := context.WithCancel(context.Background())

	h := &funcHandler{taskType: domain.DocumentProcess, fn: func(ctx context.Context, _ domain.Session, _ *domain.Task) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}}

	err := executor.Execute(ctx, h, testTask())
	require.ErrorIs(t, err, context.Canceled)

	// Cancellation is not converted into the task-error taxonomy.
	var taskErr *errval.TaskError
	assert.False(t, errors.As(err, &taskErr))
	assert.True(t, storage.sessions[0].rolledBack)
}

func TestExecuteBeginFailureIsRetryable(t *testing.T) {
	storage := newMemStorage()
	storage.beginErr = errors.New("connection refused")
	executor := NewExecutor(storage, time.Second)

	h := &funcHandler{taskType: domain.DocumentProcess, fn: func(context.Context, domain.Session, *domain.Task) error {
		t.Fatal("process must not run when the unit of work cannot be opened")
		return nil
	}}

	err := executor.Execute(context.Background(), h, testTask())
	require.Error(t, err)
	assert.True(t, errval.IsRetryable(err))
}
