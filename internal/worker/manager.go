package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docpipe/docpipe/internal/domain"
	"github.com/docpipe/docpipe/internal/errval"
	"github.com/docpipe/docpipe/internal/handler"
)

type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Manager owns the single run loop of a worker process: it dequeues with a
// bounded wait, dispatches to the handler registered for the task's type and
// turns the execution outcome into exactly one queue operation. No error ever
// escapes an iteration.
type Manager struct {
	queue    domain.Queue
	executor *handler.Executor
	handlers map[domain.TaskType]handler.Handler

	block      time.Duration
	errBackOff time.Duration

	// mu serializes Start and Stop so Stop can never observe the running
	// state before cancel is assigned. state stays atomic for State readers.
	mu     sync.Mutex
	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(queue domain.Queue, executor *handler.Executor, handlers []handler.Handler, block, errBackOff time.Duration) *Manager {
	table := make(map[domain.TaskType]handler.Handler, len(handlers))
	for _, h := range handlers {
		table[h.Type()] = h
	}

	return &Manager{
		queue:      queue,
		executor:   executor,
		handlers:   table,
		block:      block,
		errBackOff: errBackOff,
	}
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// Start ensures the consumer group exists and launches exactly one run loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.CompareAndSwap(int32(StateNotStarted), int32(StateRunning)) {
		return fmt.Errorf("worker manager cannot start from state %s", m.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	if err := m.queue.Setup(ctx); err != nil {
		cancel()
		m.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to set up task queue: %w", err)
	}

	m.wg.Add(1)
	go m.run(ctx)

	slog.Info("Worker manager has been started")
	return nil
}

// Stop cancels the run loop and waits for it to finish. Stopping is terminal;
// a stopped manager cannot be restarted.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}

	slog.Info("Worker manager is stopping...")
	m.cancel()
	m.wg.Wait()
	m.state.Store(int32(StateStopped))
	slog.Info("Worker manager has been stopped")
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := m.queue.Dequeue(ctx, m.block)
		if err != nil {
			// Cancellation of the loop is swallowed here, and only here.
			if errors.Is(err, context.Canceled) {
				return
			}

			slog.Error("Error occurred while dequeuing, backing off...", "error", err.Error())
			m.sleep(ctx, bo.NextBackOff())
			continue
		}

		if task == nil {
			bo.Reset()
			continue
		}

		if stop := m.handle(ctx, task); stop {
			return
		}
		bo.Reset()
	}
}

// handle maps one task execution to ack, retry or fail. It reports whether
// the loop should stop, which only happens on cancellation.
func (m *Manager) handle(ctx context.Context, task *domain.Task) (stop bool) {
	logger := slog.With("task_id", task.ID, "task_type", string(task.Type), "retry_count", task.RetryCount)

	h, ok := m.handlers[task.Type]
	if !ok {
		// A message whose type has no registered handler is a fatal
		// configuration error for that message.
		logger.Error("No handler is registered for the task type, dead-lettering the task")
		m.queueOp(ctx, logger, "fail", func() error {
			return m.queue.Fail(ctx, task, fmt.Errorf("%w: %s", errval.ErrUnknownTaskType, task.Type))
		})
		return false
	}

	logger.Info("Task is picked up from the queue")
	err := m.execute(ctx, h, task)

	switch {
	case err == nil:
		logger.Info("Task has been processed successfully")
		m.queueOp(ctx, logger, "ack", func() error {
			return m.queue.Ack(ctx, task)
		})

	case errors.Is(err, context.Canceled):
		// The task is left exactly where it was: pending, for reclaim.
		logger.Info("Task execution was cancelled, leaving the delivery pending")
		return true

	case errval.IsRetryable(err):
		logger.Warn("Task failed with a retryable error, re-enqueueing", "error", err.Error())
		m.queueOp(ctx, logger, "retry", func() error {
			return m.queue.Retry(ctx, task)
		})

	default:
		logger.Error("Task failed permanently, dead-lettering it", "error", err.Error())
		m.queueOp(ctx, logger, "fail", func() error {
			return m.queue.Fail(ctx, task, err)
		})
	}

	return false
}

// execute guards the loop against a panicking handler; a panic is an
// unclassified failure and must still end in a queue operation.
func (m *Manager) execute(ctx context.Context, h handler.Handler, task *domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()

	return m.executor.Execute(ctx, h, task)
}

// queueOp runs a queue operation and, on failure, logs and backs off briefly
// so an unhealthy backend does not turn the loop into a hot spin.
func (m *Manager) queueOp(ctx context.Context, logger *slog.Logger, name string, op func() error) {
	if err := op(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Queue operation failed, backing off...", "op", name, "error", err.Error())
		m.sleep(ctx, m.errBackOff)
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
