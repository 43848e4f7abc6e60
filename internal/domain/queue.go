package domain

import (
	"context"
	"time"
)

type Queue interface {
	// Setup idempotently ensures the consumer group exists on the log,
	// starting from the earliest position.
	Setup(ctx context.Context) error
	// Enqueue appends a new entry and returns its application-level id.
	Enqueue(ctx context.Context, taskType TaskType, payload []byte) (string, error)
	// Dequeue first re-reads this consumer's own pending entries; only when
	// that is empty does it block, up to block, for a new entry. It returns
	// (nil, nil) when nothing arrived in time.
	Dequeue(ctx context.Context, block time.Duration) (*Task, error)
	// Ack removes the task from the pending set. Idempotent.
	Ack(ctx context.Context, task *Task) error
	// Retry re-enqueues the task with an incremented retry counter and
	// acknowledges the original delivery. Once the attempt cap is reached it
	// dead-letters instead.
	Retry(ctx context.Context, task *Task) error
	// Fail appends a dead-letter entry and acknowledges the original.
	// Terminal: a dead-lettered task is never re-delivered.
	Fail(ctx context.Context, task *Task, taskErr error) error
	IsHealthy(ctx context.Context) bool
	Close() error
}
