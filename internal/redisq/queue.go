package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docpipe/docpipe/internal/domain"
	"github.com/docpipe/docpipe/internal/errval"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Options configures one queue instance. Consumer must be unique per worker
// process; the stream, group and dead-letter key are shared by all of them.
type Options struct {
	Stream        string
	Group         string
	DeadLetterKey string
	Consumer      string
	MaxRetries    int
}

// Queue is a durable ordered log with consumer-group delivery, backed by a
// Redis stream. New work is appended with XADD; delivery, acknowledgement and
// the per-consumer pending set are the group's bookkeeping.
type Queue struct {
	rdb    *redis.Client
	opts   Options
	closed atomic.Bool
}

func NewClient(dsn string) (*redis.Client, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}

	return redis.NewClient(opts), nil
}

func NewQueue(rdb *redis.Client, opts Options) *Queue {
	if opts.Consumer == "" {
		opts.Consumer = "worker:" + uuid.NewString()
	}

	return &Queue{
		rdb:  rdb,
		opts: opts,
	}
}

// Consumer returns this queue's consumer identity within the group.
func (q *Queue) Consumer() string {
	return q.opts.Consumer
}

// Setup idempotently ensures the consumer group exists, starting from the
// earliest entry. An already existing group is a no-op; a key of an
// incompatible type is deleted and recreated.
func (q *Queue) Setup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err == nil {
		return nil
	}

	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}

	if strings.Contains(err.Error(), "WRONGTYPE") {
		slog.Warn("Tasks key exists with an incompatible type, deleting and recreating it", "stream", q.opts.Stream)
		if delErr := q.rdb.Del(ctx, q.opts.Stream).Err(); delErr != nil {
			return delErr
		}

		return q.rdb.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	}

	return err
}

// Enqueue appends a new task entry and returns its application-level id.
// All fields are serialized as strings on the wire.
func (q *Queue) Enqueue(ctx context.Context, taskType domain.TaskType, payload []byte) (string, error) {
	if q.closed.Load() {
		return "", errval.ErrQueueClosed
	}

	id := uuid.NewString()
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]interface{}{
			"id":          id,
			"type":        string(taskType),
			"payload":     string(payload),
			"retry_count": "0",
		},
	}).Err()
	if err != nil {
		return "", err
	}

	return id, nil
}

// Dequeue returns this consumer's oldest unacknowledged delivery if any
// exist, before blocking up to block for a new entry. A restarted consumer
// therefore gets its own unfinished work back before taking new work.
// It returns (nil, nil) when nothing arrived within block.
func (q *Queue) Dequeue(ctx context.Context, block time.Duration) (*domain.Task, error) {
	if q.closed.Load() {
		return nil, errval.ErrQueueClosed
	}

	task, err := q.readGroup(ctx, "0", 0)
	if err != nil || task != nil {
		return task, err
	}

	return q.readGroup(ctx, ">", block)
}

func (q *Queue) readGroup(ctx context.Context, id string, block time.Duration) (*domain.Task, error) {
	args := &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  []string{q.opts.Stream, id},
		Count:    1,
	}
	if block > 0 {
		args.Block = block
	} else {
		// go-redis treats Block >= 0 as BLOCK; -1 keeps the read non-blocking.
		args.Block = -1
	}

	streams, err := q.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		// The group can vanish underneath us, e.g. after an external reset
		// of the Redis instance. Recreate it transparently.
		if strings.Contains(err.Error(), "NOGROUP") {
			slog.Warn("Consumer group is missing, running setup again", "group", q.opts.Group)
			if setupErr := q.Setup(ctx); setupErr != nil {
				return nil, setupErr
			}

			return nil, nil
		}

		return nil, err
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			return parseTask(msg)
		}
	}

	return nil, nil
}

// Ack removes the delivery from this consumer's pending set. Acknowledging
// twice, or acknowledging an already dead-lettered task, is a no-op.
func (q *Queue) Ack(ctx context.Context, task *domain.Task) error {
	if q.closed.Load() {
		return errval.ErrQueueClosed
	}

	return q.rdb.XAck(ctx, q.opts.Stream, q.opts.Group, task.DeliveryID).Err()
}

// Retry re-enqueues the task with retry_count+1 and acknowledges the original
// delivery. When the attempt cap is exhausted the task is dead-lettered
// instead of looping forever.
func (q *Queue) Retry(ctx context.Context, task *domain.Task) error {
	if q.closed.Load() {
		return errval.ErrQueueClosed
	}

	if task.RetryCount+1 > q.opts.MaxRetries {
		return q.Fail(ctx, task, fmt.Errorf("retries exhausted after %d attempts", task.RetryCount+1))
	}

	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]interface{}{
			"id":          task.ID,
			"type":        string(task.Type),
			"payload":     string(task.Payload),
			"retry_count": strconv.Itoa(task.RetryCount + 1),
		},
	}).Err()
	if err != nil {
		return err
	}

	return q.Ack(ctx, task)
}

// Fail appends a dead-letter entry carrying the original payload and the
// error text, then acknowledges the original so it leaves the pending set.
// The queue never re-delivers a dead-lettered task.
func (q *Queue) Fail(ctx context.Context, task *domain.Task, taskErr error) error {
	if q.closed.Load() {
		return errval.ErrQueueClosed
	}

	errText := ""
	if taskErr != nil {
		errText = taskErr.Error()
	}

	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.DeadLetterKey,
		Values: map[string]interface{}{
			"original_id": task.ID,
			"type":        string(task.Type),
			"payload":     string(task.Payload),
			"error":       errText,
		},
	}).Err()
	if err != nil {
		return err
	}

	return q.Ack(ctx, task)
}

// ClaimStale transfers entries that have been pending on other consumers for
// at least minIdle to this consumer. This is the explicit recovery path for
// deliveries stranded by a crashed worker; nothing claims them automatically.
func (q *Queue) ClaimStale(ctx context.Context, minIdle time.Duration, count int64) ([]*domain.Task, error) {
	if q.closed.Load() {
		return nil, errval.ErrQueueClosed
	}

	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.opts.Stream,
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]*domain.Task, 0, len(msgs))
	for _, msg := range msgs {
		task, err := parseTask(msg)
		if err != nil {
			slog.Error("Skipping unparseable claimed entry", "delivery_id", msg.ID, "error", err.Error())
			continue
		}

		tasks = append(tasks, task)
	}

	return tasks, nil
}

func (q *Queue) IsHealthy(ctx context.Context) bool {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Redis is not pingable, queue is not healthy", "error", err.Error())
		return false
	}

	return true
}

// Close marks the queue closed and releases the connection. Closing twice is
// a no-op; every operation after Close returns errval.ErrQueueClosed.
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}

	return q.rdb.Close()
}

// parseTask rebuilds a Task from the stream entry's string fields. Every
// field travels as a string, so numeric ones are re-parsed on read.
func parseTask(msg redis.XMessage) (*domain.Task, error) {
	id, _ := msg.Values["id"].(string)
	taskType, _ := msg.Values["type"].(string)
	payload, _ := msg.Values["payload"].(string)
	if id == "" || taskType == "" {
		return nil, fmt.Errorf("stream entry %s is missing id or type", msg.ID)
	}

	retryCount := 0
	if raw, ok := msg.Values["retry_count"].(string); ok && raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("stream entry %s has a malformed retry_count: %w", msg.ID, err)
		}
		retryCount = parsed
	}

	return &domain.Task{
		ID:         id,
		Type:       domain.TaskType(taskType),
		Payload:    []byte(payload),
		RetryCount: retryCount,
		DeliveryID: msg.ID,
	}, nil
}
