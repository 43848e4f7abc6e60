package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/docpipe/docpipe/internal/domain"
	"github.com/docpipe/docpipe/internal/errval"
	"github.com/docpipe/docpipe/internal/handler"
	"github.com/docpipe/docpipe/internal/redisq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The full path from a stream entry to a dead letter: a task for a record
// that does not exist is executed once, fails non-retryably and ends up as
// exactly one entry on the dead-letter stream.
func TestEndToEndMissingRecordIsDeadLettered(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	const (
		stream        = "docpipe:tasks"
		deadLetterKey = "docpipe:tasks:dead"
	)

	queue := redisq.NewQueue(rdb, redisq.Options{
		Stream:        stream,
		Group:         "docpipe-workers",
		DeadLetterKey: deadLetterKey,
		Consumer:      "worker:e2e",
		MaxRetries:    3,
	})
	require.NoError(t, queue.Setup(context.Background()))

	payload, err := json.Marshal(map[string]int64{"document_id": 42})
	require.NoError(t, err)

	id, err := queue.Enqueue(context.Background(), domain.DocumentProcess, payload)
	require.NoError(t, err)

	// The handler looks the record up and cannot find it.
	h := &funcTestHandler{taskType: domain.DocumentProcess, fn: func() error {
		return errval.NewFatal(fmt.Errorf("document 42: %w", errval.ErrNotFound))
	}}

	executor := handler.NewExecutor(noopUOW{}, time.Second)
	m := NewManager(queue, executor, []handler.Handler{h}, 20*time.Millisecond, time.Millisecond)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)

	require.Eventually(t, func() bool {
		n, err := rdb.XLen(context.Background(), deadLetterKey).Result()
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)
	m.Stop()

	entries, err := rdb.XRange(context.Background(), deadLetterKey, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].Values["original_id"])
	assert.Equal(t, string(domain.DocumentProcess), entries[0].Values["type"])
	assert.Contains(t, entries[0].Values["error"], "not found")

	// The delivery left the pending set, so nothing will re-run it.
	pending, err := rdb.XPending(context.Background(), stream, "docpipe-workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}
