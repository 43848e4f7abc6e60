package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/docpipe/docpipe/configs"
	"github.com/docpipe/docpipe/internal/redisq"
)

// recovery claims entries that have been pending on crashed or stalled
// consumers for longer than the configured idle threshold and re-enqueues
// them as fresh deliveries. The worker core never does this on its own.
func main() {
	cfg := configs.InitConfig()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))

	minIdle := cfg.Worker.StalePendingMinIdle()
	if len(os.Args) > 1 {
		seconds, err := strconv.ParseInt(os.Args[1], 10, 64)
		if err != nil {
			log.Fatalf("Invalid input is given for the minIdleSeconds arg, it must be an integer: %v", err)
		}
		minIdle = time.Duration(seconds) * time.Second
	}

	// Claimed entries are limited per run; the tool is meant to be re-run
	// (or scheduled) until it reports zero claims.
	limit := int64(100)
	if len(os.Args) > 2 {
		parsed, err := strconv.ParseInt(os.Args[2], 10, 64)
		if err != nil {
			log.Fatalf("Invalid input is given for the limit arg, it must be an integer: %v", err)
		}
		limit = parsed
	}

	ctx := context.Background()

	rdb, err := redisq.NewClient(cfg.RedisConfig.ToRedisConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		err = rdb.Close()
		if err != nil {
			slog.Error("An error occurred while closing Redis connection", "error", err.Error())
		}
	}()
	slog.Info("Redis connection has been initialized successfully")

	queue := redisq.NewQueue(rdb, redisq.Options{
		Stream:        cfg.RedisConfig.TasksStream,
		Group:         cfg.RedisConfig.ConsumerGroup,
		DeadLetterKey: cfg.RedisConfig.DeadLetterKey,
		MaxRetries:    cfg.Worker.MaxRetries,
	})
	if err := queue.Setup(ctx); err != nil {
		log.Fatal(err)
	}

	slog.Info("Claiming stale pending entries", "min_idle", minIdle.String(), "limit", limit, "consumer", queue.Consumer())
	tasks, err := queue.ClaimStale(ctx, minIdle, limit)
	if err != nil {
		log.Fatal(err)
	}
	slog.Info("Stale pending entries have been claimed", "claimed_count", len(tasks))

	requeuedCount := 0
	for _, task := range tasks {
		// Retry re-enqueues with an incremented attempt counter and
		// acknowledges the claimed delivery; tasks over the cap go to the
		// dead-letter stream instead of cycling forever.
		if err := queue.Retry(ctx, task); err != nil {
			slog.Error("Error occurred while re-enqueueing claimed task", "task_id", task.ID, "error", err.Error())
			continue
		}

		slog.Info("Claimed task has been re-enqueued", "task_id", task.ID, "task_type", string(task.Type), "retry_count", task.RetryCount)
		requeuedCount++
	}

	slog.Info("Recovery run has finished", "claimed_count", len(tasks), "requeued_count", requeuedCount)
}
