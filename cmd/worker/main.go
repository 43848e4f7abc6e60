package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/docpipe/docpipe/configs"
	"github.com/docpipe/docpipe/internal/domain"
	"github.com/docpipe/docpipe/internal/extract"
	"github.com/docpipe/docpipe/internal/handler"
	"github.com/docpipe/docpipe/internal/objstore"
	"github.com/docpipe/docpipe/internal/postgres"
	"github.com/docpipe/docpipe/internal/progress"
	"github.com/docpipe/docpipe/internal/redisq"
	"github.com/docpipe/docpipe/internal/worker"
)

var postgresIsReady, redisIsReady bool

func main() {
	cfg := configs.InitConfig()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))

	args := os.Args
	slog.Info("Running worker command", "args", args)

	// workerNumber only needs to be unique; combined with a random suffix it
	// forms this process's consumer identity within the group.
	workerNumber := "0"
	if len(args) > 1 {
		workerNumber = args[1]
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
	redisIsReady = true
	slog.Info("Redis connection has been initialized successfully")

	storage, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	defer storage.Close()
	postgresIsReady = true
	slog.Info("Postgres connection has been initialized successfully")

	queue := redisq.NewQueue(rdb, redisq.Options{
		Stream:        cfg.RedisConfig.TasksStream,
		Group:         cfg.RedisConfig.ConsumerGroup,
		DeadLetterKey: cfg.RedisConfig.DeadLetterKey,
		Consumer:      "worker:" + workerNumber + ":" + hostname(),
		MaxRetries:    cfg.Worker.MaxRetries,
	})
	slog.Info("Task queue has been initialized", "consumer", queue.Consumer())

	progressStore := progress.NewStore(rdb, cfg.RedisConfig.ProgressTTL())
	objects := objstore.NewClient(cfg.ObjectStorage.BaseURL)
	extractor := extract.NewClient(cfg.Extractor.BaseURL, cfg.Extractor.APIKey)

	documentHandler := handler.NewDocumentHandler(
		storage,
		progressStore,
		objects,
		extractor,
		cfg.Worker.DownloadTimeOut(),
		cfg.Worker.ExtractTimeOut(),
	)

	executor := handler.NewExecutor(storage, cfg.Worker.ExecuteTimeOut())
	manager := worker.NewManager(
		queue,
		executor,
		[]handler.Handler{documentHandler},
		cfg.Worker.DequeueBlock(),
		cfg.Worker.ErrorBackOff(),
	)

	if err := manager.Start(); err != nil {
		log.Fatal(err)
	}

	// Running HTTP Server in order to have liveness and readiness HTTP APIs
	go setUpHealthCheckerAPIs(ctx, cfg, storage, queue)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	slog.Info("Worker is running. To exit press CTRL+C", "worker_num", workerNumber)
	<-sigChan
	slog.Info("Worker is shutting down...", "worker_num", workerNumber)
	manager.Stop()
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}

	return name
}

func setUpHealthCheckerAPIs(ctx context.Context, cfg *configs.Config, storage domain.Storage, queue domain.Queue) {
	r := gin.Default()
	r.GET("/readiness", func(c *gin.Context) {
		if postgresIsReady && redisIsReady {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		}
	})
	r.GET("/liveness", func(c *gin.Context) {
		err := storage.Ping(c)
		if err != nil {
			slog.Error("Postgresql seem not to be pingable in liveness API", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		if !queue.IsHealthy(c) {
			slog.Error("Task queue is not healthy")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		log.Printf("Starting health server on port %s\n", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("listen: %s\n", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Health server forced to shutdown", "error", err.Error())
	}
}
