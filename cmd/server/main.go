package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/docpipe/docpipe/configs"
	db2 "github.com/docpipe/docpipe/db"
	"github.com/docpipe/docpipe/internal/domain"
	"github.com/docpipe/docpipe/internal/errval"
	"github.com/docpipe/docpipe/internal/postgres"
	"github.com/docpipe/docpipe/internal/progress"
	"github.com/docpipe/docpipe/internal/redisq"
	"github.com/docpipe/docpipe/internal/server"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

var postgresIsReady, redisIsReady bool

func main() {
	cfg := configs.InitConfig()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))

	d, err := iofs.New(db2.Migrations, "migrations")
	if err != nil {
		log.Fatal(err)
		return
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, cfg.Database.ToMigrationUri())
	if err != nil {
		log.Fatal(err)
		return
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal(err)
		}
	}
	slog.Info("Migrations ran successfully")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer cancel()

	storage, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	postgresIsReady = true
	slog.Info("Postgres connection has been initialized successfully")

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

	queue := redisq.NewQueue(rdb, redisq.Options{
		Stream:        cfg.RedisConfig.TasksStream,
		Group:         cfg.RedisConfig.ConsumerGroup,
		DeadLetterKey: cfg.RedisConfig.DeadLetterKey,
		MaxRetries:    cfg.Worker.MaxRetries,
	})
	if err := queue.Setup(ctx); err != nil {
		log.Fatal(err)
	}
	slog.Info("Task queue consumer group has been set up")

	progressStore := progress.NewStore(rdb, cfg.RedisConfig.ProgressTTL())

	router := setupHTTPServer(storage, queue, progressStore)
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		log.Printf("Starting server on port %s\n", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}

func setupHTTPServer(storage domain.Storage, queue domain.Queue, progressStore domain.ProgressStore) *gin.Engine {
	r := gin.Default()
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		err := v.RegisterValidation("validate_task_type", validateTaskType)
		if err != nil {
			log.Fatal("failed to bind validation rule of validate_task_type")
		}

		err = v.RegisterValidation("validate_payload", validatePayload)
		if err != nil {
			log.Fatal("failed to bind validation rule of validate_payload")
		}
	}

	serverLogic := server.NewServerLogic(storage, queue, progressStore)

	tasks := r.Group("/tasks")
	tasks.POST("", func(c *gin.Context) {
		req := domain.RouterRequestEnqueueTask{}
		err := c.ShouldBindBodyWith(&req, binding.JSON)
		if err != nil {
			slog.Error("error occurred while binding request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{})
			return
		}

		taskID, err := serverLogic.EnqueueTask(c, req)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"task_id": taskID})
	})

	documents := r.Group("/documents")
	documents.POST("/:id/process", func(c *gin.Context) {
		id, ok := parseIDParam(c)
		if !ok {
			return
		}

		taskID, err := serverLogic.EnqueueDocumentProcess(c, id)
		if err != nil {
			if errors.Is(err, errval.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{})
				return
			}

			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}

		c.JSON(http.StatusOK, gin.H{"task_id": taskID})
	})

	documents.GET("/:id", func(c *gin.Context) {
		id, ok := parseIDParam(c)
		if !ok {
			return
		}

		doc, err := serverLogic.GetDocumentStatus(c, id)
		if err != nil {
			if errors.Is(err, errval.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{})
				return
			}

			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}

		c.JSON(http.StatusOK, doc)
	})

	// Server-Sent Events stream forwarding progress snapshots to the browser.
	// The subscription lives exactly as long as the HTTP connection.
	documents.GET("/:id/progress", func(c *gin.Context) {
		id, ok := parseIDParam(c)
		if !ok {
			return
		}

		doc, err := serverLogic.GetDocumentStatus(c, id)
		if err != nil {
			if errors.Is(err, errval.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{})
				return
			}

			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}

		ch, stopSub := progressStore.Subscribe(c.Request.Context(), doc.SubjectID)
		defer stopSub()

		// A subscriber joining after a publish does not see it retroactively,
		// so the current snapshot is sent first.
		if snap, err := progressStore.Get(c, doc.SubjectID); err == nil && snap != nil {
			c.SSEvent("progress", snap)
			c.Writer.Flush()
		}

		c.Stream(func(w io.Writer) bool {
			select {
			case p, open := <-ch:
				if !open {
					return false
				}

				c.SSEvent("progress", p)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	})

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

	return r
}

func parseIDParam(c *gin.Context) (int64, bool) {
	idStr := c.Param("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		slog.Error("Invalid id parameter, error occurred while casting id str to int", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}

	return id, true
}

var validateTaskType validator.Func = func(fl validator.FieldLevel) bool {
	taskType := fl.Field().String()
	switch taskType {
	case string(domain.DocumentProcess):
		return true
	default:
		return false
	}
}

var validatePayload validator.Func = func(fl validator.FieldLevel) bool {
	payloadStr := fl.Field().String()
	if payloadStr == "null" {
		return false
	}

	return json.Valid([]byte(payloadStr))
}
