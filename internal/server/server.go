package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/docpipe/docpipe/internal/domain"
	"github.com/docpipe/docpipe/internal/errval"
)

// ServerLogic is the enqueue-side veneer over the task subsystem used by the
// HTTP routes.
type ServerLogic struct {
	storage  domain.Storage
	queue    domain.Queue
	progress domain.ProgressStore
}

func NewServerLogic(storage domain.Storage, queue domain.Queue, progressStore domain.ProgressStore) *ServerLogic {
	return &ServerLogic{
		storage:  storage,
		queue:    queue,
		progress: progressStore,
	}
}

// EnqueueTask validates nothing beyond what the route binding already did and
// appends the task to the log.
func (s *ServerLogic) EnqueueTask(ctx context.Context, req domain.RouterRequestEnqueueTask) (string, error) {
	taskID, err := s.queue.Enqueue(ctx, domain.TaskType(req.Type), []byte(req.Payload))
	if err != nil {
		slog.ErrorContext(ctx, "error occurred while enqueueing task", "error", err)
		return "", errval.ErrInternal
	}

	slog.Info("Task has been enqueued", "task_id", taskID, "task_type", req.Type)
	return taskID, nil
}

// EnqueueDocumentProcess looks the document up, clears any stale progress
// snapshot and enqueues a document_process task for it.
func (s *ServerLogic) EnqueueDocumentProcess(ctx context.Context, documentID int64) (string, error) {
	doc, err := s.storage.Documents().GetDocumentByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, errval.ErrNotFound) {
			return "", err
		}

		slog.ErrorContext(ctx, "error occurred while loading document", "document_id", documentID, "error", err)
		return "", errval.ErrInternal
	}

	payload, err := json.Marshal(map[string]int64{"document_id": doc.ID})
	if err != nil {
		return "", errval.ErrInternal
	}

	if err := s.progress.Clear(ctx, doc.SubjectID); err != nil {
		slog.Error("Error occurred while clearing stale progress snapshot", "subject_id", doc.SubjectID, "error", err.Error())
	}

	taskID, err := s.queue.Enqueue(ctx, domain.DocumentProcess, payload)
	if err != nil {
		slog.ErrorContext(ctx, "error occurred while enqueueing document task", "document_id", documentID, "error", err)
		return "", errval.ErrInternal
	}

	slog.Info("Document processing task has been enqueued", "task_id", taskID, "document_id", doc.ID)
	return taskID, nil
}

func (s *ServerLogic) GetDocumentStatus(ctx context.Context, documentID int64) (*domain.Document, error) {
	doc, err := s.storage.Documents().GetDocumentByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, errval.ErrNotFound) {
			slog.Info("document not found with the given id", "id", documentID)
			return nil, err
		}

		slog.ErrorContext(ctx, "error occurred while calling storage.GetDocumentByID", "error", err)
		return nil, errval.ErrInternal
	}

	return doc, nil
}
