package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docpipe/docpipe/internal/domain"
	"github.com/docpipe/docpipe/internal/errval"
)

// documentProcessPayload is the task payload for document_process tasks.
type documentProcessPayload struct {
	DocumentID int64 `json:"document_id"`
}

// DocumentHandler turns an uploaded document into extracted page text. It
// runs inside the Executor's unit of work; terminal failure state is written
// through the out-of-transaction store view so it survives the rollback.
type DocumentHandler struct {
	storage   domain.Storage
	progress  domain.ProgressStore
	objects   domain.ObjectStorage
	extractor domain.Extractor

	downloadTimeout time.Duration
	extractTimeout  time.Duration
}

func NewDocumentHandler(
	storage domain.Storage,
	progressStore domain.ProgressStore,
	objects domain.ObjectStorage,
	extractor domain.Extractor,
	downloadTimeout, extractTimeout time.Duration,
) *DocumentHandler {
	return &DocumentHandler{
		storage:         storage,
		progress:        progressStore,
		objects:         objects,
		extractor:       extractor,
		downloadTimeout: downloadTimeout,
		extractTimeout:  extractTimeout,
	}
}

func (h *DocumentHandler) Type() domain.TaskType {
	return domain.DocumentProcess
}

func (h *DocumentHandler) Process(ctx context.Context, session domain.Session, task *domain.Task) error {
	var payload documentProcessPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return errval.Fatalf("malformed document_process payload: %w", err)
	}

	docs := session.Documents()
	doc, err := docs.GetDocumentByID(ctx, payload.DocumentID)
	if err != nil {
		if errors.Is(err, errval.ErrNotFound) {
			return errval.NewFatal(fmt.Errorf("document %d: %w", payload.DocumentID, errval.ErrNotFound))
		}

		return err
	}

	// Flip to processing inside the transaction so reads on this session see
	// it before anything is committed.
	if err := docs.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentProcessing); err != nil {
		return h.fail(ctx, doc, err)
	}

	if err := h.progress.Update(ctx, domain.Progress{
		SubjectID: doc.SubjectID,
		Status:    domain.ProgressProcessing,
	}); err != nil {
		slog.Error("Error occurred while publishing initial progress", "document_id", doc.ID, "error", err.Error())
	}

	raw, err := h.download(ctx, doc.StorageKey)
	if err != nil {
		return h.fail(ctx, doc, err)
	}
	if len(raw) == 0 {
		return h.fail(ctx, doc, errval.Fatalf("document %d has an empty object at %s", doc.ID, doc.StorageKey))
	}

	extracted, err := h.extract(ctx, h.objects.PublicURL(doc.StorageKey))
	if err != nil {
		return h.fail(ctx, doc, err)
	}

	total := len(extracted.Pages)
	for i, page := range extracted.Pages {
		// Cancellation is checked every iteration. fail re-raises it
		// untouched; the task stays pending for backend-level reclaim. An
		// expired overall deadline goes through the error bookkeeping.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return h.fail(ctx, doc, ctxErr)
		}

		err := docs.InsertDocumentPage(ctx, domain.DocumentPage{
			DocumentID: doc.ID,
			Number:     page.Number,
			Text:       page.Text,
		})
		if err != nil {
			return h.fail(ctx, doc, err)
		}

		if err := h.progress.Update(ctx, domain.Progress{
			SubjectID: doc.SubjectID,
			Page:      i + 1,
			Total:     total,
			Status:    domain.ProgressProcessing,
		}); err != nil {
			slog.Error("Error occurred while publishing page progress", "document_id", doc.ID, "page", i+1, "error", err.Error())
		}
	}

	if err := docs.MarkDocumentReady(ctx, doc.ID, total); err != nil {
		return h.fail(ctx, doc, err)
	}

	if err := h.progress.Update(ctx, domain.Progress{
		SubjectID: doc.SubjectID,
		Page:      total,
		Total:     total,
		Status:    domain.ProgressReady,
	}); err != nil {
		slog.Error("Error occurred while publishing final progress", "document_id", doc.ID, "error", err.Error())
	}

	slog.Info("Document has been processed", "document_id", doc.ID, "pages", total, "task_id", task.ID)
	return nil
}

// download fetches the raw object under its own sub-deadline. A sub-step
// timeout is retryable; any other storage error keeps its own classification.
func (h *DocumentHandler) download(ctx context.Context, key string) ([]byte, error) {
	subCtx, cancel := context.WithTimeout(ctx, h.downloadTimeout)
	defer cancel()

	raw, err := h.objects.Download(subCtx, key)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errval.NewRetryable(fmt.Errorf("downloading %s timed out: %w", key, err))
		}

		return nil, err
	}

	return raw, nil
}

// extract runs the structuring client under its own sub-deadline. A typed
// *errval.ExtractError keeps the retryable flag the collaborator chose.
func (h *DocumentHandler) extract(ctx context.Context, url string) (*domain.ExtractedDoc, error) {
	subCtx, cancel := context.WithTimeout(ctx, h.extractTimeout)
	defer cancel()

	extracted, err := h.extractor.Extract(subCtx, url)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errval.NewRetryable(fmt.Errorf("extraction timed out: %w", err))
		}

		return nil, err
	}

	return extracted, nil
}

// fail records terminal failure state on the document and in the last
// progress snapshot, then returns the cause for classification. Cancellation
// is never converted: the record is left as-is and the error re-raised.
func (h *DocumentHandler) fail(ctx context.Context, doc *domain.Document, cause error) error {
	if errors.Is(cause, context.Canceled) {
		return cause
	}

	// The surrounding transaction is about to roll back, so the failure is
	// persisted through the pooled store view on an uncancellable context.
	bg := context.WithoutCancel(ctx)
	if err := h.storage.Documents().MarkDocumentError(bg, doc.ID, cause.Error()); err != nil {
		slog.Error("Error occurred while marking document as errored", "document_id", doc.ID, "error", err.Error())
	}

	if err := h.progress.Update(bg, domain.Progress{
		SubjectID: doc.SubjectID,
		Status:    domain.ProgressError,
		Message:   cause.Error(),
	}); err != nil {
		slog.Error("Error occurred while publishing error progress", "document_id", doc.ID, "error", err.Error())
	}

	return cause
}
