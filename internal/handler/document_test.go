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

func testDocument() *domain.Document {
	return &domain.Document{
		ID:         42,
		SubjectID:  7,
		Title:      "calculus notes",
		StorageKey: "subjects/7/calculus.pdf",
		Status:     domain.DocumentPending,
	}
}

func newDocumentHandler(storage *memStorage, objects domain.ObjectStorage, extractor domain.Extractor) (*DocumentHandler, *recordingProgress) {
	progressStore := &recordingProgress{}
	h := NewDocumentHandler(storage, progressStore, objects, extractor, 50*time.Millisecond, 50*time.Millisecond)
	return h, progressStore
}

func processTask() *domain.Task {
	return &domain.Task{
		ID:      "task-42",
		Type:    domain.DocumentProcess,
		Payload: []byte(`{"document_id":42}`),
	}
}

func TestProcessFailsNonRetryablyWhenDocumentIsMissing(t *testing.T) {
	storage := newMemStorage() // no documents at all
	h, _ := newDocumentHandler(storage, &fakeObjects{data: []byte("pdf")}, &fakeExtractor{doc: &domain.ExtractedDoc{}})

	session, err := storage.Begin(context.Background())
	require.NoError(t, err)

	processErr := h.Process(context.Background(), session, processTask())
	require.Error(t, processErr)
	assert.False(t, errval.IsRetryable(processErr))
	assert.Contains(t, processErr.Error(), "not found")
}

func TestProcessExtractsPagesAndMarksReady(t *testing.T) {
	storage := newMemStorage(testDocument())
	extractor := &fakeExtractor{doc: &domain.ExtractedDoc{Pages: []domain.ExtractedPage{
		{Number: 1, Text: "page one"},
		{Number: 2, Text: "page two"},
	}}}
	h, progressStore := newDocumentHandler(storage, &fakeObjects{data: []byte("pdf")}, extractor)

	session, err := storage.Begin(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.Process(context.Background(), session, processTask()))

	doc := storage.store.document(42)
	assert.Equal(t, domain.DocumentReady, doc.Status)
	assert.Equal(t, 2, doc.PageCount)
	assert.Nil(t, doc.Error)
	assert.Equal(t, 2, storage.store.pageCount())

	last := progressStore.last()
	require.NotNil(t, last)
	assert.Equal(t, domain.ProgressReady, last.Status)
	assert.Equal(t, 2, last.Page)
	assert.Equal(t, 2, last.Total)

	// One initial update, one per page, one final.
	assert.Len(t, progressStore.updates, 4)
}

func TestProcessDownloadTimeoutIsRetryable(t *testing.T) {
	storage := newMemStorage(testDocument())
	h, progressStore := newDocumentHandler(storage, &fakeObjects{blockCtx: true}, &fakeExtractor{doc: &domain.ExtractedDoc{}})

	session, err := storage.Begin(context.Background())
	require.NoError(t, err)

	processErr := h.Process(context.Background(), session, processTask())
	require.Error(t, processErr)
	assert.True(t, errval.IsRetryable(processErr))

	// The failure is recorded on the document and in the last snapshot.
	doc := storage.store.document(42)
	assert.Equal(t, domain.DocumentError, doc.Status)
	require.NotNil(t, doc.Error)
	assert.Contains(t, *doc.Error, "timed out")

	last := progressStore.last()
	require.NotNil(t, last)
	assert.Equal(t, domain.ProgressError, last.Status)
	assert.NotEmpty(t, last.Message)
}

func TestProcessHonorsExtractorRetryableFlag(t *testing.T) {
	storage := newMemStorage(testDocument())
	extractor := &fakeExtractor{err: &errval.ExtractError{Message: "ocr backend is down", Retryable: true}}
	h, _ := newDocumentHandler(storage, &fakeObjects{data: []byte("pdf")}, extractor)

	session, err := storage.Begin(context.Background())
	require.NoError(t, err)

	processErr := h.Process(context.Background(), session, processTask())
	require.Error(t, processErr)

	var extractErr *errval.ExtractError
	require.True(t, errors.As(processErr, &extractErr))
	assert.True(t, extractErr.Retryable)

	doc := storage.store.document(42)
	assert.Equal(t, domain.DocumentError, doc.Status)
}

func TestProcessRejectsEmptyObjects(t *testing.T) {
	storage := newMemStorage(testDocument())
	h, _ := newDocumentHandler(storage, &fakeObjects{data: nil}, &fakeExtractor{doc: &domain.ExtractedDoc{}})

	session, err := storage.Begin(context.Background())
	require.NoError(t, err)

	processErr := h.Process(context.Background(), session, processTask())
	require.Error(t, processErr)
	assert.False(t, errval.IsRetryable(processErr))
}

func TestProcessReraisesCancellationWithoutErrorBookkeeping(t *testing.T) {
	storage := newMemStorage(testDocument())

	ctx, cancel := context.WithCancel(context.Background())
	extractor := &fakeExtractor{
		doc: &domain.ExtractedDoc{Pages: []domain.ExtractedPage{{Number: 1, Text: "page one"}}},
		// Cancel between the extract sub-step and the page loop.
		onCall: cancel,
	}
	h, progressStore := newDocumentHandler(storage, &fakeObjects{data: []byte("pdf")}, extractor)

	session, err := storage.Begin(ctx)
	require.NoError(t, err)

	processErr := h.Process(ctx, session, processTask())
	require.ErrorIs(t, processErr, context.Canceled)

	// The record is not flipped to error; the task stays where it was.
	doc := storage.store.document(42)
	assert.NotEqual(t, domain.DocumentError, doc.Status)
	for _, update := range progressStore.updates {
		assert.NotEqual(t, domain.ProgressError, update.Status)
	}
}

func TestProcessRejectsMalformedPayload(t *testing.T) {
	storage := newMemStorage(testDocument())
	h, _ := newDocumentHandler(storage, &fakeObjects{data: []byte("pdf")}, &fakeExtractor{doc: &domain.ExtractedDoc{}})

	session, err := storage.Begin(context.Background())
	require.NoError(t, err)

	processErr := h.Process(context.Background(), session, &domain.Task{
		ID:      "task-bad",
		Type:    domain.DocumentProcess,
		Payload: []byte(`not json`),
	})
	require.Error(t, processErr)
	assert.False(t, errval.IsRetryable(processErr))
}
