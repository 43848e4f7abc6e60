package handler

import (
	"context"
	"sync"

	"github.com/docpipe/docpipe/internal/domain"
	"github.com/docpipe/docpipe/internal/errval"
)

// memDocs is an in-memory DocumentStore shared by the pooled view and the
// session view, which is enough for exercising the handler's control flow.
type memDocs struct {
	mu    sync.Mutex
	docs  map[int64]*domain.Document
	pages []domain.DocumentPage
}

func newMemDocs(docs ...*domain.Document) *memDocs {
	m := &memDocs{docs: map[int64]*domain.Document{}}
	for _, doc := range docs {
		m.docs[doc.ID] = doc
	}

	return m
}

func (m *memDocs) GetDocumentByID(_ context.Context, id int64) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id]
	if !ok {
		return nil, errval.ErrNotFound
	}

	copied := *doc
	return &copied, nil
}

func (m *memDocs) UpdateDocumentStatus(_ context.Context, id int64, status domain.DocumentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id]
	if !ok {
		return errval.ErrNotFound
	}

	doc.Status = status
	return nil
}

func (m *memDocs) InsertDocumentPage(_ context.Context, page domain.DocumentPage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pages = append(m.pages, page)
	return nil
}

func (m *memDocs) MarkDocumentReady(_ context.Context, id int64, pageCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id]
	if !ok {
		return errval.ErrNotFound
	}

	doc.Status = domain.DocumentReady
	doc.PageCount = pageCount
	doc.Error = nil
	return nil
}

func (m *memDocs) MarkDocumentError(_ context.Context, id int64, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id]
	if !ok {
		return errval.ErrNotFound
	}

	doc.Status = domain.DocumentError
	doc.Error = &message
	return nil
}

func (m *memDocs) document(id int64) *domain.Document {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id]
	if !ok {
		return nil
	}

	copied := *doc
	return &copied
}

func (m *memDocs) pageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pages)
}

type memSession struct {
	store      *memDocs
	committed  bool
	rolledBack bool
}

func (s *memSession) Documents() domain.DocumentStore {
	return s.store
}

func (s *memSession) Commit(context.Context) error {
	s.committed = true
	return nil
}

func (s *memSession) Rollback(context.Context) error {
	s.rolledBack = true
	return nil
}

type memStorage struct {
	store    *memDocs
	sessions []*memSession
	beginErr error
}

func newMemStorage(docs ...*domain.Document) *memStorage {
	return &memStorage{store: newMemDocs(docs...)}
}

func (m *memStorage) Begin(context.Context) (domain.Session, error) {
	if m.beginErr != nil {
		return nil, m.beginErr
	}

	session := &memSession{store: m.store}
	m.sessions = append(m.sessions, session)
	return session, nil
}

func (m *memStorage) Documents() domain.DocumentStore {
	return m.store
}

func (m *memStorage) Ping(context.Context) error {
	return nil
}

func (m *memStorage) Close() {}

type recordingProgress struct {
	mu      sync.Mutex
	updates []domain.Progress
}

func (r *recordingProgress) Update(_ context.Context, p domain.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.updates = append(r.updates, p)
	return nil
}

func (r *recordingProgress) Get(context.Context, int64) (*domain.Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.updates) == 0 {
		return nil, nil
	}

	last := r.updates[len(r.updates)-1]
	return &last, nil
}

func (r *recordingProgress) Subscribe(context.Context, int64) (<-chan domain.Progress, func()) {
	ch := make(chan domain.Progress)
	close(ch)
	return ch, func() {}
}

func (r *recordingProgress) Clear(context.Context, int64) error {
	return nil
}

func (r *recordingProgress) last() *domain.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.updates) == 0 {
		return nil
	}

	last := r.updates[len(r.updates)-1]
	return &last
}

type fakeObjects struct {
	data     []byte
	err      error
	blockCtx bool
}

func (f *fakeObjects) Download(ctx context.Context, _ string) ([]byte, error) {
	if f.blockCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}

	return f.data, nil
}

func (f *fakeObjects) PublicURL(key string) string {
	return "https://objects.test/" + key
}

type fakeExtractor struct {
	doc      *domain.ExtractedDoc
	err      error
	blockCtx bool
	onCall   func()
}

func (f *fakeExtractor) Extract(ctx context.Context, _ string) (*domain.ExtractedDoc, error) {
	if f.onCall != nil {
		f.onCall()
	}
	if f.blockCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}

	return f.doc, nil
}

// funcHandler adapts a bare function into a Handler for executor tests.
type funcHandler struct {
	taskType domain.TaskType
	fn       func(ctx context.Context, session domain.Session, task *domain.Task) error
}

func (h *funcHandler) Type() domain.TaskType {
	return h.taskType
}

func (h *funcHandler) Process(ctx context.Context, session domain.Session, task *domain.Task) error {
	return h.fn(ctx, session, task)
}
