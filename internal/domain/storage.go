package domain

import "context"

// DocumentStore is the persistence surface the document handler works
// against. Within a unit of work every mutation is visible to later reads of
// the same session but not committed until the session commits.
type DocumentStore interface {
	GetDocumentByID(ctx context.Context, id int64) (*Document, error)
	UpdateDocumentStatus(ctx context.Context, id int64, status DocumentStatus) error
	InsertDocumentPage(ctx context.Context, page DocumentPage) error
	MarkDocumentReady(ctx context.Context, id int64, pageCount int) error
	MarkDocumentError(ctx context.Context, id int64, message string) error
}

// Session is a transactional unit of work owned by exactly one task
// execution.
type Session interface {
	Documents() DocumentStore
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type UnitOfWork interface {
	Begin(ctx context.Context) (Session, error)
}

type Storage interface {
	UnitOfWork
	// Documents returns a store view outside any transaction, used for
	// persisting terminal failure state after a rollback.
	Documents() DocumentStore
	Ping(ctx context.Context) error
	Close()
}
