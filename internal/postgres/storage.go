package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docpipe/docpipe/internal/domain"
	"github.com/docpipe/docpipe/internal/errval"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query
// methods serve the pooled view and the transactional session.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type storage struct {
	pool *pgxpool.Pool
}

func NewStorage(ctx context.Context, dsn string) (*storage, error) {
	var pool *pgxpool.Pool
	var err error

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	err = backoff.Retry(func() error {
		if pool, err = pgxpool.ConnectConfig(ctx, config); err != nil {
			slog.ErrorContext(ctx, "failed to connect to postgres database.. retrying...", "error", err)
			return err
		}

		if err = pool.Ping(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to ping postgres database connection.. retrying...", "error", err)
			return err
		}

		return nil
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 5))

	if err != nil {
		return nil, err
	}

	return &storage{pool: pool}, nil
}

// Documents returns a store view outside any transaction. Used for terminal
// failure bookkeeping that must survive a rolled-back unit of work.
func (s *storage) Documents() domain.DocumentStore {
	return &documentStore{db: s.pool}
}

// Begin opens a unit of work. The returned session is owned by exactly one
// task execution and must end in Commit or Rollback.
func (s *storage) Begin(ctx context.Context) (domain.Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}

	return &session{tx: tx}, nil
}

func (s *storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *storage) Close() {
	s.pool.Close()
}

type session struct {
	tx pgx.Tx
}

func (s *session) Documents() domain.DocumentStore {
	return &documentStore{db: s.tx}
}

func (s *session) Commit(ctx context.Context) error {
	return s.tx.Commit(ctx)
}

func (s *session) Rollback(ctx context.Context) error {
	err := s.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}

	return nil
}

type documentStore struct {
	db querier
}

func (d *documentStore) GetDocumentByID(ctx context.Context, id int64) (*domain.Document, error) {
	row := d.db.QueryRow(ctx,
		`SELECT id, subject_id, title, storage_key, status, page_count, error, processed_at
		 FROM documents WHERE id = $1`, id)

	var doc domain.Document
	var status string
	var errText pgtype.Text
	var processedAt pgtype.Timestamptz
	err := row.Scan(&doc.ID, &doc.SubjectID, &doc.Title, &doc.StorageKey, &status, &doc.PageCount, &errText, &processedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errval.ErrNotFound
		}

		return nil, err
	}

	doc.Status = domain.DocumentStatus(status)
	if errText.Status == pgtype.Present {
		doc.Error = &errText.String
	}
	if processedAt.Status == pgtype.Present {
		doc.ProcessedAt = &processedAt.Time
	}

	return &doc, nil
}

func (d *documentStore) UpdateDocumentStatus(ctx context.Context, id int64, status domain.DocumentStatus) error {
	tag, err := d.db.Exec(ctx,
		`UPDATE documents SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errval.ErrNotFound
	}

	return nil
}

func (d *documentStore) InsertDocumentPage(ctx context.Context, page domain.DocumentPage) error {
	_, err := d.db.Exec(ctx,
		`INSERT INTO document_pages (document_id, number, text)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (document_id, number) DO UPDATE SET text = EXCLUDED.text`,
		page.DocumentID, page.Number, page.Text)

	return err
}

func (d *documentStore) MarkDocumentReady(ctx context.Context, id int64, pageCount int) error {
	tag, err := d.db.Exec(ctx,
		`UPDATE documents
		 SET status = $2, page_count = $3, error = NULL, processed_at = now(), updated_at = now()
		 WHERE id = $1`,
		id, string(domain.DocumentReady), pageCount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errval.ErrNotFound
	}

	return nil
}

func (d *documentStore) MarkDocumentError(ctx context.Context, id int64, message string) error {
	tag, err := d.db.Exec(ctx,
		`UPDATE documents SET status = $2, error = $3, updated_at = now() WHERE id = $1`,
		id, string(domain.DocumentError), message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errval.ErrNotFound
	}

	return nil
}
