package domain

import "context"

// ObjectStorage is the blob backend holding uploaded documents.
type ObjectStorage interface {
	Download(ctx context.Context, key string) ([]byte, error)
	PublicURL(key string) string
}

type ExtractedPage struct {
	Number int
	Text   string
}

type ExtractedDoc struct {
	Pages []ExtractedPage
}

// Extractor is the structuring/OCR client. Typed failures are reported as
// *errval.ExtractError carrying the collaborator's own retryable flag.
type Extractor interface {
	Extract(ctx context.Context, url string) (*ExtractedDoc, error)
}
