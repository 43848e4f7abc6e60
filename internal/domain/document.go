package domain

import "time"

type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentReady      DocumentStatus = "ready"
	DocumentError      DocumentStatus = "error"
)

type Document struct {
	ID          int64          `json:"id"`
	SubjectID   int64          `json:"subject_id"`
	Title       string         `json:"title"`
	StorageKey  string         `json:"storage_key"`
	Status      DocumentStatus `json:"status"`
	PageCount   int            `json:"page_count"`
	Error       *string        `json:"error,omitempty"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

type DocumentPage struct {
	DocumentID int64  `json:"document_id"`
	Number     int    `json:"number"`
	Text       string `json:"text"`
}
