package domain

import "context"

type ProgressStatus string

const (
	ProgressProcessing ProgressStatus = "processing"
	ProgressReady      ProgressStatus = "ready"
	ProgressError      ProgressStatus = "error"
)

// Progress is the last-known snapshot of a long-running document job. Each
// write overwrites the previous snapshot and is broadcast to subscribers.
type Progress struct {
	SubjectID int64          `json:"subject_id"`
	Page      int            `json:"page"`
	Total     int            `json:"total"`
	Status    ProgressStatus `json:"status"`
	Message   string         `json:"message,omitempty"`
}

type ProgressStore interface {
	Update(ctx context.Context, p Progress) error
	// Get returns the last snapshot, or (nil, nil) if absent or expired.
	Get(ctx context.Context, subjectID int64) (*Progress, error)
	// Subscribe streams snapshots published after the call. A subscriber that
	// joins late must call Get for the current snapshot. The returned stop
	// function terminates the stream and releases the subscription.
	Subscribe(ctx context.Context, subjectID int64) (<-chan Progress, func())
	// Clear removes the stored snapshot, best-effort.
	Clear(ctx context.Context, subjectID int64) error
}
