package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docpipe/docpipe/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Store keeps the last progress snapshot per subject in Redis with a bounded
// lifetime and fans every write out on a pub/sub channel. Writes are
// last-write-wins; a subscriber that joins late has to call Get for the
// current snapshot.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

func snapshotKey(subjectID int64) string {
	return fmt.Sprintf("progress:%d", subjectID)
}

func channelKey(subjectID int64) string {
	return fmt.Sprintf("progress:chan:%d", subjectID)
}

// Update overwrites the stored snapshot and publishes it to subscribers.
func (s *Store) Update(ctx context.Context, p domain.Progress) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	if err := s.rdb.Set(ctx, snapshotKey(p.SubjectID), body, s.ttl).Err(); err != nil {
		return err
	}

	return s.rdb.Publish(ctx, channelKey(p.SubjectID), body).Err()
}

// Get returns the last snapshot, or (nil, nil) if absent or expired.
func (s *Store) Get(ctx context.Context, subjectID int64) (*domain.Progress, error) {
	body, err := s.rdb.Get(ctx, snapshotKey(subjectID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, err
	}

	var p domain.Progress
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}

	return &p, nil
}

// Subscribe streams snapshots published after the call. The stream is
// infinite and not restartable; the caller terminates it through the stop
// function or by cancelling ctx, typically bound to an HTTP connection.
func (s *Store) Subscribe(ctx context.Context, subjectID int64) (<-chan domain.Progress, func()) {
	sub := s.rdb.Subscribe(ctx, channelKey(subjectID))
	out := make(chan domain.Progress)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}

				var p domain.Progress
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					slog.Error("Dropping unparseable progress message", "subject_id", subjectID, "error", err.Error())
					continue
				}

				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	stop := func() {
		if err := sub.Close(); err != nil {
			slog.Error("Error occurred while closing progress subscription", "subject_id", subjectID, "error", err.Error())
		}
	}

	return out, stop
}

// Clear removes the stored snapshot. Best-effort; queue state is unaffected.
func (s *Store) Clear(ctx context.Context, subjectID int64) error {
	return s.rdb.Del(ctx, snapshotKey(subjectID)).Err()
}
