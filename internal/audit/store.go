package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store manages flagged-message records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new audit store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts a flagged-message record. The context messages are
// marshalled to JSONB.
func (s *Store) Record(ctx context.Context, event *FlaggedEvent) error {
	var contextJSON []byte
	if len(event.Context) > 0 {
		var err error
		contextJSON, err = json.Marshal(event.Context)
		if err != nil {
			return fmt.Errorf("audit: marshal context: %w", err)
		}
	}

	const query = `
		INSERT INTO flagged_messages (member_id, room, text, label, context, flagged_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	flaggedAt := time.Unix(event.Ts, 0)
	if event.Ts == 0 {
		flaggedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		event.MemberID,
		event.Room,
		event.Text,
		event.Label,
		contextJSON,
		flaggedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of records filed against a member within
// the given window, for the administrative statistics read path.
func (s *Store) CountRecent(ctx context.Context, memberID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM flagged_messages
		WHERE member_id = $1
		  AND flagged_at >= NOW() - $2::interval`

	interval := fmt.Sprintf("%d seconds", int(window.Seconds()))

	var count int
	if err := s.db.QueryRowContext(ctx, query, memberID, interval).Scan(&count); err != nil {
		return 0, fmt.Errorf("audit: count recent: %w", err)
	}
	return count, nil
}
