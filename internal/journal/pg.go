package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	journalInsertSQL = `
INSERT INTO event_journal (
    id,
    topic,
    sequence,
    payload,
    published_at,
    recorded_at
)
VALUES ($1, $2, $3, COALESCE($4::jsonb, '{}'::jsonb), $5, $6);
`

	journalRecentSQL = `
SELECT
    id,
    topic,
    sequence,
    payload,
    published_at,
    recorded_at
FROM event_journal
ORDER BY recorded_at DESC, sequence DESC
LIMIT $1;
`
)

const (
	defaultRecentLimit = 128
	maxRecentLimit     = 1024
)

// PGStore persists journal records in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PGStore backed by the provided pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Append inserts the records in a single batch round-trip.
func (s *PGStore) Append(ctx context.Context, records []Record) error {
	if s.pool == nil {
		return fmt.Errorf("journal store: nil pool")
	}
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(journalInsertSQL,
			rec.ID, rec.Topic, rec.Sequence, rec.Payload, rec.PublishedAt, rec.RecordedAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("journal store: append: %w", err)
		}
	}
	return nil
}

// Recent returns the newest records, most recent first.
func (s *PGStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("journal store: nil pool")
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	} else if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	rows, err := s.pool.Query(ctx, journalRecentSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("journal store: recent: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.Sequence, &rec.Payload,
			&rec.PublishedAt, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("journal store: scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal store: iterate records: %w", err)
	}
	return records, nil
}

var _ Store = (*PGStore)(nil)
