package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"SearchSync/internal/domain"
	"SearchSync/internal/ports"
)

const createHistoryTable = `CREATE TABLE IF NOT EXISTS sync_history (
    id             BIGSERIAL PRIMARY KEY,
    cycle_id       UUID NOT NULL,
    source_id      TEXT NOT NULL,
    started_at     TIMESTAMPTZ NOT NULL,
    duration_ms    BIGINT NOT NULL,
    rows_extracted INT NOT NULL,
    rows_loaded    INT NOT NULL,
    outcome        TEXT NOT NULL,
    error          TEXT NOT NULL DEFAULT ''
)`

// HistoryStore appends per-cycle accounting rows to sync_history.
type HistoryStore struct {
	db      *sql.DB
	timeout time.Duration
}

var _ ports.HistoryStore = (*HistoryStore)(nil)

// NewHistoryStore wires a sql.DB implementation.
func NewHistoryStore(db *sql.DB, timeout time.Duration) *HistoryStore {
	return &HistoryStore{db: db, timeout: timeout}
}

// EnsureSchema creates the history table when it does not exist yet.
func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createHistoryTable); err != nil {
		return fmt.Errorf("create sync_history: %w", err)
	}
	return nil
}

// Append records one completed cycle.
func (s *HistoryStore) Append(ctx context.Context, result domain.CycleResult) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query, args, err := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Insert("sync_history").
		Columns("cycle_id", "source_id", "started_at", "duration_ms", "rows_extracted", "rows_loaded", "outcome", "error").
		Values(result.CycleID, result.SourceID, result.StartedAt.UTC(), result.Duration.Milliseconds(),
			result.RowsExtracted, result.RowsLoaded, string(result.Outcome), result.Error).
		ToSql()
	if err != nil {
		return fmt.Errorf("build history insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("append history for %s: %w", result.SourceID, err)
	}
	return nil
}

// Recent returns the latest cycles, newest first, optionally filtered by source.
func (s *HistoryStore) Recent(ctx context.Context, sourceID string, limit uint64) ([]domain.CycleResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	builder := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Select("cycle_id", "source_id", "started_at", "duration_ms", "rows_extracted", "rows_loaded", "outcome", "error").
		From("sync_history").
		OrderBy("started_at DESC").
		Limit(limit)
	if sourceID != "" {
		builder = builder.Where(sq.Eq{"source_id": sourceID})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build history select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var results []domain.CycleResult
	for rows.Next() {
		var (
			result     domain.CycleResult
			durationMS int64
			outcome    string
		)
		if err := rows.Scan(&result.CycleID, &result.SourceID, &result.StartedAt, &durationMS,
			&result.RowsExtracted, &result.RowsLoaded, &outcome, &result.Error); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		result.Duration = time.Duration(durationMS) * time.Millisecond
		result.Outcome = domain.CycleOutcome(outcome)
		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return results, nil
}
