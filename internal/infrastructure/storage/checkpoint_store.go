package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"SearchSync/internal/domain"
	"SearchSync/internal/ports"
)

const createCheckpointsTable = `CREATE TABLE IF NOT EXISTS sync_checkpoints (
    source_id         TEXT PRIMARY KEY,
    last_synced_value TIMESTAMPTZ NOT NULL,
    last_synced_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const getCheckpointQuery = `SELECT last_synced_value FROM sync_checkpoints WHERE source_id = $1`

// advanceCheckpointQuery only ever moves a checkpoint forward: the GREATEST
// guard turns a stale advance into a no-op, which protects against
// out-of-order batch completions.
const advanceCheckpointQuery = `INSERT INTO sync_checkpoints (source_id, last_synced_value, last_synced_at)
VALUES ($1, $2, NOW())
ON CONFLICT (source_id) DO UPDATE
SET last_synced_value = GREATEST(sync_checkpoints.last_synced_value, EXCLUDED.last_synced_value),
    last_synced_at = NOW()`

const resetCheckpointQuery = `INSERT INTO sync_checkpoints (source_id, last_synced_value, last_synced_at)
VALUES ($1, $2, NOW())
ON CONFLICT (source_id) DO UPDATE
SET last_synced_value = EXCLUDED.last_synced_value,
    last_synced_at = NOW()`

// CheckpointStore persists per-source sync bookmarks in Postgres.
type CheckpointStore struct {
	db      *sql.DB
	timeout time.Duration
	logger  *slog.Logger
}

var _ ports.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore wires a sql.DB implementation.
func NewCheckpointStore(db *sql.DB, timeout time.Duration, logger *slog.Logger) *CheckpointStore {
	return &CheckpointStore{db: db, timeout: timeout, logger: logger}
}

// EnsureSchema creates the checkpoint table when it does not exist yet.
func (s *CheckpointStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createCheckpointsTable); err != nil {
		return fmt.Errorf("create sync_checkpoints: %w", err)
	}
	return nil
}

// Get returns the last synced value for the source. A source without a
// recorded checkpoint, or with corrupt state, reports the epoch with a
// warning rather than an error, so a fresh source starts a full extraction.
// Connectivity failures are returned as errors; the caller retries them.
func (s *CheckpointStore) Get(ctx context.Context, sourceID string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var value time.Time
	err := s.db.QueryRowContext(ctx, getCheckpointQuery, sourceID).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.debug("no checkpoint recorded, starting from epoch", "source", sourceID)
		return domain.Epoch(), nil
	case err != nil && ctx.Err() == nil && isScanCorruption(err):
		s.warn("corrupt checkpoint state, treating as epoch", "source", sourceID, "error", err)
		return domain.Epoch(), nil
	case err != nil:
		return time.Time{}, fmt.Errorf("read checkpoint for %s: %w", sourceID, err)
	}

	return value.UTC(), nil
}

// Advance moves the checkpoint forward; values at or below the current
// checkpoint leave it unchanged.
func (s *CheckpointStore) Advance(ctx context.Context, sourceID string, value time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, advanceCheckpointQuery, sourceID, value.UTC()); err != nil {
		return fmt.Errorf("advance checkpoint for %s: %w", sourceID, err)
	}

	s.debug("checkpoint advanced", "source", sourceID, "value", value.UTC())
	return nil
}

// Reset moves the checkpoint back to the epoch for a forced full resync.
// Callers must serialize Reset against in-flight advances for the same
// source; the pipeline's cycle lock provides that.
func (s *CheckpointStore) Reset(ctx context.Context, sourceID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, resetCheckpointQuery, sourceID, domain.Epoch()); err != nil {
		return fmt.Errorf("reset checkpoint for %s: %w", sourceID, err)
	}

	s.warn("checkpoint reset to epoch", "source", sourceID)
	return nil
}

// isScanCorruption distinguishes unreadable stored state from transport
// errors. database/sql surfaces conversion failures through Scan with a
// "converting" or "unsupported Scan" message and no wrapped driver error.
func isScanCorruption(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "converting") || strings.Contains(msg, "unsupported Scan")
}

func (s *CheckpointStore) debug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *CheckpointStore) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
