package ports

import (
	"context"
	"time"

	"SearchSync/internal/domain"
)

// SourceReader extracts changed rows from one relational data source.
type SourceReader interface {
	// ChangedSince returns rows whose tracking column is strictly greater
	// than since, ordered ascending by tracking column with the primary key
	// as tie-break, at most limit rows.
	ChangedSince(ctx context.Context, since time.Time, limit uint64) ([]domain.Row, error)

	// TrackingValue extracts the tracking-column value from an extracted row.
	// A missing or non-timestamp value is a configuration error: the
	// configured identifier does not match what the store returned.
	TrackingValue(row domain.Row) (time.Time, error)

	// Validate checks the configured table and column identifiers against
	// the store's catalog, including exact casing.
	Validate(ctx context.Context) error
}

// CheckpointStore is the durable, monotonic bookmark per data source.
type CheckpointStore interface {
	// Get returns the last synced value for the source, or the epoch when no
	// checkpoint has been recorded. Missing or corrupt state is never an
	// error; it is logged and reported as the epoch.
	Get(ctx context.Context, sourceID string) (time.Time, error)

	// Advance moves the checkpoint forward. Values below the current
	// checkpoint are a no-op, protecting against out-of-order completions.
	Advance(ctx context.Context, sourceID string, value time.Time) error

	// Reset moves the checkpoint back to the epoch for a forced full resync.
	Reset(ctx context.Context, sourceID string) error
}

// DocResult reports the outcome of one document within a bulk write,
// in the same order the documents were submitted.
type DocResult struct {
	ID  string
	Err error
}

// IndexWriter bulk-upserts documents into one destination collection.
// Upserts are keyed by document ID: write-if-absent-else-replace, never
// append-only insert.
type IndexWriter interface {
	BulkUpsert(ctx context.Context, collection string, docs []domain.Document) ([]DocResult, error)
}

// Refresher keeps the materialized view current.
type Refresher interface {
	// NeedsRefresh reports whether any base table changed after the view's
	// own last refresh time.
	NeedsRefresh(ctx context.Context) (bool, error)

	// Refresh recomputes the view without blocking readers.
	Refresh(ctx context.Context) error
}

// HistoryStore appends per-cycle accounting rows for observability.
type HistoryStore interface {
	Append(ctx context.Context, result domain.CycleResult) error
	Recent(ctx context.Context, sourceID string, limit uint64) ([]domain.CycleResult, error)
}

// Notifier delivers operator alerts when a pipeline enters the error state.
type Notifier interface {
	PublishAlert(ctx context.Context, message string) error
}

// Scheduler controls when pipeline cycles execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
