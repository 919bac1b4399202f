package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"SearchSync/internal/domain"
	"SearchSync/internal/ports"
)

// BaseTable names one base table feeding the materialized view, with the
// timestamp column that records row modifications.
type BaseTable struct {
	Table          string
	TrackingColumn string
}

// MatViewRefresher recomputes the denormalized join view. The view carries
// its own last_updated column set at refresh time, so the view's maximum
// tracking value is the time of its last refresh, not the base tables' edit
// times.
type MatViewRefresher struct {
	db         *sql.DB
	view       string
	tracking   string
	baseTables []BaseTable
	timeout    time.Duration
	logger     *slog.Logger
}

var _ ports.Refresher = (*MatViewRefresher)(nil)

// NewMatViewRefresher wires a sql.DB implementation for one view.
func NewMatViewRefresher(db *sql.DB, view, trackingColumn string, baseTables []BaseTable, timeout time.Duration, logger *slog.Logger) *MatViewRefresher {
	return &MatViewRefresher{
		db:         db,
		view:       view,
		tracking:   trackingColumn,
		baseTables: baseTables,
		timeout:    timeout,
		logger:     logger,
	}
}

// NeedsRefresh reports whether any base table was modified after the view's
// last refresh. An empty view reports its refresh time as the epoch, so the
// first run always refreshes.
func (r *MatViewRefresher) NeedsRefresh(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	lastRefresh, err := r.maxTimestamp(ctx, r.view, r.tracking)
	if err != nil {
		return false, fmt.Errorf("read view refresh time: %w", err)
	}

	baseMax := make([]time.Time, 0, len(r.baseTables))
	for _, base := range r.baseTables {
		ts, err := r.maxTimestamp(ctx, base.Table, base.TrackingColumn)
		if err != nil {
			return false, fmt.Errorf("read base table %s: %w", base.Table, err)
		}
		baseMax = append(baseMax, ts)
	}

	return staleView(lastRefresh, baseMax), nil
}

// Refresh recomputes the view concurrently so readers keep querying the old
// version while the refresh runs.
func (r *MatViewRefresher) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stmt := "REFRESH MATERIALIZED VIEW CONCURRENTLY " + pq.QuoteIdentifier(r.view)
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("refresh %s: %w", r.view, err)
	}

	if r.logger != nil {
		r.logger.Info("materialized view refreshed", "view", r.view)
	}
	return nil
}

func (r *MatViewRefresher) maxTimestamp(ctx context.Context, table, column string) (time.Time, error) {
	query := fmt.Sprintf("SELECT COALESCE(MAX(%s), to_timestamp(0)) FROM %s",
		pq.QuoteIdentifier(column), pq.QuoteIdentifier(table))

	var ts time.Time
	if err := r.db.QueryRowContext(ctx, query).Scan(&ts); err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

// staleView is the refresh decision: any base-table modification after the
// view's last refresh makes the view stale.
func staleView(lastRefresh time.Time, baseMax []time.Time) bool {
	if lastRefresh.Before(domain.Epoch()) {
		lastRefresh = domain.Epoch()
	}
	for _, ts := range baseMax {
		if ts.After(lastRefresh) {
			return true
		}
	}
	return false
}
