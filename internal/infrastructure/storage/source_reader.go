package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"SearchSync/internal/domain"
	"SearchSync/internal/ports"
)

// SourceSpec names the relational identifiers of one data source. The
// identifiers are quoted verbatim into queries, so their casing must match
// the store's catalog exactly; Validate enforces this before the owning
// pipeline starts.
type SourceSpec struct {
	Table          string
	KeyColumn      string
	TrackingColumn string
}

// PostgresSource extracts changed rows for one data source.
type PostgresSource struct {
	db      *sql.DB
	spec    SourceSpec
	timeout time.Duration
	logger  *slog.Logger
}

var _ ports.SourceReader = (*PostgresSource)(nil)

// NewPostgresSource wires a sql.DB implementation for one source table.
func NewPostgresSource(db *sql.DB, spec SourceSpec, timeout time.Duration, logger *slog.Logger) *PostgresSource {
	return &PostgresSource{db: db, spec: spec, timeout: timeout, logger: logger}
}

// buildChangedQuery renders the incremental extraction query. Identifiers
// are double-quoted, which makes them case-sensitive on the Postgres side:
// a casing mismatch fails loudly here instead of silently matching a folded
// lowercase column and never advancing the checkpoint.
func buildChangedQuery(spec SourceSpec, since time.Time, limit uint64) (string, []any, error) {
	tracking := pq.QuoteIdentifier(spec.TrackingColumn)
	key := pq.QuoteIdentifier(spec.KeyColumn)

	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Select("*").
		From(pq.QuoteIdentifier(spec.Table)).
		Where(sq.Gt{tracking: since}).
		OrderBy(tracking+" ASC", key+" ASC").
		Limit(limit).
		ToSql()
}

// ChangedSince returns up to limit rows with tracking column strictly
// greater than since, ascending by tracking column and key.
func (s *PostgresSource) ChangedSince(ctx context.Context, since time.Time, limit uint64) ([]domain.Row, error) {
	query, args, err := buildChangedQuery(s.spec, since, limit)
	if err != nil {
		return nil, fmt.Errorf("build query for %s: %w", s.spec.Table, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.spec.Table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", s.spec.Table, err)
	}

	var extracted []domain.Row
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", s.spec.Table, err)
		}

		row := make(domain.Row, len(columns))
		for i, column := range columns {
			row[column] = normalizeValue(values[i])
		}
		extracted = append(extracted, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", s.spec.Table, err)
	}

	s.debug("extracted changed rows", "table", s.spec.Table, "since", since, "count", len(extracted))
	return extracted, nil
}

// TrackingValue extracts the tracking-column value from an extracted row.
func (s *PostgresSource) TrackingValue(row domain.Row) (time.Time, error) {
	value, ok := row[s.spec.TrackingColumn]
	if !ok {
		return time.Time{}, fmt.Errorf("tracking column %q missing from %s row; check identifier casing", s.spec.TrackingColumn, s.spec.Table)
	}

	ts, ok := value.(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("tracking column %q of %s holds %T, not a timestamp", s.spec.TrackingColumn, s.spec.Table, value)
	}

	return ts, nil
}

// Validate checks the configured identifiers against information_schema.
// The comparison is exact (catalog names preserve the casing used at CREATE
// time), so a pipeline configured with the wrong casing is rejected at
// startup instead of silently extracting nothing.
func (s *PostgresSource) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query, args, err := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Select("column_name").
		From("information_schema.columns").
		Where(sq.Eq{"table_name": s.spec.Table}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build catalog query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query catalog for %s: %w", s.spec.Table, err)
	}
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan catalog row: %w", err)
		}
		found[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate catalog rows: %w", err)
	}

	if len(found) == 0 {
		return fmt.Errorf("table %q not found (identifiers are case-sensitive)", s.spec.Table)
	}
	if !found[s.spec.KeyColumn] {
		return fmt.Errorf("key column %q not found in %q (identifiers are case-sensitive)", s.spec.KeyColumn, s.spec.Table)
	}
	if !found[s.spec.TrackingColumn] {
		return fmt.Errorf("tracking column %q not found in %q (identifiers are case-sensitive)", s.spec.TrackingColumn, s.spec.Table)
	}

	return nil
}

// normalizeValue converts driver byte slices into strings so transforms see
// stable value types.
func normalizeValue(value any) any {
	if b, ok := value.([]byte); ok {
		return string(b)
	}
	return value
}

func (s *PostgresSource) debug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
