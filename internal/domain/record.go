package domain

import "time"

// Row is a single source record as extracted from the relational store,
// keyed by column name exactly as the store reports it.
type Row map[string]any

// Document is the search-index representation of a source row, keyed by the
// same primary key as the source record.
type Document struct {
	ID     string
	Fields map[string]any
}

// PipelineState enumerates the sync pipeline's state machine.
type PipelineState string

const (
	StateIdle         PipelineState = "idle"
	StatePolling      PipelineState = "polling"
	StateExtracting   PipelineState = "extracting"
	StateTransforming PipelineState = "transforming"
	StateLoading      PipelineState = "loading"
	StateAdvancing    PipelineState = "advancing"
	StateError        PipelineState = "error"
)

// Epoch is the minimum representable checkpoint value. A source whose
// checkpoint sits at the epoch is re-extracted in full on the next poll.
func Epoch() time.Time {
	return time.Unix(0, 0).UTC()
}

// Checkpoint is the durable bookmark for one data source's pipeline.
type Checkpoint struct {
	SourceID        string
	LastSyncedValue time.Time
	LastSyncedAt    time.Time
}

// PipelineStatus is a point-in-time health snapshot of one pipeline,
// reported by the orchestrator and served over the status surface.
type PipelineStatus struct {
	SourceID    string        `json:"source_id"`
	Collection  string        `json:"collection"`
	State       PipelineState `json:"state"`
	Checkpoint  time.Time     `json:"checkpoint"`
	LastCycleAt time.Time     `json:"last_cycle_at"`
	LastError   string        `json:"last_error,omitempty"`
	ErrorCount  uint64        `json:"error_count"`
	CyclesRun   uint64        `json:"cycles_run"`
	RowsSynced  uint64        `json:"rows_synced"`
	RetryAt     time.Time     `json:"retry_at,omitzero"`
}

// RefresherStatus reports the materialized-view refresh loop.
type RefresherStatus struct {
	LastRunAt     time.Time `json:"last_run_at"`
	LastRefreshAt time.Time `json:"last_refresh_at"`
	RefreshCount  uint64    `json:"refresh_count"`
	LastError     string    `json:"last_error,omitempty"`
}

// CycleOutcome classifies a completed pipeline cycle for the history log.
type CycleOutcome string

const (
	CycleOK      CycleOutcome = "ok"
	CyclePartial CycleOutcome = "partial"
	CycleFailed  CycleOutcome = "failed"
)

// CycleResult is the per-cycle accounting row persisted to sync_history.
type CycleResult struct {
	CycleID       string        `json:"cycle_id"`
	SourceID      string        `json:"source_id"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	RowsExtracted int           `json:"rows_extracted"`
	RowsLoaded    int           `json:"rows_loaded"`
	Outcome       CycleOutcome  `json:"outcome"`
	Error         string        `json:"error,omitempty"`
}
