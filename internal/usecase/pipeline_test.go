package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SearchSync/internal/domain"
	"SearchSync/internal/ports"
)

func ts(minutes int) time.Time {
	return time.Date(2026, time.March, 1, 10, minutes, 0, 0, time.UTC)
}

func sourceRow(id string, value time.Time) domain.Row {
	return domain.Row{"id": id, "updatedAt": value}
}

// fakeSource serves scripted rows the way the relational reader would:
// strictly newer than since, ordered by tracking value then key, capped at
// limit.
type fakeSource struct {
	mu      sync.Mutex
	rows    []domain.Row
	queries int
	err     error
}

func (s *fakeSource) ChangedSince(_ context.Context, since time.Time, limit uint64) ([]domain.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.err != nil {
		return nil, s.err
	}

	matched := make([]domain.Row, 0, len(s.rows))
	for _, row := range s.rows {
		if row["updatedAt"].(time.Time).After(since) {
			matched = append(matched, row)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		vi := matched[i]["updatedAt"].(time.Time)
		vj := matched[j]["updatedAt"].(time.Time)
		if vi.Equal(vj) {
			return matched[i]["id"].(string) < matched[j]["id"].(string)
		}
		return vi.Before(vj)
	})
	if uint64(len(matched)) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *fakeSource) TrackingValue(row domain.Row) (time.Time, error) {
	value, ok := row["updatedAt"].(time.Time)
	if !ok {
		return time.Time{}, errors.New("row has no updatedAt column")
	}
	return value, nil
}

func (s *fakeSource) Validate(context.Context) error { return nil }

// fakeCheckpoints mimics the store's monotonic upsert.
type fakeCheckpoints struct {
	mu       sync.Mutex
	values   map[string]time.Time
	advances []time.Time
	getErr   error
	resets   int
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{values: map[string]time.Time{}}
}

func (c *fakeCheckpoints) Get(_ context.Context, sourceID string) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return time.Time{}, c.getErr
	}
	if value, ok := c.values[sourceID]; ok {
		return value, nil
	}
	return domain.Epoch(), nil
}

func (c *fakeCheckpoints) Advance(_ context.Context, sourceID string, value time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advances = append(c.advances, value)
	if current, ok := c.values[sourceID]; !ok || value.After(current) {
		c.values[sourceID] = value
	}
	return nil
}

func (c *fakeCheckpoints) Reset(_ context.Context, sourceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	c.values[sourceID] = domain.Epoch()
	return nil
}

func (c *fakeCheckpoints) current(sourceID string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value, ok := c.values[sourceID]; ok {
		return value
	}
	return domain.Epoch()
}

// fakeIndex records every bulk write and rejects configured document IDs.
type fakeIndex struct {
	mu      sync.Mutex
	batches [][]domain.Document
	reject  map[string]bool
	err     error
}

func (x *fakeIndex) BulkUpsert(_ context.Context, _ string, docs []domain.Document) ([]ports.DocResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.err != nil {
		return nil, x.err
	}

	copied := make([]domain.Document, len(docs))
	copy(copied, docs)
	x.batches = append(x.batches, copied)

	results := make([]ports.DocResult, len(docs))
	for i, doc := range docs {
		results[i] = ports.DocResult{ID: doc.ID}
		if x.reject[doc.ID] {
			results[i].Err = errors.New("mapper_parsing_exception")
		}
	}
	return results, nil
}

func (x *fakeIndex) loadedIDs() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	var ids []string
	for _, batch := range x.batches {
		for _, doc := range batch {
			ids = append(ids, doc.ID)
		}
	}
	return ids
}

type fakeHistory struct {
	mu      sync.Mutex
	results []domain.CycleResult
}

func (h *fakeHistory) Append(_ context.Context, result domain.CycleResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, result)
	return nil
}

func (h *fakeHistory) Recent(_ context.Context, _ string, _ uint64) ([]domain.CycleResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.CycleResult(nil), h.results...), nil
}

// passthroughTransformer keeps the row's key and tracking value so tests can
// assert on document identity.
type passthroughTransformer struct {
	failOn string
}

func (passthroughTransformer) Name() string { return "passthrough" }

func (t passthroughTransformer) Apply(row domain.Row) (domain.Document, error) {
	id := row["id"].(string)
	if t.failOn != "" && id == t.failOn {
		return domain.Document{}, fmt.Errorf("bad row %s", id)
	}
	return domain.Document{ID: id, Fields: map[string]any{"id": id}}, nil
}

type pipelineFixture struct {
	pipeline    *Pipeline
	source      *fakeSource
	checkpoints *fakeCheckpoints
	index       *fakeIndex
	history     *fakeHistory
}

func newPipelineFixture(t *testing.T, batchSize uint64, transformer passthroughTransformer) *pipelineFixture {
	t.Helper()

	f := &pipelineFixture{
		source:      &fakeSource{},
		checkpoints: newFakeCheckpoints(),
		index:       &fakeIndex{reject: map[string]bool{}},
		history:     &fakeHistory{},
	}

	pipeline, err := NewPipeline(PipelineDeps{
		SourceID:    "company",
		Collection:  "companies",
		Source:      f.source,
		Transformer: transformer,
		Checkpoints: f.checkpoints,
		Index:       f.index,
		History:     f.history,
		Logger:      slog.Default(),
		BatchSize:   batchSize,
	})
	require.NoError(t, err)
	f.pipeline = pipeline
	return f
}

func TestNewPipelineRejectsMissingAdapters(t *testing.T) {
	t.Parallel()

	_, err := NewPipeline(PipelineDeps{SourceID: "company", Collection: "companies"})
	require.Error(t, err)

	_, err = NewPipeline(PipelineDeps{Collection: "companies"})
	require.Error(t, err)
}

func TestRunCycleAdvancesPastConfirmedRows(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 100, passthroughTransformer{})
	f.source.rows = []domain.Row{
		sourceRow("a", ts(0)),
		sourceRow("b", ts(5)),
		sourceRow("c", ts(10)),
	}

	require.NoError(t, f.pipeline.RunCycle(context.Background(), ts(30)))

	assert.Equal(t, ts(10), f.checkpoints.current("company"))
	assert.Equal(t, []string{"a", "b", "c"}, f.index.loadedIDs())

	status := f.pipeline.Status()
	assert.Equal(t, domain.StateIdle, status.State)
	assert.Equal(t, uint64(3), status.RowsSynced)
	assert.Equal(t, ts(10), status.Checkpoint)
}

func TestRunCycleSkipsUnchangedRows(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 100, passthroughTransformer{})
	f.source.rows = []domain.Row{sourceRow("a", ts(0))}
	require.NoError(t, f.checkpoints.Advance(context.Background(), "company", ts(0)))

	require.NoError(t, f.pipeline.RunCycle(context.Background(), ts(30)))

	assert.Empty(t, f.index.loadedIDs())
	assert.Equal(t, ts(0), f.checkpoints.current("company"))
	// Quiet cycles stay out of the history log.
	assert.Empty(t, f.history.results)
}

func TestRunCyclePartialFailureHoldsCheckpointBeforeRejectedRow(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 100, passthroughTransformer{})
	f.source.rows = []domain.Row{
		sourceRow("a", ts(0)),
		sourceRow("b", ts(5)),
		sourceRow("c", ts(10)),
	}
	f.index.reject["b"] = true

	err := f.pipeline.RunCycle(context.Background(), ts(30))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")

	// The checkpoint covers only the confirmed prefix before the rejected
	// document, so b and c are replayed next cycle.
	assert.Equal(t, ts(0), f.checkpoints.current("company"))

	status := f.pipeline.Status()
	assert.Equal(t, domain.StateError, status.State)
	assert.Equal(t, uint64(1), status.ErrorCount)
	assert.False(t, status.RetryAt.IsZero())

	// Once the mapping problem clears, a later cycle converges.
	delete(f.index.reject, "b")
	require.NoError(t, f.pipeline.RunCycle(context.Background(), ts(90)))
	assert.Equal(t, ts(10), f.checkpoints.current("company"))
	assert.Equal(t, []string{"a", "b", "c", "b", "c"}, f.index.loadedIDs())
}

func TestRunCycleSkipsWhileBackingOff(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 100, passthroughTransformer{})
	f.source.rows = []domain.Row{sourceRow("a", ts(0))}
	f.source.err = errors.New("connection refused")

	require.Error(t, f.pipeline.RunCycle(context.Background(), ts(30)))
	queriesAfterFailure := f.source.queries

	// Immediately after a failure the retry timestamp is in the future, so
	// the next tick is a no-op.
	require.NoError(t, f.pipeline.RunCycle(context.Background(), ts(30)))
	assert.Equal(t, queriesAfterFailure, f.source.queries)

	// Past the retry timestamp the pipeline recovers and clears its error.
	f.source.err = nil
	require.NoError(t, f.pipeline.RunCycle(context.Background(), ts(30).Add(time.Hour)))

	status := f.pipeline.Status()
	assert.Equal(t, domain.StateIdle, status.State)
	assert.True(t, status.RetryAt.IsZero())
	assert.Equal(t, ts(0), f.checkpoints.current("company"))
}

func TestRunCycleDrainsBacklogWithinOneCycle(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 2, passthroughTransformer{})
	for i := 0; i < 7; i++ {
		f.source.rows = append(f.source.rows, sourceRow(fmt.Sprintf("r%d", i), ts(i)))
	}

	require.NoError(t, f.pipeline.RunCycle(context.Background(), ts(30)))

	assert.Equal(t, ts(6), f.checkpoints.current("company"))
	assert.ElementsMatch(t,
		[]string{"r0", "r1", "r2", "r3", "r4", "r5", "r6"},
		uniqueStrings(f.index.loadedIDs()))

	// Full batches hold the watermark strictly below their last row, so the
	// boundary row is re-extracted and upserted again by the next batch.
	require.NotEmpty(t, f.checkpoints.advances)
	last := domain.Epoch()
	for _, value := range f.checkpoints.advances {
		assert.True(t, value.After(last), "checkpoint advance went backwards")
		last = value
	}
}

func TestRunCycleSplitsTieAtBatchBoundary(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 2, passthroughTransformer{})
	f.source.rows = []domain.Row{
		sourceRow("a", ts(5)),
		sourceRow("b", ts(5)),
		sourceRow("c", ts(5)),
		sourceRow("d", ts(9)),
	}

	require.NoError(t, f.pipeline.RunCycle(context.Background(), ts(30)))

	// The first batch of two rows is all ts(5); the batch is enlarged until
	// the tie run is contained instead of advancing over row c.
	assert.Equal(t, ts(9), f.checkpoints.current("company"))
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, uniqueStrings(f.index.loadedIDs()))
}

func TestRunCycleAdvancesThroughOversizedTieRun(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 1, passthroughTransformer{})
	for i := 0; i < 16; i++ {
		f.source.rows = append(f.source.rows, sourceRow(fmt.Sprintf("r%02d", i), ts(5)))
	}

	require.NoError(t, f.pipeline.RunCycle(context.Background(), ts(30)))

	assert.Equal(t, ts(5), f.checkpoints.current("company"))
	assert.Len(t, f.index.loadedIDs(), 16)
}

func TestRunCycleCancelledContextLeavesCheckpointAlone(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 100, passthroughTransformer{})
	f.source.rows = []domain.Row{sourceRow("a", ts(0))}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.pipeline.RunCycle(ctx, ts(30))
	require.ErrorIs(t, err, context.Canceled)

	assert.Empty(t, f.checkpoints.advances)
	// Cancellation is a clean stop, not an error episode.
	status := f.pipeline.Status()
	assert.Equal(t, domain.StateIdle, status.State)
	assert.Zero(t, status.ErrorCount)
}

func TestRunCycleTransformErrorStopsBeforeLoading(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 100, passthroughTransformer{failOn: "b"})
	f.source.rows = []domain.Row{
		sourceRow("a", ts(0)),
		sourceRow("b", ts(5)),
	}

	err := f.pipeline.RunCycle(context.Background(), ts(30))
	require.Error(t, err)

	assert.Empty(t, f.index.loadedIDs())
	assert.Equal(t, domain.Epoch(), f.checkpoints.current("company"))
	assert.Equal(t, domain.StateError, f.pipeline.Status().State)
}

func TestRunCycleResumesFromStoredCheckpoint(t *testing.T) {
	t.Parallel()

	checkpoints := newFakeCheckpoints()
	require.NoError(t, checkpoints.Advance(context.Background(), "company", ts(5)))

	f := &pipelineFixture{
		source:      &fakeSource{},
		checkpoints: checkpoints,
		index:       &fakeIndex{reject: map[string]bool{}},
		history:     &fakeHistory{},
	}
	f.source.rows = []domain.Row{
		sourceRow("a", ts(0)),
		sourceRow("b", ts(5)),
		sourceRow("c", ts(10)),
	}

	pipeline, err := NewPipeline(PipelineDeps{
		SourceID:    "company",
		Collection:  "companies",
		Source:      f.source,
		Transformer: passthroughTransformer{},
		Checkpoints: f.checkpoints,
		Index:       f.index,
		History:     f.history,
	})
	require.NoError(t, err)

	require.NoError(t, pipeline.RunCycle(context.Background(), ts(30)))

	// Only the row past the stored checkpoint moves after a restart.
	assert.Equal(t, []string{"c"}, f.index.loadedIDs())
	assert.Equal(t, ts(10), checkpoints.current("company"))
}

func TestResetMovesCheckpointToEpoch(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 100, passthroughTransformer{})
	f.source.rows = []domain.Row{sourceRow("a", ts(0))}
	require.NoError(t, f.pipeline.RunCycle(context.Background(), ts(30)))
	require.Equal(t, ts(0), f.checkpoints.current("company"))

	require.NoError(t, f.pipeline.Reset(context.Background()))

	assert.Equal(t, 1, f.checkpoints.resets)
	assert.Equal(t, domain.Epoch(), f.pipeline.Status().Checkpoint)

	// The next cycle replays everything; the upsert makes that idempotent.
	require.NoError(t, f.pipeline.RunCycle(context.Background(), ts(60)))
	assert.Equal(t, []string{"a", "a"}, f.index.loadedIDs())
}

func TestRunCycleRecordsHistory(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 100, passthroughTransformer{})
	f.source.rows = []domain.Row{sourceRow("a", ts(0))}

	require.NoError(t, f.pipeline.RunCycle(context.Background(), ts(30)))

	require.Len(t, f.history.results, 1)
	result := f.history.results[0]
	assert.Equal(t, "company", result.SourceID)
	assert.Equal(t, domain.CycleOK, result.Outcome)
	assert.Equal(t, 1, result.RowsExtracted)
	assert.Equal(t, 1, result.RowsLoaded)
	assert.NotEmpty(t, result.CycleID)
}

func TestConfirmedWatermark(t *testing.T) {
	t.Parallel()

	ok := ports.DocResult{}
	bad := ports.DocResult{Err: errors.New("rejected")}

	tests := []struct {
		name          string
		values        []time.Time
		results       []ports.DocResult
		full          bool
		wantWatermark time.Time
		wantConfirmed int
		wantRejected  int
	}{
		{
			name:          "all confirmed final batch advances to max",
			values:        []time.Time{ts(0), ts(5), ts(10)},
			results:       []ports.DocResult{ok, ok, ok},
			wantWatermark: ts(10),
			wantConfirmed: 3,
		},
		{
			name:          "rejection bounds the watermark below its value",
			values:        []time.Time{ts(0), ts(5), ts(10)},
			results:       []ports.DocResult{ok, bad, ok},
			wantWatermark: ts(0),
			wantConfirmed: 2,
			wantRejected:  1,
		},
		{
			name:          "first row rejected keeps the watermark at zero",
			values:        []time.Time{ts(0), ts(5)},
			results:       []ports.DocResult{bad, ok},
			wantWatermark: time.Time{},
			wantConfirmed: 1,
			wantRejected:  1,
		},
		{
			name:          "full batch stays strictly below its last value",
			values:        []time.Time{ts(0), ts(5), ts(5)},
			results:       []ports.DocResult{ok, ok, ok},
			full:          true,
			wantWatermark: ts(0),
			wantConfirmed: 3,
		},
		{
			name:          "rejection of a tied value excludes the whole tie",
			values:        []time.Time{ts(0), ts(5), ts(5), ts(9)},
			results:       []ports.DocResult{ok, ok, bad, ok},
			wantWatermark: ts(0),
			wantConfirmed: 3,
			wantRejected:  1,
		},
		{
			name:          "empty batch yields no watermark",
			values:        nil,
			results:       nil,
			wantWatermark: time.Time{},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			watermark, confirmed, rejected := confirmedWatermark(tc.values, tc.results, tc.full)
			assert.True(t, watermark.Equal(tc.wantWatermark), "watermark %v, want %v", watermark, tc.wantWatermark)
			assert.Equal(t, tc.wantConfirmed, confirmed)
			assert.Equal(t, tc.wantRejected, rejected)
		})
	}
}

func uniqueStrings(values []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
