package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"SearchSync/internal/domain"
	"SearchSync/internal/metrics"
	"SearchSync/internal/ports"
	"SearchSync/internal/transform"
)

// tieGrowthLimit bounds how often one cycle may enlarge its batch to split a
// run of identical tracking values at the batch boundary.
const tieGrowthLimit = 4

// PipelineDeps wires all driven adapters into one sync pipeline.
type PipelineDeps struct {
	SourceID    string
	Collection  string
	Source      ports.SourceReader
	Transformer transform.Transformer
	Checkpoints ports.CheckpointStore
	Index       ports.IndexWriter
	History     ports.HistoryStore
	Logger      *slog.Logger
	BatchSize   uint64
	MaxBackoff  time.Duration
}

// Pipeline is the generic extract-transform-load loop for one data source.
// A cycle is strictly sequential; the cycle mutex also serializes
// administrative resets against in-flight work, so a checkpoint is never
// reset while the same source is advancing it.
type Pipeline struct {
	sourceID    string
	collection  string
	source      ports.SourceReader
	transformer transform.Transformer
	checkpoints ports.CheckpointStore
	index       ports.IndexWriter
	history     ports.HistoryStore
	logger      *slog.Logger
	batchSize   uint64

	mu sync.Mutex // serializes cycles and resets

	statusMu    sync.RWMutex
	state       domain.PipelineState
	checkpoint  time.Time
	lastCycleAt time.Time
	lastError   string
	errorCount  uint64
	cyclesRun   uint64
	rowsSynced  uint64
	retryAt     time.Time

	bo *backoff.ExponentialBackOff
}

// NewPipeline constructs the pipeline for one data source.
func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	if deps.SourceID == "" {
		return nil, fmt.Errorf("pipeline requires a source id")
	}
	if deps.Collection == "" {
		return nil, fmt.Errorf("pipeline %s requires a destination collection", deps.SourceID)
	}
	if deps.Source == nil || deps.Transformer == nil || deps.Checkpoints == nil || deps.Index == nil {
		return nil, fmt.Errorf("pipeline %s is missing a required adapter", deps.SourceID)
	}
	if deps.BatchSize == 0 {
		deps.BatchSize = 500
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = deps.MaxBackoff
	if bo.MaxInterval == 0 {
		bo.MaxInterval = 5 * time.Minute
	}
	bo.MaxElapsedTime = 0 // retry indefinitely; health reports the error

	return &Pipeline{
		sourceID:    deps.SourceID,
		collection:  deps.Collection,
		source:      deps.Source,
		transformer: deps.Transformer,
		checkpoints: deps.Checkpoints,
		index:       deps.Index,
		history:     deps.History,
		logger:      deps.Logger,
		batchSize:   deps.BatchSize,
		state:       domain.StateIdle,
		checkpoint:  domain.Epoch(),
		bo:          bo,
	}, nil
}

// SourceID names the data source this pipeline owns.
func (p *Pipeline) SourceID() string { return p.sourceID }

// RunCycle executes one poll cycle: extract everything past the checkpoint
// in batch-sized chunks, transform, bulk-upsert, and advance the checkpoint
// after each confirmed batch. The loop drains the backlog within the cycle
// instead of waiting a full poll interval per batch.
func (p *Pipeline) RunCycle(ctx context.Context, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inBackoff(now) {
		return nil
	}

	cycleID := uuid.NewString()
	started := now
	totalExtracted := 0
	totalLoaded := 0

	p.setState(domain.StatePolling)
	err := p.drain(ctx, &totalExtracted, &totalLoaded)

	elapsed := time.Since(started)
	metrics.CycleDuration.WithLabelValues(p.sourceID).Observe(elapsed.Seconds())

	p.statusMu.Lock()
	p.cyclesRun++
	p.lastCycleAt = now
	p.rowsSynced += uint64(totalLoaded)
	p.statusMu.Unlock()

	switch {
	case err == nil:
		p.clearBackoff()
		p.setState(domain.StateIdle)
	case errors.Is(err, context.Canceled):
		// Clean stop mid-cycle: the batch in flight did not advance the
		// checkpoint and will be reprocessed on the next start.
		p.setState(domain.StateIdle)
	default:
		p.recordError(now, err)
	}

	p.appendHistory(ctx, domain.CycleResult{
		CycleID:       cycleID,
		SourceID:      p.sourceID,
		StartedAt:     started,
		Duration:      elapsed,
		RowsExtracted: totalExtracted,
		RowsLoaded:    totalLoaded,
		Outcome:       cycleOutcome(err, totalExtracted, totalLoaded),
		Error:         errorText(err),
	}, totalExtracted)

	return err
}

// drain loops extract→transform→load→advance until the source has no rows
// left past the checkpoint, or an error stops the cycle.
func (p *Pipeline) drain(ctx context.Context, totalExtracted, totalLoaded *int) error {
	since, err := p.checkpoints.Get(ctx, p.sourceID)
	if err != nil {
		return err
	}
	p.setCheckpoint(since)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rows, full, err := p.extract(ctx, since)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		*totalExtracted += len(rows)
		metrics.RowsExtracted.WithLabelValues(p.sourceID).Add(float64(len(rows)))

		p.setState(domain.StateTransforming)
		docs, values, err := p.transformBatch(rows)
		if err != nil {
			return err
		}

		p.setState(domain.StateLoading)
		results, err := p.index.BulkUpsert(ctx, p.collection, docs)
		if err != nil {
			return err
		}

		p.setState(domain.StateAdvancing)
		watermark, confirmed, rejected := confirmedWatermark(values, results, full)
		*totalLoaded += confirmed
		metrics.DocumentsLoaded.WithLabelValues(p.sourceID).Add(float64(confirmed))
		if rejected > 0 {
			metrics.DocumentsRejected.WithLabelValues(p.sourceID).Add(float64(rejected))
		}

		if !watermark.IsZero() && watermark.After(since) {
			if err := p.checkpoints.Advance(ctx, p.sourceID, watermark); err != nil {
				return err
			}
			p.setCheckpoint(watermark)
			metrics.CheckpointAge.WithLabelValues(p.sourceID).Set(time.Since(watermark).Seconds())
			since = watermark
		}

		if rejected > 0 {
			// Rejected documents stay past the checkpoint and are replayed
			// next cycle; the upsert makes the replay idempotent.
			return fmt.Errorf("%d of %d documents rejected by collection %s", rejected, len(docs), p.collection)
		}

		if !full {
			return nil
		}
		// A full batch always spans at least two distinct tracking values
		// (extract enlarges tie runs), so the watermark moved and the next
		// iteration extracts strictly newer rows.
	}
}

// extract reads one batch past since. When the batch is full and every row
// carries the same tracking value, the batch cannot advance the checkpoint
// without skipping unprocessed ties beyond the boundary, so the limit is
// enlarged until the run of ties is fully contained.
func (p *Pipeline) extract(ctx context.Context, since time.Time) ([]domain.Row, bool, error) {
	p.setState(domain.StateExtracting)

	limit := p.batchSize
	for attempt := 0; ; attempt++ {
		rows, err := p.source.ChangedSince(ctx, since, limit)
		if err != nil {
			return nil, false, err
		}

		full := uint64(len(rows)) >= limit
		if !full || len(rows) == 0 {
			return rows, false, nil
		}

		firstValue, err := p.source.TrackingValue(rows[0])
		if err != nil {
			return nil, false, err
		}
		lastValue, err := p.source.TrackingValue(rows[len(rows)-1])
		if err != nil {
			return nil, false, err
		}

		if !firstValue.Equal(lastValue) || attempt >= tieGrowthLimit {
			if attempt >= tieGrowthLimit && firstValue.Equal(lastValue) {
				p.warn("tracking-value tie exceeds enlarged batch, advancing through it",
					"value", lastValue, "rows", len(rows))
				// Treat as final: ties this wide would otherwise stall the
				// checkpoint forever.
				return rows, false, nil
			}
			return rows, true, nil
		}

		limit *= 2
	}
}

// transformBatch applies the pure transform to every row and collects the
// tracking value per row in extraction order.
func (p *Pipeline) transformBatch(rows []domain.Row) ([]domain.Document, []time.Time, error) {
	docs := make([]domain.Document, 0, len(rows))
	values := make([]time.Time, 0, len(rows))

	for i, row := range rows {
		value, err := p.source.TrackingValue(row)
		if err != nil {
			return nil, nil, err
		}

		doc, err := p.transformer.Apply(row)
		if err != nil {
			return nil, nil, fmt.Errorf("transform %s row %d: %w", p.sourceID, i, err)
		}

		docs = append(docs, doc)
		values = append(values, value)
	}

	return docs, values, nil
}

// confirmedWatermark computes how far the checkpoint may advance for one
// batch. values are the rows' tracking values in extraction order; results
// are the per-document outcomes in the same order.
//
// Policy: advance to the maximum confirmed contiguous tracking value. The
// watermark never reaches the first rejected row's value, so rejected rows
// are re-extracted next cycle; for a full batch it also stays strictly below
// the last row's value, so a tie group split at the batch boundary is never
// skipped.
func confirmedWatermark(values []time.Time, results []ports.DocResult, full bool) (time.Time, int, int) {
	rejected := 0
	firstRejected := -1
	for i, result := range results {
		if result.Err != nil {
			rejected++
			if firstRejected == -1 {
				firstRejected = i
			}
		}
	}
	confirmed := len(results) - rejected

	var bound time.Time
	haveBound := false
	prefix := len(values)
	if firstRejected >= 0 {
		bound = values[firstRejected]
		haveBound = true
		prefix = firstRejected
	} else if full && len(values) > 0 {
		bound = values[len(values)-1]
		haveBound = true
	}

	var watermark time.Time
	for i := 0; i < prefix; i++ {
		if haveBound && !values[i].Before(bound) {
			continue
		}
		if values[i].After(watermark) {
			watermark = values[i]
		}
	}

	return watermark, confirmed, rejected
}

// Reset moves the checkpoint back to the epoch. Safe while the pipeline is
// live: the cycle mutex guarantees no advance is in flight.
func (p *Pipeline) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkpoints.Reset(ctx, p.sourceID); err != nil {
		return err
	}

	p.setCheckpoint(domain.Epoch())
	p.clearBackoff()
	p.info("checkpoint reset, next cycle re-extracts from epoch")
	return nil
}

// Status returns a point-in-time snapshot for health reporting. Safe to call
// concurrently with a running cycle.
func (p *Pipeline) Status() domain.PipelineStatus {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()

	return domain.PipelineStatus{
		SourceID:    p.sourceID,
		Collection:  p.collection,
		State:       p.state,
		Checkpoint:  p.checkpoint,
		LastCycleAt: p.lastCycleAt,
		LastError:   p.lastError,
		ErrorCount:  p.errorCount,
		CyclesRun:   p.cyclesRun,
		RowsSynced:  p.rowsSynced,
		RetryAt:     p.retryAt,
	}
}

// recordPanic folds a recovered panic into the error accounting so a
// crashing pipeline is visible on the health surface instead of gone.
func (p *Pipeline) recordPanic(now time.Time, value any) {
	p.recordError(now, fmt.Errorf("cycle panic: %v", value))
}

func (p *Pipeline) recordError(now time.Time, err error) {
	delay := p.bo.NextBackOff()

	p.statusMu.Lock()
	p.state = domain.StateError
	p.lastError = err.Error()
	p.errorCount++
	p.retryAt = now.Add(delay)
	p.statusMu.Unlock()

	metrics.CycleErrors.WithLabelValues(p.sourceID).Inc()
	p.warn("cycle failed, backing off", "error", err, "retry_in", delay)
}

func (p *Pipeline) inBackoff(now time.Time) bool {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return !p.retryAt.IsZero() && now.Before(p.retryAt)
}

func (p *Pipeline) clearBackoff() {
	p.bo.Reset()
	p.statusMu.Lock()
	p.retryAt = time.Time{}
	p.statusMu.Unlock()
}

func (p *Pipeline) setState(state domain.PipelineState) {
	p.statusMu.Lock()
	p.state = state
	p.statusMu.Unlock()
}

func (p *Pipeline) setCheckpoint(value time.Time) {
	p.statusMu.Lock()
	p.checkpoint = value
	p.statusMu.Unlock()
}

func (p *Pipeline) appendHistory(ctx context.Context, result domain.CycleResult, extracted int) {
	if p.history == nil {
		return
	}
	if extracted == 0 && result.Outcome == domain.CycleOK {
		return // nothing moved, keep the log quiet
	}
	if err := p.history.Append(ctx, result); err != nil {
		p.warn("history append failed", "error", err)
	}
}

func cycleOutcome(err error, extracted, loaded int) domain.CycleOutcome {
	switch {
	case err == nil:
		return domain.CycleOK
	case loaded > 0:
		return domain.CyclePartial
	default:
		return domain.CycleFailed
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) info(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Info(msg, args...)
	}
}

func (p *Pipeline) warn(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}
