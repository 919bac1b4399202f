package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"SearchSync/internal/domain"
	"SearchSync/internal/ports"
)

// OrchestratorDeps wires supervised pipelines and their drivers.
type OrchestratorDeps struct {
	Pipelines []*Pipeline
	// NewScheduler builds the timer driver for one supervised loop. Tests
	// inject a manual driver here instead of live tickers.
	NewScheduler func(sourceID string) ports.Scheduler
	Refresher    *RefreshLoop
	RefreshTimer ports.Scheduler
	Notifier     ports.Notifier
	Logger       *slog.Logger
}

// Orchestrator supervises the sync pipelines and the view refresh loop.
// Each pipeline runs on its own timer; a panic or error in one never takes
// down another, it only marks that pipeline unhealthy.
type Orchestrator struct {
	pipelines map[string]*Pipeline
	order     []string
	drivers   map[string]ports.Scheduler
	refresher *RefreshLoop
	refTimer  ports.Scheduler
	notifier  ports.Notifier
	logger    *slog.Logger

	alertedMu sync.Mutex
	alerted   map[string]bool
}

// NewOrchestrator validates the wiring and builds the supervisor.
func NewOrchestrator(deps OrchestratorDeps) (*Orchestrator, error) {
	if len(deps.Pipelines) == 0 {
		return nil, fmt.Errorf("orchestrator requires at least one pipeline")
	}
	if deps.NewScheduler == nil {
		return nil, fmt.Errorf("orchestrator requires a scheduler factory")
	}

	pipelines := make(map[string]*Pipeline, len(deps.Pipelines))
	drivers := make(map[string]ports.Scheduler, len(deps.Pipelines))
	order := make([]string, 0, len(deps.Pipelines))
	for _, p := range deps.Pipelines {
		if _, dup := pipelines[p.SourceID()]; dup {
			return nil, fmt.Errorf("duplicate pipeline for source %s", p.SourceID())
		}
		pipelines[p.SourceID()] = p
		drivers[p.SourceID()] = deps.NewScheduler(p.SourceID())
		order = append(order, p.SourceID())
	}
	sort.Strings(order)

	return &Orchestrator{
		pipelines: pipelines,
		order:     order,
		drivers:   drivers,
		refresher: deps.Refresher,
		refTimer:  deps.RefreshTimer,
		notifier:  deps.Notifier,
		logger:    deps.Logger,
		alerted:   map[string]bool{},
	}, nil
}

// Start launches every supervised loop. It returns once all drivers are
// running; cancellation of ctx stops them.
func (o *Orchestrator) Start(ctx context.Context) error {
	for _, sourceID := range o.order {
		pipeline := o.pipelines[sourceID]
		driver := o.drivers[sourceID]

		job := func(t time.Time) {
			o.runSupervised(ctx, pipeline, t)
		}
		if err := driver.Start(ctx, job); err != nil {
			return fmt.Errorf("start pipeline %s: %w", sourceID, err)
		}
		o.info("pipeline started", "source", sourceID)
	}

	if o.refresher != nil && o.refTimer != nil {
		job := func(t time.Time) {
			if err := o.refresher.RunOnce(ctx, t); err != nil {
				o.warn("refresh loop error", "error", err)
			}
		}
		if err := o.refTimer.Start(ctx, job); err != nil {
			return fmt.Errorf("start refresh loop: %w", err)
		}
		o.info("view refresh loop started")
	}

	return nil
}

// Stop halts all drivers. In-flight cycles finish or abort on ctx
// cancellation without partial checkpoint advancement.
func (o *Orchestrator) Stop(ctx context.Context) error {
	var firstErr error
	for _, sourceID := range o.order {
		if err := o.drivers[sourceID].Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop pipeline %s: %w", sourceID, err)
		}
	}
	if o.refTimer != nil {
		if err := o.refTimer.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop refresh loop: %w", err)
		}
	}
	return firstErr
}

// runSupervised executes one cycle with panic isolation and alerting.
func (o *Orchestrator) runSupervised(ctx context.Context, pipeline *Pipeline, t time.Time) {
	defer func() {
		if r := recover(); r != nil {
			pipeline.recordPanic(t, r)
			o.warn("pipeline panicked", "source", pipeline.SourceID(), "panic", r)
			o.alert(ctx, pipeline.SourceID(), fmt.Sprintf("pipeline %s panicked: %v", pipeline.SourceID(), r))
		}
	}()

	if err := pipeline.RunCycle(ctx, t); err != nil {
		o.alert(ctx, pipeline.SourceID(), fmt.Sprintf("pipeline %s failed: %v", pipeline.SourceID(), err))
		return
	}
	o.clearAlert(pipeline.SourceID())
}

// Health reports every pipeline's status, ordered by source id.
func (o *Orchestrator) Health() []domain.PipelineStatus {
	statuses := make([]domain.PipelineStatus, 0, len(o.order))
	for _, sourceID := range o.order {
		statuses = append(statuses, o.pipelines[sourceID].Status())
	}
	return statuses
}

// RefresherStatus reports the view refresh loop, or a zero value when the
// deployment runs without one.
func (o *Orchestrator) RefresherStatus() domain.RefresherStatus {
	if o.refresher == nil {
		return domain.RefresherStatus{}
	}
	return o.refresher.Status()
}

// Reset forces a full resync of one source by moving its checkpoint to the
// epoch. Safe while the pipeline is live.
func (o *Orchestrator) Reset(ctx context.Context, sourceID string) error {
	pipeline, ok := o.pipelines[sourceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSourceUnknown, sourceID)
	}
	return pipeline.Reset(ctx)
}

// ResetAll forces a full resync of every source.
func (o *Orchestrator) ResetAll(ctx context.Context) error {
	for _, sourceID := range o.order {
		if err := o.pipelines[sourceID].Reset(ctx); err != nil {
			return err
		}
	}
	return nil
}

// alert notifies operators once per error episode; the flag clears on the
// next successful cycle so a new episode alerts again.
func (o *Orchestrator) alert(ctx context.Context, sourceID, message string) {
	if o.notifier == nil {
		return
	}

	o.alertedMu.Lock()
	already := o.alerted[sourceID]
	o.alerted[sourceID] = true
	o.alertedMu.Unlock()
	if already {
		return
	}

	if err := o.notifier.PublishAlert(ctx, message); err != nil {
		o.warn("alert delivery failed", "source", sourceID, "error", err)
	}
}

func (o *Orchestrator) clearAlert(sourceID string) {
	o.alertedMu.Lock()
	delete(o.alerted, sourceID)
	o.alertedMu.Unlock()
}

func (o *Orchestrator) info(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Info(msg, args...)
	}
}

func (o *Orchestrator) warn(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Warn(msg, args...)
	}
}
