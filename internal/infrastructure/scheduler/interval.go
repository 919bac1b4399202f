package scheduler

import (
	"context"
	"log"
	"time"

	"SearchSync/internal/ports"
	"SearchSync/pkg/logger"
)

// IntervalScheduler drives a job on a fixed period. The job runs once
// immediately on Start so a fresh deployment does not wait a full interval
// before its first sync.
type IntervalScheduler struct {
	name   string
	period time.Duration
	log    *log.Logger
	stop   chan struct{}
}

var _ ports.Scheduler = (*IntervalScheduler)(nil)

// NewIntervalScheduler builds a ticker-backed driver for one component.
func NewIntervalScheduler(name string, period time.Duration) *IntervalScheduler {
	return &IntervalScheduler{
		name:   name,
		period: period,
		log:    logger.New("scheduler/" + name),
	}
}

// Start begins ticking until ctx is cancelled or Stop is called.
func (s *IntervalScheduler) Start(ctx context.Context, job func(time.Time)) error {
	if job == nil {
		return nil
	}

	if s.stop != nil {
		return nil
	}

	stop := make(chan struct{})
	s.stop = stop
	go func() {
		ticker := time.NewTicker(s.period)
		defer ticker.Stop()
		job(time.Now())
		for {
			select {
			case t := <-ticker.C:
				job(t)
			case <-ctx.Done():
				s.log.Printf("context done, stopping")
				return
			case <-stop:
				return
			}
		}
	}()

	return nil
}

// Stop halts the ticker goroutine.
func (s *IntervalScheduler) Stop(ctx context.Context) error {
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	s.stop = nil
	return nil
}
