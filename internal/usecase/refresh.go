package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"SearchSync/internal/domain"
	"SearchSync/internal/metrics"
	"SearchSync/internal/ports"
)

// RefreshLoop drives the materialized-view refresher. It never talks to the
// view's sync pipeline: a completed refresh only changes what that
// pipeline's next poll will see.
type RefreshLoop struct {
	refresher ports.Refresher
	logger    *slog.Logger

	mu            sync.RWMutex
	lastRunAt     time.Time
	lastRefreshAt time.Time
	refreshCount  uint64
	lastError     string
}

// NewRefreshLoop constructs the refresh driver.
func NewRefreshLoop(refresher ports.Refresher, logger *slog.Logger) *RefreshLoop {
	return &RefreshLoop{refresher: refresher, logger: logger}
}

// RunOnce checks staleness and refreshes when needed. Running it when no
// base table changed is a no-op, so a fixed timer never wastes a full-view
// recomputation.
func (l *RefreshLoop) RunOnce(ctx context.Context, now time.Time) error {
	l.mu.Lock()
	l.lastRunAt = now
	l.mu.Unlock()

	stale, err := l.refresher.NeedsRefresh(ctx)
	if err != nil {
		l.recordError(err)
		return err
	}
	if !stale {
		return nil
	}

	if err := l.refresher.Refresh(ctx); err != nil {
		l.recordError(err)
		return err
	}

	l.mu.Lock()
	l.lastRefreshAt = now
	l.refreshCount++
	l.lastError = ""
	l.mu.Unlock()

	metrics.ViewRefreshes.Inc()
	return nil
}

// Status returns a snapshot for the health surface.
func (l *RefreshLoop) Status() domain.RefresherStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return domain.RefresherStatus{
		LastRunAt:     l.lastRunAt,
		LastRefreshAt: l.lastRefreshAt,
		RefreshCount:  l.refreshCount,
		LastError:     l.lastError,
	}
}

func (l *RefreshLoop) recordError(err error) {
	l.mu.Lock()
	l.lastError = err.Error()
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.Warn("view refresh failed", "error", err)
	}
}
