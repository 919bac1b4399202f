package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefresher struct {
	stale     bool
	staleErr  error
	refreshes int
	err       error
}

func (r *fakeRefresher) NeedsRefresh(context.Context) (bool, error) {
	return r.stale, r.staleErr
}

func (r *fakeRefresher) Refresh(context.Context) error {
	if r.err != nil {
		return r.err
	}
	r.refreshes++
	r.stale = false
	return nil
}

func TestRefreshLoopSkipsFreshView(t *testing.T) {
	t.Parallel()

	refresher := &fakeRefresher{stale: false}
	loop := NewRefreshLoop(refresher, nil)

	require.NoError(t, loop.RunOnce(context.Background(), ts(30)))

	assert.Zero(t, refresher.refreshes)
	status := loop.Status()
	assert.Equal(t, ts(30), status.LastRunAt)
	assert.True(t, status.LastRefreshAt.IsZero())
}

func TestRefreshLoopRefreshesStaleView(t *testing.T) {
	t.Parallel()

	refresher := &fakeRefresher{stale: true}
	loop := NewRefreshLoop(refresher, nil)

	require.NoError(t, loop.RunOnce(context.Background(), ts(30)))
	assert.Equal(t, 1, refresher.refreshes)

	// The view is current again: the next run is a no-op.
	require.NoError(t, loop.RunOnce(context.Background(), ts(31)))
	assert.Equal(t, 1, refresher.refreshes)

	status := loop.Status()
	assert.Equal(t, uint64(1), status.RefreshCount)
	assert.Equal(t, ts(30), status.LastRefreshAt)
	assert.Empty(t, status.LastError)
}

func TestRefreshLoopRecordsErrors(t *testing.T) {
	t.Parallel()

	refresher := &fakeRefresher{stale: true, err: errors.New("deadlock detected")}
	loop := NewRefreshLoop(refresher, nil)

	require.Error(t, loop.RunOnce(context.Background(), ts(30)))
	assert.Contains(t, loop.Status().LastError, "deadlock")

	// Success clears the recorded error.
	refresher.err = nil
	require.NoError(t, loop.RunOnce(context.Background(), ts(31)))
	assert.Empty(t, loop.Status().LastError)
}

func TestRefreshLoopStalenessProbeError(t *testing.T) {
	t.Parallel()

	refresher := &fakeRefresher{staleErr: errors.New("relation does not exist")}
	loop := NewRefreshLoop(refresher, nil)

	require.Error(t, loop.RunOnce(context.Background(), ts(30)))
	assert.Zero(t, refresher.refreshes)
	assert.NotEmpty(t, loop.Status().LastError)
}
