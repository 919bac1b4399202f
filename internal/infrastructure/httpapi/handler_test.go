package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SearchSync/internal/domain"
	"SearchSync/internal/usecase"
)

type fakeController struct {
	statuses  []domain.PipelineStatus
	refresher domain.RefresherStatus
	resets    []string
	resetAll  int
}

func (c *fakeController) Health() []domain.PipelineStatus { return c.statuses }

func (c *fakeController) RefresherStatus() domain.RefresherStatus { return c.refresher }

func (c *fakeController) Reset(_ context.Context, sourceID string) error {
	if sourceID != "company" && sourceID != "prospect" {
		return fmt.Errorf("%w: %s", usecase.ErrSourceUnknown, sourceID)
	}
	c.resets = append(c.resets, sourceID)
	return nil
}

func (c *fakeController) ResetAll(context.Context) error {
	c.resetAll++
	return nil
}

type fakeHistory struct {
	results []domain.CycleResult
	source  string
	limit   uint64
}

func (h *fakeHistory) Append(context.Context, domain.CycleResult) error { return nil }

func (h *fakeHistory) Recent(_ context.Context, sourceID string, limit uint64) ([]domain.CycleResult, error) {
	h.source = sourceID
	h.limit = limit
	return h.results, nil
}

func newTestRouter(controller *fakeController, history *fakeHistory) *mux.Router {
	handler := NewHandler(controller, history, slog.Default())

	router := mux.NewRouter()
	router.HandleFunc("/healthz", handler.Healthz).Methods(http.MethodGet)
	router.HandleFunc("/status", handler.Status).Methods(http.MethodGet)
	router.HandleFunc("/history", handler.History).Methods(http.MethodGet)
	router.HandleFunc("/pipelines/{source}/reset", handler.Reset).Methods(http.MethodPost)
	router.HandleFunc("/reset", handler.ResetAll).Methods(http.MethodPost)
	return router
}

func healthyStatuses() []domain.PipelineStatus {
	return []domain.PipelineStatus{
		{SourceID: "company", State: domain.StateIdle},
		{SourceID: "prospect", State: domain.StateIdle},
	}
}

func TestHealthzHealthy(t *testing.T) {
	t.Parallel()

	router := newTestRouter(&fakeController{statuses: healthyStatuses()}, &fakeHistory{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var response StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.True(t, response.Healthy)
	assert.Len(t, response.Pipelines, 2)
}

func TestHealthzDegraded(t *testing.T) {
	t.Parallel()

	statuses := healthyStatuses()
	statuses[1].State = domain.StateError
	statuses[1].LastError = "bulk request failed"

	router := newTestRouter(&fakeController{statuses: statuses}, &fakeHistory{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var response StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.False(t, response.Healthy)
	assert.Equal(t, "bulk request failed", response.Pipelines[1].LastError)
}

func TestStatusIncludesRefresher(t *testing.T) {
	t.Parallel()

	refreshedAt := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	controller := &fakeController{
		statuses:  healthyStatuses(),
		refresher: domain.RefresherStatus{LastRefreshAt: refreshedAt, RefreshCount: 4},
	}

	router := newTestRouter(controller, &fakeHistory{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var response StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, uint64(4), response.Refresher.RefreshCount)
	assert.True(t, response.Refresher.LastRefreshAt.Equal(refreshedAt))
}

func TestHistoryPassesFilters(t *testing.T) {
	t.Parallel()

	history := &fakeHistory{results: []domain.CycleResult{{CycleID: "c1", SourceID: "company"}}}
	router := newTestRouter(&fakeController{statuses: healthyStatuses()}, history)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?source=company&limit=10", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "company", history.source)
	assert.Equal(t, uint64(10), history.limit)
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	t.Parallel()

	router := newTestRouter(&fakeController{statuses: healthyStatuses()}, &fakeHistory{})

	for _, raw := range []string{"0", "-1", "ten"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?limit="+raw, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", raw)
	}
}

func TestResetKnownSource(t *testing.T) {
	t.Parallel()

	controller := &fakeController{statuses: healthyStatuses()}
	router := newTestRouter(controller, &fakeHistory{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pipelines/company/reset", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"company"}, controller.resets)
}

func TestResetUnknownSourceIs404(t *testing.T) {
	t.Parallel()

	controller := &fakeController{statuses: healthyStatuses()}
	router := newTestRouter(controller, &fakeHistory{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pipelines/nope/reset", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, controller.resets)
}

func TestResetAll(t *testing.T) {
	t.Parallel()

	controller := &fakeController{statuses: healthyStatuses()}
	router := newTestRouter(controller, &fakeHistory{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reset", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, controller.resetAll)
}
