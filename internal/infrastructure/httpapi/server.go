package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"SearchSync/internal/metrics"
)

// Server exposes the health/status surface and administrative actions for
// the sync orchestrator.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer wires the routes onto a gorilla/mux router.
func NewServer(addr string, handler *Handler, logger *slog.Logger) *Server {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", handler.Healthz).Methods(http.MethodGet)
	router.HandleFunc("/status", handler.Status).Methods(http.MethodGet)
	router.HandleFunc("/history", handler.History).Methods(http.MethodGet)
	router.HandleFunc("/pipelines/{source}/reset", handler.Reset).Methods(http.MethodPost)
	router.HandleFunc("/reset", handler.ResetAll).Methods(http.MethodPost)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("status surface listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
