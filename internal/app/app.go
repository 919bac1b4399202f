package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"SearchSync/internal/config"
	"SearchSync/internal/infrastructure/httpapi"
	"SearchSync/internal/infrastructure/scheduler"
	"SearchSync/internal/infrastructure/search"
	"SearchSync/internal/infrastructure/storage"
	"SearchSync/internal/infrastructure/telegram"
	"SearchSync/internal/logging"
	"SearchSync/internal/metrics"
	"SearchSync/internal/ports"
	"SearchSync/internal/transform"
	"SearchSync/internal/usecase"
)

// Application wires configuration into pipelines, supervision and the
// status surface.
type Application struct {
	cfg          config.Config
	logger       *slog.Logger
	db           *sql.DB
	orchestrator *usecase.Orchestrator
	server       *httpapi.Server
	checkpoints  *storage.CheckpointStore
	history      *storage.HistoryStore
	readers      map[string]*storage.PostgresSource
}

// New builds a runnable application instance. It opens the database,
// ensures bookkeeping schema, validates every configured source against the
// store's catalog, and constructs one pipeline per source.
func New(cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	queryTimeout := cfg.Sync.QueryTimeout.Std()
	checkpoints := storage.NewCheckpointStore(db, queryTimeout, baseLogger.With("component", "checkpoints"))
	history := storage.NewHistoryStore(db, queryTimeout)

	writer, err := search.NewBulkWriter(search.Config{
		Addresses: cfg.Search.Addresses,
		Username:  cfg.Search.Username,
		Password:  cfg.Search.Password,
	}, queryTimeout, baseLogger.With("component", "search"))
	if err != nil {
		return nil, fmt.Errorf("build index writer: %w", err)
	}

	registry := transform.NewRegistry()

	pipelines := make([]*usecase.Pipeline, 0, len(cfg.Sources))
	readers := make(map[string]*storage.PostgresSource, len(cfg.Sources))
	for _, src := range cfg.Sources {
		transformer, err := registry.Resolve(src.Transform)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}

		reader := storage.NewPostgresSource(db, storage.SourceSpec{
			Table:          src.Table,
			KeyColumn:      src.KeyColumn,
			TrackingColumn: src.TrackingColumn,
		}, queryTimeout, baseLogger.With("component", "source."+src.Name))
		readers[src.Name] = reader

		pipeline, err := usecase.NewPipeline(usecase.PipelineDeps{
			SourceID:    src.Name,
			Collection:  src.Collection,
			Source:      reader,
			Transformer: transformer,
			Checkpoints: checkpoints,
			Index:       writer,
			History:     history,
			Logger:      baseLogger.With("component", "pipeline."+src.Name),
			BatchSize:   cfg.Sync.BatchSize,
			MaxBackoff:  cfg.Sync.MaxBackoff.Std(),
		})
		if err != nil {
			return nil, fmt.Errorf("build pipeline %s: %w", src.Name, err)
		}
		pipelines = append(pipelines, pipeline)
	}

	baseTables := make([]storage.BaseTable, 0, len(cfg.View.BaseTables))
	for _, base := range cfg.View.BaseTables {
		baseTables = append(baseTables, storage.BaseTable{
			Table:          base.Table,
			TrackingColumn: base.TrackingColumn,
		})
	}
	refresher := storage.NewMatViewRefresher(db, cfg.View.Name, cfg.View.TrackingColumn,
		baseTables, queryTimeout, baseLogger.With("component", "refresher"))
	refreshLoop := usecase.NewRefreshLoop(refresher, baseLogger.With("component", "refresh-loop"))

	var notifier ports.Notifier
	if cfg.Notifications.Telegram.BotToken != "" && cfg.Notifications.Telegram.ChatID != "" {
		notifier = telegram.NewNotifier(cfg.Notifications.Telegram.BotToken, cfg.Notifications.Telegram.ChatID)
	}

	pollInterval := cfg.Sync.PollInterval.Std()
	intervals := map[string]time.Duration{}
	for _, src := range cfg.Sources {
		intervals[src.Name] = pollInterval
		if src.PollInterval != 0 {
			intervals[src.Name] = src.PollInterval.Std()
		}
	}

	orchestrator, err := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Pipelines: pipelines,
		NewScheduler: func(sourceID string) ports.Scheduler {
			return scheduler.NewIntervalScheduler(sourceID, intervals[sourceID])
		},
		Refresher:    refreshLoop,
		RefreshTimer: scheduler.NewIntervalScheduler("view-refresh", cfg.View.RefreshInterval.Std()),
		Notifier:     notifier,
		Logger:       baseLogger.With("component", "orchestrator"),
	})
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}

	handler := httpapi.NewHandler(orchestrator, history, baseLogger.With("component", "httpapi"))
	server := httpapi.NewServer(cfg.HTTP.Addr, handler, baseLogger.With("component", "httpapi"))

	return &Application{
		cfg:          cfg,
		logger:       baseLogger,
		db:           db,
		orchestrator: orchestrator,
		server:       server,
		checkpoints:  checkpoints,
		history:      history,
		readers:      readers,
	}, nil
}

// Run starts supervision and the status surface, and blocks until ctx is
// cancelled, then shuts everything down cleanly.
func (a *Application) Run(ctx context.Context) error {
	metrics.Register()

	if err := a.prepare(ctx); err != nil {
		return err
	}

	if err := a.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("status surface: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.orchestrator.Stop(shutdownCtx); err != nil {
		a.logger.Warn("orchestrator stop", "error", err)
	}
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("server shutdown", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("database close", "error", err)
	}

	a.logger.Info("stopped")
	return nil
}

// prepare pings the database, ensures bookkeeping schema, and validates
// configured identifiers before any pipeline runs. Identifier validation is
// what turns a casing mismatch into a startup error instead of a pipeline
// that reports success while its checkpoint never advances.
func (a *Application) prepare(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, a.cfg.Sync.QueryTimeout.Std())
	defer cancel()
	if err := a.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	if err := a.checkpoints.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := a.history.EnsureSchema(ctx); err != nil {
		return err
	}

	for name, reader := range a.readers {
		if err := reader.Validate(ctx); err != nil {
			return fmt.Errorf("source %s: %w", name, err)
		}
		a.logger.Info("source validated", "source", name)
	}

	return nil
}
