package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/phrazzld/scry-batch/internal/batch"
	"github.com/phrazzld/scry-batch/internal/config"
	"github.com/phrazzld/scry-batch/internal/events"
	"github.com/phrazzld/scry-batch/internal/platform/gemini"
	"github.com/phrazzld/scry-batch/internal/platform/postgres"
	"github.com/phrazzld/scry-batch/internal/platform/redis"
	"github.com/phrazzld/scry-batch/internal/platform/s3"
	goredis "github.com/redis/go-redis/v9"
)

// application holds the shared dependencies of the server so they can be
// started and shut down together.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	jobStore    batch.JobStore
	processor   batch.ItemProcessor
	coordinator *batch.Coordinator
	queries     *batch.QueryService

	eventEmitter *events.InMemoryEventEmitter
	redisClient  *goredis.Client
}

// newApplication wires the stores, the annotator and the batch engine.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{
		config:   cfg,
		logger:   logger,
		db:       db,
		jobStore: postgres.NewPostgresJobStore(db),
	}

	images, err := s3.NewImageSource(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize image source: %w", err)
	}

	app.processor, err = gemini.NewAnnotator(ctx, cfg.LLM, images, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize annotator: %w", err)
	}
	logger.Info("gemini annotator initialized", "model", cfg.LLM.ModelName)

	app.eventEmitter = events.NewInMemoryEventEmitter(logger)
	app.eventEmitter.RegisterHandler(events.LogHandler(logger))

	var cache batch.ProgressCache
	if cfg.Redis.Addr != "" {
		app.redisClient, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		progressCache := redis.NewProgressCache(app.redisClient, cfg.Redis.ProgressTTL, logger)
		app.eventEmitter.RegisterHandler(progressCache)
		cache = progressCache
		logger.Info("redis progress cache enabled", "addr", cfg.Redis.Addr)
	}

	app.coordinator = batch.NewCoordinator(
		app.jobStore,
		app.processor,
		coordinatorConfig(cfg.Batch),
		logger,
		batch.WithEventEmitter(app.eventEmitter),
	)
	app.queries = batch.NewQueryService(app.coordinator, cache, app.jobStore, cfg.Batch.RecentErrorLimit, logger)

	logger.Info("application initialized successfully")
	return app, nil
}

// coordinatorConfig maps the batch configuration onto the coordinator's.
func coordinatorConfig(cfg config.BatchConfig) batch.CoordinatorConfig {
	cc := batch.DefaultCoordinatorConfig()
	cc.DefaultConcurrency = cfg.DefaultConcurrency
	cc.DefaultTier = batch.Tier(cfg.DefaultTier)
	cc.Policy = batch.RetryPolicy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.RetryBaseDelay}
	cc.FlushInterval = cfg.FlushInterval
	cc.EvictionGrace = cfg.EvictionGrace
	cc.EvictionInterval = cfg.EvictionInterval
	cc.RecentErrorLimit = cfg.RecentErrorLimit
	cc.OrphanTimeout = cfg.OrphanTimeout
	cc.InstanceID = cfg.InstanceID
	if cc.InstanceID == "" {
		// Hostnames are stable across restarts of the same pod or VM.
		if host, err := os.Hostname(); err == nil {
			cc.InstanceID = host
		}
	}
	return cc
}

// Run starts the coordinator and serves HTTP until ctx is cancelled.
func (app *application) Run(ctx context.Context) error {
	defer app.cleanup()

	if err := app.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start batch coordinator: %w", err)
	}

	if err := app.startHTTPServer(ctx, app.setupRouter()); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup stops running jobs and releases connections.
func (app *application) cleanup() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer cancel()

	if app.coordinator != nil {
		if err := app.coordinator.Stop(shutdownCtx); err != nil {
			app.logger.Error("batch coordinator did not stop cleanly", "error", err)
		}
	}
	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			app.logger.Error("error closing redis client", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}
}
