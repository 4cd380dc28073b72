package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"

	"github.com/inkloom/inkloom-api/internal/config"
	"github.com/inkloom/inkloom-api/internal/dispatch"
	"github.com/inkloom/inkloom-api/internal/events"
	"github.com/inkloom/inkloom-api/internal/platform/gemini"
	"github.com/inkloom/inkloom-api/internal/platform/postgres"
	"github.com/inkloom/inkloom-api/internal/ratelimit"
	"github.com/inkloom/inkloom-api/internal/service/auth"
	"github.com/inkloom/inkloom-api/internal/task"
)

// application holds the wired components of the task engine and the
// handles needed to shut them down in order.
type application struct {
	config *config.Config
	logger *slog.Logger

	db       *sql.DB
	natsConn *nats.Conn

	jwtService auth.JWTService

	bus            *events.Bus
	dedup          *task.DedupCache
	runner         *task.Runner
	natsDispatcher *dispatch.NATSDispatcher
	taskService    *task.Service
}

// newApplication wires the full task engine: storage, event pipeline,
// dispatch transport, executables and the caller-facing service.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
	}

	// Database.
	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	app.db = db
	taskStore := postgres.NewPostgresTaskStore(db)

	// Auth.
	jwtService, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT service: %w", err)
	}
	app.jwtService = jwtService

	// Optional NATS connection for multi-node dispatch and event
	// mirroring. Without it everything stays in-process.
	var bridge events.Bridge = events.NopBridge{}
	if cfg.NATS.URL != "" {
		conn, err := nats.Connect(cfg.NATS.URL,
			nats.Name("inkloom-task-engine"),
			nats.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		app.natsConn = conn
		bridge = events.NewNATSBridge(conn, cfg.NATS.EventPrefix, logger)
		logger.Info("connected to NATS", "url", cfg.NATS.URL)
	}

	// Event pipeline.
	bus := events.NewBus(cfg.Task.EventQueueCapacity, logger)
	app.bus = bus

	dedup := task.NewDedupCache(task.DedupCacheConfig{
		TTL: cfg.Task.DedupTTL,
	}, logger)
	app.dedup = dedup

	// Execution node.
	registry := task.NewRegistry(logger)
	runner := task.NewRunner(taskStore, registry, bus, task.RunnerConfig{
		WorkerCount:     cfg.Task.WorkerCount,
		QueueSize:       cfg.Task.QueueSize,
		StaleRunningAge: cfg.Task.StaleRunningAge,
	}, logger)
	app.runner = runner

	// Dispatch transport: NATS when configured, otherwise directly into
	// this node's queue.
	var dispatcher dispatch.Dispatcher
	if app.natsConn != nil {
		natsDispatcher := dispatch.NewNATSDispatcher(app.natsConn, dispatch.NATSDispatcherConfig{
			Subject: cfg.NATS.DispatchSubject,
			Queue:   cfg.NATS.DispatchQueue,
		}, runner, logger)
		app.natsDispatcher = natsDispatcher
		dispatcher = natsDispatcher
	} else {
		dispatcher = dispatch.NewLocalDispatcher(runner, logger)
	}

	submitter := task.NewSubmitter(taskStore, registry, bus, dispatcher, logger)
	runner.SetSubmitter(submitter)

	aggregator := task.NewAggregator(taskStore, dedup, task.RetryPolicy{
		MaxRetries: cfg.Task.MaxRetries,
		BaseDelay:  cfg.Task.RetryBaseDelay,
		MaxDelay:   cfg.Task.RetryMaxDelay,
	}, bus, dispatcher, bridge, logger)
	bus.RegisterHandler(aggregator)

	if err := app.registerExecutables(ctx, registry); err != nil {
		return nil, err
	}

	app.taskService = task.NewService(taskStore, submitter, runner, registry, bus, logger)

	return app, nil
}

// registerExecutables registers the task types this node can run. The
// AI-bound chapter generation executable runs behind the rate limiter.
func (app *application) registerExecutables(ctx context.Context, registry *task.Registry) error {
	logger := app.logger

	generator, err := gemini.NewGeminiGenerator(ctx, logger, app.config.LLM)
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}

	limiter := ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{
		Capacity:     app.config.RateLimit.Capacity,
		Window:       app.config.RateLimit.Window,
		ErrorPenalty: app.config.RateLimit.ErrorPenalty,
	}, logger)
	resolver := task.StaticProviderResolver{
		Provider: "gemini",
		Model:    app.config.LLM.ModelName,
	}

	chapterExec, err := task.NewChapterGenerationExecutable(generator, logger)
	if err != nil {
		return fmt.Errorf("failed to create chapter executable: %w", err)
	}
	limitedChapter, err := task.NewRateLimitedExecutable(chapterExec, limiter, resolver, logger)
	if err != nil {
		return fmt.Errorf("failed to wrap chapter executable: %w", err)
	}

	outlineExec, err := task.NewNovelOutlineExecutable(logger)
	if err != nil {
		return fmt.Errorf("failed to create outline executable: %w", err)
	}

	for _, exec := range []task.Executable{limitedChapter, outlineExec, task.EchoExecutable{}} {
		if err := registry.Register(exec); err != nil {
			return fmt.Errorf("failed to register %s: %w", exec.TaskType(), err)
		}
	}
	return nil
}

// start brings the engine online: event delivery first, then the NATS
// subscription, then the workers with their recovery sweep.
func (app *application) start() error {
	app.bus.Start()

	if app.natsDispatcher != nil {
		if err := app.natsDispatcher.Start(); err != nil {
			return fmt.Errorf("failed to start NATS dispatcher: %w", err)
		}
	}

	if err := app.runner.Start(); err != nil {
		return fmt.Errorf("failed to start task runner: %w", err)
	}

	return nil
}

// cleanup tears components down in reverse dependency order so no event
// is produced into a stopped consumer.
func (app *application) cleanup() {
	app.runner.Stop()

	if app.natsDispatcher != nil {
		if err := app.natsDispatcher.Stop(); err != nil {
			app.logger.Error("failed to stop NATS dispatcher", "error", err)
		}
	}

	app.bus.Stop()
	app.dedup.Stop()

	if app.natsConn != nil {
		app.natsConn.Close()
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error("failed to close database", "error", err)
	}
}
