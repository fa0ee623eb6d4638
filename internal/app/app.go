package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"TagRelay/internal/config"
	"TagRelay/internal/connector"
	"TagRelay/internal/infrastructure/media"
	"TagRelay/internal/infrastructure/metrics"
	"TagRelay/internal/infrastructure/scheduler"
	"TagRelay/internal/infrastructure/storage"
	"TagRelay/internal/logging"
	"TagRelay/internal/statustext"
	"TagRelay/internal/usecase"
)

const mediaTimeout = 60 * time.Second

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg        config.Config
	db         *sql.DB
	controller *usecase.Controller
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New validates cfg, opens the record store and builds the controller.
// Connectors are not contacted until the first cycle.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tag, err := cfg.Operation.TriggerTag()
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logging.Component(baseLogger, "storage"))
	if err != nil {
		return nil, err
	}

	inbound := cfg.Endpoints[cfg.Operation.Inbound]
	outbound := cfg.Endpoints[cfg.Operation.Outbound]

	deps := connector.Deps{
		FederationTag: cfg.Operation.FederationTag,
		Media: media.NewFetcher(&http.Client{Timeout: mediaTimeout}, media.Options{},
			logging.Component(baseLogger, "media")),
		Logger: baseLogger,
	}
	registry := DefaultRegistry()

	source, err := registry.Source(cfg.Operation.Inbound, inbound, deps)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	destination, err := registry.Destination(cfg.Operation.Outbound, outbound, deps)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	m := metrics.New()
	controller := usecase.NewController(usecase.ControllerDeps{
		Source:      source,
		Destination: destination,
		Store:       storage.NewRecordStore(db, cfg.Database.Driver),
		Composer: statustext.NewComposer(statustext.Options{
			FederationTag:   cfg.Operation.FederationTag,
			URLLength:       outbound.URLLength,
			RetainMediaURLs: outbound.RetainMediaURLs(),
		}),
		Metrics: m,
		Logger:  logging.Component(baseLogger, "controller"),
	}, usecase.ControllerOptions{
		TriggerTag:        tag,
		Thread:            cfg.Operation.Thread(),
		Budget:            outbound.MessageLength,
		UploadMedia:       outbound.UploadMedia(),
		Query:             inbound.Query(),
		DryRun:            cfg.Operation.DryRun,
		StartReclaimAfter: cfg.Operation.StartReclaimAfter,
	})

	return &Application{cfg: cfg, db: db, controller: controller, metrics: m, logger: baseLogger}, nil
}

// Controller exposes the delivery controller for maintenance commands.
func (a *Application) Controller() *usecase.Controller {
	return a.controller
}

// Run performs a single controller cycle and flushes metrics.
func (a *Application) Run(ctx context.Context) (usecase.Outcome, error) {
	outcome, err := a.controller.Run(ctx)
	a.flushMetrics()
	return outcome, err
}

// Watch runs a cycle every interval until ctx is cancelled.
func (a *Application) Watch(ctx context.Context, interval time.Duration) error {
	sched := usecase.NewScheduler(scheduler.NewIntervalScheduler(interval), a.controller, a.flushMetrics,
		logging.Component(a.logger, "scheduler"))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	return nil
}

// Close releases the database.
func (a *Application) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *Application) flushMetrics() {
	if err := a.metrics.Flush(a.cfg.Metrics.Textfile); err != nil {
		a.logger.Warn("metrics flush failed", "error", err)
	}
}
