package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel/trace"

	"github.com/openintel/flowd/pkg/eventbus"
	"github.com/openintel/flowd/pkg/flow"
	"github.com/openintel/flowd/pkg/persistence/postgresql"
	"github.com/openintel/flowd/pkg/protocol"
	"github.com/openintel/flowd/pkg/trigger"
)

// WorkerManager wires the coordinator into both trigger paths and runs
// them until the process is signalled.
type WorkerManager struct {
	id          string
	logger      *slog.Logger
	persistence *postgresql.Persistence
	eventBus    eventbus.EventBus
	annotator   protocol.Annotator
	tracer      trace.Tracer
}

func NewWorkerManager(
	id string,
	persistence *postgresql.Persistence,
	eventBus eventbus.EventBus,
	annotator protocol.Annotator,
	tracer trace.Tracer,
	logger *slog.Logger,
) *WorkerManager {
	return &WorkerManager{
		id:          id,
		logger:      logger.With("module", "flowd-worker"),
		persistence: persistence,
		eventBus:    eventBus,
		annotator:   annotator,
		tracer:      tracer,
	}
}

func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager", "worker_id", w.id)

	db := w.persistence.DB()

	bundles := postgresql.NewBundleStore(db, w.logger)
	sources := postgresql.NewSourceReader(db, w.logger)
	assets := postgresql.NewAssetStore(db, w.logger)

	resolver := flow.NewResolver(bundles, sources, w.logger)
	engine := flow.NewStepEngine(w.annotator, assets, bundles, w.logger)
	coordinator := flow.NewCoordinator(w.persistence, resolver, engine, w.eventBus, w.tracer, w.logger)

	scheduler := trigger.NewScheduler(w.persistence, coordinator, w.logger)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	arrivals := trigger.NewArrivalSubscriber(w.persistence, coordinator, w.eventBus, w.logger)
	if err := arrivals.Start(ctx); err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	w.logger.InfoContext(ctx, "Shutting down worker...")

	return scheduler.Stop(ctx)
}
