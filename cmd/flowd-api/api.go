// Package main provides the flowd API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"

	"github.com/openintel/flowd/pkg/eventbus"
	"github.com/openintel/flowd/pkg/flow"
	"github.com/openintel/flowd/pkg/persistence/postgresql"
	"github.com/openintel/flowd/pkg/protocol"
	"github.com/openintel/flowd/pkg/registry"
	"github.com/openintel/flowd/pkg/services"
	"github.com/openintel/flowd/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence *postgresql.Persistence
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	annotator   protocol.Annotator
	tracer      trace.Tracer
}

func NewAPI(
	logger *slog.Logger,
	persistence *postgresql.Persistence,
	reg *registry.Registry,
	eventBus eventbus.EventBus,
	annotator protocol.Annotator,
	tracer trace.Tracer,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		registry:    reg,
		eventBus:    eventBus,
		annotator:   annotator,
		tracer:      tracer,
	}
}

func (a *API) App(ctx context.Context) *fiber.App {
	db := a.persistence.DB()

	bundles := postgresql.NewBundleStore(db, a.logger)
	sources := postgresql.NewSourceReader(db, a.logger)
	assets := postgresql.NewAssetStore(db, a.logger)

	resolver := flow.NewResolver(bundles, sources, a.logger)
	engine := flow.NewStepEngine(a.annotator, assets, bundles, a.logger)
	coordinator := flow.NewCoordinator(a.persistence, resolver, engine, a.eventBus, a.tracer, a.logger)

	flowService := services.NewFlow(a.persistence, a.registry, a.eventBus)

	handlers := web.NewAPIHandlers(flowService, coordinator)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("flowd API")
	})

	f := app.Group("/flows")
	f.Get("/", handlers.GetFlows)
	f.Post("/", handlers.CreateFlow)
	f.Get("/:id", handlers.GetFlow)
	f.Patch("/:id", handlers.UpdateFlow)
	f.Delete("/:id", handlers.DeleteFlow)
	f.Post("/:id/activate", handlers.ActivateFlow)
	f.Post("/:id/pause", handlers.PauseFlow)
	f.Post("/:id/archive", handlers.ArchiveFlow)
	f.Post("/:id/trigger", handlers.TriggerFlow)
	f.Get("/:id/pending-assets", handlers.GetPendingAssets)
	f.Post("/:id/reset-cursor", handlers.ResetCursor)
	f.Get("/:id/executions", handlers.GetExecutions)

	app.Get("/executions/:id", handlers.GetExecution)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(ctx context.Context, port int) error {
	app := a.App(ctx)

	return app.Listen(":" + strconv.Itoa(port))
}
