// Package main provides the flowd worker: the centralized schedule poller
// and the on-arrival event subscriber.
package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/openintel/flowd/pkg/clients/annotation"
	"github.com/openintel/flowd/pkg/cmd"
	"github.com/openintel/flowd/pkg/log"
	"github.com/openintel/flowd/pkg/otelhelper"
)

func main() {
	command := &cli.Command{
		Name:                  "flowd-worker",
		EnableShellCompletion: true,
		Usage:                 "Run scheduled and on-arrival flow triggers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "annotation-url",
				Usage:    "Base URL of the annotation service",
				Required: true,
				Sources:  cli.EnvVars("ANNOTATION_URL"),
			},
			&cli.StringFlag{
				Name:    "annotation-api-key",
				Usage:   "API key for the annotation service",
				Sources: cli.EnvVars("ANNOTATION_API_KEY"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log output format (text, json)",
				Value:   "json",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("flowd-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing flowd worker")

			tracer, err := otelhelper.NewTracer(ctx, "flowd-worker")
			if err != nil {
				logger.WarnContext(ctx, "Tracing disabled", "error", err)
			}

			persistence := cmd.NewPostgresPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(ctx, command.String("event-bus"), logger)

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			annotator := annotation.NewClient(
				command.String("annotation-url"),
				command.String("annotation-api-key"),
				logger,
			)

			worker := NewWorkerManager(workerID, persistence, eventBus, annotator, tracer, logger)

			if err := worker.Start(ctx); err != nil {
				logger.ErrorContext(ctx, "Worker failed", "error", err)

				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
