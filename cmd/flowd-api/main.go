package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/openintel/flowd/pkg/clients/annotation"
	"github.com/openintel/flowd/pkg/cmd"
	"github.com/openintel/flowd/pkg/log"
	"github.com/openintel/flowd/pkg/otelhelper"
	"github.com/openintel/flowd/pkg/registry"
)

const defaultPort = 9080

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "flowd-api",
		Usage:                 "Create, manage, and trigger flows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
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
				Value:   "gochannel",
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
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger.InfoContext(ctx, "Initializing flowd API")

			tracer, err := otelhelper.NewTracer(ctx, "flowd-api")
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

			api := NewAPI(
				logger,
				persistence,
				registry.NewRegistry(logger),
				eventBus,
				annotator,
				tracer,
			)

			if err := api.Start(ctx, command.Int("port")); err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)

				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
