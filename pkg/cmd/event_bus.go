package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/openintel/flowd/pkg/eventbus"
	"github.com/openintel/flowd/pkg/eventbus/kafka"
)

// NewEventBus creates an event bus instance based on the provider. The
// gochannel bus is in-process only; deployments with a separate worker
// need kafka.
func NewEventBus(ctx context.Context, provider string, logger *slog.Logger) eventbus.EventBus {
	switch provider {
	case "kafka":
		bus, err := kafka.NewEventBus(ctx, logger)
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka event bus: %w", err))
		}

		return bus
	case "gochannel", "":
		pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewSlogLogger(logger))

		return eventbus.NewWatermillEventBus(pubsub, pubsub)
	default:
		panic("Unsupported event bus provider: " + provider)
	}
}
