package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/openintel/flowd/pkg/eventbus"
	"github.com/openintel/flowd/pkg/events"
	"github.com/openintel/flowd/pkg/otelhelper"
)

func consumeEvents(
	ctx context.Context,
	logger *slog.Logger,
	reader *kafkago.Reader,
	handlers map[events.EventType]eventbus.EventHandler,
) {
	tracer := otel.Tracer("flowd.eventbus.kafka")

	for {
		message, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.InfoContext(ctx, "Stopping consumer due to context cancellation")

				break
			}

			logger.ErrorContext(ctx, "failed to fetch message", "error", err)

			continue
		}

		var eventType events.EventType

		carrier := propagation.MapCarrier{}

		for _, header := range message.Headers {
			if header.Key == events.EventTypeMetadataKey {
				eventType = events.EventType(header.Value)
			} else {
				carrier[header.Key] = string(header.Value)
			}
		}

		propagator := otel.GetTextMapPropagator()
		msgCtx := propagator.Extract(ctx, carrier)

		traceCtx, span := otelhelper.StartSpan(msgCtx, tracer, "eventbus.consume",
			attribute.String("kafka.key", string(message.Key)),
			attribute.String("kafka.topic", message.Topic),
			attribute.String(otelhelper.EventIDKey, string(message.Key)),
		)

		handler, exists := handlers[eventType]
		if !exists {
			span.End()
			commitMessage(ctx, logger, reader, message)

			continue
		}

		event := eventbus.DecodeEvent(eventType)
		if event == nil {
			logger.ErrorContext(msgCtx, "Unknown event type", "event_type", eventType)
			otelhelper.SetError(span, errors.New("unknown event type"))
			span.End()
			commitMessage(ctx, logger, reader, message)

			continue
		}

		err = json.Unmarshal(message.Value, event)
		if err != nil {
			logger.ErrorContext(msgCtx, "Failed to unmarshal event", "error", err, "event_type", eventType)
			otelhelper.SetError(span, err)
			span.End()
			commitMessage(ctx, logger, reader, message)

			continue
		}

		handlerErr := handler(traceCtx, event)
		if handlerErr != nil {
			logger.ErrorContext(msgCtx, "Failed to handle event", "error", handlerErr, "event_type", eventType)
			otelhelper.SetError(span, handlerErr)
			span.End()
			commitMessage(ctx, logger, reader, message)

			continue
		}

		span.AddEvent("event_handled", trace.WithAttributes())
		span.End()
		commitMessage(ctx, logger, reader, message)
	}
}

func commitMessage(ctx context.Context, logger *slog.Logger, reader *kafkago.Reader, message kafkago.Message) {
	err := reader.CommitMessages(ctx, message)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to commit message", "error", err)
	}
}
