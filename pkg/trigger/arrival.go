package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openintel/flowd/pkg/eventbus"
	"github.com/openintel/flowd/pkg/events"
	"github.com/openintel/flowd/pkg/flow"
	"github.com/openintel/flowd/pkg/models"
	"github.com/openintel/flowd/pkg/persistence"
)

// ArrivalSubscriber triggers on-arrival flows when the ingestion side
// announces new assets for a source. The event only names the source; each
// matching flow still resolves its own delta against its cursor, so a
// duplicate or stale event at worst causes a no-op trigger.
type ArrivalSubscriber struct {
	persistence persistence.Persistence
	coordinator *flow.Coordinator
	bus         eventbus.EventBus
	logger      *slog.Logger
}

func NewArrivalSubscriber(
	p persistence.Persistence,
	coordinator *flow.Coordinator,
	bus eventbus.EventBus,
	logger *slog.Logger,
) *ArrivalSubscriber {
	return &ArrivalSubscriber{
		persistence: p,
		coordinator: coordinator,
		bus:         bus,
		logger:      logger.With("module", "arrival_subscriber"),
	}
}

// Start registers the handler and begins consuming arrival events.
func (a *ArrivalSubscriber) Start(ctx context.Context) error {
	if err := a.bus.Handle(events.AssetsArrivedEvent, a.handleArrival); err != nil {
		return fmt.Errorf("failed to register arrival handler: %w", err)
	}

	return a.bus.Subscribe(ctx)
}

func (a *ArrivalSubscriber) handleArrival(ctx context.Context, event any) error {
	arrival, ok := event.(*events.AssetsArrived)
	if !ok {
		return fmt.Errorf("unexpected event payload %T", event)
	}

	a.logger.InfoContext(ctx, "Assets arrived",
		"source_id", arrival.SourceID, "asset_count", len(arrival.AssetIDs))

	flows, err := a.matchingFlows(ctx, arrival.SourceID)
	if err != nil {
		return err
	}

	for _, f := range flows {
		a.triggerFlow(ctx, f, arrival.SourceID)
	}

	return nil
}

// matchingFlows returns active on-arrival flows watching the source.
// Bundle-input on-arrival flows are served by the scheduler's poll.
func (a *ArrivalSubscriber) matchingFlows(ctx context.Context, sourceID string) ([]*models.Flow, error) {
	status := models.FlowStatusActive
	inputType := models.FlowInputSourceStream

	flows, err := a.persistence.Flows().List(ctx, persistence.ListFlowsOptions{
		Status:    &status,
		InputType: &inputType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	matched := make([]*models.Flow, 0)

	for _, f := range flows {
		if f.TriggerMode != models.TriggerModeOnArrival {
			continue
		}

		if f.InputSourceID == nil || *f.InputSourceID != sourceID {
			continue
		}

		matched = append(matched, f)
	}

	return matched, nil
}

func (a *ArrivalSubscriber) triggerFlow(ctx context.Context, f *models.Flow, sourceID string) {
	execution, err := a.coordinator.TriggerExecution(ctx, f.ID, flow.TriggerOptions{
		TriggeredBy: models.TriggeredByOnArrival,
		SourceID:    &sourceID,
	})

	switch {
	case err == nil:
		a.logger.InfoContext(ctx, "On-arrival execution finished",
			"flow_id", f.ID, "execution_id", execution.ID, "status", execution.Status)
	case errors.Is(err, flow.ErrNoNewAssets):
		a.logger.DebugContext(ctx, "Arrival event carried no unprocessed assets", "flow_id", f.ID)
	case errors.Is(err, persistence.ErrExecutionInFlight):
		a.logger.WarnContext(ctx, "On-arrival trigger skipped, execution in flight", "flow_id", f.ID)
	default:
		a.logger.ErrorContext(ctx, "On-arrival trigger failed", "flow_id", f.ID, "error", err)
	}
}
