package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openintel/flowd/pkg/eventbus"
	"github.com/openintel/flowd/pkg/events"
	"github.com/openintel/flowd/pkg/models"
	"github.com/openintel/flowd/pkg/otelhelper"
	"github.com/openintel/flowd/pkg/persistence"
)

// TriggerOptions parameterize one trigger request.
type TriggerOptions struct {
	TriggeredBy models.TriggeredBy

	// AssetIDs, when set, bypasses delta resolution and processes exactly
	// these assets. Required for manual-input flows.
	AssetIDs []int64

	// TaskID and SourceID record trigger provenance on the execution.
	TaskID   *string
	SourceID *string
}

// Coordinator owns the execution lifecycle: it resolves the delta, opens
// the execution record (enforcing single-flight), runs the pipeline, and
// commits terminal status plus cursor advance as one unit.
type Coordinator struct {
	persistence persistence.Persistence
	resolver    *Resolver
	engine      *StepEngine
	publisher   eventbus.EventPublisher
	tracer      trace.Tracer
	logger      *slog.Logger
}

func NewCoordinator(
	p persistence.Persistence,
	resolver *Resolver,
	engine *StepEngine,
	publisher eventbus.EventPublisher,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Coordinator {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("flowd.coordinator")
	}

	return &Coordinator{
		persistence: p,
		resolver:    resolver,
		engine:      engine,
		publisher:   publisher,
		tracer:      tracer,
		logger:      logger.With("module", "coordinator"),
	}
}

// TriggerExecution runs a flow once, synchronously. It returns the terminal
// execution record, or an error when nothing ran: ErrNoNewAssets when the
// delta is empty, persistence.ErrExecutionInFlight when another execution
// holds the flow, ErrFlowNotTriggerable when the flow is not active.
func (c *Coordinator) TriggerExecution(ctx context.Context, flowID string, opts TriggerOptions) (*models.FlowExecution, error) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "coordinator.trigger",
		attribute.String(otelhelper.FlowIDKey, flowID),
		attribute.String("flowd.triggered_by", string(opts.TriggeredBy)),
	)
	defer span.End()

	flow, err := c.persistence.Flows().GetByID(ctx, flowID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if !flow.IsTriggerable() {
		return nil, fmt.Errorf("%w: flow %s is %s", ErrFlowNotTriggerable, flow.ID, flow.Status)
	}

	delta, err := c.resolver.Resolve(ctx, flow, opts.AssetIDs)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if len(delta.AssetIDs) == 0 {
		c.logger.InfoContext(ctx, "No new assets, skipping execution", "flow_id", flow.ID)

		return nil, ErrNoNewAssets
	}

	execution := &models.FlowExecution{
		FlowID:              flow.ID,
		TriggeredBy:         opts.TriggeredBy,
		TriggeredByTaskID:   opts.TaskID,
		TriggeredBySourceID: opts.SourceID,
		InputAssetIDs:       delta.AssetIDs,
	}

	if err := c.persistence.Executions().CreatePending(ctx, execution); err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.Int("flowd.input_count", len(delta.AssetIDs)),
	)

	return c.run(ctx, flow, execution, delta)
}

// run drives one created execution to a terminal state. By this point the
// single-flight slot is held, so every exit path must complete the record.
func (c *Coordinator) run(ctx context.Context, flow *models.Flow, execution *models.FlowExecution, delta *Delta) (*models.FlowExecution, error) {
	startedAt := time.Now().UTC()

	if err := c.persistence.Executions().MarkRunning(ctx, execution.ID, startedAt); err != nil {
		return nil, err
	}

	execution.Status = models.ExecutionStatusRunning
	execution.StartedAt = &startedAt

	c.publish(ctx, execution.FlowID, &events.FlowExecutionStarted{
		BaseEvent:   c.baseEvent(events.FlowExecutionStartedEvent, execution.FlowID),
		ExecutionID: execution.ID,
		InputCount:  len(execution.InputAssetIDs),
	})

	c.logger.InfoContext(ctx, "Executing flow",
		"flow_id", flow.ID,
		"execution_id", execution.ID,
		"input_count", len(execution.InputAssetIDs),
	)

	result := c.engine.Run(ctx, flow, execution.InputAssetIDs)

	completedAt := time.Now().UTC()
	execution.CompletedAt = &completedAt
	execution.StepOutputs = result.StepOutputs
	execution.OutputAssetIDs = result.OutputAssetIDs

	var cursor *models.CursorState

	switch {
	case result.Err == nil:
		execution.Status = models.ExecutionStatusSuccess
		cursor = delta.AdvanceCursor(flow.CursorState, completedAt)
	case !result.CommittedSideEffects():
		// No completed step wrote outside the engine yet; the whole input
		// remains unprocessed and will be re-resolved next trigger. This
		// covers a step 0 failure and a failure behind a prefix of filters.
		execution.Status = models.ExecutionStatusFailed
		execution.ErrorMessage = result.Err.Error()
	default:
		// A completed annotate, curate, or route step already committed
		// work for this input: re-delivering it would annotate twice.
		execution.Status = models.ExecutionStatusPartial
		execution.ErrorMessage = result.Err.Error()
		cursor = delta.AdvanceCursor(flow.CursorState, completedAt)
	}

	if err := c.persistence.Executions().Complete(ctx, execution, cursor); err != nil {
		c.logger.ErrorContext(ctx, "Failed to complete execution",
			"execution_id", execution.ID, "error", err)

		return nil, err
	}

	duration := completedAt.Sub(startedAt)

	if execution.Status == models.ExecutionStatusFailed {
		c.publish(ctx, execution.FlowID, &events.FlowExecutionFailed{
			BaseEvent:   c.baseEvent(events.FlowExecutionFailedEvent, execution.FlowID),
			ExecutionID: execution.ID,
			Error:       execution.ErrorMessage,
		})
	} else {
		c.publish(ctx, execution.FlowID, &events.FlowExecutionCompleted{
			BaseEvent:   c.baseEvent(events.FlowExecutionCompletedEvent, execution.FlowID),
			ExecutionID: execution.ID,
			Status:      string(execution.Status),
			InputCount:  len(execution.InputAssetIDs),
			OutputCount: len(execution.OutputAssetIDs),
			Duration:    duration,
		})
	}

	c.logger.InfoContext(ctx, "Execution finished",
		"flow_id", flow.ID,
		"execution_id", execution.ID,
		"status", execution.Status,
		"output_count", len(execution.OutputAssetIDs),
		"duration", duration,
	)

	return execution, nil
}

// GetPendingAssets resolves the current delta without executing anything.
func (c *Coordinator) GetPendingAssets(ctx context.Context, flowID string) ([]int64, error) {
	flow, err := c.persistence.Flows().GetByID(ctx, flowID)
	if err != nil {
		return nil, err
	}

	if flow.InputType == models.FlowInputManual {
		return []int64{}, nil
	}

	delta, err := c.resolver.Resolve(ctx, flow, nil)
	if err != nil {
		return nil, err
	}

	if delta.AssetIDs == nil {
		return []int64{}, nil
	}

	return delta.AssetIDs, nil
}

// ResetCursor clears the flow's cursor so the next trigger reprocesses the
// entire watched input.
func (c *Coordinator) ResetCursor(ctx context.Context, flowID string) error {
	return c.persistence.Flows().UpdateCursor(ctx, flowID, nil)
}

// GetExecution returns one execution record.
func (c *Coordinator) GetExecution(ctx context.Context, executionID string) (*models.FlowExecution, error) {
	return c.persistence.Executions().GetByID(ctx, executionID)
}

// ListExecutions returns a flow's execution history, newest first.
func (c *Coordinator) ListExecutions(ctx context.Context, flowID string, status *models.ExecutionStatus, limit, offset int) ([]*models.FlowExecution, error) {
	if _, err := c.persistence.Flows().GetByID(ctx, flowID); err != nil {
		return nil, err
	}

	return c.persistence.Executions().List(ctx, flowID, status, limit, offset)
}

func (c *Coordinator) baseEvent(eventType events.EventType, flowID string) events.BaseEvent {
	return events.BaseEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		FlowID:    flowID,
	}
}

func (c *Coordinator) publish(ctx context.Context, key string, event eventbus.Event) {
	if c.publisher == nil {
		return
	}

	if err := c.publisher.Publish(ctx, key, event); err != nil {
		c.logger.WarnContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}
