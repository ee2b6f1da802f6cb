package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openintel/flowd/pkg/eventbus"
	"github.com/openintel/flowd/pkg/events"
	"github.com/openintel/flowd/pkg/models"
	"github.com/openintel/flowd/pkg/persistence"
	"github.com/openintel/flowd/pkg/registry"
)

// ErrFlowNotFound is returned when a flow is not found.
var ErrFlowNotFound = persistence.ErrFlowNotFound

// Flow is the lifecycle service for flow definitions: CRUD plus the
// activate/pause/archive transitions. Execution belongs to the coordinator.
type Flow struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	validator   *validator.Validate
	publisher   eventbus.EventPublisher
}

// NewFlow creates a new flow service.
func NewFlow(p persistence.Persistence, reg *registry.Registry, publisher eventbus.EventPublisher) *Flow {
	return &Flow{
		persistence: p,
		registry:    reg,
		validator:   validator.New(),
		publisher:   publisher,
	}
}

// HealthCheck checks the health of the persistence layer.
func (s *Flow) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := s.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// ListFlowsRequest contains options for listing flows.
type ListFlowsRequest struct {
	Limit  int `validate:"min=0,max=100"`
	Offset int `validate:"min=0"`

	Owner       string
	InfospaceID string
	Status      *models.FlowStatus
	InputType   *models.FlowInputType
}

// ListFlows retrieves flows with filtering and pagination.
func (s *Flow) ListFlows(ctx context.Context, req ListFlowsRequest) ([]*models.Flow, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	if req.Limit > 100 {
		req.Limit = 100
	}

	if req.Offset < 0 {
		req.Offset = 0
	}

	flows, err := s.persistence.Flows().List(ctx, persistence.ListFlowsOptions{
		Limit:       req.Limit,
		Offset:      req.Offset,
		Owner:       req.Owner,
		InfospaceID: req.InfospaceID,
		Status:      req.Status,
		InputType:   req.InputType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	return flows, nil
}

// GetFlow returns one flow by id.
func (s *Flow) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	return s.persistence.Flows().GetByID(ctx, id)
}

// CreateFlow saves a new flow in draft status. Structural invariants are
// deliberately not enforced here so partial definitions can be saved;
// activation is the gate.
func (s *Flow) CreateFlow(ctx context.Context, flow *models.Flow) (*models.Flow, error) {
	if flow == nil {
		return nil, ErrFlowNil
	}

	flow.ID = ""
	flow.Status = models.FlowStatusDraft
	flow.CursorState = nil
	flow.TotalExecutions = 0
	flow.TotalAssetsProcessed = 0
	flow.ConsecutiveFailures = 0

	if err := s.validator.Struct(flow); err != nil {
		return nil, NewValidationError("CreateFlow", "INVALID_FLOW", err.Error(), ErrInvalidRequest)
	}

	if err := s.persistence.Flows().Save(ctx, flow); err != nil {
		return nil, fmt.Errorf("failed to save flow: %w", err)
	}

	return flow, nil
}

// UpdateFlow applies definition changes. Archived flows are immutable;
// active flows are revalidated so an update cannot break a running setup.
func (s *Flow) UpdateFlow(ctx context.Context, flow *models.Flow) (*models.Flow, error) {
	if flow == nil {
		return nil, ErrFlowNil
	}

	existing, err := s.persistence.Flows().GetByID(ctx, flow.ID)
	if err != nil {
		return nil, err
	}

	if existing.Status == models.FlowStatusArchived {
		return nil, ErrFlowArchived
	}

	if err := s.validator.Struct(flow); err != nil {
		return nil, NewValidationError("UpdateFlow", "INVALID_FLOW", err.Error(), ErrInvalidRequest)
	}

	// Status, cursor, and statistics are owned by lifecycle transitions and
	// the coordinator respectively, never by definition updates.
	flow.Status = existing.Status
	flow.CursorState = existing.CursorState
	flow.InfospaceID = existing.InfospaceID
	flow.Owner = existing.Owner
	flow.TotalExecutions = existing.TotalExecutions
	flow.TotalAssetsProcessed = existing.TotalAssetsProcessed
	flow.ConsecutiveFailures = existing.ConsecutiveFailures
	flow.LastExecutionAt = existing.LastExecutionAt
	flow.LastExecutionStatus = existing.LastExecutionStatus
	flow.LastError = existing.LastError
	flow.CreatedAt = existing.CreatedAt

	if existing.Status == models.FlowStatusActive {
		if err := s.validateForActivation(flow); err != nil {
			return nil, err
		}

		if err := s.syncSchedule(ctx, flow); err != nil {
			return nil, err
		}
	}

	if err := s.persistence.Flows().Save(ctx, flow); err != nil {
		return nil, fmt.Errorf("failed to save flow: %w", err)
	}

	return flow, nil
}

// DeleteFlow soft deletes a flow and removes its schedule.
func (s *Flow) DeleteFlow(ctx context.Context, id string) error {
	if err := s.persistence.Flows().Delete(ctx, id); err != nil {
		return err
	}

	s.removeSchedule(ctx, id)

	return nil
}

// ActivateFlow validates the full definition and makes the flow eligible
// for triggering. Scheduled flows get their schedule row here.
func (s *Flow) ActivateFlow(ctx context.Context, id string) (*models.Flow, error) {
	flow, err := s.persistence.Flows().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch flow.Status {
	case models.FlowStatusArchived:
		return nil, ErrFlowArchived
	case models.FlowStatusActive:
		return flow, nil
	case models.FlowStatusDraft, models.FlowStatusPaused:
	}

	if err := s.validateForActivation(flow); err != nil {
		return nil, err
	}

	flow.Status = models.FlowStatusActive
	flow.ConsecutiveFailures = 0

	if err := s.syncSchedule(ctx, flow); err != nil {
		return nil, err
	}

	if err := s.persistence.Flows().Save(ctx, flow); err != nil {
		return nil, fmt.Errorf("failed to save flow: %w", err)
	}

	s.publish(ctx, flow.ID, &events.FlowActivated{
		BaseEvent: baseEvent(events.FlowActivatedEvent, flow.ID),
	})

	return flow, nil
}

// PauseFlow stops triggering without losing the cursor.
func (s *Flow) PauseFlow(ctx context.Context, id string) (*models.Flow, error) {
	flow, err := s.persistence.Flows().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch flow.Status {
	case models.FlowStatusArchived:
		return nil, ErrFlowArchived
	case models.FlowStatusPaused:
		return flow, nil
	case models.FlowStatusDraft:
		return nil, fmt.Errorf("%w: cannot pause a draft flow", ErrFlowNotActive)
	case models.FlowStatusActive:
	}

	flow.Status = models.FlowStatusPaused

	if err := s.deactivateSchedule(ctx, flow.ID); err != nil {
		return nil, err
	}

	if err := s.persistence.Flows().Save(ctx, flow); err != nil {
		return nil, fmt.Errorf("failed to save flow: %w", err)
	}

	s.publish(ctx, flow.ID, &events.FlowPaused{
		BaseEvent: baseEvent(events.FlowPausedEvent, flow.ID),
	})

	return flow, nil
}

// ArchiveFlow retires a flow permanently. History is retained; the status
// transition is one way.
func (s *Flow) ArchiveFlow(ctx context.Context, id string) (*models.Flow, error) {
	flow, err := s.persistence.Flows().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if flow.Status == models.FlowStatusArchived {
		return flow, nil
	}

	flow.Status = models.FlowStatusArchived

	s.removeSchedule(ctx, flow.ID)

	if err := s.persistence.Flows().Save(ctx, flow); err != nil {
		return nil, fmt.Errorf("failed to save flow: %w", err)
	}

	return flow, nil
}

func (s *Flow) validateForActivation(flow *models.Flow) error {
	if err := s.validator.Struct(flow); err != nil {
		return NewValidationError("ActivateFlow", "INVALID_FLOW", err.Error(), ErrInvalidRequest)
	}

	if err := flow.ValidateStructure(); err != nil {
		return err
	}

	if s.registry != nil {
		if err := s.registry.ValidateFlow(flow); err != nil {
			return NewValidationError("ActivateFlow", "INVALID_STEP_CONFIG", err.Error(), ErrInvalidRequest)
		}
	}

	return nil
}

// syncSchedule keeps the schedule row consistent with the flow's trigger
// mode: scheduled flows get an active row, everything else loses theirs.
func (s *Flow) syncSchedule(ctx context.Context, flow *models.Flow) error {
	if flow.TriggerMode != models.TriggerModeScheduled {
		s.removeSchedule(ctx, flow.ID)

		return nil
	}

	schedule, err := s.persistence.Schedules().GetByFlowID(ctx, flow.ID)
	if err != nil {
		if !errors.Is(err, persistence.ErrScheduleNotFound) {
			return fmt.Errorf("failed to load schedule: %w", err)
		}

		schedule, err = models.NewSchedule("", flow.ID, flow.Schedule)
		if err != nil {
			return err
		}
	} else {
		schedule.CronExpression = flow.Schedule
		schedule.Active = true

		if err := schedule.UpdateNextDueAt(); err != nil {
			return err
		}
	}

	if err := s.persistence.Schedules().Save(ctx, schedule); err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}

	return nil
}

func (s *Flow) deactivateSchedule(ctx context.Context, flowID string) error {
	schedule, err := s.persistence.Schedules().GetByFlowID(ctx, flowID)
	if err != nil {
		if errors.Is(err, persistence.ErrScheduleNotFound) {
			return nil
		}

		return fmt.Errorf("failed to load schedule: %w", err)
	}

	schedule.Active = false

	if err := s.persistence.Schedules().Save(ctx, schedule); err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}

	return nil
}

func (s *Flow) removeSchedule(ctx context.Context, flowID string) {
	schedule, err := s.persistence.Schedules().GetByFlowID(ctx, flowID)
	if err != nil {
		return
	}

	_ = s.persistence.Schedules().Delete(ctx, schedule.ID)
}

func (s *Flow) publish(ctx context.Context, key string, event eventbus.Event) {
	if s.publisher == nil {
		return
	}

	_ = s.publisher.Publish(ctx, key, event)
}

func baseEvent(eventType events.EventType, flowID string) events.BaseEvent {
	return events.BaseEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		FlowID:    flowID,
	}
}
