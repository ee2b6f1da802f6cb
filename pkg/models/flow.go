// Package models defines the core domain models for the flow execution engine.
package models

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// FlowStatus represents the lifecycle state of a flow.
type FlowStatus string

const (
	FlowStatusDraft    FlowStatus = "draft"    // Editable, not eligible for triggering
	FlowStatusActive   FlowStatus = "active"   // Eligible for triggering
	FlowStatusPaused   FlowStatus = "paused"   // Temporarily not triggered, can be reactivated
	FlowStatusArchived FlowStatus = "archived" // Terminal; history retained, new executions rejected
)

// FlowInputType selects what a flow watches for new assets.
type FlowInputType string

const (
	FlowInputBundle       FlowInputType = "bundle"
	FlowInputSourceStream FlowInputType = "source_stream"
	FlowInputManual       FlowInputType = "manual"
)

// FlowTriggerMode selects when a flow runs. Manual triggering is always
// available regardless of mode.
type FlowTriggerMode string

const (
	TriggerModeOnArrival FlowTriggerMode = "on_arrival"
	TriggerModeScheduled FlowTriggerMode = "scheduled"
	TriggerModeManual    FlowTriggerMode = "manual"
)

// Flow is a named workflow definition: what to watch (input), what
// processing to apply (steps), and when to run (trigger mode).
type Flow struct {
	ID          string `json:"id"`
	Name        string `json:"name"        validate:"required,min=3"`
	Description string `json:"description"`
	InfospaceID string `json:"infospace_id" validate:"required"`
	Owner       string `json:"owner"        validate:"required"`

	Status      FlowStatus      `json:"status"       validate:"required"`
	InputType   FlowInputType   `json:"input_type"   validate:"required"`
	TriggerMode FlowTriggerMode `json:"trigger_mode" validate:"required"`

	// Exactly one of these is set, matching InputType. Manual flows set
	// neither: execution is always explicitly given asset ids.
	InputBundleID *string `json:"input_bundle_id,omitempty"`
	InputSourceID *string `json:"input_source_id,omitempty"`

	// Schedule is a cron expression, required iff TriggerMode is scheduled.
	Schedule string `json:"schedule,omitempty"`

	Steps []*FlowStep `json:"steps"`

	// CursorState is an opaque bookmark owned by the execution coordinator.
	// It is only advanced after an execution commits.
	CursorState *CursorState `json:"cursor_state,omitempty"`

	// Execution statistics, updated in the same transaction as the
	// execution's terminal status.
	TotalExecutions      int64      `json:"total_executions"`
	TotalAssetsProcessed int64      `json:"total_assets_processed"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	LastExecutionAt      *time.Time `json:"last_execution_at,omitempty"`
	LastExecutionStatus  string     `json:"last_execution_status,omitempty"`
	LastError            string     `json:"last_error,omitempty"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
}

var (
	ErrFlowStepsRequired     = errors.New("flow must have at least one step")
	ErrFlowBundleIDRequired  = errors.New("bundle input type requires input_bundle_id")
	ErrFlowSourceIDRequired  = errors.New("source_stream input type requires input_source_id")
	ErrFlowInputAmbiguous    = errors.New("only one of input_bundle_id and input_source_id may be set")
	ErrFlowScheduleRequired  = errors.New("scheduled trigger mode requires a cron schedule")
	ErrFlowScheduleInvalid   = errors.New("invalid cron schedule expression")
	ErrFlowInputTypeInvalid  = errors.New("invalid flow input type")
	ErrFlowTriggerInvalid    = errors.New("invalid flow trigger mode")
	ErrManualFlowHasWatchCfg = errors.New("manual input type must not set a watched bundle or source")
)

// ValidateStructure checks the invariants that must hold before a flow can
// be activated. CRUD on draft flows deliberately skips these so partial
// definitions can be saved.
func (f *Flow) ValidateStructure() error {
	if len(f.Steps) == 0 {
		return ErrFlowStepsRequired
	}

	switch f.InputType {
	case FlowInputBundle:
		if f.InputBundleID == nil || *f.InputBundleID == "" {
			return ErrFlowBundleIDRequired
		}

		if f.InputSourceID != nil {
			return ErrFlowInputAmbiguous
		}
	case FlowInputSourceStream:
		if f.InputSourceID == nil || *f.InputSourceID == "" {
			return ErrFlowSourceIDRequired
		}

		if f.InputBundleID != nil {
			return ErrFlowInputAmbiguous
		}
	case FlowInputManual:
		if f.InputBundleID != nil || f.InputSourceID != nil {
			return ErrManualFlowHasWatchCfg
		}
	default:
		return ErrFlowInputTypeInvalid
	}

	switch f.TriggerMode {
	case TriggerModeScheduled:
		if f.Schedule == "" {
			return ErrFlowScheduleRequired
		}

		if _, err := cron.ParseStandard(f.Schedule); err != nil {
			return ErrFlowScheduleInvalid
		}
	case TriggerModeOnArrival, TriggerModeManual:
	default:
		return ErrFlowTriggerInvalid
	}

	for _, step := range f.Steps {
		if err := step.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// IsTriggerable reports whether the flow accepts new executions at all.
// Only active flows are triggerable; archived flows reject everything.
func (f *Flow) IsTriggerable() bool {
	return f.Status == FlowStatusActive && f.DeletedAt == nil
}
