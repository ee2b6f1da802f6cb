// Package persistence provides the data storage abstraction layer for
// flows, executions, and schedules.
package persistence

import (
	"context"
	"time"

	"github.com/openintel/flowd/pkg/models"
)

type Persistence interface {
	Flows() FlowRepository
	Executions() ExecutionRepository
	Schedules() ScheduleRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ListFlowsOptions filters and pages flow listings.
type ListFlowsOptions struct {
	Limit       int
	Offset      int
	Owner       string
	InfospaceID string
	Status      *models.FlowStatus
	InputType   *models.FlowInputType
}

type FlowRepository interface {
	List(ctx context.Context, opts ListFlowsOptions) ([]*models.Flow, error)
	GetByID(ctx context.Context, id string) (*models.Flow, error)
	Save(ctx context.Context, flow *models.Flow) error
	// Delete soft deletes a flow; execution history is retained.
	Delete(ctx context.Context, id string) error
	// UpdateCursor overwrites the flow's cursor state outside of an
	// execution commit. Used by ResetCursor only; normal cursor advances
	// go through ExecutionRepository.Complete.
	UpdateCursor(ctx context.Context, flowID string, cursor *models.CursorState) error
}

type ExecutionRepository interface {
	// CreatePending inserts a new pending execution, enforcing the
	// single-flight invariant with a server-side atomic check: if another
	// execution for the same flow is pending or running, it returns
	// ErrExecutionInFlight and writes nothing.
	CreatePending(ctx context.Context, execution *models.FlowExecution) error

	GetByID(ctx context.Context, id string) (*models.FlowExecution, error)
	List(ctx context.Context, flowID string, status *models.ExecutionStatus, limit, offset int) ([]*models.FlowExecution, error)

	// MarkRunning transitions a pending execution to running.
	MarkRunning(ctx context.Context, id string, startedAt time.Time) error

	// Complete records the execution's terminal status, outputs, and step
	// results, advances the flow's cursor when one is supplied, and
	// updates the flow's execution statistics, all within a single
	// transaction so a crash cannot advance the cursor without recording
	// the outcome or vice versa.
	Complete(ctx context.Context, execution *models.FlowExecution, cursor *models.CursorState) error

	// ReapStale fails every non-terminal execution created before the
	// cutoff, releasing single-flight slots held by workers that died
	// mid-run, and returns how many were reaped. The flow's cursor and
	// statistics are untouched; the input is re-resolved on the next
	// trigger.
	ReapStale(ctx context.Context, cutoff time.Time) (int, error)
}

type ScheduleRepository interface {
	Save(ctx context.Context, schedule *models.Schedule) error
	GetByFlowID(ctx context.Context, flowID string) (*models.Schedule, error)
	// ListDue returns active schedules with NextDueAt at or before now.
	ListDue(ctx context.Context, now time.Time) ([]*models.Schedule, error)
	Delete(ctx context.Context, id string) error
}
