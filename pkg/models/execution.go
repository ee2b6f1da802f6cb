package models

import "time"

// ExecutionStatus represents the state machine of one flow run:
// pending → running → success | failed | partial. Terminal records are
// never mutated again.
type ExecutionStatus string

const (
	ExecutionStatusPending ExecutionStatus = "pending"
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
	// ExecutionStatusPartial marks an execution where earlier steps
	// committed side effects before a later step failed.
	ExecutionStatusPartial ExecutionStatus = "partial"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusFailed || s == ExecutionStatusPartial
}

// TriggeredBy records which trigger source created an execution.
type TriggeredBy string

const (
	TriggeredByOnArrival TriggeredBy = "on_arrival"
	TriggeredByScheduled TriggeredBy = "scheduled"
	TriggeredByManual    TriggeredBy = "manual"
	TriggeredByTask      TriggeredBy = "task"
)

// FlowExecution is one immutable audit record per run attempt.
type FlowExecution struct {
	ID     string          `json:"id"`
	FlowID string          `json:"flow_id" validate:"required"`
	Status ExecutionStatus `json:"status"`

	TriggeredBy         TriggeredBy `json:"triggered_by"`
	TriggeredByTaskID   *string     `json:"triggered_by_task_id,omitempty"`
	TriggeredBySourceID *string     `json:"triggered_by_source_id,omitempty"`

	// InputAssetIDs is the delta set resolved at trigger time;
	// OutputAssetIDs is the subset surviving all steps. Steps only narrow
	// or transform, so OutputAssetIDs ⊆ InputAssetIDs always holds.
	InputAssetIDs  []int64 `json:"input_asset_ids"`
	OutputAssetIDs []int64 `json:"output_asset_ids"`

	StepOutputs  []StepOutput `json:"step_outputs"`
	ErrorMessage string       `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StepOutput is the per-step result summary recorded on the execution.
// Fields are populated per step kind; PassedAssetIDs is always the set
// handed to the next step.
type StepOutput struct {
	StepID string   `json:"step_id"`
	Type   StepType `json:"type"`

	PassedAssetIDs []int64 `json:"passed_asset_ids"`

	// Annotate
	RunID        string `json:"run_id,omitempty"`
	RunStatus    string `json:"run_status,omitempty"`
	SucceededCnt int    `json:"succeeded_count,omitempty"`
	FailedCnt    int    `json:"failed_count,omitempty"`

	// Filter
	Passed   int `json:"passed,omitempty"`
	Rejected int `json:"rejected,omitempty"`

	// Curate
	PromotedCount int `json:"promoted_count,omitempty"`

	// Route
	BundleIDs   []string `json:"bundle_ids,omitempty"`
	RoutedCount int      `json:"routed_count,omitempty"`

	// AssetErrors aggregates per-asset failures within the step, sorted by
	// asset id. A per-asset failure does not remove the asset from the
	// working set.
	AssetErrors []AssetError `json:"asset_errors,omitempty"`

	// Error is set when the step as a whole failed.
	Error string `json:"error,omitempty"`
}

type AssetError struct {
	AssetID int64  `json:"asset_id"`
	Message string `json:"message"`
}
