// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrFlowNotFound indicates a flow was not found by the given identifier.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrExecutionNotFound indicates an execution was not found by the given identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrScheduleNotFound indicates no schedule exists for the given flow.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrExecutionInFlight indicates a pending or running execution already
	// exists for the flow. Triggers hitting this are no-ops, not failures.
	ErrExecutionInFlight = errors.New("execution already in flight for flow")

	// ErrExecutionTerminal indicates an attempt to transition an execution
	// that already reached a terminal status.
	ErrExecutionTerminal = errors.New("execution already terminal")
)

// FlowError wraps flow-related errors with operation context.
type FlowError struct {
	Op     string // Operation being performed (e.g., "GetByID", "Save")
	FlowID string
	Err    error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s operation failed for flow %s: %v", e.Op, e.FlowID, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

func (e *FlowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewFlowError creates a new flow error with context.
func NewFlowError(op, flowID string, err error) *FlowError {
	return &FlowError{Op: op, FlowID: flowID, Err: err}
}

// ExecutionError wraps execution-related errors with operation context.
type ExecutionError struct {
	Op          string
	ExecutionID string
	FlowID      string
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.FlowID != "" {
		return fmt.Sprintf("%s operation failed for execution %s (flow %s): %v", e.Op, e.ExecutionID, e.FlowID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsFlowNotFound checks if an error indicates a flow was not found.
func IsFlowNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound)
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsExecutionInFlight checks if an error indicates the single-flight guard
// rejected a trigger.
func IsExecutionInFlight(err error) bool {
	return errors.Is(err, ErrExecutionInFlight)
}
