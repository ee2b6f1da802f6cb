// Package services provides the flow lifecycle service and standardized
// error types for service layer operations.
package services

import (
	"errors"
	"fmt"

	"github.com/openintel/flowd/pkg/models"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest = errors.New("invalid request")
	ErrFlowNil        = errors.New("flow cannot be nil")
	ErrInvalidStatus  = errors.New("invalid flow status")
	ErrEmptyOwner     = errors.New("owner cannot be empty")

	// Business Logic Conflicts (409 Conflict).
	ErrFlowArchived     = errors.New("flow is archived and cannot be modified")
	ErrFlowNotActive    = errors.New("flow is not active")
	ErrFlowAlreadyInUse = errors.New("flow has an execution in flight")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrFlowNil) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrEmptyOwner) ||
		errors.Is(err, models.ErrFlowStepsRequired) ||
		errors.Is(err, models.ErrFlowBundleIDRequired) ||
		errors.Is(err, models.ErrFlowSourceIDRequired) ||
		errors.Is(err, models.ErrFlowInputAmbiguous) ||
		errors.Is(err, models.ErrFlowScheduleRequired) ||
		errors.Is(err, models.ErrFlowScheduleInvalid) ||
		errors.Is(err, models.ErrFlowInputTypeInvalid) ||
		errors.Is(err, models.ErrFlowTriggerInvalid) ||
		errors.Is(err, models.ErrManualFlowHasWatchCfg) ||
		errors.Is(err, models.ErrStepTypeUnknown) ||
		errors.Is(err, models.ErrStepConfigMissing) ||
		errors.Is(err, models.ErrAnnotateNeedsSchema) ||
		errors.Is(err, models.ErrCurateNeedsFields) ||
		errors.Is(err, models.ErrRouteNeedsTarget)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrFlowArchived) ||
		errors.Is(err, ErrFlowNotActive) ||
		errors.Is(err, ErrFlowAlreadyInUse)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
