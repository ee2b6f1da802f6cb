package models

import (
	"errors"
	"fmt"

	"github.com/openintel/flowd/pkg/filter"
)

// StepType identifies one of the closed set of step kinds a flow pipeline
// is composed of.
type StepType string

const (
	StepTypeAnnotate StepType = "annotate"
	StepTypeFilter   StepType = "filter"
	StepTypeCurate   StepType = "curate"
	StepTypeRoute    StepType = "route"
)

// FlowStep is one stage of a flow's pipeline. Exactly one config field is
// set, matching Type; the step executor selects behavior with a single
// typed switch so new kinds cannot be added without compile-time coverage.
type FlowStep struct {
	ID   string   `json:"id"`
	Type StepType `json:"type" validate:"required"`

	Annotate *AnnotateStepConfig `json:"annotate,omitempty"`
	Filter   *FilterStepConfig   `json:"filter,omitempty"`
	Curate   *CurateStepConfig   `json:"curate,omitempty"`
	Route    *RouteStepConfig    `json:"route,omitempty"`
}

// AnnotateStepConfig invokes the external annotation service with one or
// more schemas over the working set. Annotation never narrows the set.
type AnnotateStepConfig struct {
	SchemaIDs     []string       `json:"schema_ids" validate:"required,min=1"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// FilterStepConfig narrows the working set to assets whose context
// satisfies the expression. A nil expression passes everything through.
type FilterStepConfig struct {
	Expression *filter.Expression `json:"expression,omitempty"`
}

// CurateStepConfig promotes annotation fields from prior annotate steps of
// the same execution into permanent fragments on the asset record.
type CurateStepConfig struct {
	Fields []string `json:"fields" validate:"required,min=1"`
}

// RouteStepConfig adds the working set to destination bundles. When
// Conditions are present, routing is first-match-wins per asset; a
// condition with Else set and no expression is the default branch.
type RouteStepConfig struct {
	BundleIDs  []string         `json:"bundle_ids,omitempty"`
	Conditions []RouteCondition `json:"conditions,omitempty"`
}

type RouteCondition struct {
	If       *filter.Expression `json:"if,omitempty"`
	Else     bool               `json:"else,omitempty"`
	BundleID string             `json:"bundle_id" validate:"required"`
}

var (
	ErrStepTypeUnknown     = errors.New("unknown step type")
	ErrStepConfigMissing   = errors.New("step config does not match step type")
	ErrAnnotateNeedsSchema = errors.New("annotate step requires at least one schema id")
	ErrCurateNeedsFields   = errors.New("curate step requires at least one field")
	ErrRouteNeedsTarget    = errors.New("route step requires bundle_ids or conditions")
)

// Validate checks that the step carries the config matching its type and
// that the config is structurally usable.
func (s *FlowStep) Validate() error {
	switch s.Type {
	case StepTypeAnnotate:
		if s.Annotate == nil {
			return fmt.Errorf("step %s: %w", s.ID, ErrStepConfigMissing)
		}

		if len(s.Annotate.SchemaIDs) == 0 {
			return fmt.Errorf("step %s: %w", s.ID, ErrAnnotateNeedsSchema)
		}
	case StepTypeFilter:
		if s.Filter == nil {
			return fmt.Errorf("step %s: %w", s.ID, ErrStepConfigMissing)
		}

		if err := s.Filter.Expression.Validate(); err != nil {
			return fmt.Errorf("step %s: %w", s.ID, err)
		}
	case StepTypeCurate:
		if s.Curate == nil {
			return fmt.Errorf("step %s: %w", s.ID, ErrStepConfigMissing)
		}

		if len(s.Curate.Fields) == 0 {
			return fmt.Errorf("step %s: %w", s.ID, ErrCurateNeedsFields)
		}
	case StepTypeRoute:
		if s.Route == nil {
			return fmt.Errorf("step %s: %w", s.ID, ErrStepConfigMissing)
		}

		if len(s.Route.BundleIDs) == 0 && len(s.Route.Conditions) == 0 {
			return fmt.Errorf("step %s: %w", s.ID, ErrRouteNeedsTarget)
		}

		for i, cond := range s.Route.Conditions {
			if cond.BundleID == "" {
				return fmt.Errorf("step %s condition %d: %w", s.ID, i, ErrRouteNeedsTarget)
			}

			if err := cond.If.Validate(); err != nil {
				return fmt.Errorf("step %s condition %d: %w", s.ID, i, err)
			}
		}
	default:
		return fmt.Errorf("step %s: %w: %q", s.ID, ErrStepTypeUnknown, s.Type)
	}

	return nil
}
