// Package registry validates step configurations against their JSON schemas.
// Structural validation on the typed step union catches shape errors; the
// registry catches semantic ones, like an annotate configuration carrying
// options the annotation service does not understand.
package registry

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/openintel/flowd/pkg/models"
)

type Registry struct {
	logger  *slog.Logger
	schemas map[models.StepType]map[string]any
}

func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		logger:  logger,
		schemas: make(map[models.StepType]map[string]any),
	}

	for stepType, schema := range defaultSchemas() {
		r.Register(stepType, schema)
	}

	return r
}

// Register installs or replaces the schema for a step type.
func (r *Registry) Register(stepType models.StepType, schema map[string]any) {
	r.schemas[stepType] = schema
}

// ValidateStep checks a step's configuration against the registered schema
// for its type. Steps without a registered schema pass.
func (r *Registry) ValidateStep(step *models.FlowStep) error {
	schema, ok := r.schemas[step.Type]
	if !ok {
		return nil
	}

	config := stepConfigDocument(step)

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(config)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("failed to validate step %s: %w", step.ID, err)
	}

	if !result.Valid() {
		descriptions := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			descriptions = append(descriptions, desc.String())
		}

		return fmt.Errorf("step %s configuration invalid: %s", step.ID, strings.Join(descriptions, "; "))
	}

	return nil
}

// ValidateFlow validates every step of a flow.
func (r *Registry) ValidateFlow(flow *models.Flow) error {
	for _, step := range flow.Steps {
		if err := r.ValidateStep(step); err != nil {
			return err
		}
	}

	return nil
}

// stepConfigDocument projects the typed step config into the generic document
// the JSON schemas are written against.
func stepConfigDocument(step *models.FlowStep) map[string]any {
	doc := map[string]any{}

	switch step.Type {
	case models.StepTypeAnnotate:
		if step.Annotate != nil {
			schemaIDs := make([]any, 0, len(step.Annotate.SchemaIDs))
			for _, id := range step.Annotate.SchemaIDs {
				schemaIDs = append(schemaIDs, id)
			}

			doc["schema_ids"] = schemaIDs

			if step.Annotate.Configuration != nil {
				doc["configuration"] = step.Annotate.Configuration
			}
		}
	case models.StepTypeFilter:
		if step.Filter != nil && step.Filter.Expression != nil {
			expr := map[string]any{}
			if step.Filter.Expression.Operator != "" {
				expr["operator"] = string(step.Filter.Expression.Operator)
			}

			doc["expression"] = expr
		}
	case models.StepTypeCurate:
		if step.Curate != nil {
			fields := make([]any, 0, len(step.Curate.Fields))
			for _, f := range step.Curate.Fields {
				fields = append(fields, f)
			}

			doc["fields"] = fields
		}
	case models.StepTypeRoute:
		if step.Route != nil {
			bundleIDs := make([]any, 0, len(step.Route.BundleIDs))
			for _, id := range step.Route.BundleIDs {
				bundleIDs = append(bundleIDs, id)
			}

			doc["bundle_ids"] = bundleIDs
		}
	}

	return doc
}
