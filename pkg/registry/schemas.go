package registry

import (
	"github.com/openintel/flowd/pkg/models"
)

func defaultSchemas() map[models.StepType]map[string]any {
	return map[models.StepType]map[string]any{
		models.StepTypeAnnotate: {
			"type":     "object",
			"required": []any{"schema_ids"},
			"properties": map[string]any{
				"schema_ids": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items":    map[string]any{"type": "string", "minLength": 1},
				},
				"configuration": map[string]any{
					"type": "object",
				},
			},
		},
		models.StepTypeFilter: {
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"operator": map[string]any{
							"type": "string",
							"enum": []any{"and", "or", "not"},
						},
					},
				},
			},
		},
		models.StepTypeCurate: {
			"type":     "object",
			"required": []any{"fields"},
			"properties": map[string]any{
				"fields": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items":    map[string]any{"type": "string", "minLength": 1},
				},
			},
		},
		models.StepTypeRoute: {
			"type": "object",
			"properties": map[string]any{
				"bundle_ids": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string", "minLength": 1},
				},
			},
		},
	}
}
