package registry

import "github.com/casaflow/casaflow/pkg/models"

func registerDefaultFilterSchemas(r *Registry) {
	r.RegisterFilterSchema(models.TriggerTagApplied, map[string]any{
		"type":     "object",
		"required": []any{"tag"},
		"properties": map[string]any{
			"tag": map[string]any{"type": "string", "minLength": 1},
		},
		"additionalProperties": false,
	})

	r.RegisterFilterSchema(models.TriggerFormSubmitted, map[string]any{
		"type":     "object",
		"required": []any{"form_id"},
		"properties": map[string]any{
			"form_id": map[string]any{"type": "string", "minLength": 1},
		},
		"additionalProperties": false,
	})

	r.RegisterFilterSchema(models.TriggerDealStageChanged, map[string]any{
		"type":     "object",
		"required": []any{"to_stage"},
		"properties": map[string]any{
			"from_stage": map[string]any{"type": "string"},
			"to_stage":   map[string]any{"type": "string", "minLength": 1},
		},
		"additionalProperties": false,
	})

	r.RegisterFilterSchema(models.TriggerContactCreated, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"source": map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	})
}
