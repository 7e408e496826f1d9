package cascade

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tsvetkov/loom/internal/contract"
)

// PresetManifestSchema describes the file-manifest shape a step must return
// when its output is saved straight into the OUT directory.
func PresetManifestSchema() map[string]any {
	return map[string]any{
		"description":          "File manifest written directly into OUT.",
		"type":                 "object",
		"required":             []any{"files"},
		"additionalProperties": false,
		"properties": map[string]any{
			"mode": map[string]any{"type": "string", "description": "Optional mode marker (e.g. patches)."},
			"root": map[string]any{"type": "string", "description": "Optional project root hint."},
			"files": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type":                 "object",
					"required":             []any{"path", "content"},
					"additionalProperties": false,
					"properties": map[string]any{
						"path":     map[string]any{"type": "string", "description": "File path relative to OUT."},
						"content":  map[string]any{"type": "string", "description": "UTF-8 text content."},
						"purpose":  map[string]any{"type": "string"},
						"encoding": map[string]any{"type": "string", "description": "utf-8 or base64."},
						"mode":     map[string]any{"type": "string", "description": "Optional action marker (add/modify)."},
					},
				},
			},
			"note": map[string]any{"type": "string"},
		},
	}
}

// PresetPromptsSchema describes a loadable cascade definition, so one step
// can author the steps of a later cascade.
func PresetPromptsSchema() map[string]any {
	stepProps := map[string]any{
		"title":       map[string]any{"type": "string", "description": "Short step name."},
		"model":       map[string]any{"type": "string", "description": "Model for this step; pick per purpose (planning vs code generation)."},
		"temperature": map[string]any{"type": []any{"number", "null"}},
		"instructions": map[string]any{
			"type":        "string",
			"description": "Developer-level instructions for the request.",
		},
		"input_text": map[string]any{
			"type":        "string",
			"description": "Plain user text; use when not sending structured content parts.",
		},
		"input_content_json": map[string]any{
			"type":        []any{"array", "object", "null"},
			"description": "Optional content parts sent verbatim as the user message content.",
		},
		"files_existing_ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"files_local_paths":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"previous_response_id_expr": map[string]any{
			"type":        []any{"string", "null"},
			"description": "Optional expression; supports {{step.N.response_id}}, {{step.N.json}}, {{step.N.out_file_id:REL}}, {{step.N.out_file_path:REL}}.",
		},
		"output_type":          map[string]any{"type": "string", "enum": []any{"text", "json"}},
		"output_schema_kind":   map[string]any{"type": []any{"string", "null"}, "enum": []any{"manifest", "prompts", "custom", nil}},
		"output_schema_custom": map[string]any{"type": []any{"object", "null"}},
		"expected_out_files": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Relative paths expected in this step's OUT manifest.",
		},
	}
	stepRequired := []any{
		"title", "model", "temperature", "instructions", "input_text",
		"input_content_json", "files_existing_ids", "files_local_paths",
		"previous_response_id_expr", "output_type", "output_schema_kind",
		"output_schema_custom", "expected_out_files",
	}
	return map[string]any{
		"description":          "Cascade definition; the JSON can be saved and loaded as-is.",
		"type":                 "object",
		"additionalProperties": false,
		"required":             []any{"version", "name", "steps"},
		"properties": map[string]any{
			"version":         map[string]any{"type": "integer", "description": "Definition version, normally 1."},
			"name":            map[string]any{"type": "string"},
			"created_at":      map[string]any{"type": "number"},
			"updated_at":      map[string]any{"type": "number"},
			"default_out_dir": map[string]any{"type": "string"},
			"steps": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties":           stepProps,
					"required":             stepRequired,
				},
			},
		},
	}
}

// SchemaForStep resolves the step's output schema. Custom schemas are
// compiled first so a malformed schema fails the step before any remote
// call is made.
func SchemaForStep(s Step) (map[string]any, error) {
	if s.OutputType != OutputJSON {
		return nil, nil
	}
	switch s.OutputSchemaKind {
	case SchemaManifest:
		return PresetManifestSchema(), nil
	case SchemaPrompts:
		return PresetPromptsSchema(), nil
	case SchemaCustom:
		if s.OutputSchemaCustom == nil {
			return nil, nil
		}
		if err := compileSchema(s.OutputSchemaCustom); err != nil {
			return nil, fmt.Errorf("custom output schema: %w", err)
		}
		return s.OutputSchemaCustom, nil
	}
	return nil, nil
}

func compileSchema(schema map[string]any) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("step_schema.json", strings.NewReader(string(raw))); err != nil {
		return err
	}
	_, err = c.Compile("step_schema.json")
	return err
}

// ValidateOutput performs the shallow check a JSON step's result must pass:
// required top-level keys present, declared top-level types matching.
func ValidateOutput(obj map[string]any, schema map[string]any) error {
	if obj == nil {
		return contract.Errorf("JSON output must be an object")
	}
	if schema == nil {
		return nil
	}
	if req, ok := schema["required"].([]any); ok {
		var missing []string
		for _, k := range req {
			key, _ := k.(string)
			if key == "" {
				continue
			}
			if _, present := obj[key]; !present {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			return contract.Errorf("JSON output missing required keys: %s", strings.Join(missing, ", "))
		}
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for key, meta := range props {
		val, present := obj[key]
		if !present {
			continue
		}
		m, ok := meta.(map[string]any)
		if !ok {
			continue
		}
		switch m["type"] {
		case "array":
			if _, ok := val.([]any); !ok {
				return contract.Errorf("JSON key %q must be an array", key)
			}
		case "object":
			if _, ok := val.(map[string]any); !ok {
				return contract.Errorf("JSON key %q must be an object", key)
			}
		case "string":
			if _, ok := val.(string); !ok {
				return contract.Errorf("JSON key %q must be a string", key)
			}
		}
	}
	return nil
}
