package cascade

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ToleratesSloppyDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	raw := `{
	  "name": "",
	  "version": 0,
	  "unknown_key": 1,
	  "steps": [
	    {"title": "plan", "model": "gpt-4o-mini", "output_type": "JSON", "output_schema_kind": "bogus",
	     "files_local_paths": [" ", "a.txt"], "input_content_json": "not a structure"}
	  ]
	}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if d.Name != "Unnamed Cascade" || d.Version != 1 {
		t.Fatalf("defaults not applied: %q v%d", d.Name, d.Version)
	}
	s := d.Steps[0]
	if s.OutputType != OutputJSON {
		t.Fatalf("output_type: %q", s.OutputType)
	}
	if s.OutputSchemaKind != "" {
		t.Fatalf("invalid schema kind kept: %q", s.OutputSchemaKind)
	}
	if len(s.FilesLocalPaths) != 1 || s.FilesLocalPaths[0] != "a.txt" {
		t.Fatalf("local paths: %v", s.FilesLocalPaths)
	}
	if s.InputContentJSON != nil {
		t.Fatalf("scalar content not dropped: %v", s.InputContentJSON)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	temp := 0.4
	d := Definition{
		Name:          "release notes",
		DefaultOutDir: "/tmp/out",
		Steps: []Step{
			{Title: "draft", Model: "gpt-4o", Temperature: &temp, InputText: "draft the notes", OutputType: OutputJSON, OutputSchemaKind: SchemaManifest, ExpectedOutFiles: []string{"NOTES.md"}},
			{Title: "review", Model: "gpt-4o-mini", InputText: "review {{step.1.json}}", PreviousResponseIDExpr: "{{step.1.response_id}}"},
		},
	}
	path := filepath.Join(t.TempDir(), "c.json")
	if err := Save(path, d); err != nil {
		t.Fatalf("save: %v", err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if back.Name != d.Name || len(back.Steps) != 2 {
		t.Fatalf("round trip lost data: %+v", back)
	}
	if back.Version != 1 || back.UpdatedAt <= 0 {
		t.Fatalf("version/timestamps: v%d updated=%v", back.Version, back.UpdatedAt)
	}
	if back.Steps[0].Temperature == nil || *back.Steps[0].Temperature != temp {
		t.Fatalf("temperature lost: %v", back.Steps[0].Temperature)
	}
	if back.Steps[1].PreviousResponseIDExpr != "{{step.1.response_id}}" {
		t.Fatalf("expr lost: %q", back.Steps[1].PreviousResponseIDExpr)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	raw := `
name: quick qa
steps:
  - title: ask
    model: gpt-4o-mini
    input_text: "what changed?"
    output_type: text
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if d.Name != "quick qa" || len(d.Steps) != 1 || d.Steps[0].Model != "gpt-4o-mini" {
		t.Fatalf("yaml load: %+v", d)
	}
}

func TestSchemaForStep(t *testing.T) {
	if s, err := SchemaForStep(Step{OutputType: OutputText}); err != nil || s != nil {
		t.Fatalf("text step: %v %v", s, err)
	}
	s, err := SchemaForStep(Step{OutputType: OutputJSON, OutputSchemaKind: SchemaManifest})
	if err != nil {
		t.Fatalf("manifest preset: %v", err)
	}
	if s["required"].([]any)[0] != "files" {
		t.Fatalf("manifest schema shape: %v", s["required"])
	}
	// A custom schema must compile before any remote call is made.
	_, err = SchemaForStep(Step{
		OutputType:         OutputJSON,
		OutputSchemaKind:   SchemaCustom,
		OutputSchemaCustom: map[string]any{"type": "nonsense"},
	})
	if err == nil {
		t.Fatalf("invalid custom schema accepted")
	}
	good, err := SchemaForStep(Step{
		OutputType:         OutputJSON,
		OutputSchemaKind:   SchemaCustom,
		OutputSchemaCustom: map[string]any{"type": "object", "required": []any{"answer"}},
	})
	if err != nil || good == nil {
		t.Fatalf("valid custom schema rejected: %v", err)
	}
}

func TestValidateOutput(t *testing.T) {
	schema := map[string]any{
		"required": []any{"files"},
		"properties": map[string]any{
			"files": map[string]any{"type": "array"},
			"note":  map[string]any{"type": "string"},
		},
	}
	if err := ValidateOutput(map[string]any{"files": []any{}}, schema); err != nil {
		t.Fatalf("valid output rejected: %v", err)
	}
	if err := ValidateOutput(map[string]any{"note": "x"}, schema); err == nil {
		t.Fatalf("missing required key accepted")
	}
	if err := ValidateOutput(map[string]any{"files": "oops"}, schema); err == nil {
		t.Fatalf("wrong type accepted")
	}
	if err := ValidateOutput(map[string]any{"anything": 1}, nil); err != nil {
		t.Fatalf("nil schema must accept: %v", err)
	}
}
