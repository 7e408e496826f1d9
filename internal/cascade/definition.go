// Package cascade holds the user-defined multi-step pipeline format, its
// placeholder interpreter, and the step executor.
package cascade

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tsvetkov/loom/internal/runlog"
)

const (
	OutputText = "text"
	OutputJSON = "json"

	SchemaManifest = "manifest"
	SchemaPrompts  = "prompts"
	SchemaCustom   = "custom"
)

// Step is one remote call in a cascade. Placeholder tokens may appear in
// Instructions, InputText, InputContentJSON, PreviousResponseIDExpr,
// FilesExistingIDs and FilesLocalPaths.
type Step struct {
	Title                  string         `json:"title" yaml:"title"`
	Model                  string         `json:"model" yaml:"model"`
	Temperature            *float64       `json:"temperature" yaml:"temperature"`
	Instructions           string         `json:"instructions" yaml:"instructions"`
	InputText              string         `json:"input_text" yaml:"input_text"`
	InputContentJSON       any            `json:"input_content_json" yaml:"input_content_json"`
	FilesExistingIDs       []string       `json:"files_existing_ids" yaml:"files_existing_ids"`
	FilesLocalPaths        []string       `json:"files_local_paths" yaml:"files_local_paths"`
	PreviousResponseIDExpr string         `json:"previous_response_id_expr" yaml:"previous_response_id_expr"`
	OutputType             string         `json:"output_type" yaml:"output_type"`
	OutputSchemaKind       string         `json:"output_schema_kind" yaml:"output_schema_kind"`
	OutputSchemaCustom     map[string]any `json:"output_schema_custom" yaml:"output_schema_custom"`
	ExpectedOutFiles       []string       `json:"expected_out_files" yaml:"expected_out_files"`
}

// Definition is a named, versioned list of steps.
type Definition struct {
	Version       int     `json:"version" yaml:"version"`
	Name          string  `json:"name" yaml:"name"`
	CreatedAt     float64 `json:"created_at" yaml:"created_at"`
	UpdatedAt     float64 `json:"updated_at" yaml:"updated_at"`
	Steps         []Step  `json:"steps" yaml:"steps"`
	DefaultOutDir string  `json:"default_out_dir" yaml:"default_out_dir"`
}

// normalize coerces tolerated sloppiness in hand-written definitions: enum
// values fall back instead of failing, blank list entries are dropped.
func (s *Step) normalize() {
	switch strings.ToLower(strings.TrimSpace(s.OutputType)) {
	case OutputJSON:
		s.OutputType = OutputJSON
	default:
		s.OutputType = OutputText
	}
	switch s.OutputSchemaKind {
	case SchemaManifest, SchemaPrompts, SchemaCustom:
	default:
		s.OutputSchemaKind = ""
	}
	s.FilesExistingIDs = trimList(s.FilesExistingIDs)
	s.FilesLocalPaths = trimList(s.FilesLocalPaths)
	s.ExpectedOutFiles = trimList(s.ExpectedOutFiles)
	s.PreviousResponseIDExpr = strings.TrimSpace(s.PreviousResponseIDExpr)
	s.InputContentJSON = normalizeContent(s.InputContentJSON)
}

func trimList(in []string) []string {
	var out []string
	for _, v := range in {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func normalizeContent(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		return v
	default:
		return nil
	}
}

func (d *Definition) normalize() {
	if strings.TrimSpace(d.Name) == "" {
		d.Name = "Unnamed Cascade"
	}
	if d.Version <= 0 {
		d.Version = 1
	}
	now := unixSeconds(time.Now())
	if d.CreatedAt <= 0 {
		d.CreatedAt = now
	}
	if d.UpdatedAt <= 0 {
		d.UpdatedAt = now
	}
	d.DefaultOutDir = strings.TrimSpace(d.DefaultOutDir)
	for i := range d.Steps {
		d.Steps[i].normalize()
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000.0
}

// Load reads a definition from JSON or YAML, by file extension. Unknown
// keys are ignored so older or richer definitions still load.
func Load(path string) (Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, err
	}
	var d Definition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &d)
	default:
		err = json.Unmarshal(raw, &d)
	}
	if err != nil {
		return Definition{}, fmt.Errorf("cascade definition %s: %w", path, err)
	}
	d.normalize()
	return d, nil
}

// Save writes the definition as indented JSON, bumping updated_at.
func Save(path string, d Definition) error {
	d.normalize()
	d.UpdatedAt = unixSeconds(time.Now())
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return runlog.WriteFileAtomic(path, append(data, '\n'))
}
