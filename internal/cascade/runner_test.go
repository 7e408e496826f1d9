package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tsvetkov/loom/internal/remote"
	"github.com/tsvetkov/loom/internal/retry"
)

func testClient(t *testing.T, handler http.Handler) *remote.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BreakerFailures: 100, BreakerCooldown: time.Millisecond}
	return remote.NewClient("k", srv.URL, p, zap.NewNop())
}

func TestRunner_TwoStepCascade(t *testing.T) {
	manifest := map[string]any{
		"files": []any{
			map[string]any{"path": "notes/A.md", "content": "hello\n"},
		},
	}
	manifestText, _ := json.Marshal(manifest)

	respN := 0
	var bodies []map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/files":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "file_1"})
		case "/v1/responses":
			respN++
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			bodies = append(bodies, body)
			out := "done"
			if respN == 1 {
				out = string(manifestText)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":          fmt.Sprintf("resp_%d", respN),
				"output_text": out,
			})
		default:
			http.NotFound(w, r)
		}
	})

	outDir := t.TempDir()
	r := NewRunner(testClient(t, handler), t.TempDir(), zap.NewNop())
	def := Definition{
		Name: "two step",
		Steps: []Step{
			{
				Title:            "emit file",
				Model:            "gpt-4o",
				InputText:        "write A.md",
				OutputType:       OutputJSON,
				OutputSchemaKind: SchemaManifest,
				ExpectedOutFiles: []string{"notes/A.md"},
			},
			{
				Title:                  "follow up",
				Model:                  "gpt-4o-mini",
				InputText:              "refine {{step.1.json}}",
				FilesExistingIDs:       []string{"{{step.1.out_file_id:notes/A.md}}"},
				PreviousResponseIDExpr: "{{step.1.response_id}}",
			},
		},
	}
	res, err := r.Run(context.Background(), Config{Project: "demo", Definition: def, OutDir: outDir})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(outDir, "notes", "A.md"))
	if err != nil || string(data) != "hello\n" {
		t.Fatalf("expected file not written: %q %v", data, err)
	}
	if res.ResponseID != "resp_2" {
		t.Fatalf("final response id: %q", res.ResponseID)
	}
	of, ok := res.StepOutFiles["1"]["notes/A.md"]
	if !ok || of.FileID != "file_1" {
		t.Fatalf("out file context: %+v", res.StepOutFiles)
	}

	if len(bodies) != 2 {
		t.Fatalf("calls: %d", len(bodies))
	}
	// First call must carry the JSON schema format and a developer preamble.
	format := bodies[0]["text"].(map[string]any)["format"].(map[string]any)
	if format["type"] != "json_schema" || format["name"] != "cascade_step_01_schema" || format["strict"] != true {
		t.Fatalf("text.format: %v", format)
	}
	first := bodies[0]["input"].([]any)
	if len(first) != 2 || first[0].(map[string]any)["role"] != "developer" {
		t.Fatalf("developer preamble missing: %v", first)
	}
	// Second call resolved the chained placeholders.
	if bodies[1]["previous_response_id"] != "resp_1" {
		t.Fatalf("previous_response_id: %v", bodies[1]["previous_response_id"])
	}
	userContent := bodies[1]["input"].([]any)[0].(map[string]any)["content"].([]any)
	foundFile := false
	for _, part := range userContent {
		p := part.(map[string]any)
		if p["type"] == "input_file" && p["file_id"] == "file_1" {
			foundFile = true
		}
		if p["type"] == "input_text" {
			txt := p["text"].(string)
			if txt == "refine " {
				t.Fatalf("step.1.json not substituted: %q", txt)
			}
		}
	}
	if !foundFile {
		t.Fatalf("uploaded out-file not attached: %v", userContent)
	}
}

func TestRunner_MissingExpectedFileFails(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "resp_1",
			"output_text": `{"files":[{"path":"other.md","content":"x"}]}`,
		})
	})
	r := NewRunner(testClient(t, handler), t.TempDir(), zap.NewNop())
	def := Definition{
		Name: "bad",
		Steps: []Step{{
			Title:            "emit",
			Model:            "gpt-4o",
			OutputType:       OutputJSON,
			OutputSchemaKind: SchemaManifest,
			ExpectedOutFiles: []string{"wanted.md"},
		}},
	}
	_, err := r.Run(context.Background(), Config{Project: "demo", Definition: def, OutDir: t.TempDir()})
	if err == nil {
		t.Fatalf("missing expected file must fail the step")
	}
}

func TestRunner_NoOutDirForExpectedFiles(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "resp_1",
			"output_text": `{"files":[{"path":"a.md","content":"x"}]}`,
		})
	})
	r := NewRunner(testClient(t, handler), t.TempDir(), zap.NewNop())
	def := Definition{
		Name: "no out",
		Steps: []Step{{
			Title:            "emit",
			Model:            "gpt-4o",
			OutputType:       OutputJSON,
			OutputSchemaKind: SchemaManifest,
			ExpectedOutFiles: []string{"a.md"},
		}},
	}
	_, err := r.Run(context.Background(), Config{Project: "demo", Definition: def})
	if err == nil {
		t.Fatalf("expected_out_files without OUT must fail")
	}
}

func TestRunner_StopFlag(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "resp_1", "output_text": "ok"})
	})
	r := NewRunner(testClient(t, handler), t.TempDir(), zap.NewNop())
	r.Stop = func() bool { return true }
	def := Definition{Name: "stopped", Steps: []Step{{Title: "s", Model: "m", InputText: "x"}}}
	_, err := r.Run(context.Background(), Config{Project: "demo", Definition: def})
	if err == nil {
		t.Fatalf("stop flag ignored")
	}
}
