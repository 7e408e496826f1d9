package runlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewRunID_Format(t *testing.T) {
	now := time.Date(2025, 6, 3, 14, 5, 0, 0, time.UTC)
	id := NewRunID(now)
	if !RunIDRe.MatchString(id) {
		t.Fatalf("run id %q does not match pattern", id)
	}
	if !strings.HasPrefix(id, "RUN_030620251405_") {
		t.Fatalf("run id %q has wrong timestamp code", id)
	}
	if id2 := NewRunID(now); id2 == id {
		t.Fatalf("expected distinct random suffixes, got %q twice", id)
	}
}

func TestTSCode(t *testing.T) {
	got := TSCode(time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC))
	if got != "311220252359" {
		t.Fatalf("got %q want %q", got, "311220252359")
	}
}

func TestIsSnapshotDir(t *testing.T) {
	if !IsSnapshotDir("proj311220252359", "proj") {
		t.Fatalf("expected snapshot dir match")
	}
	if IsSnapshotDir("proj", "proj") || IsSnapshotDir("other311220252359", "proj") {
		t.Fatalf("unexpected snapshot dir match")
	}
}

func TestRedact_KeysAndBearerStrings(t *testing.T) {
	in := map[string]any{
		"Authorization": "Bearer sk-123",
		"api_key":       "sk-456",
		"nested": map[string]any{
			"ssh_password": "hunter2",
			"note":         "uses Bearer sk-789 inline",
			"fine":         "plain value",
		},
		"list": []any{"Bearer x", "ok"},
	}
	out := Redact(in).(map[string]any)
	if out["Authorization"] != redactedPlaceholder || out["api_key"] != redactedPlaceholder {
		t.Fatalf("top-level secrets not redacted: %v", out)
	}
	nested := out["nested"].(map[string]any)
	if nested["ssh_password"] != redactedPlaceholder {
		t.Fatalf("nested secret not redacted")
	}
	if nested["note"] != redactedPlaceholder {
		t.Fatalf("bearer-bearing string not redacted: %v", nested["note"])
	}
	if nested["fine"] != "plain value" {
		t.Fatalf("plain value mangled: %v", nested["fine"])
	}
	list := out["list"].([]any)
	if list[0] != redactedPlaceholder || list[1] != "ok" {
		t.Fatalf("list redaction wrong: %v", list)
	}
	// Input untouched.
	if in["Authorization"] != "Bearer sk-123" {
		t.Fatalf("input mutated")
	}
}

func TestOpen_CreatesLayoutAndInitialState(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root, "demo")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, sub := range []string{"files", "requests", "responses", "manifests", "misc"} {
		if st, err := os.Stat(filepath.Join(l.Dir(), sub)); err != nil || !st.IsDir() {
			t.Fatalf("missing subdir %s: %v", sub, err)
		}
	}
	state := l.ReadState()
	if state["status"] != StatusRunning {
		t.Fatalf("status: got %v want %q", state["status"], StatusRunning)
	}
	if state["run_id"] != l.RunID {
		t.Fatalf("run_id: got %v want %q", state["run_id"], l.RunID)
	}
}

func TestSaveJSON_SanitizesNameAndEmitsEvent(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root, "demo project!")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	path, err := l.SaveJSON("request", "A1 plan/../x", map[string]any{"model": "m", "api_key": "sk-1"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	base := filepath.Base(path)
	if strings.ContainsAny(base, "/! ") {
		t.Fatalf("unsanitized name: %q", base)
	}
	if filepath.Dir(path) != l.Subdir("request") {
		t.Fatalf("wrong folder: %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var saved map[string]any
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if saved["api_key"] != redactedPlaceholder {
		t.Fatalf("saved blob not redacted: %v", saved)
	}

	found := false
	for _, ev := range readEvents(t, l) {
		if ev["type"] == "file.saved.request" {
			found = true
		}
	}
	if !found {
		t.Fatalf("file.saved.request event not emitted")
	}
}

func TestUpdateState_DeepMergesAtomically(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root, "demo")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.UpdateState(map[string]any{"stages": map[string]any{"a1": "done"}}); err != nil {
		t.Fatalf("update 1: %v", err)
	}
	if err := l.UpdateState(map[string]any{"stages": map[string]any{"a2": "done"}, "status": StatusCompleted}); err != nil {
		t.Fatalf("update 2: %v", err)
	}
	state := l.ReadState()
	stages := state["stages"].(map[string]any)
	if stages["a1"] != "done" || stages["a2"] != "done" {
		t.Fatalf("deep merge lost keys: %v", stages)
	}
	if state["status"] != StatusCompleted {
		t.Fatalf("status: got %v", state["status"])
	}
}

func TestEvents_NeverContainBearerTokens(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root, "demo")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l.Event("api.trace", map[string]any{"authorization": "Bearer sk-1", "detail": "sent Bearer sk-2"})
	raw, err := os.ReadFile(l.EventsPath())
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if strings.Contains(strings.ToLower(string(raw)), "bearer ") {
		t.Fatalf("events.jsonl leaks bearer token: %s", raw)
	}
}

func TestFindLastIncompleteRun(t *testing.T) {
	root := t.TempDir()

	done, err := Open(root, "demo")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := done.UpdateState(map[string]any{"status": StatusCompleted}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// An incomplete run with a structure manifest. Give it a later run id
	// than the completed one by reopening until ordering holds.
	open2, err := Open(root, "demo")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	structure := map[string]any{"contract": "A2_STRUCTURE", "files": []any{map[string]any{"path": "a.py"}}}
	if _, err := open2.SaveJSON("manifest", "resume_structure_1", structure); err != nil {
		t.Fatalf("save manifest: %v", err)
	}
	if err := open2.UpdateState(map[string]any{"last_response_id": "resp_99"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	info, err := FindLastIncompleteRun(root)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if info == nil {
		t.Fatalf("expected resume info")
	}
	if info.RunID != open2.RunID {
		t.Fatalf("run id: got %q want %q", info.RunID, open2.RunID)
	}
	if info.LastResponseID != "resp_99" {
		t.Fatalf("last response id: got %q", info.LastResponseID)
	}
	if info.Structure["contract"] != "A2_STRUCTURE" {
		t.Fatalf("structure: %v", info.Structure)
	}
}

func TestWriteFileAtomic_ReplacesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := WriteFileAtomic(path, []byte("one")); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("two")); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "two" {
		t.Fatalf("content: got %q want %q", data, "two")
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func readEvents(t *testing.T, l *Logger) []map[string]any {
	t.Helper()
	f, err := os.Open(l.EventsPath())
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev map[string]any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad event line %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}
