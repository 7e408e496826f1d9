// Package runlog owns the on-disk contract of a run: the per-run directory
// tree, atomic state and blob writes, the append-only event log, and
// redaction of secret-like values.
package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Run directory subfolders, authoritative per the external interface.
var subdirs = []string{"files", "requests", "responses", "manifests", "misc"}

// Terminal run states.
const (
	StatusRunning       = "running"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
	StatusStoppedByUser = "stopped_by_user"
	StatusForceKilled   = "force_killed"
)

func IsTerminalStatus(s string) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStoppedByUser, StatusForceKilled:
		return true
	}
	return false
}

// Logger is the sole writer inside one run directory.
type Logger struct {
	Root    string
	RunID   string
	Project string

	mu  sync.Mutex
	dir string
	now func() time.Time
}

// Open creates LOG/<run_id>/ with its subfolders and an initial state file.
func Open(root, project string) (*Logger, error) {
	return openAt(root, project, NewRunID(time.Now()))
}

// OpenExisting attaches to an already-created run directory (auditing and
// resume paths).
func OpenExisting(root, project, runID string) (*Logger, error) {
	l := &Logger{Root: root, RunID: runID, Project: project, dir: filepath.Join(root, runID), now: time.Now}
	if _, err := os.Stat(l.dir); err != nil {
		return nil, fmt.Errorf("run directory: %w", err)
	}
	return l, nil
}

func openAt(root, project, runID string) (*Logger, error) {
	dir := filepath.Join(root, runID)
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create run dir: %w", err)
		}
	}
	l := &Logger{Root: root, RunID: runID, Project: project, dir: dir, now: time.Now}
	if err := l.UpdateState(map[string]any{
		"run_id":     runID,
		"project":    project,
		"status":     StatusRunning,
		"created_at": l.now().Unix(),
	}); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) Dir() string { return l.dir }

func (l *Logger) Subdir(kind string) string { return filepath.Join(l.dir, kindDir(kind)) }

func (l *Logger) StatePath() string { return filepath.Join(l.dir, "run_state.json") }

func (l *Logger) EventsPath() string { return filepath.Join(l.dir, "events.jsonl") }

func kindDir(kind string) string {
	switch kind {
	case "request":
		return "requests"
	case "response":
		return "responses"
	case "manifest":
		return "manifests"
	case "file":
		return "files"
	default:
		return "misc"
	}
}

// Event appends one redacted line to events.jsonl.
func (l *Logger) Event(eventType string, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendEventLocked(eventType, data)
}

func (l *Logger) appendEventLocked(eventType string, data map[string]any) {
	rec := map[string]any{
		"ts":   float64(l.now().UnixMilli()) / 1000.0,
		"type": eventType,
		"data": Redact(normalizeJSON(data)),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	f, err := os.OpenFile(l.EventsPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = f.Write(append(line, '\n'))
}

var nameSanitizeRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeName(name string) string {
	s := nameSanitizeRe.ReplaceAllString(name, "_")
	if len(s) > 140 {
		s = s[:140]
	}
	if s == "" {
		s = "unnamed"
	}
	return s
}

// SaveJSON atomically writes obj under the folder for kind, with the name
// sanitized and prefixed by project and run id. Emits file.saved.<kind>.
func (l *Logger) SaveJSON(kind, name string, obj any) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	project := l.Project
	if len(project) > 60 {
		project = project[:60]
	}
	project = sanitizeName(project)
	full := sanitizeName(fmt.Sprintf("%s_%s_%s", project, l.RunID, name))
	if !strings.HasSuffix(full, ".json") {
		full += ".json"
	}
	path := filepath.Join(l.dir, kindDir(kind), full)

	data, err := json.MarshalIndent(Redact(normalizeJSON(obj)), "", "  ")
	if err != nil {
		return "", fmt.Errorf("save %s %s: %w", kind, name, err)
	}
	if err := WriteFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("save %s %s: %w", kind, name, err)
	}
	l.appendEventLocked("file.saved."+kind, map[string]any{"path": path, "bytes": len(data)})
	return path, nil
}

// ReadState returns the current run state (empty map when absent).
func (l *Logger) ReadState() map[string]any {
	data, err := os.ReadFile(l.StatePath())
	if err != nil {
		return map[string]any{}
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return map[string]any{}
	}
	return state
}

// UpdateState deep-merges the redacted patch into run_state.json and
// rewrites it atomically.
func (l *Logger) UpdateState(patch map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.ReadState()
	merged := deepMerge(state, Redact(normalizeJSON(patch)).(map[string]any))
	merged["updated_at"] = l.now().Unix()
	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(l.StatePath(), data)
}

func deepMerge(dst, patch map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(patch))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range patch {
		if pm, ok := v.(map[string]any); ok {
			if dm, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(dm, pm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// RecordFSChange emits an fs.change event with content fingerprints and
// sizes, the audit trail for every output write.
func (l *Logger) RecordFSChange(action, src, dst, before, after string, sizeBefore, sizeAfter int64) {
	l.Event("fs.change", map[string]any{
		"action":      action,
		"src":         src,
		"dst":         dst,
		"hash_before": before,
		"hash_after":  after,
		"size_before": sizeBefore,
		"size_after":  sizeAfter,
	})
}

// normalizeJSON round-trips v through encoding/json semantics so arbitrary
// structs and typed maps redact uniformly.
func normalizeJSON(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return string(b)
	}
	return out
}
