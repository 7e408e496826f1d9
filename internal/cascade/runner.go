package cascade

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tsvetkov/loom/internal/contract"
	"github.com/tsvetkov/loom/internal/remote"
	"github.com/tsvetkov/loom/internal/runlog"
)

const jsonOnlyDeveloperText = "Return ONLY valid JSON. Do not include any extra text outside JSON."

const promptsDeveloperText = "Return ONLY valid JSON matching the schema exactly (no markdown, no prose, no extra keys). " +
	"The output must be a loadable cascade definition with version, name and steps. " +
	"Use steps[].instructions for developer-style behavior and steps[].input_text for plain user text; " +
	"use steps[].input_content_json only when you need structured content parts sent verbatim. " +
	"When chaining future values, use placeholders like {{step.N.response_id}} or {{step.N.json}}; " +
	"you may also use {{step.N.out_file_id:REL_PATH}} and {{step.N.out_file_path:REL_PATH}}. " +
	"Recommend an appropriate model in each step.model (lighter for planning, stronger for code generation)."

// Config is one cascade invocation.
type Config struct {
	Project    string
	Definition Definition
	InDir      string
	OutDir     string
}

// OutFile is a written-and-uploaded expected output file of a step.
type OutFile struct {
	Path   string `json:"path"`
	FileID string `json:"file_id"`
}

// Result summarizes a completed cascade.
type Result struct {
	RunID           string                        `json:"run_id"`
	ResponseID      string                        `json:"response_id"`
	StepResponseIDs map[string]string             `json:"step_response_ids"`
	StepJSONOutputs map[string]any                `json:"step_json_outputs"`
	StepOutFiles    map[string]map[string]OutFile `json:"step_out_files"`
}

// Runner executes cascade definitions. All collaborators are injected; the
// per-run logger is created inside Run under LogRoot.
type Runner struct {
	Client  *remote.Client
	LogRoot string
	Log     *zap.Logger

	// Stop is the cooperative stop flag, polled at step boundaries and
	// before every remote call.
	Stop func() bool
	// Status receives (progress, subprogress, text) lines when set.
	Status func(progress, sub int, text string)
}

func NewRunner(client *remote.Client, logRoot string, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{Client: client, LogRoot: logRoot, Log: log}
}

func (r *Runner) status(p, sp int, text string) {
	if r.Status != nil {
		r.Status(p, sp, text)
	}
}

func (r *Runner) checkStop() error {
	if r.Stop != nil && r.Stop() {
		return runlog.ErrStopRequested
	}
	return nil
}

// Run executes every step in order. On failure the run directory keeps the
// failed state and the error bubbles up.
func (r *Runner) Run(ctx context.Context, cfg Config) (Result, error) {
	logger, err := runlog.Open(r.LogRoot, cfg.Project)
	if err != nil {
		return Result{}, err
	}
	res, err := r.run(ctx, cfg, logger)
	if err != nil {
		status := runlog.StatusFailed
		if err == runlog.ErrStopRequested {
			status = runlog.StatusStoppedByUser
		}
		logger.Event("cascade.failed", map[string]any{"error": err.Error()})
		_ = logger.UpdateState(map[string]any{
			"status":      status,
			"finished_at": unixSeconds(time.Now()),
			"error":       err.Error(),
		})
		return res, err
	}
	return res, nil
}

func (r *Runner) run(ctx context.Context, cfg Config, logger *runlog.Logger) (Result, error) {
	def := cfg.Definition
	def.normalize()
	res := Result{
		RunID:           logger.RunID,
		StepResponseIDs: map[string]string{},
		StepJSONOutputs: map[string]any{},
		StepOutFiles:    map[string]map[string]OutFile{},
	}
	if err := logger.UpdateState(map[string]any{
		"status":       runlog.StatusRunning,
		"started_at":   unixSeconds(time.Now()),
		"mode":         "CASCADE",
		"project":      cfg.Project,
		"out_dir":      cfg.OutDir,
		"in_dir":       cfg.InDir,
		"cascade_name": def.Name,
		"steps":        len(def.Steps),
	}); err != nil {
		return res, err
	}
	r.status(1, 0, "cascade start: "+def.Name)

	pctx := NewContext()
	total := len(def.Steps)
	if total == 0 {
		total = 1
	}
	for i, step := range def.Steps {
		idx := i + 1
		if err := r.checkStop(); err != nil {
			return res, err
		}
		label := step.Title
		if label == "" {
			label = fmt.Sprintf("Step %d", idx)
		}
		baseP := (idx - 1) * 100 / total
		r.status(baseP, 0, fmt.Sprintf("step %d/%d: %s", idx, total, label))
		logger.Event("cascade.step.start", map[string]any{"idx": idx, "title": label, "model": step.Model})

		if err := r.runStep(ctx, cfg, logger, pctx, step, idx, &res); err != nil {
			return res, fmt.Errorf("step %d (%s): %w", idx, label, err)
		}
		r.status(idx*100/total, 100, fmt.Sprintf("step %d done", idx))
	}

	res.ResponseID = lastResponseID(res, len(def.Steps))
	if err := logger.UpdateState(map[string]any{
		"status":           runlog.StatusCompleted,
		"finished_at":      unixSeconds(time.Now()),
		"last_response_id": res.ResponseID,
		"steps_done":       len(def.Steps),
		"result": map[string]any{
			"step_response_ids": res.StepResponseIDs,
			"step_json_outputs": res.StepJSONOutputs,
			"step_out_files":    res.StepOutFiles,
		},
	}); err != nil {
		return res, err
	}
	logger.Event("cascade.completed", map[string]any{
		"run_id":      res.RunID,
		"response_id": res.ResponseID,
		"steps":       len(def.Steps),
	})
	return res, nil
}

func lastResponseID(res Result, steps int) string {
	for i := steps; i >= 1; i-- {
		if id, ok := res.StepResponseIDs[fmt.Sprint(i)]; ok && id != "" {
			return id
		}
	}
	return ""
}

func (r *Runner) runStep(ctx context.Context, cfg Config, logger *runlog.Logger, pctx *Context, step Step, idx int, res *Result) error {
	schema, err := SchemaForStep(step)
	if err != nil {
		return err
	}

	fileIDs, err := r.collectFiles(ctx, logger, pctx, step, idx)
	if err != nil {
		return err
	}

	instructions := pctx.ResolveText(step.Instructions)
	prevID := strings.TrimSpace(pctx.ResolveText(step.PreviousResponseIDExpr))
	parts, err := r.contentParts(pctx, step, idx)
	if err != nil {
		return err
	}
	parts = appendFileParts(parts, fileIDs)

	var input []map[string]any
	if step.OutputType == OutputJSON {
		devText := jsonOnlyDeveloperText
		if step.OutputSchemaKind == SchemaPrompts {
			devText = promptsDeveloperText
		}
		input = append(input, developerMessage(devText))
	}
	input = append(input, map[string]any{"type": "message", "role": "user", "content": anySlice(parts)})

	body := map[string]any{
		"model":        step.Model,
		"instructions": instructions,
		"input":        anySliceMaps(input),
	}
	if step.Temperature != nil {
		body["temperature"] = *step.Temperature
	}
	if prevID != "" {
		body["previous_response_id"] = prevID
	}
	if step.OutputType == OutputJSON {
		if schema != nil {
			body["text"] = map[string]any{"format": map[string]any{
				"type":   "json_schema",
				"name":   fmt.Sprintf("cascade_step_%02d_schema", idx),
				"strict": true,
				"schema": schema,
			}}
		} else {
			body["text"] = map[string]any{"format": map[string]any{"type": "json_object"}}
		}
	}

	if _, err := logger.SaveJSON("request", fmt.Sprintf("cascade_step_%02d", idx), body); err != nil {
		return err
	}
	if err := r.checkStop(); err != nil {
		return err
	}
	resp, err := r.Client.CreateResponseRaw(ctx, body)
	if err != nil {
		return err
	}
	if _, err := logger.SaveJSON("response", fmt.Sprintf("cascade_step_%02d", idx), resp); err != nil {
		return err
	}

	responseID := strings.TrimSpace(remote.AsString(resp, "id"))
	if responseID != "" {
		pctx.SetResponseID(idx, responseID)
		res.StepResponseIDs[fmt.Sprint(idx)] = responseID
	}

	var parsed map[string]any
	if step.OutputType == OutputJSON {
		text := contract.ExtractText(resp)
		parsed, err = contract.ParseJSONStrict(text)
		if err != nil {
			return err
		}
		if err := ValidateOutput(parsed, schema); err != nil {
			return err
		}
		pctx.SetJSON(idx, parsed)
		res.StepJSONOutputs[fmt.Sprint(idx)] = parsed
		if _, err := logger.SaveJSON("misc", fmt.Sprintf("cascade_step_%02d_json", idx), parsed); err != nil {
			return err
		}
	}

	outFiles, err := r.processExpectedOutFiles(ctx, cfg, logger, pctx, step, idx, parsed)
	if err != nil {
		return err
	}
	if len(outFiles) > 0 {
		res.StepOutFiles[fmt.Sprint(idx)] = outFiles
	}

	logger.Event("cascade.step.ok", map[string]any{
		"idx":                idx,
		"title":              step.Title,
		"response_id":        responseID,
		"json_output":        step.OutputType == OutputJSON,
		"file_ids":           fileIDs,
		"expected_out_files": step.ExpectedOutFiles,
	})
	return nil
}

// collectFiles resolves declared file ids and uploads declared local paths.
func (r *Runner) collectFiles(ctx context.Context, logger *runlog.Logger, pctx *Context, step Step, idx int) ([]string, error) {
	var fileIDs []string
	for _, expr := range step.FilesExistingIDs {
		if fid := strings.TrimSpace(pctx.ResolveText(expr)); fid != "" {
			fileIDs = append(fileIDs, fid)
		}
	}
	for _, pathExpr := range step.FilesLocalPaths {
		if err := r.checkStop(); err != nil {
			return nil, err
		}
		path := pctx.ResolveText(pathExpr)
		if path == "" {
			continue
		}
		if st, err := os.Stat(path); err != nil || st.IsDir() {
			return nil, fmt.Errorf("local file does not exist: %s", path)
		}
		logger.Event("cascade.step.file_upload.start", map[string]any{"idx": idx, "path": path})
		f, err := r.Client.UploadFile(ctx, path, "user_data")
		if err != nil {
			return nil, err
		}
		if f.ID == "" {
			return nil, fmt.Errorf("file upload returned no file_id: %s", path)
		}
		fileIDs = append(fileIDs, f.ID)
		logger.Event("cascade.step.file_upload.ok", map[string]any{"idx": idx, "path": path, "file_id": f.ID})
	}
	return fileIDs, nil
}

func (r *Runner) contentParts(pctx *Context, step Step, idx int) ([]map[string]any, error) {
	if step.InputContentJSON == nil {
		return []map[string]any{remote.TextPart(pctx.ResolveText(step.InputText))}, nil
	}
	resolved := pctx.ResolveValue(step.InputContentJSON)
	switch v := resolved.(type) {
	case map[string]any:
		return []map[string]any{v}, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, e := range v {
			part, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("input_content_json list must contain object parts (step %d)", idx)
			}
			out = append(out, part)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("input_content_json must be an object or a list (step %d)", idx)
	}
}

// appendFileParts adds input_file parts for ids not already present in the
// content.
func appendFileParts(parts []map[string]any, fileIDs []string) []map[string]any {
	seen := map[string]struct{}{}
	for _, p := range parts {
		if remote.AsString(p, "type") == "input_file" {
			if fid := remote.AsString(p, "file_id"); fid != "" {
				seen[fid] = struct{}{}
			}
		}
	}
	for _, fid := range fileIDs {
		if _, dup := seen[fid]; dup || fid == "" {
			continue
		}
		parts = append(parts, remote.FilePart(fid))
		seen[fid] = struct{}{}
	}
	return parts
}

func developerMessage(text string) map[string]any {
	return map[string]any{
		"type":    "message",
		"role":    "developer",
		"content": []any{remote.TextPart(text)},
	}
}

func anySlice(parts []map[string]any) []any {
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out
}

func anySliceMaps(ms []map[string]any) []any {
	out := make([]any, len(ms))
	for i, m := range ms {
		out[i] = m
	}
	return out
}

func normalizeExpectedRel(rel string) (string, error) {
	rel = normalizeRel(rel)
	if rel == "" {
		return "", fmt.Errorf("expected output file path must not be empty")
	}
	var parts []string
	for _, p := range strings.Split(rel, "/") {
		if p == "" {
			continue
		}
		if p == ".." {
			return "", fmt.Errorf("expected output file path contains '..': %s", rel)
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, "/"), nil
}

func (r *Runner) effectiveOutDir(cfg Config) string {
	if out := strings.TrimSpace(cfg.OutDir); out != "" {
		return out
	}
	return strings.TrimSpace(cfg.Definition.DefaultOutDir)
}

// processExpectedOutFiles writes the step's returned manifest under the
// effective OUT directory, verifies every expected path landed, uploads
// each written file and publishes the (path, file_id) pair to the context.
func (r *Runner) processExpectedOutFiles(ctx context.Context, cfg Config, logger *runlog.Logger, pctx *Context, step Step, idx int, parsed map[string]any) (map[string]OutFile, error) {
	if len(step.ExpectedOutFiles) == 0 {
		return nil, nil
	}
	expected := make([]string, 0, len(step.ExpectedOutFiles))
	for _, raw := range step.ExpectedOutFiles {
		rel, err := normalizeExpectedRel(raw)
		if err != nil {
			return nil, err
		}
		expected = append(expected, rel)
	}
	outDir := r.effectiveOutDir(cfg)
	if outDir == "" {
		return nil, fmt.Errorf("expected_out_files requires an OUT directory; set the run OUT or default_out_dir in the definition")
	}
	if parsed == nil {
		return nil, contract.Errorf("expected a JSON object carrying a file manifest")
	}
	rawFiles, ok := parsed["files"].([]any)
	if !ok {
		return nil, contract.Errorf("expected a JSON manifest with a 'files' list")
	}

	type manifestRow struct {
		rel     string
		content string
	}
	var rows []manifestRow
	var paths []string
	for _, rf := range rawFiles {
		row, ok := rf.(map[string]any)
		if !ok {
			return nil, contract.Errorf("files[] entries must be objects")
		}
		rel, err := normalizeExpectedRel(remote.AsString(row, "path"))
		if err != nil {
			return nil, err
		}
		rows = append(rows, manifestRow{rel: rel, content: remote.AsString(row, "content")})
		paths = append(paths, rel)
	}
	if err := contract.ValidatePaths(paths); err != nil {
		return nil, err
	}

	outAbs, err := filepath.Abs(outDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outAbs, 0o755); err != nil {
		return nil, err
	}
	saved := make([]map[string]any, 0, len(rows))
	written := map[string]string{}
	for _, row := range rows {
		dst, err := runlog.SafeJoinUnderRoot(outAbs, row.rel)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, err
		}
		content := strings.ReplaceAll(row.content, "\r\n", "\n")
		if err := runlog.WriteFileAtomic(dst, []byte(content)); err != nil {
			return nil, err
		}
		written[row.rel] = dst
		saved = append(saved, map[string]any{"path": row.rel, "dst": dst, "bytes": len(content)})
	}
	if _, err := logger.SaveJSON("manifest", fmt.Sprintf("cascade_step_%02d_out_saved_map", idx), map[string]any{"saved": saved, "out_dir": outAbs}); err != nil {
		return nil, err
	}

	var missing []string
	for _, rel := range expected {
		if _, ok := written[rel]; !ok {
			missing = append(missing, rel)
		}
	}
	if len(missing) > 0 {
		return nil, contract.Errorf("manifest is missing expected files: %s", strings.Join(missing, ", "))
	}

	out := map[string]OutFile{}
	for _, rel := range expected {
		absPath := written[rel]
		if st, err := os.Stat(absPath); err != nil || st.IsDir() {
			return nil, fmt.Errorf("expected file missing after save: %s", rel)
		}
		f, err := r.Client.UploadFile(ctx, absPath, "user_data")
		if err != nil {
			return nil, err
		}
		if f.ID == "" {
			return nil, fmt.Errorf("upload of expected file returned no file_id: %s", rel)
		}
		pctx.SetOutFile(idx, rel, absPath, f.ID)
		out[rel] = OutFile{Path: absPath, FileID: f.ID}
		logger.Event("cascade.step.out_file.upload", map[string]any{"idx": idx, "path": rel, "abs_path": absPath, "file_id": f.ID})
	}
	return out, nil
}
