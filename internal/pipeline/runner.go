package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tsvetkov/loom/internal/config"
	"github.com/tsvetkov/loom/internal/contract"
	"github.com/tsvetkov/loom/internal/diag"
	"github.com/tsvetkov/loom/internal/pricing"
	"github.com/tsvetkov/loom/internal/receipt"
	"github.com/tsvetkov/loom/internal/remote"
	"github.com/tsvetkov/loom/internal/runlog"
)

// Runner owns the long-lived collaborators; each Run gets its own logger
// and mutable state.
type Runner struct {
	Client   *remote.Client
	Settings config.Settings
	Receipts *receipt.Store
	Prices   *pricing.Table
	LogRoot  string
	Log      *zap.Logger

	// Stop is the cooperative stop flag, polled at every stage start,
	// chunk boundary, and before each remote call.
	Stop func() bool
	// Status receives (progress, subprogress, text) lines when set.
	Status func(progress, sub int, text string)
}

func NewRunner(client *remote.Client, settings config.Settings, receipts *receipt.Store, prices *pricing.Table, logRoot string, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{Client: client, Settings: settings, Receipts: receipts, Prices: prices, LogRoot: logRoot, Log: log}
}

type modeHandler func(ctx context.Context, rn *run, basePrevID string) (map[string]any, error)

// modeHandlers dispatches the non-batch, non-cascade modes.
var modeHandlers = map[string]modeHandler{
	ModeGenerate: runGenerate,
	ModeModify:   runModify,
	ModeQA:       runQA,
	ModeQFile:    runQFile,
}

// run is the per-invocation state.
type run struct {
	r   *Runner
	cfg RunConfig
	log *runlog.Logger

	usedFileSearch  bool
	hasReceipt      bool
	totalInTokens   int64
	totalOutTokens  int64
	finalResponseID string
	lastPrevIDError string
	receiptNotes    string

	diagFileIDs    []string
	diagText       string
	diagBundlePath string
	inDirInfo      *inDirInfo
	vectorStoreIDs []string
	fsTools        []map[string]any
}

type inDirInfo struct {
	ZipPath       string
	FileID        string
	VectorStoreID string
}

func (rn *run) checkStop() error {
	if rn.r.Stop != nil && rn.r.Stop() {
		return runlog.ErrStopRequested
	}
	return nil
}

func (rn *run) setStatus(p, sp int, msg string) {
	if rn.r.Status != nil {
		rn.r.Status(p, sp, msg)
	}
	rn.log.Event("ui.progress", map[string]any{"p": p, "sp": sp, "msg": msg})
}

// Run executes one configured run end to end. On stop or failure a
// fallback receipt is recorded so the run never escapes billing.
func (r *Runner) Run(ctx context.Context, cfg RunConfig) (map[string]any, error) {
	if cfg.Mode == ModeBatch {
		cfg.Mode = ModeGenerate
		cfg.SendAsBatch = true
	}
	if cfg.Mode == ModeCascade {
		return nil, fmt.Errorf("CASCADE runs through the cascade runner")
	}
	logger, err := runlog.Open(r.LogRoot, cfg.Project)
	if err != nil {
		return nil, err
	}
	rn := &run{r: r, cfg: cfg, log: logger}
	result, err := rn.run(ctx)
	if err != nil {
		if err == runlog.ErrStopRequested {
			_ = logger.UpdateState(map[string]any{"status": runlog.StatusStoppedByUser, "stopped_at": unixNow()})
			rn.ensureReceiptOnFailure("stopped_by_user", "RUN_STOPPED")
			return nil, err
		}
		msg := err.Error()
		if rn.lastPrevIDError != "" {
			msg = rn.lastPrevIDError
		}
		logger.Event("error.exception", map[string]any{"error": msg})
		_ = logger.UpdateState(map[string]any{"status": runlog.StatusFailed, "failed_at": unixNow(), "error": msg})
		rn.ensureReceiptOnFailure("failed: "+msg, "RUN_FAILED")
		return nil, fmt.Errorf("%s", msg)
	}
	_ = logger.UpdateState(map[string]any{"status": runlog.StatusCompleted, "completed_at": unixNow()})
	return result, nil
}

func unixNow() float64 {
	return float64(time.Now().UnixMilli()) / 1000.0
}

func (rn *run) run(ctx context.Context) (map[string]any, error) {
	cfg := rn.cfg
	rn.receiptNotes = cfg.Prompt
	if err := rn.log.UpdateState(map[string]any{
		"status":     runlog.StatusRunning,
		"started_at": unixNow(),
		"mode":       cfg.Mode,
		"send_as_c":  cfg.SendAsBatch,
		"model":      cfg.Model,
		"project":    cfg.Project,
		"out_dir":    cfg.OutDir,
		"in_dir":     cfg.InDir,
	}); err != nil {
		return nil, err
	}

	if cfg.Mode == ModeQFile && cfg.SendAsBatch {
		return nil, fmt.Errorf("QFILE does not support SEND AS BATCH")
	}
	if !cfg.SendAsBatch && (cfg.Mode == ModeGenerate || cfg.Mode == ModeModify) && !cfg.Caps.ContinuationAllowed() {
		return nil, fmt.Errorf("selected model explicitly rejects previous_response_id (required for cascades)")
	}

	if err := rn.collectDiagnostics(ctx); err != nil {
		return nil, err
	}
	if err := rn.prepareInDirUpload(ctx); err != nil {
		return nil, err
	}
	rn.vectorStoreIDs = append(rn.vectorStoreIDs, cfg.AttachedVectorStoreIDs...)
	if rn.inDirInfo != nil && rn.inDirInfo.VectorStoreID != "" {
		rn.vectorStoreIDs = append(rn.vectorStoreIDs, rn.inDirInfo.VectorStoreID)
	}
	if len(rn.diagFileIDs) > 0 {
		if err := rn.attachDiagnosticsVectorStore(ctx); err != nil {
			return nil, err
		}
	}
	if cfg.Caps.FileSearchEnabled() && (cfg.UseFileSearch || len(rn.diagFileIDs) > 0) {
		if uniq := dedupe(rn.vectorStoreIDs); len(uniq) > 0 {
			rn.fsTools = []map[string]any{remote.FileSearchTool(uniq...)}
		}
	}
	rn.log.Event("io.reference", map[string]any{
		"file_ids":         cfg.AttachedFileIDs,
		"input_file_ids":   cfg.inputFileIDs(),
		"vector_store_ids": rn.vectorStoreIDs,
		"use_file_search":  cfg.UseFileSearch,
		"file_search":      len(rn.fsTools) > 0,
	})

	rn.refreshPricingViaModel(ctx)

	var basePrevID string
	switch {
	case cfg.SendAsBatch:
		basePrevID = ""
	case cfg.Mode == ModeGenerate || cfg.Mode == ModeModify:
		id, ingested, err := rn.ingestPromptIfNeeded(ctx, cfg.BaseResponseID)
		if err != nil {
			return nil, err
		}
		basePrevID = id
		if ingested {
			rn.cfg.Prompt = "The full task prompt was already ingested in earlier messages of this conversation. Work from it."
		}
	default:
		basePrevID = cfg.BaseResponseID
	}

	var result map[string]any
	var err error
	if cfg.SendAsBatch {
		result, err = runCBatch(ctx, rn, basePrevID)
	} else {
		handler, ok := modeHandlers[cfg.Mode]
		if !ok {
			return nil, fmt.Errorf("unknown mode: %s", cfg.Mode)
		}
		result, err = handler(ctx, rn, basePrevID)
	}
	if err != nil {
		return nil, err
	}
	if rn.finalResponseID != "" && remote.AsString(result, "response_id") == "" {
		result["response_id"] = rn.finalResponseID
	}
	return result, nil
}

func dedupe(ids []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ---------- payload helpers ----------

// inputParts splits text into chunked user messages; file ids attach to
// the first message only.
func (rn *run) inputParts(text string, fileIDs []string) []map[string]any {
	chunks := contract.SplitText(text, chunkChars)
	parts := make([]map[string]any, 0, len(chunks))
	for i, ch := range chunks {
		content := []map[string]any{remote.TextPart(ch)}
		if i == 0 {
			for _, fid := range fileIDs {
				if fid != "" {
					content = append(content, remote.FilePart(fid))
				}
			}
		}
		parts = append(parts, remote.Message("user", content...))
	}
	return parts
}

func (rn *run) payloadBase(instructions string, input []map[string]any, prevID string) remote.ResponseRequest {
	req := remote.ResponseRequest{
		Model:        rn.cfg.Model,
		Instructions: instructions,
		Input:        input,
	}
	if rn.cfg.Caps.TemperatureAllowed() {
		t := rn.cfg.Temperature
		req.Temperature = &t
	}
	req.PreviousResponseID = prevID
	return req
}

// refFileIDs is every referenced file id including the IN zip.
func (rn *run) refFileIDs(extra ...string) []string {
	ids := append(append([]string(nil), rn.cfg.AttachedFileIDs...), rn.diagFileIDs...)
	ids = append(ids, extra...)
	if rn.inDirInfo != nil && rn.inDirInfo.FileID != "" {
		ids = append(ids, rn.inDirInfo.FileID)
	}
	return dedupe(ids)
}

// inputFileIDsWithInDir adds the IN zip as an input_file only when its
// extension is accepted by the Files API.
func (rn *run) inputFileIDsWithInDir(extra ...string) []string {
	ids := append(rn.cfg.inputFileIDs(), extra...)
	if rn.inDirInfo != nil && rn.inDirInfo.FileID != "" && isSupportedInputFile(rn.inDirInfo.ZipPath) {
		ids = append(ids, rn.inDirInfo.FileID)
	}
	return dedupe(ids)
}

var supportedInputExts = map[string]struct{}{
	".art": {}, ".bat": {}, ".brf": {}, ".c": {}, ".cls": {}, ".css": {}, ".diff": {},
	".eml": {}, ".es": {}, ".h": {}, ".hs": {}, ".htm": {}, ".html": {}, ".ics": {},
	".ifb": {}, ".java": {}, ".js": {}, ".json": {}, ".ksh": {}, ".ltx": {}, ".mail": {},
	".markdown": {}, ".md": {}, ".mht": {}, ".mhtml": {}, ".mjs": {}, ".nws": {},
	".patch": {}, ".pdf": {}, ".pl": {}, ".pm": {}, ".pot": {}, ".py": {}, ".rst": {},
	".scala": {}, ".sh": {}, ".shtml": {}, ".srt": {}, ".sty": {}, ".tex": {},
	".text": {}, ".txt": {}, ".vcf": {}, ".vtt": {}, ".xml": {}, ".yaml": {}, ".yml": {},
}

func isSupportedInputFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := supportedInputExts[ext]
	return ext != "" && ok
}

// ioReferenceNote tells the model what remote data it has and how to reach
// it.
func (rn *run) ioReferenceNote(fileIDs []string) string {
	ids := dedupe(fileIDs)
	vsIDs := dedupe(rn.vectorStoreIDs)
	if len(ids) == 0 && len(vsIDs) == 0 {
		return ""
	}
	var parts []string
	parts = append(parts, "DATA REFERENCE:")
	if len(ids) > 0 {
		parts = append(parts, "Files API file_id: "+strings.Join(ids, ", "))
		parts = append(parts, "If the model supports input_file, use these file_id values as input_file.")
	}
	if len(vsIDs) > 0 {
		parts = append(parts, "Vector store id: "+strings.Join(vsIDs, ", "))
		parts = append(parts, "If the model supports file_search, use file_search over the listed vector stores.")
	}
	return strings.Join(parts, "\n")
}

func appendNote(text, note string) string {
	if note == "" || strings.Contains(text, note) {
		return text
	}
	return text + "\n\n" + note
}

// inDirFallbackNote covers models with neither file_search nor vector
// stores: point them at the raw zip.
func (rn *run) inDirFallbackNote() string {
	if rn.inDirInfo == nil || rn.inDirInfo.FileID == "" {
		return ""
	}
	if rn.cfg.Caps.FileSearchEnabled() || rn.cfg.Caps.VectorStoreEnabled() {
		return ""
	}
	return fmt.Sprintf("The IN directory is uploaded as a ZIP on the Files API (file_id=%s). The model has no file_search or vector store; use this file as the data source.", rn.inDirInfo.FileID)
}

// logRequest persists the request payload with its attachment snapshot.
func (rn *run) logRequest(stage, name string, body map[string]any, refIDs, inputIDs []string, tools []map[string]any) {
	snapshot := map[string]any{
		"stage":            stage,
		"file_ids":         refIDs,
		"input_file_ids":   inputIDs,
		"vector_store_ids": dedupe(rn.vectorStoreIDs),
		"use_file_search":  rn.cfg.UseFileSearch,
		"tools":            len(tools) > 0,
	}
	rn.log.Event("request.attachments", snapshot)
	if _, err := rn.log.SaveJSON("request", name, map[string]any{"payload": body, "attachments": snapshot}); err != nil {
		rn.r.Log.Warn("request log failed", zap.String("stage", stage), zap.Error(err))
	}
}

// traceResponse records the api.trace event and tracks chaining ids.
func (rn *run) traceResponse(stage, contractName string, resp map[string]any) {
	id := remote.AsString(resp, "id")
	rn.log.Event("api.trace", map[string]any{
		"stage":       stage,
		"action":      "receive",
		"response_id": id,
		"status":      remote.AsString(resp, "status"),
		"contract":    contractName,
	})
	if id == "" {
		return
	}
	rn.finalResponseID = id
	patch := map[string]any{"last_response_id": id, "last_response_stage": stage}
	switch contractName {
	case "A2_STRUCTURE", "B2_STRUCTURE":
		patch["last_structure_response_id"] = id
		patch["last_plan_response_id"] = id
	case "A1_PLAN", "B1_PLAN":
		patch["last_plan_response_id"] = id
	}
	if err := rn.log.UpdateState(patch); err != nil {
		rn.r.Log.Warn("state update failed", zap.Error(err))
	}
}

// createResponse is the single remote-call point for the pipeline: stop
// check, call, response log, trace.
func (rn *run) createResponse(ctx context.Context, stage, contractName, respName string, req remote.ResponseRequest, tools []map[string]any) (map[string]any, error) {
	if err := rn.checkStop(); err != nil {
		return nil, err
	}
	body := req.Body()
	if len(tools) > 0 {
		ts := make([]any, 0, len(tools))
		for _, t := range tools {
			ts = append(ts, t)
		}
		body["tools"] = ts
		rn.usedFileSearch = true
	}
	resp, err := rn.r.Client.CreateResponseRaw(ctx, body)
	if err != nil {
		return nil, err
	}
	if _, err := rn.log.SaveJSON("response", respName, resp); err != nil {
		rn.r.Log.Warn("response log failed", zap.Error(err))
	}
	rn.traceResponse(stage, contractName, resp)
	rn.trackUsage(resp)
	return resp, nil
}

func (rn *run) trackUsage(resp map[string]any) {
	u := remote.ParseUsage(resp)
	rn.totalInTokens += u.InputTokens
	rn.totalOutTokens += u.OutputTokens
}

// ---------- diagnostics ----------

// collectDiagnostics runs every configured collector, bundles the results
// into one JSON artifact and uploads it. Collector failures are fatal:
// the caller asked for diagnostics.
func (rn *run) collectDiagnostics(ctx context.Context) error {
	if len(rn.cfg.Collectors) == 0 {
		return nil
	}
	rn.setStatus(2, 0, "diagnostics: collecting")
	diagRoot := filepath.Join(rn.log.Subdir("manifest"), "diagnostics")
	if err := os.MkdirAll(diagRoot, 0o755); err != nil {
		return err
	}
	var files []string
	for _, c := range rn.cfg.Collectors {
		collected, err := c.Collect(ctx, diagRoot)
		if err != nil {
			rn.log.Event("diagnostics.failed", map[string]any{"collector": c.Name(), "error": err.Error()})
			return fmt.Errorf("diagnostics %s failed: %w", c.Name(), err)
		}
		files = append(files, collected...)
		rn.log.Event("diagnostics.collected", map[string]any{"collector": c.Name(), "count": len(collected)})
	}
	rn.diagText = diag.Digest(files)

	bundlePath := filepath.Join(rn.log.Subdir("file"), "diagnostics_"+runlog.TSCode(time.Now())+".json")
	if _, err := diag.WriteBundle(bundlePath, diagRoot, files); err != nil {
		return err
	}
	rn.diagBundlePath = bundlePath
	f, err := rn.r.Client.UploadFile(ctx, bundlePath, "user_data")
	if err != nil {
		return err
	}
	rn.diagFileIDs = append(rn.diagFileIDs, f.ID)
	rn.log.Event("upload.diagnostics", map[string]any{"local": bundlePath, "file_id": f.ID, "purpose": "user_data"})
	return nil
}

// attachDiagnosticsVectorStore indexes the diagnostics bundle; unlike the
// MODIFY mirror store, failure here is fatal.
func (rn *run) attachDiagnosticsVectorStore(ctx context.Context) error {
	if !rn.cfg.Caps.VectorStoreEnabled() || !rn.cfg.Caps.FileSearchEnabled() {
		return fmt.Errorf("diagnostics require a model with vector store + file_search support")
	}
	vsID, err := rn.r.Client.CreateVectorStore(ctx, "DIAG_"+runlog.TSCode(time.Now()), 0)
	if err != nil {
		return fmt.Errorf("diagnostics vector store: %w", err)
	}
	if vsID == "" {
		return fmt.Errorf("diagnostics vector store: empty id")
	}
	for _, fid := range rn.diagFileIDs {
		vsfID, err := rn.r.Client.AddFileToVectorStore(ctx, vsID, fid, nil)
		if err != nil {
			return err
		}
		if err := rn.r.Client.WaitVectorStoreFile(ctx, vsID, vsfID, 2*time.Second, 180*time.Second); err != nil {
			return err
		}
	}
	rn.vectorStoreIDs = append(rn.vectorStoreIDs, vsID)
	rn.log.Event("vector_store.diagnostics", map[string]any{"vector_store_id": vsID})
	return nil
}

// ---------- IN mirror ----------

func (rn *run) zipInDir(root string) (string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	zipPath := filepath.Join(rn.log.Subdir("file"), "in_dir_"+runlog.TSCode(time.Now())+".zip")
	if err := os.MkdirAll(filepath.Dir(zipPath), 0o755); err != nil {
		return "", err
	}
	zf, err := os.Create(zipPath)
	if err != nil {
		return "", err
	}
	defer func() { _ = zf.Close() }()
	zw := zip.NewWriter(zf)
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			switch d.Name() {
			case "venv", ".venv", "LOG":
				if path != root {
					return filepath.SkipDir
				}
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		src, openErr := os.Open(path)
		if openErr != nil {
			rn.log.Event("zip.skip", map[string]any{"path": path})
			return nil
		}
		defer func() { _ = src.Close() }()
		w, createErr := zw.Create(filepath.ToSlash(rel))
		if createErr != nil {
			return createErr
		}
		_, copyErr := io.Copy(w, src)
		return copyErr
	})
	if err != nil {
		_ = zw.Close()
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return zipPath, nil
}

// prepareInDirUpload mirrors the IN directory as one zip on the Files API
// and, when supported, a vector store over it. Vector-store failure is
// non-fatal here.
func (rn *run) prepareInDirUpload(ctx context.Context) error {
	inDir := strings.TrimSpace(rn.cfg.InDir)
	if inDir == "" {
		return nil
	}
	if st, err := os.Stat(inDir); err != nil || !st.IsDir() {
		return nil
	}
	rn.setStatus(4, 0, "IN: zipping + upload")
	zipPath, err := rn.zipInDir(inDir)
	if err != nil {
		return err
	}
	f, err := rn.r.Client.UploadFile(ctx, zipPath, "user_data")
	if err != nil {
		return err
	}
	rn.inDirInfo = &inDirInfo{ZipPath: zipPath, FileID: f.ID}
	rn.log.Event("upload.in_dir", map[string]any{"zip": zipPath, "file_id": f.ID})

	if rn.cfg.Caps.VectorStoreEnabled() {
		rn.setStatus(6, 0, "IN: indexing archive in a vector store")
		vsID, err := rn.r.Client.CreateVectorStore(ctx, "IN_"+runlog.TSCode(time.Now()), 0)
		if err == nil && vsID != "" {
			vsfID, addErr := rn.r.Client.AddFileToVectorStore(ctx, vsID, f.ID, nil)
			if addErr == nil {
				addErr = rn.r.Client.WaitVectorStoreFile(ctx, vsID, vsfID, 2*time.Second, 180*time.Second)
			}
			if addErr == nil {
				rn.inDirInfo.VectorStoreID = vsID
				rn.log.Event("vector_store.in_dir", map[string]any{"vector_store_id": vsID, "file_id": f.ID})
			} else {
				rn.log.Event("vector_store.in_dir.failed", map[string]any{"error": addErr.Error()})
			}
		} else if err != nil {
			rn.log.Event("vector_store.in_dir.failed", map[string]any{"error": err.Error()})
		}
	}
	return nil
}

// ---------- pricing ----------

// refreshPricingViaModel opportunistically refreshes the price table at
// run start. Failures only log.
func (rn *run) refreshPricingViaModel(ctx context.Context) {
	if rn.r.Prices == nil {
		return
	}
	ttl := time.Duration(rn.r.Settings.Pricing.CacheTTLHours) * time.Hour
	if !rn.r.Prices.Stale(ttl) {
		return
	}
	if ok, msg := rn.r.Prices.RefreshFromModel(ctx, rn.r.Client, ""); ok {
		rn.log.Event("pricing.model_refresh", map[string]any{"model": pricing.FetcherModel})
	} else {
		rn.log.Event("pricing.model_refresh_failed", map[string]any{"error": msg})
	}
}

// ---------- long prompt ingest (A0) ----------

const ingestAckSchema = `{"contract":"A0_INGEST_ACK","part_index":0,"part_count":0,"ok":true}`

// ingestPromptIfNeeded feeds an oversized prompt through a chained ack
// cascade and returns the response id later stages chain from.
func (rn *run) ingestPromptIfNeeded(ctx context.Context, prevID string) (string, bool, error) {
	prompt := rn.cfg.Prompt
	if len(prompt) <= ingestThreshold {
		return prevID, false, nil
	}
	if !rn.cfg.Caps.ContinuationAllowed() {
		return "", false, fmt.Errorf("long prompt ingest requires previous_response_id (model flagged as unsupported)")
	}
	rn.setStatus(4, 0, fmt.Sprintf("A0: ingest long prompt (%d chars)", len(prompt)))
	chunks := contract.SplitText(prompt, chunkChars)
	lastID := prevID
	instructions := "You are an ingestion step. DO NOT summarize. Return ONLY valid JSON matching contract. No extra text. CONTRACT: " + ingestAckSchema
	for i, ch := range chunks {
		if err := rn.checkStop(); err != nil {
			return "", false, err
		}
		req := rn.payloadBase(
			instructions,
			rn.inputParts(fmt.Sprintf("PART %d/%d:\n%s", i+1, len(chunks), ch), nil),
			lastID,
		)
		name := fmt.Sprintf("A0_ingest_%d_%s", i, runlog.TSCode(time.Now()))
		rn.logRequest("A0", name, req.Body(), nil, nil, nil)
		resp, err := rn.createResponse(ctx, "A0", "A0_INGEST_ACK", fmt.Sprintf("A0_ingest_resp_%d_%s", i, runlog.TSCode(time.Now())), req, nil)
		if err != nil {
			return "", false, err
		}
		lastID = remote.AsString(resp, "id")
		if lastID == "" {
			return "", false, fmt.Errorf("A0 ingest: missing response id")
		}
	}
	rn.setStatus(6, 100, "A0: ingest done")
	return lastID, true, nil
}
