// Package audit reconciles run logs to billing: it walks every run
// directory, prices each logged response against the table, and inserts or
// corrects receipts without ever double counting.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tsvetkov/loom/internal/pricing"
	"github.com/tsvetkov/loom/internal/receipt"
	"github.com/tsvetkov/loom/internal/remote"
)

// costEpsilon is the threshold below which an existing receipt is left
// alone.
const costEpsilon = 1e-6

// Summary reports one audit pass.
type Summary struct {
	RunsScanned    int      `json:"runs_scanned"`
	ResponsesSeen  int      `json:"responses_seen"`
	Inserted       int      `json:"inserted"`
	Updated        int      `json:"updated"`
	ZeroUsage      int      `json:"zero_usage"`
	MissingRuns    int      `json:"missing_runs"`
	PricingRefresh string   `json:"pricing_refresh"`
	Errors         []string `json:"errors"`
}

// Auditor scans LOG/* deterministically. It is the only receipt writer
// besides the orchestrator.
type Auditor struct {
	Table   *pricing.Table
	Store   *receipt.Store
	Client  *remote.Client
	HTTP    *http.Client
	LogRoot string

	SourceURL string
	TTL       time.Duration
	Log       *zap.Logger

	now func() time.Time
}

func New(table *pricing.Table, store *receipt.Store, logRoot string, log *zap.Logger) *Auditor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Auditor{
		Table:   table,
		Store:   store,
		LogRoot: logRoot,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		Log:     log,
		now:     time.Now,
	}
}

// Audit runs one full pass and returns the summary. Per-run failures are
// collected, not fatal.
func (a *Auditor) Audit(ctx context.Context) Summary {
	sum := Summary{Errors: []string{}}
	a.refreshPricingIfNeeded(ctx, &sum)

	idx, err := a.Store.ExistingIndex()
	if err != nil {
		sum.Errors = append(sum.Errors, err.Error())
		return sum
	}
	entries, err := os.ReadDir(a.LogRoot)
	if err != nil {
		sum.Errors = append(sum.Errors, fmt.Sprintf("log dir not found: %s", a.LogRoot))
		return sum
	}
	var runDirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "RUN_") || strings.HasPrefix(e.Name(), "TEST_") {
			runDirs = append(runDirs, filepath.Join(a.LogRoot, e.Name()))
		}
	}
	sort.Strings(runDirs)

	for _, runDir := range runDirs {
		sum.RunsScanned++
		a.auditRun(runDir, readJSONFile(filepath.Join(runDir, "run_state.json")), &idx, &sum)
	}
	a.Log.Info("audit finished",
		zap.Int("runs", sum.RunsScanned),
		zap.Int("inserted", sum.Inserted),
		zap.Int("updated", sum.Updated),
		zap.Int("errors", len(sum.Errors)))
	return sum
}

// refreshPricingIfNeeded tries the URL source first and falls back to the
// model fetcher when a client is available.
func (a *Auditor) refreshPricingIfNeeded(ctx context.Context, sum *Summary) {
	if !a.Table.Stale(a.TTL) {
		return
	}
	if ok, msg := a.Table.RefreshFromURL(ctx, a.HTTP, a.SourceURL); ok {
		sum.PricingRefresh = "url"
		a.Log.Info("pricing refreshed from URL")
		return
	} else if a.Client == nil {
		sum.Errors = append(sum.Errors, fmt.Sprintf("pricing refresh failed (no API client): %s", msg))
		return
	}
	if ok, msg := a.Table.RefreshFromModel(ctx, a.Client, ""); ok {
		sum.PricingRefresh = "model"
		a.Log.Info("pricing refreshed via model")
	} else {
		sum.Errors = append(sum.Errors, fmt.Sprintf("pricing refresh via model failed: %s", msg))
	}
}

// requestMeta pairs an inferred flow label with whether the request carried
// the file_search tool.
type requestMeta struct {
	label string
	useFS bool
	mtime time.Time
}

func (a *Auditor) auditRun(runDir string, runState map[string]any, idx *receipt.Index, sum *Summary) {
	reqMeta := loadRequestMeta(runDir)
	respDir := filepath.Join(runDir, "responses")
	entries, err := os.ReadDir(respDir)
	if err != nil || len(entries) == 0 {
		sum.MissingRuns += a.maybeInsertFallback(runDir, runState, idx, sum)
		return
	}
	type respFile struct {
		path  string
		mtime time.Time
	}
	var files []respFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, respFile{path: filepath.Join(respDir, e.Name()), mtime: info.ModTime()})
	}
	if len(files) == 0 {
		sum.MissingRuns += a.maybeInsertFallback(runDir, runState, idx, sum)
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })

	for _, rf := range files {
		resp := readJSONFile(rf.path)
		if resp == nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: failed to read %s", runDir, filepath.Base(rf.path)))
			continue
		}
		rcpt, responseID, batchID, zeroUsage := a.buildReceipt(runDir, runState, rf.path, rf.mtime, resp, reqMeta)
		sum.ResponsesSeen++
		if zeroUsage {
			sum.ZeroUsage++
		}
		switch a.insertOrUpdate(rcpt, responseID, batchID, idx, sum) {
		case "inserted":
			sum.Inserted++
		case "updated":
			sum.Updated++
		}
	}
}

// maybeInsertFallback covers runs that produced no responses at all so they
// still appear in billing.
func (a *Auditor) maybeInsertFallback(runDir string, runState map[string]any, idx *receipt.Index, sum *Summary) int {
	runID := filepath.Base(runDir)
	if _, seen := idx.RunIDs[runID]; seen {
		return 0
	}
	status := stringOr(runState, "status", "unknown")
	r := &receipt.Receipt{
		RunID:     runID,
		CreatedAt: float64(a.now().UnixMilli()) / 1000.0,
		Project:   stringOr(runState, "project", "UNKNOWN"),
		Model:     stringOr(runState, "model", ""),
		Mode:      stringOr(runState, "mode", "UNKNOWN"),
		FlowType:  receipt.FlowFallback,
		Notes:     fmt.Sprintf("Audit fallback (no responses; status=%s)", status),
	}
	r.SetLogPaths(map[string]any{"run_dir": runDir})
	r.SetUsage(map[string]any{"status": status})
	if _, err := a.Store.Insert(r); err != nil {
		sum.Errors = append(sum.Errors, fmt.Sprintf("%s: fallback insert: %v", runID, err))
		return 0
	}
	idx.RunIDs[runID] = struct{}{}
	return 1
}

func (a *Auditor) insertOrUpdate(r *receipt.Receipt, responseID, batchID string, idx *receipt.Index, sum *Summary) string {
	update := func(refs map[string]receipt.Ref, key string) (string, bool) {
		existing, ok := refs[key]
		if !ok {
			return "", false
		}
		if !needsUpdate(existing.TotalCost, r.TotalCost) {
			return "skipped", true
		}
		if err := a.Store.UpdateRow(existing.ID, r); err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: update: %v", r.RunID, err))
			return "skipped", true
		}
		existing.TotalCost = r.TotalCost
		refs[key] = existing
		return "updated", true
	}
	if responseID != "" {
		if op, ok := update(idx.Response, responseID); ok {
			return op
		}
	}
	if batchID != "" {
		if op, ok := update(idx.Batch, batchID); ok {
			return op
		}
	}
	id, err := a.Store.Insert(r)
	if err != nil {
		sum.Errors = append(sum.Errors, fmt.Sprintf("%s: insert: %v", r.RunID, err))
		return "skipped"
	}
	ref := receipt.Ref{ID: id, RunID: r.RunID, TotalCost: r.TotalCost}
	if responseID != "" {
		idx.Response[responseID] = ref
	}
	if batchID != "" {
		idx.Batch[batchID] = ref
	}
	idx.RunIDs[r.RunID] = struct{}{}
	return "inserted"
}

// needsUpdate tolerates float noise but always corrects a zero when a real
// cost is now known.
func needsUpdate(existing, fresh float64) bool {
	if existing == 0 && fresh != 0 {
		return true
	}
	return absFloat(existing-fresh) > costEpsilon
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (a *Auditor) buildReceipt(runDir string, runState map[string]any, respPath string, mtime time.Time, resp map[string]any, reqMeta []requestMeta) (*receipt.Receipt, string, string, bool) {
	runID := filepath.Base(runDir)
	label := InferLabel(filepath.Base(respPath))
	mode, flow := InferModeFlow(label)

	responseID := remote.AsString(resp, "id")
	if responseID == "" {
		responseID = remote.AsString(remote.AsMap(resp, "response"), "id")
	}
	batchID := remote.AsString(resp, "batch_id")
	model := remote.AsString(resp, "model")
	if model == "" {
		model = remote.AsString(remote.AsMap(resp, "response"), "model")
	}
	if model == "" {
		model = stringOr(runState, "model", "")
	}

	usage := extractUsage(resp)
	parsed := remote.ParseUsage(map[string]any{"usage": usage})
	zeroUsage := parsed.InputTokens == 0 && parsed.OutputTokens == 0
	useFS := matchRequestTools(label, mtime, reqMeta)

	row, ok := a.Table.Get(model)
	if !ok {
		row, ok = pricing.Builtin()[model]
	}
	if !ok {
		row = pricing.Builtin()["gpt-4o-mini"]
		ok = true
	}
	cost := pricing.ComputeCost(&row, parsed.InputTokens, parsed.OutputTokens, mode == "C", useFS, 0)

	notes := flow
	if zeroUsage && len(usage) > 0 {
		notes += " (usage present but zero tokens)"
	} else if zeroUsage {
		notes += " (usage missing)"
	}
	if mode == "UNKNOWN" {
		if m := stringOr(runState, "mode", ""); m != "" {
			mode = m
		}
	}

	r := &receipt.Receipt{
		RunID:           runID,
		CreatedAt:       float64(mtime.UnixMilli()) / 1000.0,
		Project:         stringOr(runState, "project", "UNKNOWN"),
		Model:           model,
		Mode:            mode,
		FlowType:        flow,
		InputTokens:     parsed.InputTokens,
		OutputTokens:    parsed.OutputTokens,
		ToolCost:        cost.Tool,
		StorageCost:     cost.Storage,
		TotalCost:       cost.Total,
		PricingVerified: a.Table.Verified && ok,
		Notes:           notes,
	}
	if responseID != "" {
		r.ResponseID = &responseID
	}
	if batchID != "" {
		r.BatchID = &batchID
	}
	r.SetLogPaths(map[string]any{"run_dir": runDir, "response_file": respPath})
	r.SetUsage(usage)
	return r, responseID, batchID, zeroUsage
}

func extractUsage(resp map[string]any) map[string]any {
	if u := remote.AsMap(resp, "usage"); len(u) > 0 {
		return u
	}
	if u := remote.AsMap(remote.AsMap(resp, "response"), "usage"); len(u) > 0 {
		return u
	}
	if u := remote.AsMap(remote.AsMap(resp, "body"), "usage"); len(u) > 0 {
		return u
	}
	return map[string]any{}
}

// loadRequestMeta inspects every logged request once, noting its flow label
// and whether it carried file_search.
func loadRequestMeta(runDir string) []requestMeta {
	reqDir := filepath.Join(runDir, "requests")
	entries, err := os.ReadDir(reqDir)
	if err != nil {
		return nil
	}
	var meta []requestMeta
	for _, e := range entries {
		name := strings.ToLower(e.Name())
		if e.IsDir() || (!strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".jsonl")) {
			continue
		}
		path := filepath.Join(reqDir, e.Name())
		data := readJSONFile(path)
		if data == nil {
			continue
		}
		payload := data
		if p := remote.AsMap(data, "payload"); len(p) > 0 {
			payload = p
		} else if p := remote.AsMap(data, "body"); len(p) > 0 {
			payload = p
		}
		useFS := false
		for _, tool := range remote.AsSlice(payload, "tools") {
			if t, ok := tool.(map[string]any); ok && remote.AsString(t, "type") == "file_search" {
				useFS = true
			}
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		meta = append(meta, requestMeta{label: InferLabel(e.Name()), useFS: useFS, mtime: info.ModTime()})
	}
	sort.Slice(meta, func(i, j int) bool { return meta[i].mtime.Before(meta[j].mtime) })
	return meta
}

// matchRequestTools picks the latest request with the same label recorded
// no later than one second after the response.
func matchRequestTools(label string, respMtime time.Time, meta []requestMeta) bool {
	use := false
	found := false
	for _, m := range meta {
		if m.label == label && !m.mtime.After(respMtime.Add(time.Second)) {
			use = m.useFS
			found = true
		}
	}
	return found && use
}

var labelTokens = []string{"A3", "A2", "A1", "B3", "B2", "B1", "QA", "QFILE", "C_BATCH", "C"}

// InferLabel extracts the flow label from a logged file name.
func InferLabel(name string) string {
	upper := strings.ToUpper(name)
	for _, tok := range labelTokens {
		if strings.Contains(upper, tok) {
			return tok
		}
	}
	if strings.Contains(upper, "BATCH") {
		return "C"
	}
	return "UNKNOWN"
}

// InferModeFlow maps a flow label to its (mode, flow) pair.
func InferModeFlow(label string) (string, string) {
	switch label {
	case "A1", "A2", "A3":
		return "GENERATE", label
	case "B1", "B2", "B3":
		return "MODIFY", label
	case "QA":
		return "QA", "QA"
	case "QFILE":
		return "QFILE", "QFILE"
	case "C_BATCH":
		return "C", "C_BATCH"
	case "C":
		return "C", "C"
	}
	if label == "" {
		label = "UNKNOWN"
	}
	return "UNKNOWN", label
}

func readJSONFile(path string) map[string]any {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func stringOr(m map[string]any, key, fallback string) string {
	if m == nil {
		return fallback
	}
	if v := remote.AsString(m, key); v != "" {
		return v
	}
	return fallback
}
