package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tsvetkov/loom/internal/contract"
	"github.com/tsvetkov/loom/internal/remote"
	"github.com/tsvetkov/loom/internal/runlog"
)

// Contract samples embedded in instructions. The model must echo the
// contract name and the exact shape.
const (
	planContract      = `{"contract":"A1_PLAN","plan_summary":"...","notes":["..."]}`
	structureContract = `{"contract":"A2_STRUCTURE","files":[{"path":"relative/path.ext","purpose":"..."}]}`
	fileContract      = `{"contract":"%s","path":"relative/path.ext","content":"...","chunking":{"has_more":false,"next_chunk_index":0}}`
)

func contractInstructions(sample string) string {
	return "Return ONLY valid JSON matching CONTRACT. No markdown, no code fences, no extra text. CONTRACT: " + sample
}

// planFile is one entry of the generation structure.
type planFile struct {
	Path    string
	Purpose string
	Action  string
}

func planFilesFromMaps(items []map[string]any) []planFile {
	var out []planFile
	for _, m := range items {
		p := strings.TrimSpace(remote.AsString(m, "path"))
		if p == "" {
			continue
		}
		out = append(out, planFile{
			Path:    p,
			Purpose: remote.AsString(m, "purpose"),
			Action:  remote.AsString(m, "action"),
		})
	}
	return out
}

// filterPlanFiles drops entries matching the configured skip globs and
// extensions.
func (rn *run) filterPlanFiles(files []planFile) []planFile {
	if len(rn.cfg.SkipPaths) == 0 && len(rn.cfg.SkipExts) == 0 {
		return files
	}
	var kept []planFile
	for _, f := range files {
		rel := strings.ReplaceAll(f.Path, "\\", "/")
		skip := false
		for _, g := range rn.cfg.SkipPaths {
			if ok, err := doublestar.Match(g, rel); err == nil && ok {
				skip = true
				break
			}
		}
		if !skip {
			lower := strings.ToLower(rel)
			for _, ext := range rn.cfg.SkipExts {
				e := strings.ToLower(strings.TrimSpace(ext))
				if e == "" {
					continue
				}
				if !strings.HasPrefix(e, ".") {
					e = "." + e
				}
				if strings.HasSuffix(lower, e) {
					skip = true
					break
				}
			}
		}
		if skip {
			rn.log.Event("plan.skip", map[string]any{"path": f.Path})
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

// runGenerate is the A cascade: plan, structure, then per-file chunked
// generation. A resumed run re-enters at the file stage.
func runGenerate(ctx context.Context, rn *run, basePrevID string) (map[string]any, error) {
	var files []planFile
	prevID := basePrevID

	if len(rn.cfg.ResumeFiles) > 0 {
		files = planFilesFromMaps(rn.cfg.ResumeFiles)
		if rn.cfg.ResumePrevID != "" {
			prevID = rn.cfg.ResumePrevID
		}
		rn.log.Event("resume.structure", map[string]any{"files": len(files)})
		rn.setStatus(20, 0, fmt.Sprintf("A: resuming with %d planned files", len(files)))
	} else {
		rn.setStatus(10, 0, "A1: plan")
		planResp, err := rn.stageCall(ctx, "A1", "A1_PLAN", rn.cfg.Prompt, prevID, planContract, true)
		if err != nil {
			return nil, err
		}
		prevID = remote.AsString(planResp, "id")

		rn.setStatus(16, 0, "A2: structure")
		structResp, err := rn.stageCall(ctx, "A2", "A2_STRUCTURE",
			"Based on the approved plan, produce the complete file structure.", prevID, structureContract, false)
		if err != nil {
			return nil, err
		}
		prevID = remote.AsString(structResp, "id")

		parsed, err := contract.ParseJSONStrict(contract.ExtractText(structResp))
		if err != nil {
			return nil, err
		}
		files = planFilesFromMaps(anyMaps(remote.AsSlice(parsed, "files")))
		if len(files) == 0 {
			return nil, contract.Errorf("A2_STRUCTURE: empty files list")
		}
		rn.persistResumeStructure(files, prevID)
	}

	files = rn.filterPlanFiles(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no files left to generate after filtering")
	}

	outFiles, lastResp, err := rn.genFileChunks(ctx, "A3", "A3_FILE", files, prevID)
	if err != nil {
		return nil, err
	}
	saved, err := rn.saveOutFiles(outFiles)
	if err != nil {
		return nil, err
	}
	rn.recordReceipt("A3", lastResp)
	rn.setStatus(100, 100, fmt.Sprintf("A: done, %d files saved", len(saved)))
	return map[string]any{
		"mode":        ModeGenerate,
		"files":       len(saved),
		"saved":       saved,
		"response_id": rn.finalResponseID,
	}, nil
}

// persistResumeStructure writes the structure manifest an interrupted run
// resumes from.
func (rn *run) persistResumeStructure(files []planFile, prevID string) {
	items := make([]map[string]any, 0, len(files))
	for _, f := range files {
		items = append(items, map[string]any{"path": f.Path, "purpose": f.Purpose, "action": f.Action})
	}
	if _, err := rn.log.SaveJSON("manifest", "resume_structure_"+runlog.TSCode(time.Now()), map[string]any{
		"files":                 items,
		"structure_response_id": prevID,
	}); err != nil {
		rn.log.Event("resume.persist_failed", map[string]any{"error": err.Error()})
	}
}

// stageCall is one single-response contract stage (A1/A2/B1/B2). The
// first stage of a run carries the attachments and tools. A contract
// mismatch here fails the run immediately: plan and structure stages get
// no retries.
func (rn *run) stageCall(ctx context.Context, stage, contractName, text, prevID, sample string, withAttachments bool) (map[string]any, error) {
	var inputIDs []string
	var tools []map[string]any
	if withAttachments {
		inputIDs = rn.inputFileIDsWithInDir()
		tools = rn.fsTools
		text = appendNote(text, rn.ioReferenceNote(rn.refFileIDs()))
		text = appendNote(text, rn.inDirFallbackNote())
	}
	req := rn.payloadBase(contractInstructions(sample), rn.inputParts(text, inputIDs), prevID)
	name := fmt.Sprintf("%s_%s", strings.ToLower(contractName), runlog.TSCode(time.Now()))
	rn.logRequest(stage, name, req.Body(), rn.refFileIDs(), inputIDs, tools)
	resp, err := rn.createResponse(ctx, stage, contractName, name+"_resp", req, tools)
	if err != nil {
		return nil, rn.wrapPrevIDError(err)
	}
	if err := validateStageContract(resp, stage, contractName); err != nil {
		return nil, err
	}
	return resp, nil
}

// validateStageContract parses a plan/structure response and checks the
// echoed contract name.
func validateStageContract(resp map[string]any, stage, contractName string) error {
	parsed, err := contract.ParseJSONStrict(contract.ExtractText(resp))
	if err != nil {
		return err
	}
	if got := remote.AsString(parsed, "contract"); got != contractName {
		return contract.Errorf("%s: contract name: got %q want %q", stage, got, contractName)
	}
	return nil
}

// wrapPrevIDError captures explicit previous_response_id rejections so
// the terminal error names the real cause.
func (rn *run) wrapPrevIDError(err error) error {
	if err != nil && strings.Contains(err.Error(), "previous_response_id") {
		rn.lastPrevIDError = "Selected model explicitly rejects previous_response_id (required for cascades): " + err.Error()
	}
	return err
}

// genFileChunks drives the per-file chunk loop shared by A3 and B3. Each
// chunk gets up to contractRetries validation attempts; a file whose
// chunks keep failing is emitted empty with a contract.mismatch event.
func (rn *run) genFileChunks(ctx context.Context, stage, contractName string, files []planFile, basePrevID string) ([]OutFile, map[string]any, error) {
	instructions := contractInstructions(fmt.Sprintf(fileContract, contractName)) +
		fmt.Sprintf(" Emit at most %d lines of content per chunk; set chunking.has_more=true when the file continues.", maxLinesPerChunk)

	var out []OutFile
	var lastResp map[string]any
	total := len(files)
	for fi, f := range files {
		rn.setStatus(20+60*fi/total, 0, fmt.Sprintf("%s: %s (%d/%d)", stage, f.Path, fi+1, total))
		// Every file chains from the structure response, not from the
		// previous file's last chunk.
		prevID := basePrevID
		var content strings.Builder
		chunkIndex := 0
		gaveUp := false
		for guard := 0; ; guard++ {
			if guard >= maxChunkLoop {
				return nil, nil, fmt.Errorf("%s: chunk loop guard tripped for %s", stage, f.Path)
			}
			if err := rn.checkStop(); err != nil {
				return nil, nil, err
			}
			text := fmt.Sprintf("FILE: %s\nPURPOSE: %s\nCHUNK_INDEX: %d\nReturn this chunk of the file.", f.Path, f.Purpose, chunkIndex)
			if f.Action != "" {
				text = fmt.Sprintf("FILE: %s\nACTION: %s\nPURPOSE: %s\nCHUNK_INDEX: %d\nReturn this chunk of the file.", f.Path, f.Action, f.Purpose, chunkIndex)
			}

			var parsed map[string]any
			var resp map[string]any
			ok := false
			for attempt := 0; attempt < contractRetries; attempt++ {
				attemptText := text
				if attempt > 0 {
					attemptText += "\nThe previous reply violated CONTRACT. Return ONLY the contract JSON."
				}
				req := rn.payloadBase(instructions, rn.inputParts(attemptText, nil), prevID)
				forceZeroTemperature(&req, rn.cfg.Caps.TemperatureAllowed())
				name := fmt.Sprintf("%s_%02d_chunk_%02d_%s", strings.ToLower(contractName), fi, chunkIndex, runlog.TSCode(time.Now()))
				rn.logRequest(stage, name, req.Body(), nil, nil, nil)
				var err error
				resp, err = rn.createResponse(ctx, stage, contractName, name+"_resp", req, nil)
				if err != nil {
					return nil, nil, rn.wrapPrevIDError(err)
				}
				lastResp = resp
				if id := remote.AsString(resp, "id"); id != "" {
					prevID = id
				}
				parsed, err = contract.ParseJSONStrict(contract.ExtractText(resp))
				if err == nil {
					err = validateFileChunk(parsed, contractName)
				}
				if err == nil {
					ok = true
					break
				}
				rn.log.Event("contract.retry", map[string]any{
					"stage": stage, "path": f.Path, "chunk": chunkIndex,
					"attempt": attempt + 1, "error": err.Error(),
				})
			}
			if !ok {
				rn.log.Event("contract.mismatch", map[string]any{
					"stage": stage, "path": f.Path, "chunk": chunkIndex,
				})
				gaveUp = true
				break
			}

			content.WriteString(remote.AsString(parsed, "content"))
			chunking := remote.AsMap(parsed, "chunking")
			hasMore := false
			if chunking != nil {
				if v, is := chunking["has_more"].(bool); is {
					hasMore = v
				}
			}
			if !hasMore {
				break
			}
			next := int(remote.AsInt64(chunking["next_chunk_index"]))
			if next <= chunkIndex {
				next = chunkIndex + 1
			}
			chunkIndex = next
		}
		if gaveUp {
			out = append(out, OutFile{Path: f.Path, Content: "", Purpose: f.Purpose})
			continue
		}
		out = append(out, OutFile{Path: f.Path, Content: content.String(), Purpose: f.Purpose})
	}
	return out, lastResp, nil
}

func forceZeroTemperature(req *remote.ResponseRequest, allowed bool) {
	if !allowed {
		req.Temperature = nil
		return
	}
	zero := 0.0
	req.Temperature = &zero
}

func validateFileChunk(parsed map[string]any, contractName string) error {
	if got := remote.AsString(parsed, "contract"); got != contractName {
		return contract.Errorf("contract name: got %q want %q", got, contractName)
	}
	if remote.AsString(parsed, "path") == "" {
		return contract.Errorf("%s: missing path", contractName)
	}
	if _, ok := parsed["content"]; !ok {
		return contract.Errorf("%s: missing content", contractName)
	}
	return nil
}

func anyMaps(items []any) []map[string]any {
	var out []map[string]any
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
