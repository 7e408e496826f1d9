package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tsvetkov/loom/internal/contract"
	"github.com/tsvetkov/loom/internal/remote"
	"github.com/tsvetkov/loom/internal/runlog"
)

const batchFilesContract = `{"contract":"C_FILES_ALL","files":[{"path":"relative/path.ext","content":"..."}]}`

// runCBatch submits the whole task as one Batch API request and stops.
// Results are reassembled later, once the remote batch completes.
func runCBatch(ctx context.Context, rn *run, _ string) (map[string]any, error) {
	rn.setStatus(10, 0, "C: building batch request")
	inputIDs := rn.inputFileIDsWithInDir()
	text := rn.cfg.Prompt
	text = appendNote(text, rn.ioReferenceNote(rn.refFileIDs()))
	text = appendNote(text, rn.inDirFallbackNote())

	instructions := contractInstructions(batchFilesContract) +
		" Produce EVERY file of the task in this single response."
	req := rn.payloadBase(instructions, rn.inputParts(text, inputIDs), "")
	body := req.Body()
	if len(rn.fsTools) > 0 {
		tools := make([]any, 0, len(rn.fsTools))
		for _, t := range rn.fsTools {
			tools = append(tools, t)
		}
		body["tools"] = tools
		rn.usedFileSearch = true
	}

	customID := rn.log.RunID + "_C1"
	line := map[string]any{
		"custom_id": customID,
		"method":    "POST",
		"url":       "/v1/responses",
		"body":      body,
		"attachments": map[string]any{
			"file_ids":         rn.refFileIDs(),
			"input_file_ids":   inputIDs,
			"vector_store_ids": dedupe(rn.vectorStoreIDs),
		},
	}
	raw, err := json.Marshal(line)
	if err != nil {
		return nil, err
	}
	jsonlPath, err := rn.log.SaveJSON("request", "c_batch_input_"+runlog.TSCode(time.Now()), line)
	if err != nil {
		return nil, err
	}

	rn.setStatus(20, 0, "C: uploading batch input")
	f, err := rn.r.Client.UploadFileBytes(ctx, "batch_input.jsonl", append(raw, '\n'), "batch")
	if err != nil {
		return nil, err
	}
	window := rn.r.Settings.Batch.CompletionWindow
	if strings.TrimSpace(window) == "" {
		window = "24h"
	}
	b, err := rn.r.Client.CreateBatch(ctx, f.ID, "/v1/responses", window)
	if err != nil {
		return nil, err
	}
	if err := rn.log.UpdateState(map[string]any{
		"batch_id":            b.ID,
		"batch_input_file_id": f.ID,
		"batch_custom_id":     customID,
	}); err != nil {
		return nil, err
	}
	rn.log.Event("batch.created", map[string]any{
		"batch_id":      b.ID,
		"input_file_id": f.ID,
		"custom_id":     customID,
		"request_file":  jsonlPath,
	})
	rn.recordBatchReceipt(b.ID)
	rn.setStatus(100, 100, "C: batch submitted, results arrive asynchronously")
	return map[string]any{
		"mode":      "C",
		"batch_id":  b.ID,
		"custom_id": customID,
		"status":    b.Status,
	}, nil
}

// ReassembleBatchOutput turns a completed batch's output JSONL into the
// files to save. Both reply shapes are accepted: one C_FILES_ALL bundle,
// or A3_FILE chunks grouped by path and ordered by chunk index.
func ReassembleBatchOutput(data []byte) ([]OutFile, []string, error) {
	type chunk struct {
		index   int
		content string
	}
	byPath := map[string][]chunk{}
	var order []string
	var files []OutFile
	var warnings []string

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 1<<20), 64<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var envelope map[string]any
		if err := json.Unmarshal(line, &envelope); err != nil {
			warnings = append(warnings, fmt.Sprintf("line %d: not JSON: %v", lineNo, err))
			continue
		}
		if errObj := remote.AsMap(envelope, "error"); errObj != nil {
			warnings = append(warnings, fmt.Sprintf("line %d: batch error: %s", lineNo, remote.AsString(errObj, "message")))
			continue
		}
		response := remote.AsMap(envelope, "response")
		body := remote.AsMap(response, "body")
		if body == nil {
			body = envelope
		}
		parsed, err := contract.ParseJSONStrict(contract.ExtractText(body))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("line %d: %v", lineNo, err))
			continue
		}
		switch remote.AsString(parsed, "contract") {
		case "C_FILES_ALL":
			for _, m := range anyMaps(remote.AsSlice(parsed, "files")) {
				p := strings.TrimSpace(remote.AsString(m, "path"))
				if p == "" {
					warnings = append(warnings, fmt.Sprintf("line %d: file entry without path", lineNo))
					continue
				}
				files = append(files, OutFile{Path: p, Content: remote.AsString(m, "content")})
			}
		case "A3_FILE", "B3_FILE":
			p := strings.TrimSpace(remote.AsString(parsed, "path"))
			if p == "" {
				warnings = append(warnings, fmt.Sprintf("line %d: chunk without path", lineNo))
				continue
			}
			idx := 0
			if chunking := remote.AsMap(parsed, "chunking"); chunking != nil {
				idx = int(remote.AsInt64(chunking["chunk_index"]))
				if idx == 0 {
					// next_chunk_index points one past this chunk.
					if n := int(remote.AsInt64(chunking["next_chunk_index"])); n > 0 {
						idx = n - 1
					}
				}
			}
			if _, seen := byPath[p]; !seen {
				order = append(order, p)
			}
			byPath[p] = append(byPath[p], chunk{index: idx, content: remote.AsString(parsed, "content")})
		default:
			warnings = append(warnings, fmt.Sprintf("line %d: unknown contract %q", lineNo, remote.AsString(parsed, "contract")))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, warnings, err
	}

	for _, p := range order {
		chunks := byPath[p]
		sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })
		var sb strings.Builder
		for i, c := range chunks {
			if c.index != i {
				warnings = append(warnings, fmt.Sprintf("%s: chunk index gap (got %d want %d)", p, c.index, i))
			}
			sb.WriteString(c.content)
		}
		files = append(files, OutFile{Path: p, Content: sb.String()})
	}
	if len(files) == 0 && len(warnings) > 0 {
		return nil, warnings, fmt.Errorf("batch output produced no files")
	}
	return files, warnings, nil
}

// FetchBatchOutput downloads and reassembles a completed batch, writing
// the files through the usual OUT path of a fresh run attached to the
// original run directory.
func (r *Runner) FetchBatchOutput(ctx context.Context, project, runID string) (map[string]any, error) {
	logger, err := runlog.OpenExisting(r.LogRoot, project, runID)
	if err != nil {
		return nil, err
	}
	state := logger.ReadState()
	batchID := remote.AsString(state, "batch_id")
	if batchID == "" {
		return nil, fmt.Errorf("run %s has no batch_id", runID)
	}
	b, err := r.Client.RetrieveBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != "completed" {
		return map[string]any{"batch_id": batchID, "status": b.Status}, nil
	}
	if b.OutputFileID == "" {
		return nil, fmt.Errorf("batch %s completed without an output file", batchID)
	}
	data, err := r.Client.FileContent(ctx, b.OutputFileID)
	if err != nil {
		return nil, err
	}
	files, warnings, err := ReassembleBatchOutput(data)
	for _, w := range warnings {
		logger.Event("batch.reassembly.warning", map[string]any{"warning": w})
	}
	if err != nil {
		return nil, err
	}
	rn := &run{r: r, log: logger, cfg: RunConfig{
		Project: project,
		Mode:    "C",
		OutDir:  remote.AsString(state, "out_dir"),
		Versing: true,
	}}
	saved, err := rn.saveOutFiles(files)
	if err != nil {
		return nil, err
	}
	logger.Event("batch.reassembled", map[string]any{"batch_id": batchID, "files": len(saved)})
	return map[string]any{
		"batch_id": batchID,
		"status":   b.Status,
		"files":    len(saved),
		"saved":    saved,
	}, nil
}
