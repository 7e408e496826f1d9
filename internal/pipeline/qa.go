package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tsvetkov/loom/internal/contract"
	"github.com/tsvetkov/loom/internal/remote"
	"github.com/tsvetkov/loom/internal/runlog"
)

// runQA is the single plain-text exchange: no contract, no OUT writes.
func runQA(ctx context.Context, rn *run, basePrevID string) (map[string]any, error) {
	rn.setStatus(10, 0, "QA: asking")
	inputIDs := rn.inputFileIDsWithInDir()
	text := rn.cfg.Prompt
	text = appendNote(text, rn.ioReferenceNote(rn.refFileIDs()))
	text = appendNote(text, rn.inDirFallbackNote())
	text = appendNote(text, "Answer in plain text. Return only the answer text.")

	req := rn.payloadBase("Answer the user's question directly. Return plain text only.", rn.inputParts(text, inputIDs), basePrevID)
	name := "qa_" + runlog.TSCode(time.Now())
	rn.logRequest("QA", name, req.Body(), rn.refFileIDs(), inputIDs, rn.fsTools)
	resp, err := rn.createResponse(ctx, "QA", "QA", name+"_resp", req, rn.fsTools)
	if err != nil {
		return nil, rn.wrapPrevIDError(err)
	}
	answer := contract.ExtractText(resp)
	rn.recordReceipt("QA", resp)
	rn.setStatus(100, 100, "QA: done")
	return map[string]any{
		"mode":        ModeQA,
		"answer":      answer,
		"response_id": rn.finalResponseID,
	}, nil
}

// runQFile asks for exactly one file in one response. A chunked reply is
// a contract violation here: has_more must be false.
func runQFile(ctx context.Context, rn *run, basePrevID string) (map[string]any, error) {
	rn.setStatus(10, 0, "QFILE: generating file")
	inputIDs := rn.inputFileIDsWithInDir()
	text := rn.cfg.Prompt
	text = appendNote(text, rn.ioReferenceNote(rn.refFileIDs()))
	text = appendNote(text, rn.inDirFallbackNote())

	instructions := contractInstructions(fmt.Sprintf(fileContract, "A3_FILE")) +
		" Return the COMPLETE file in one response: chunking.has_more must be false."
	req := rn.payloadBase(instructions, rn.inputParts(text, inputIDs), basePrevID)
	forceZeroTemperature(&req, rn.cfg.Caps.TemperatureAllowed())
	name := "qfile_" + runlog.TSCode(time.Now())
	rn.logRequest("QFILE", name, req.Body(), rn.refFileIDs(), inputIDs, rn.fsTools)
	resp, err := rn.createResponse(ctx, "QFILE", "A3_FILE", name+"_resp", req, rn.fsTools)
	if err != nil {
		return nil, rn.wrapPrevIDError(err)
	}

	parsed, err := contract.ParseJSONStrict(contract.ExtractText(resp))
	if err != nil {
		return nil, err
	}
	if err := validateFileChunk(parsed, "A3_FILE"); err != nil {
		return nil, err
	}
	if chunking := remote.AsMap(parsed, "chunking"); chunking != nil {
		if v, is := chunking["has_more"].(bool); is && v {
			return nil, contract.Errorf("QFILE: response is chunked (has_more=true), a single complete file is required")
		}
	}

	out := OutFile{
		Path:    strings.TrimSpace(remote.AsString(parsed, "path")),
		Content: remote.AsString(parsed, "content"),
	}
	saved, err := rn.saveOutFiles([]OutFile{out})
	if err != nil {
		return nil, err
	}
	rn.recordReceipt("QFILE", resp)
	rn.setStatus(100, 100, "QFILE: done")
	return map[string]any{
		"mode":        ModeQFile,
		"files":       len(saved),
		"saved":       saved,
		"response_id": rn.finalResponseID,
	}, nil
}
