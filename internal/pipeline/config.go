// Package pipeline is the run orchestrator: the per-mode state machines,
// the IN/OUT model, long-prompt ingest, chunked contract-validated
// generation, and receipt recording.
package pipeline

import (
	"github.com/tsvetkov/loom/internal/caps"
	"github.com/tsvetkov/loom/internal/diag"
)

// Run modes. CASCADE runs through the cascade package; everything else is
// dispatched here.
const (
	ModeGenerate = "GENERATE"
	ModeModify   = "MODIFY"
	ModeQA       = "QA"
	ModeQFile    = "QFILE"
	ModeBatch    = "BATCH"
	ModeCascade  = "CASCADE"
)

const (
	// ingestThreshold is the prompt length above which GENERATE/MODIFY
	// ingest the prompt as a chained A0 cascade.
	ingestThreshold = 150000
	// chunkChars splits prompts into message parts and ingest chunks.
	chunkChars = 20000
	// maxChunkLoop guards the per-file chunk loop.
	maxChunkLoop = 5000
	// contractRetries bounds validation retries per chunk.
	contractRetries = 3
	// mirrorUploadCap bounds per-run mirror uploads in MODIFY.
	mirrorUploadCap = 2000
	// maxLinesPerChunk is the contract's advertised chunk size.
	maxLinesPerChunk = 500
)

// RunConfig is one orchestrated run. Caps is the cached capability
// snapshot for the selected model.
type RunConfig struct {
	Project string
	Prompt  string
	Mode    string

	SendAsBatch    bool
	Model          string
	BaseResponseID string

	AttachedFileIDs        []string
	InputFileIDs           []string
	AttachedVectorStoreIDs []string

	InDir       string
	OutDir      string
	InEqualsOut bool
	Versing     bool

	Temperature   float64
	UseFileSearch bool

	SkipPaths []string
	SkipExts  []string

	Caps       caps.Record
	Collectors []diag.Collector

	// Resume data from a previous incomplete run: a known structure list
	// plus the response id it chains from.
	ResumeFiles  []map[string]any
	ResumePrevID string
}

// inputFileIDs returns the ids sent as input_file parts, falling back to
// the reference attachments.
func (c RunConfig) inputFileIDs() []string {
	if len(c.InputFileIDs) > 0 {
		return append([]string(nil), c.InputFileIDs...)
	}
	return append([]string(nil), c.AttachedFileIDs...)
}

// OutFile is one generated file before it is written to OUT.
type OutFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Purpose string `json:"purpose,omitempty"`
}
