package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tsvetkov/loom/internal/config"
	"github.com/tsvetkov/loom/internal/contract"
	"github.com/tsvetkov/loom/internal/remote"
	"github.com/tsvetkov/loom/internal/runlog"
	"github.com/tsvetkov/loom/internal/scan"
)

const (
	modifyPlanContract      = `{"contract":"B1_PLAN","plan_summary":"...","notes":["..."]}`
	modifyStructureContract = `{"contract":"B2_STRUCTURE","touched_files":[{"path":"relative/path.ext","action":"modify","purpose":"..."}]}`
)

// runModify is the B cascade over an existing IN tree: scan + mirror,
// plan, touched-file structure, per-file chunked rewrite.
func runModify(ctx context.Context, rn *run, basePrevID string) (map[string]any, error) {
	inDir := strings.TrimSpace(rn.cfg.InDir)
	if inDir == "" {
		return nil, fmt.Errorf("MODIFY requires an IN directory")
	}
	if err := rn.mirrorInTree(ctx, inDir); err != nil {
		return nil, err
	}

	prevID := basePrevID
	rn.setStatus(10, 0, "B1: plan")
	planText := rn.cfg.Prompt + "\n\nThe IN tree manifest is attached; modify only what the task requires."
	planResp, err := rn.stageCall(ctx, "B1", "B1_PLAN", planText, prevID, modifyPlanContract, true)
	if err != nil {
		return nil, err
	}
	prevID = remote.AsString(planResp, "id")

	rn.setStatus(16, 0, "B2: touched files")
	structResp, err := rn.stageCall(ctx, "B2", "B2_STRUCTURE",
		"Based on the approved plan, list every file to modify or add.", prevID, modifyStructureContract, false)
	if err != nil {
		return nil, err
	}
	prevID = remote.AsString(structResp, "id")

	parsed, err := contract.ParseJSONStrict(contract.ExtractText(structResp))
	if err != nil {
		return nil, err
	}
	files := planFilesFromMaps(anyMaps(remote.AsSlice(parsed, "touched_files")))
	if len(files) == 0 {
		return nil, contract.Errorf("B2_STRUCTURE: empty touched_files list")
	}
	for i := range files {
		switch files[i].Action {
		case "modify", "add":
		default:
			files[i].Action = "modify"
		}
	}
	rn.persistResumeStructure(files, prevID)

	files = rn.filterPlanFiles(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no files left to modify after filtering")
	}

	outFiles, lastResp, err := rn.genFileChunks(ctx, "B3", "B3_FILE", files, prevID)
	if err != nil {
		return nil, err
	}
	if rn.cfg.InEqualsOut && strings.TrimSpace(rn.cfg.OutDir) == "" {
		rn.cfg.OutDir = inDir
	}
	saved, err := rn.saveOutFiles(outFiles)
	if err != nil {
		return nil, err
	}
	rn.recordReceipt("B3", lastResp)
	rn.setStatus(100, 100, fmt.Sprintf("B: done, %d files saved", len(saved)))
	return map[string]any{
		"mode":        ModeModify,
		"files":       len(saved),
		"saved":       saved,
		"response_id": rn.finalResponseID,
	}, nil
}

func (rn *run) scanOptions() scan.Options {
	sec := rn.r.Settings.Security
	opts := scan.Options{
		DenyExtensions:  sec.DenyExtensionsIn,
		AllowExtensions: sec.AllowExtensionsIn,
		DenyGlobs:       sec.DenyGlobsIn,
		AllowGlobs:      sec.AllowGlobsIn,
	}
	if len(opts.DenyExtensions) == 0 {
		opts.DenyExtensions = config.DefaultDenyExtensions
	}
	if len(opts.DenyGlobs) == 0 {
		opts.DenyGlobs = config.DefaultDenyGlobs
	}
	return opts
}

// mirrorInTree scans IN, uploads the manifest plus the uploadable files
// (capped), and indexes them in a vector store when the model supports
// one. Vector-store failure degrades to file-only references.
func (rn *run) mirrorInTree(ctx context.Context, inDir string) error {
	rn.setStatus(6, 0, "B: scanning IN tree")
	items, err := scan.Tree(inDir, rn.scanOptions())
	if err != nil {
		return err
	}
	manifest := scan.BuildManifest(inDir, items, map[string]any{
		"mode":    rn.cfg.Mode,
		"project": rn.cfg.Project,
	})
	if _, err := rn.log.SaveJSON("manifest", "in_manifest_"+runlog.TSCode(time.Now()), manifest); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	mf, err := rn.r.Client.UploadFileBytes(ctx, "in_manifest.json", raw, "user_data")
	if err != nil {
		return err
	}
	rn.log.Event("upload.manifest", map[string]any{"file_id": mf.ID, "files": len(items)})

	var ups []mirrored
	uploadable := scan.Uploadable(items)
	for _, it := range uploadable {
		if len(ups) >= mirrorUploadCap {
			rn.log.Event("upload.mirror.capped", map[string]any{"cap": mirrorUploadCap, "total": len(uploadable)})
			break
		}
		if it.Sensitive && !rn.r.Settings.Security.AllowUploadSensitive {
			rn.log.Event("upload.mirror.skip_sensitive", map[string]any{"path": it.RelPath})
			continue
		}
		if err := rn.checkStop(); err != nil {
			return err
		}
		f, err := rn.r.Client.UploadFile(ctx, it.AbsPath, "user_data")
		if err != nil {
			rn.log.Event("upload.mirror.failed", map[string]any{"path": it.RelPath, "error": err.Error()})
			continue
		}
		ups = append(ups, mirrored{fileID: f.ID, rel: it.RelPath})
		rn.log.Event("upload.mirror", map[string]any{"path": it.RelPath, "file_id": f.ID})
	}

	if rn.cfg.Caps.VectorStoreEnabled() && len(ups) > 0 {
		rn.setStatus(8, 0, fmt.Sprintf("B: indexing %d mirrored files", len(ups)))
		if err := rn.attachMirrorVectorStore(ctx, mf.ID, ups); err != nil {
			rn.log.Event("vector_store.mirror.failed", map[string]any{"error": err.Error()})
		}
	}
	for _, u := range ups {
		rn.cfg.AttachedFileIDs = append(rn.cfg.AttachedFileIDs, u.fileID)
	}
	rn.cfg.AttachedFileIDs = append(rn.cfg.AttachedFileIDs, mf.ID)
	return nil
}

// mirrored pairs an uploaded mirror file with its IN-relative path.
type mirrored struct {
	fileID string
	rel    string
}

func (rn *run) attachMirrorVectorStore(ctx context.Context, manifestFileID string, ups []mirrored) error {
	vsID, err := rn.r.Client.CreateVectorStore(ctx, "MIRROR_"+runlog.TSCode(time.Now()), 0)
	if err != nil {
		return err
	}
	for _, u := range ups {
		vsfID, err := rn.r.Client.AddFileToVectorStore(ctx, vsID, u.fileID, map[string]any{"source_path": u.rel})
		if err != nil {
			return err
		}
		if err := rn.r.Client.WaitVectorStoreFile(ctx, vsID, vsfID, 2*time.Second, 180*time.Second); err != nil {
			return err
		}
	}
	vsfID, err := rn.r.Client.AddFileToVectorStore(ctx, vsID, manifestFileID, map[string]any{"source": "mirror_manifest"})
	if err != nil {
		return err
	}
	if err := rn.r.Client.WaitVectorStoreFile(ctx, vsID, vsfID, 2*time.Second, 180*time.Second); err != nil {
		return err
	}
	rn.vectorStoreIDs = append(rn.vectorStoreIDs, vsID)
	if rn.cfg.Caps.FileSearchEnabled() {
		rn.fsTools = []map[string]any{remote.FileSearchTool(dedupe(rn.vectorStoreIDs)...)}
	}
	rn.log.Event("vector_store.mirror", map[string]any{"vector_store_id": vsID, "files": len(ups) + 1})
	return nil
}
