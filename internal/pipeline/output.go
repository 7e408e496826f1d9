package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsvetkov/loom/internal/contract"
	"github.com/tsvetkov/loom/internal/runlog"
)

// versingSnapshot copies OUT into a directory {basename}{tscode} under
// OUT itself before the run overwrites anything. venv, .venv, LOG, and
// earlier snapshots stay out of the copy.
func (rn *run) versingSnapshot(outDir string) (string, error) {
	outAbs, err := filepath.Abs(outDir)
	if err != nil {
		return "", err
	}
	base := filepath.Base(outAbs)
	snapName := base + runlog.TSCode(time.Now())
	snapDir := filepath.Join(outAbs, snapName)
	if _, err := os.Stat(snapDir); err == nil {
		// Same-minute rerun: the existing snapshot already preserves OUT.
		return snapDir, nil
	}
	err = filepath.WalkDir(outAbs, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(outAbs, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name == "venv" || name == ".venv" || name == "LOG" || name == snapName || runlog.IsSnapshotDir(name, base) {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(snapDir, rel), 0o755)
		}
		return copyFile(path, filepath.Join(snapDir, rel))
	})
	if err != nil {
		return "", err
	}
	rn.log.Event("fs.snapshot", map[string]any{"out_dir": outAbs, "snapshot": snapDir})
	return snapDir, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// saveOutFiles writes generated files under OUT with LF line endings,
// emitting an fs.change event per file and an out_saved_map manifest.
// When versing is on, OUT is snapshotted once before the first write.
func (rn *run) saveOutFiles(files []OutFile) (map[string]string, error) {
	outDir := strings.TrimSpace(rn.cfg.OutDir)
	if outDir == "" {
		return nil, fmt.Errorf("OUT directory is not set")
	}
	outAbs, err := filepath.Abs(outDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outAbs, 0o755); err != nil {
		return nil, err
	}

	rels := make([]string, 0, len(files))
	for _, f := range files {
		rels = append(rels, f.Path)
	}
	if err := contract.ValidatePaths(rels); err != nil {
		return nil, err
	}

	if rn.cfg.Versing && len(files) > 0 {
		if _, err := rn.versingSnapshot(outAbs); err != nil {
			return nil, err
		}
	}

	saved := map[string]string{}
	for _, f := range files {
		abs, err := runlog.SafeJoinUnderRoot(outAbs, f.Path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, err
		}
		action := "create"
		var sizeBefore int64
		before := ""
		if st, statErr := os.Stat(abs); statErr == nil {
			action = "overwrite"
			sizeBefore = st.Size()
			before = runlog.FileFingerprint(abs)
		}
		content := strings.ReplaceAll(f.Content, "\r\n", "\n")
		if err := runlog.WriteFileAtomic(abs, []byte(content)); err != nil {
			return nil, err
		}
		after := runlog.FileFingerprint(abs)
		rn.log.RecordFSChange(action, "", abs, before, after, sizeBefore, int64(len(content)))
		saved[f.Path] = abs
	}
	if _, err := rn.log.SaveJSON("manifest", "out_saved_map_"+runlog.TSCode(time.Now()), map[string]any{
		"out_dir": outAbs,
		"saved":   saved,
	}); err != nil {
		return nil, err
	}
	rn.log.Event("io.out_saved", map[string]any{"count": len(saved), "out_dir": outAbs})
	return saved, nil
}
