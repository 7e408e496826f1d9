// Package diag turns externally collected diagnostic files into a single
// JSON artifact the orchestrator can upload and index.
package diag

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsvetkov/loom/internal/runlog"
)

// Collector gathers diagnostic files into destDir and returns their paths.
// Implementations live outside the core (host scripts, SSH probes).
type Collector interface {
	Name() string
	Collect(ctx context.Context, destDir string) ([]string, error)
}

// textExts are bundled as UTF-8; everything else is base64.
var textExts = map[string]struct{}{
	".txt": {}, ".log": {}, ".json": {}, ".xml": {}, ".yaml": {}, ".yml": {},
	".md": {}, ".csv": {}, ".ini": {}, ".cfg": {}, ".conf": {}, ".ps1": {},
	".bat": {}, ".cmd": {}, ".sh": {}, ".reg": {},
}

const (
	digestMaxTotal   = 120000
	digestMaxPerFile = 20000
)

// Bundle is the uploaded diagnostics artifact.
type Bundle struct {
	GeneratedAt    string       `json:"generated_at"`
	SourceRoot     string       `json:"source_root"`
	FileCount      int          `json:"file_count"`
	TotalSizeBytes int64        `json:"total_size_bytes"`
	Files          []BundleFile `json:"files"`
}

type BundleFile struct {
	Path     string `json:"path"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
	Bytes    int64  `json:"bytes"`
}

// WriteBundle serializes the collected files into one JSON document under
// destPath. Unreadable files are skipped.
func WriteBundle(destPath, root string, files []string) (Bundle, error) {
	b := Bundle{
		GeneratedAt: time.Now().Format("2006-01-02 15:04:05"),
		SourceRoot:  root,
		Files:       []BundleFile{},
	}
	for _, fp := range files {
		rel, err := filepath.Rel(root, fp)
		if err != nil {
			rel = filepath.Base(fp)
		}
		data, err := os.ReadFile(fp)
		if err != nil {
			continue
		}
		bf := BundleFile{Path: filepath.ToSlash(rel), Bytes: int64(len(data))}
		if _, ok := textExts[strings.ToLower(filepath.Ext(fp))]; ok {
			bf.Encoding = "utf-8"
			bf.Content = string(data)
		} else {
			bf.Encoding = "base64"
			bf.Content = base64.StdEncoding.EncodeToString(data)
		}
		b.Files = append(b.Files, bf)
		b.FileCount++
		b.TotalSizeBytes += bf.Bytes
	}
	raw, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return b, err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return b, err
	}
	return b, runlog.WriteFileAtomic(destPath, raw)
}

// Digest builds a size-capped plain-text excerpt of the text files, one
// header per file.
func Digest(files []string) string {
	var sb strings.Builder
	total := 0
	for _, fp := range files {
		if total >= digestMaxTotal {
			break
		}
		ext := strings.ToLower(filepath.Ext(fp))
		if ext != "" {
			if _, ok := textExts[ext]; !ok {
				continue
			}
		}
		data, err := os.ReadFile(fp)
		if err != nil {
			continue
		}
		content := string(data)
		if len(content) > digestMaxPerFile {
			content = content[:digestMaxPerFile]
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		header := "\n# " + filepath.Base(fp) + "\n"
		if total+len(header) >= digestMaxTotal {
			break
		}
		sb.WriteString(header)
		total += len(header)
		if total+len(content) > digestMaxTotal {
			content = content[:digestMaxTotal-total]
		}
		sb.WriteString(content)
		total += len(content)
	}
	return strings.TrimSpace(sb.String())
}
