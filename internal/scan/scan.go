// Package scan walks an IN tree, classifies every file for uploadability,
// and builds the manifest the mirror upload and modify flows depend on.
package scan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tsvetkov/loom/internal/runlog"
)

// sensitiveNames are filenames that are never uploadable regardless of
// content.
var sensitiveNames = map[string]struct{}{
	".env":       {},
	".env.local": {},
	".env.prod":  {},
	".pypirc":    {},
	"id_rsa":     {},
	"id_ed25519": {},
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`OPENAI[_-]?API[_-]?KEY\s*[:=]\s*['"]?[A-Za-z0-9-_]{10,}`),
	regexp.MustCompile(`(?i)\b(secret|token|password|api[_-]?key)\b\s*[:=]`),
	regexp.MustCompile(`-----BEGIN (RSA|OPENSSH|EC) PRIVATE KEY-----`),
}

const (
	maxFileSize    = 10 << 20
	secretScanCap  = 20000
	hashCap        = 5 << 20
	binaryProbeCap = 4096
)

// denyDirs are pruned from the walk entirely, together with versing
// snapshot directories of the scanned root.
var denyDirs = map[string]struct{}{
	"venv":  {},
	".venv": {},
	"LOG":   {},
}

// Item is one classified file.
type Item struct {
	RelPath    string `json:"path"`
	AbsPath    string `json:"-"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256,omitempty"`
	Uploadable bool   `json:"uploadable"`
	Reason     string `json:"reason"`
	Sensitive  bool   `json:"sensitive"`
}

// Options carries the allow/deny filters from the security settings.
type Options struct {
	DenyExtensions  []string
	AllowExtensions []string
	DenyGlobs       []string
	AllowGlobs      []string
}

// Tree walks root and classifies every file, sorted by relative path.
func Tree(root string, opts Options) ([]Item, error) {
	rootName := filepath.Base(root)
	var items []Item
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			name := d.Name()
			if _, deny := denyDirs[name]; deny {
				return filepath.SkipDir
			}
			if runlog.IsSnapshotDir(name, rootName) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		items = append(items, classify(rel, path, opts))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].RelPath < items[j].RelPath })
	return items, nil
}

func classify(rel, abs string, opts Options) Item {
	it := Item{RelPath: rel, AbsPath: abs}

	st, err := os.Stat(abs)
	if err != nil {
		it.Reason = "stat_failed"
		it.Sensitive = true
		return it
	}
	it.Size = st.Size()

	if len(opts.AllowGlobs) > 0 && !matchAny(rel, opts.AllowGlobs) {
		it.Reason = "not_in_allow_globs"
		return it
	}
	if matchAny(rel, opts.DenyGlobs) {
		it.Reason = "deny_glob"
		return it
	}

	ext := strings.ToLower(filepath.Ext(rel))
	if len(opts.AllowExtensions) > 0 && !containsFold(opts.AllowExtensions, ext) {
		it.Reason = "ext_not_allowed"
		return it
	}
	if containsFold(opts.DenyExtensions, ext) {
		it.Reason = "denied_extension"
		return it
	}

	if it.Size == 0 {
		it.Reason = "empty_file"
		return it
	}

	name := strings.ToLower(filepath.Base(rel))
	_, named := sensitiveNames[name]
	it.Sensitive = named || strings.HasSuffix(strings.ToLower(rel), ".env")

	if it.Size > maxFileSize {
		it.Reason = "too_large"
		return it
	}
	if probablyBinary(abs) {
		it.Reason = "binary"
		return it
	}
	if it.Sensitive || hasSecret(abs) {
		it.Reason = "sensitive_or_secret_detected"
		it.Sensitive = true
		return it
	}

	it.SHA256 = hashFile(abs)
	it.Uploadable = true
	it.Reason = "ok"
	return it
}

func matchAny(rel string, patterns []string) bool {
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, e := range list {
		if strings.ToLower(e) == v {
			return true
		}
	}
	return false
}

// probablyBinary treats unreadable files, files with repeated NUL bytes in
// the head, and files under 75% printable bytes as binary.
func probablyBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer func() { _ = f.Close() }()
	buf := make([]byte, binaryProbeCap)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return true
	}
	head := buf[:n]
	if bytes.Count(head, []byte{0}) > 1 {
		return true
	}
	if len(head) == 0 {
		return false
	}
	printable := 0
	for _, b := range head {
		if (b >= 32 && b <= 126) || b == '\t' || b == '\n' || b == '\r' {
			printable++
		}
	}
	return float64(printable)/float64(len(head)) < 0.75
}

func hasSecret(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer func() { _ = f.Close() }()
	head, err := io.ReadAll(io.LimitReader(f, secretScanCap))
	if err != nil {
		return true
	}
	for _, rx := range secretPatterns {
		if rx.Match(head) {
			return true
		}
	}
	return false
}

func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(f, hashCap)); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Manifest is the JSON description of a scanned IN tree.
type Manifest struct {
	Root        string         `json:"root"`
	GeneratedAt float64        `json:"generated_at"`
	Files       []Item         `json:"files"`
	Extra       map[string]any `json:"extra,omitempty"`
}

func BuildManifest(root string, items []Item, extra map[string]any) Manifest {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	files := items
	if files == nil {
		files = []Item{}
	}
	return Manifest{
		Root:        abs,
		GeneratedAt: float64(time.Now().UnixMilli()) / 1000.0,
		Files:       files,
		Extra:       extra,
	}
}

// Uploadable filters the items the mirror flow may upload.
func Uploadable(items []Item) []Item {
	var out []Item
	for _, it := range items {
		if it.Uploadable {
			out = append(out, it)
		}
	}
	return out
}
