package runlog

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// WriteFileAtomic writes data via a temp file in the target directory,
// fsyncs, then renames over the destination so readers never observe a
// torn write.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// fingerprintCap bounds how much of a file feeds the change fingerprint.
const fingerprintCap = 2 << 20

// FileFingerprint hashes up to the first 2 MiB of a file for fs.change
// events. Missing files fingerprint as "".
func FileFingerprint(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	h := blake3.New()
	if _, err := io.Copy(h, io.LimitReader(f, fingerprintCap)); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
