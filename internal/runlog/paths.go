package runlog

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrStopRequested is raised by orchestrators when the cooperative stop
// flag fires between stages.
var ErrStopRequested = errors.New("STOP_REQUESTED")

// SafeJoinUnderRoot joins a relative path under root and rejects any result
// that would escape it.
func SafeJoinUnderRoot(root, rel string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	dstAbs, err := filepath.Abs(filepath.Join(rootAbs, filepath.FromSlash(rel)))
	if err != nil {
		return "", err
	}
	if dstAbs != rootAbs && !strings.HasPrefix(dstAbs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes output root: %s", rel)
	}
	return dstAbs, nil
}
