package runlog

import (
	"crypto/rand"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"
)

// tsLayout renders DDMMYYYYhhmm, the timestamp code used in run ids,
// saved-file names, and versing snapshot directories.
const tsLayout = "020120061504"

func TSCode(t time.Time) string {
	return t.Format(tsLayout)
}

// RunIDRe matches RUN_DDMMYYYYhhmm_XXXX.
var RunIDRe = regexp.MustCompile(`^RUN_\d{12}_[A-Z0-9]{4}$`)

const suffixCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewRunID builds RUN_<tscode>_<XXXX> with a random 4-char suffix drawn
// from ULID entropy.
func NewRunID(now time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(now), rand.Reader)
	suffix := make([]byte, 4)
	for i := 0; i < 4; i++ {
		suffix[i] = suffixCharset[int(id.Entropy()[i])%len(suffixCharset)]
	}
	return "RUN_" + TSCode(now) + "_" + string(suffix)
}

// IsSnapshotDir reports whether name looks like a versing snapshot of
// rootName: the basename followed by a 12-digit timestamp code.
func IsSnapshotDir(name, rootName string) bool {
	if rootName == "" {
		return false
	}
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(rootName) + `\d{12}$`)
	return re.MatchString(name)
}
