// Package caps empirically probes models for the optional request fields
// they accept and caches the results with a TTL.
package caps

import "strings"

// State is the outcome of one capability probe. A flag drops to No only on
// an explicit schema/param rejection; transient failures leave it
// Inconclusive so auditors can tell a real "no" from a probe that never ran
// cleanly.
type State int

// StateInconclusive is the zero value: an unprobed model keeps chaining
// and temperature (both optimistic) but never gets tools.
const (
	StateInconclusive State = iota
	StateYes
	StateNo
)

func (s State) String() string {
	switch s {
	case StateYes:
		return "yes"
	case StateNo:
		return "no"
	default:
		return "inconclusive"
	}
}

type Flag struct {
	State  State
	Reason string
}

func Yes() Flag { return Flag{State: StateYes} }

func No(reason string) Flag { return Flag{State: StateNo, Reason: reason} }

func Inconclusive(r string) Flag { return Flag{State: StateInconclusive, Reason: r} }

// rejectionNeedles are the phrases that, combined with the parameter name,
// mark an explicit schema rejection.
var rejectionNeedles = []string{
	"unknown parameter",
	"unrecognized parameter",
	"unexpected parameter",
	"unsupported parameter",
	"additional properties are not allowed",
	"extra fields not permitted",
	"is not permitted",
	"was unexpected",
	"is not allowed",
	"is not supported",
}

// ParamRejected reports whether err explicitly rejects the named parameter.
// Transient errors (429/5xx/network) never match.
func ParamRejected(err, param string) bool {
	if err == "" || param == "" {
		return false
	}
	e := strings.ToLower(err)
	key := strings.ToLower(param)
	if !strings.Contains(e, key) {
		return false
	}
	for _, n := range rejectionNeedles {
		if strings.Contains(e, n) {
			return true
		}
	}
	return false
}
