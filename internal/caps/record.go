package caps

import (
	"time"
)

// Record holds the probed capabilities of one model. Flags are tri-state
// in memory; the cache file keeps the legacy boolean+errors encoding.
type Record struct {
	Model    string
	TestedAt time.Time
	OKBasic  bool

	Continuation Flag // previous_response_id
	Temperature  Flag
	Tools        Flag
	FileSearch   Flag
	VectorStore  Flag

	Notes  string
	Errors map[string]string
}

// ContinuationAllowed gates chained calls optimistically: only an explicit
// rejection refuses a run.
func (r Record) ContinuationAllowed() bool {
	return r.Continuation.State != StateNo
}

// TemperatureAllowed mirrors the same optimistic rule for the temperature
// parameter.
func (r Record) TemperatureAllowed() bool {
	return r.Temperature.State != StateNo
}

// ToolsEnabled is pessimistic: an inconclusive tools probe keeps tools off.
func (r Record) ToolsEnabled() bool {
	return r.Tools.State == StateYes
}

func (r Record) FileSearchEnabled() bool {
	return r.FileSearch.State == StateYes
}

func (r Record) VectorStoreEnabled() bool {
	return r.VectorStore.State == StateYes
}

// wireRecord is the version-2 cache encoding.
type wireRecord struct {
	Model                      string            `json:"model"`
	TestedAt                   float64           `json:"tested_at"`
	OKBasic                    bool              `json:"ok_basic"`
	SupportsPreviousResponseID bool              `json:"supports_previous_response_id"`
	SupportsTemperature        bool              `json:"supports_temperature"`
	SupportsTools              bool              `json:"supports_tools"`
	SupportsFileSearch         bool              `json:"supports_file_search"`
	SupportsVectorStore        bool              `json:"supports_vector_store"`
	Notes                      string            `json:"notes"`
	Errors                     map[string]string `json:"errors"`
}

func (r Record) toWire() wireRecord {
	errs := r.Errors
	if errs == nil {
		errs = map[string]string{}
	}
	return wireRecord{
		Model:                      r.Model,
		TestedAt:                   float64(r.TestedAt.UnixMilli()) / 1000.0,
		OKBasic:                    r.OKBasic,
		SupportsPreviousResponseID: r.ContinuationAllowed(),
		SupportsTemperature:        r.TemperatureAllowed(),
		SupportsTools:              r.ToolsEnabled(),
		SupportsFileSearch:         r.FileSearchEnabled(),
		SupportsVectorStore:        r.VectorStoreEnabled(),
		Notes:                      r.Notes,
		Errors:                     errs,
	}
}

// fromWire rebuilds the tri-state flags, normalizing older caches whose
// booleans disagree with their recorded errors.
func fromWire(w wireRecord) Record {
	errs := w.Errors
	if errs == nil {
		errs = map[string]string{}
	}
	r := Record{
		Model:   w.Model,
		OKBasic: w.OKBasic,
		Notes:   w.Notes,
		Errors:  errs,
	}
	if w.TestedAt > 0 {
		sec := int64(w.TestedAt)
		r.TestedAt = time.Unix(sec, int64((w.TestedAt-float64(sec))*1e9))
	}
	r.Continuation = decodeFlag(w.SupportsPreviousResponseID, errs, "previous_response_id")
	r.Temperature = decodeFlag(w.SupportsTemperature, errs, "temperature")
	r.Tools = decodeFlag(w.SupportsTools, errs, "tools")
	r.FileSearch = r.Tools
	if w.SupportsFileSearch && r.Tools.State == StateYes {
		r.FileSearch = Yes()
	}
	if r.FileSearch.State == StateYes {
		r.VectorStore = Yes()
	} else {
		r.VectorStore = r.FileSearch
	}
	// Post-hoc overrides: any stored error that explicitly rejects a
	// parameter wins over the boolean.
	for _, msg := range errs {
		if ParamRejected(msg, "temperature") {
			r.Temperature = No(msg)
		}
		if ParamRejected(msg, "previous_response_id") {
			r.Continuation = No(msg)
		}
	}
	return r
}

func decodeFlag(enabled bool, errs map[string]string, param string) Flag {
	if msg, ok := errs[param+"_param"]; ok {
		return No(msg)
	}
	if msg, ok := errs[param+"_inconclusive"]; ok {
		return Inconclusive(msg)
	}
	if enabled {
		return Yes()
	}
	return No("")
}
