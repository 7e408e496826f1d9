// Package pricing maintains the cached per-model price table and computes
// costs from observed token usage.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tsvetkov/loom/internal/runlog"
)

// Row holds per-1k-token USD rates for one model. Optional rates are nil
// when the source did not publish them.
type Row struct {
	Model            string   `json:"model"`
	InputPer1K       float64  `json:"input_per_1k"`
	OutputPer1K      float64  `json:"output_per_1k"`
	BatchInputPer1K  *float64 `json:"batch_input_per_1k,omitempty"`
	BatchOutputPer1K *float64 `json:"batch_output_per_1k,omitempty"`
	FileSearchPer1K  *float64 `json:"file_search_per_1k,omitempty"`
	StoragePerGBDay  *float64 `json:"storage_per_gb_day,omitempty"`
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func (r Row) equal(o Row) bool {
	return r.Model == o.Model &&
		r.InputPer1K == o.InputPer1K &&
		r.OutputPer1K == o.OutputPer1K &&
		deref(r.BatchInputPer1K) == deref(o.BatchInputPer1K) &&
		deref(r.BatchOutputPer1K) == deref(o.BatchOutputPer1K) &&
		deref(r.FileSearchPer1K) == deref(o.FileSearchPer1K) &&
		deref(r.StoragePerGBDay) == deref(o.StoragePerGBDay)
}

// Table is the process-wide price store, persisted as a flat JSON cache
// with atomic replace.
type Table struct {
	CachePath       string
	Rows            map[string]Row
	LastUpdated     time.Time
	Verified        bool
	LastFetchSource string

	now func() time.Time
}

func NewTable(cachePath string) *Table {
	return &Table{CachePath: cachePath, Rows: map[string]Row{}, now: time.Now}
}

// Builtin returns the baseline rows that must survive every merge so cost
// computation never silently returns zero for a known model.
func Builtin() map[string]Row {
	return map[string]Row{
		"gpt-4o-mini": {Model: "gpt-4o-mini", InputPer1K: 0.15, OutputPer1K: 0.60},
		"gpt-4o":      {Model: "gpt-4o", InputPer1K: 5.00, OutputPer1K: 15.00},
	}
}

type cacheFile struct {
	LastUpdated     float64 `json:"last_updated"`
	Verified        bool    `json:"verified"`
	LastFetchSource string  `json:"last_fetch_source"`
	Rows            []Row   `json:"rows"`
}

// Load reads the cache if present; a missing file leaves the table empty.
func (t *Table) Load() error {
	data, err := os.ReadFile(t.CachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("pricing cache %s: %w", t.CachePath, err)
	}
	t.Rows = map[string]Row{}
	for _, r := range cf.Rows {
		if r.Model != "" {
			t.Rows[r.Model] = r
		}
	}
	if cf.LastUpdated > 0 {
		sec := int64(cf.LastUpdated)
		t.LastUpdated = time.Unix(sec, int64((cf.LastUpdated-float64(sec))*1e9))
	}
	t.Verified = cf.Verified
	t.LastFetchSource = cf.LastFetchSource
	return nil
}

func (t *Table) Save() error {
	if t.CachePath == "" {
		return nil
	}
	rows := make([]Row, 0, len(t.Rows))
	for _, r := range t.Rows {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Model < rows[j].Model })
	cf := cacheFile{
		Verified:        t.Verified,
		LastFetchSource: t.LastFetchSource,
		Rows:            rows,
	}
	if !t.LastUpdated.IsZero() {
		cf.LastUpdated = float64(t.LastUpdated.UnixMilli()) / 1000.0
	}
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(t.CachePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return runlog.WriteFileAtomic(t.CachePath, data)
}

func (t *Table) Get(model string) (Row, bool) {
	r, ok := t.Rows[model]
	return r, ok
}

// Stale reports whether the table needs a refresh under the TTL.
func (t *Table) Stale(ttl time.Duration) bool {
	if len(t.Rows) == 0 {
		return true
	}
	if t.LastUpdated.IsZero() {
		return true
	}
	return t.nowFn().Sub(t.LastUpdated) > ttl
}

func (t *Table) nowFn() time.Time {
	if t.now == nil {
		return time.Now()
	}
	return t.now()
}

func (t *Table) mergeWithBaseline(rows map[string]Row) map[string]Row {
	merged := make(map[string]Row, len(t.Rows)+len(rows))
	for k, v := range t.Rows {
		merged[k] = v
	}
	for k, v := range rows {
		merged[k] = v
	}
	for k, v := range Builtin() {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return merged
}

// UpdateFromRows merges new rows over the existing ones plus the builtin
// baseline. LastUpdated moves only when at least one row value actually
// changed, so repeated audits do not churn the timestamp.
func (t *Table) UpdateFromRows(rows map[string]Row, verified bool, source string) error {
	if len(rows) == 0 {
		return nil
	}
	merged := t.mergeWithBaseline(rows)
	changed := len(merged) != len(t.Rows)
	if !changed {
		for model, newRow := range merged {
			old, ok := t.Rows[model]
			if !ok || !old.equal(newRow) {
				changed = true
				break
			}
		}
	}
	if changed {
		t.LastUpdated = t.nowFn()
		t.Rows = merged
	} else {
		t.Rows = t.mergeWithBaseline(t.Rows)
	}
	t.Verified = verified
	t.LastFetchSource = source
	return t.Save()
}

// RefreshFromURL fetches {rows:[...]} and merges it as verified pricing.
// On any failure the existing rows stay, the baseline is ensured, and the
// short reason is returned with ok=false.
func (t *Table) RefreshFromURL(ctx context.Context, client *http.Client, url string) (bool, string) {
	if strings.TrimSpace(url) == "" {
		t.Verified = false
		return false, "pricing URL is empty"
	}
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	rows, err := fetchRowsFromURL(ctx, client, url)
	if err == nil && len(rows) == 0 {
		err = fmt.Errorf("price table: empty rows")
	}
	if err != nil {
		t.Verified = false
		_ = t.UpdateFromRows(Builtin(), false, "builtin fallback")
		reason := strings.SplitN(err.Error(), "\n", 2)[0]
		return false, fmt.Sprintf("pricing URL unavailable (fallback): %s", reason)
	}
	if err := t.UpdateFromRows(rows, true, "URL "+url); err != nil {
		return false, err.Error()
	}
	return true, "OK"
}

func fetchRowsFromURL(ctx context.Context, client *http.Client, url string) (map[string]Row, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pricing fetch: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	return ParseRows(body)
}

// ParseRows decodes {rows:[...]} into a model-keyed map, skipping rows
// without a model id.
func ParseRows(data []byte) (map[string]Row, error) {
	var payload struct {
		Rows []Row `json:"rows"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	rows := map[string]Row{}
	for _, r := range payload.Rows {
		if r.Model != "" {
			rows[r.Model] = r
		}
	}
	return rows, nil
}
