package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func f(v float64) *float64 { return &v }

func TestComputeCost(t *testing.T) {
	row := &Row{
		Model:            "m",
		InputPer1K:       1.0,
		OutputPer1K:      2.0,
		BatchInputPer1K:  f(0.5),
		BatchOutputPer1K: f(1.0),
		FileSearchPer1K:  f(0.1),
		StoragePerGBDay:  f(0.2),
	}
	c := ComputeCost(row, 1000, 500, false, false, 0)
	if c.Total != 2.0 || c.Tool != 0 || c.Storage != 0 {
		t.Fatalf("plain: %+v", c)
	}
	c = ComputeCost(row, 1000, 500, true, false, 0)
	if c.Total != 1.0 {
		t.Fatalf("batch: %+v", c)
	}
	c = ComputeCost(row, 1000, 500, false, true, 0)
	if c.Tool != 0.1 || c.Total != 2.1 {
		t.Fatalf("file search: %+v", c)
	}
	c = ComputeCost(row, 0, 0, false, false, 10)
	if c.Storage != 2.0 || c.Total != 2.0 {
		t.Fatalf("storage: %+v", c)
	}
	if got := ComputeCost(nil, 1000, 1000, false, false, 0); got.Total != 0 {
		t.Fatalf("nil row: %+v", got)
	}
}

func TestComputeCost_BatchRatesOptional(t *testing.T) {
	row := &Row{Model: "m", InputPer1K: 1.0, OutputPer1K: 2.0}
	c := ComputeCost(row, 1000, 1000, true, false, 0)
	if c.Total != 3.0 {
		t.Fatalf("batch without batch rates should use base rates: %+v", c)
	}
}

func TestUpdateFromRows_KeepsBaselineAndTimestampSemantics(t *testing.T) {
	tbl := NewTable(filepath.Join(t.TempDir(), "pricing.json"))
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tbl.now = func() time.Time { return clock }

	rows := map[string]Row{"gpt-5": {Model: "gpt-5", InputPer1K: 2, OutputPer1K: 8}}
	if err := tbl.UpdateFromRows(rows, true, "URL x"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok := tbl.Get("gpt-4o-mini"); !ok {
		t.Fatalf("baseline row lost after merge")
	}
	if _, ok := tbl.Get("gpt-5"); !ok {
		t.Fatalf("new row missing")
	}
	first := tbl.LastUpdated
	if first.IsZero() {
		t.Fatalf("last_updated not set on change")
	}

	// Same rows again: timestamp must not move.
	clock = clock.Add(time.Hour)
	if err := tbl.UpdateFromRows(rows, true, "URL x"); err != nil {
		t.Fatalf("update 2: %v", err)
	}
	if !tbl.LastUpdated.Equal(first) {
		t.Fatalf("last_updated churned without changes: %v vs %v", tbl.LastUpdated, first)
	}

	// Changed value: timestamp moves.
	rows["gpt-5"] = Row{Model: "gpt-5", InputPer1K: 3, OutputPer1K: 8}
	if err := tbl.UpdateFromRows(rows, true, "URL x"); err != nil {
		t.Fatalf("update 3: %v", err)
	}
	if !tbl.LastUpdated.After(first) {
		t.Fatalf("last_updated did not advance on change")
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.json")
	tbl := NewTable(path)
	if err := tbl.UpdateFromRows(map[string]Row{
		"m1": {Model: "m1", InputPer1K: 1, OutputPer1K: 2, BatchInputPer1K: f(0.5)},
	}, true, "URL u"); err != nil {
		t.Fatalf("update: %v", err)
	}

	loaded := NewTable(path)
	if err := loaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := loaded.Get("m1")
	if !ok {
		t.Fatalf("m1 missing after reload")
	}
	if got.InputPer1K != 1 || got.BatchInputPer1K == nil || *got.BatchInputPer1K != 0.5 {
		t.Fatalf("row mangled: %+v", got)
	}
	if !loaded.Verified || loaded.LastFetchSource != "URL u" {
		t.Fatalf("metadata lost: verified=%v source=%q", loaded.Verified, loaded.LastFetchSource)
	}
	if _, ok := loaded.Get("gpt-4o"); !ok {
		t.Fatalf("baseline missing after reload")
	}
}

func TestRefreshFromURL_SuccessAndFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rows":[{"model":"gpt-5","input_per_1k":2,"output_per_1k":8}]}`))
	}))
	defer srv.Close()

	tbl := NewTable(filepath.Join(t.TempDir(), "pricing.json"))
	ok, msg := tbl.RefreshFromURL(context.Background(), srv.Client(), srv.URL)
	if !ok {
		t.Fatalf("refresh failed: %s", msg)
	}
	if !tbl.Verified {
		t.Fatalf("URL refresh should mark verified")
	}
	if _, ok := tbl.Get("gpt-5"); !ok {
		t.Fatalf("fetched row missing")
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	ok, msg = tbl.RefreshFromURL(context.Background(), bad.Client(), bad.URL)
	if ok {
		t.Fatalf("expected failure")
	}
	if tbl.Verified {
		t.Fatalf("failed refresh must clear verified")
	}
	if msg == "" {
		t.Fatalf("expected a reason")
	}
	// Existing rows survive the failure.
	if _, ok := tbl.Get("gpt-5"); !ok {
		t.Fatalf("existing rows lost on failed refresh")
	}
	if _, ok := tbl.Get("gpt-4o-mini"); !ok {
		t.Fatalf("baseline lost on failed refresh")
	}
}

func TestStale(t *testing.T) {
	tbl := NewTable(filepath.Join(t.TempDir(), "pricing.json"))
	if !tbl.Stale(time.Hour) {
		t.Fatalf("empty table should be stale")
	}
	clock := time.Now()
	tbl.now = func() time.Time { return clock }
	if err := tbl.UpdateFromRows(Builtin(), false, "builtin"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if tbl.Stale(time.Hour) {
		t.Fatalf("fresh table should not be stale")
	}
	clock = clock.Add(2 * time.Hour)
	if !tbl.Stale(time.Hour) {
		t.Fatalf("aged table should be stale")
	}
}
