package caps

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tsvetkov/loom/internal/remote"
	"github.com/tsvetkov/loom/internal/retry"
)

func TestParamRejected(t *testing.T) {
	cases := []struct {
		err   string
		param string
		want  bool
	}{
		{"Unknown parameter: temperature", "temperature", true},
		{"unsupported parameter: previous_response_id", "previous_response_id", true},
		{"'temperature' is not permitted", "temperature", true},
		{"temperature is not supported with this model", "temperature", true},
		{"additional properties are not allowed ('tools')", "tools", true},
		// Phrase without the parameter name does not count.
		{"unknown parameter: foo", "temperature", false},
		// Transient errors never reject.
		{"HTTP 429 too many requests", "temperature", false},
		{"connection timed out", "previous_response_id", false},
		{"", "temperature", false},
	}
	for _, tc := range cases {
		if got := ParamRejected(tc.err, tc.param); got != tc.want {
			t.Fatalf("ParamRejected(%q, %q): got %v want %v", tc.err, tc.param, got, tc.want)
		}
	}
}

func TestRecordWireRoundTrip(t *testing.T) {
	rec := Record{
		Model:        "gpt-x",
		TestedAt:     time.Unix(1735000000, 0),
		OKBasic:      true,
		Continuation: Yes(),
		Temperature:  No("unsupported parameter: temperature"),
		Tools:        Inconclusive("HTTP 503"),
		FileSearch:   Inconclusive("HTTP 503"),
		VectorStore:  Inconclusive("HTTP 503"),
		Notes:        "ok",
		Errors: map[string]string{
			"temperature_param":  "unsupported parameter: temperature",
			"tools_inconclusive": "HTTP 503",
		},
	}
	back := fromWire(rec.toWire())
	if !back.ContinuationAllowed() {
		t.Fatalf("continuation lost: %+v", back.Continuation)
	}
	if back.Temperature.State != StateNo {
		t.Fatalf("temperature: got %v want No", back.Temperature.State)
	}
	if back.Tools.State != StateInconclusive {
		t.Fatalf("tools: got %v want Inconclusive", back.Tools.State)
	}
	if back.ToolsEnabled() {
		t.Fatalf("inconclusive tools must stay disabled")
	}
	if !back.TestedAt.Equal(rec.TestedAt) {
		t.Fatalf("tested_at: got %v want %v", back.TestedAt, rec.TestedAt)
	}
}

func TestFromWire_NormalizesLegacyBooleans(t *testing.T) {
	// Older caches could keep supports_temperature=true next to an explicit
	// rejection message. The override must win.
	w := wireRecord{
		Model:                      "gpt-x",
		OKBasic:                    true,
		SupportsPreviousResponseID: true,
		SupportsTemperature:        true,
		Errors: map[string]string{
			"probe": "unsupported parameter: temperature",
		},
	}
	rec := fromWire(w)
	if rec.Temperature.State != StateNo {
		t.Fatalf("temperature override not applied: %+v", rec.Temperature)
	}
}

func TestCache_SaveLoadAndForceRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model_capabilities.json")
	c := NewCache(path)
	c.Upsert(Record{Model: "gpt-x", TestedAt: time.Now(), OKBasic: true, Continuation: Yes(), Temperature: Yes(), Tools: No(""), FileSearch: No(""), VectorStore: No("")})
	if err := c.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}
	var cf map[string]any
	if err := json.Unmarshal(raw, &cf); err != nil {
		t.Fatalf("cache not json: %v", err)
	}
	if cf["version"] != float64(2) {
		t.Fatalf("version: got %v want 2", cf["version"])
	}

	loaded := NewCache(path)
	if err := loaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := loaded.Get("gpt-x"); !ok {
		t.Fatalf("record lost on reload")
	}

	if err := loaded.RequestForceRefresh(); err != nil {
		t.Fatalf("marker: %v", err)
	}
	fresh := NewCache(path)
	if err := fresh.Load(); err != nil {
		t.Fatalf("load after marker: %v", err)
	}
	if _, ok := fresh.Get("gpt-x"); ok {
		t.Fatalf("force refresh did not clear the cache")
	}
	if _, err := os.Stat(path + ".force_refresh"); !os.IsNotExist(err) {
		t.Fatalf("marker not removed")
	}
}

func TestCache_Staleness(t *testing.T) {
	c := NewCache(filepath.Join(t.TempDir(), "caps.json"))
	clock := time.Now()
	c.now = func() time.Time { return clock }
	c.Upsert(Record{Model: "gpt-x", TestedAt: clock})

	if c.IsStale("missing", time.Hour) != true {
		t.Fatalf("missing model must be stale")
	}
	if c.IsStale("gpt-x", time.Hour) {
		t.Fatalf("fresh record must not be stale")
	}
	clock = clock.Add(2 * time.Hour)
	if !c.IsStale("gpt-x", time.Hour) {
		t.Fatalf("aged record must be stale")
	}
	if c.IsStale("gpt-x", 0) {
		t.Fatalf("zero TTL keeps records forever")
	}
	got := c.MissingOrStale([]string{"gpt-x", "other"}, time.Hour)
	if len(got) != 2 {
		t.Fatalf("missing-or-stale: got %v", got)
	}
}

// probeServer simulates a model that rejects temperature explicitly and
// fails continuation transiently.
func probeServer(t *testing.T) *remote.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch {
		case r.URL.Path == "/v1/vector_stores":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "vs_1"})
		case r.URL.Path == "/v1/files":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "file_1"})
		case strings.HasPrefix(r.URL.Path, "/v1/vector_stores/"):
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "vsf_1", "status": "completed"})
		case body["temperature"] != nil:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"Unsupported parameter: temperature"}}`))
		case body["previous_response_id"] != nil:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream hiccup"}}`))
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "resp_1", "output_text": `{"contract":"CAP_PING","ok":true}`})
		}
	}))
	t.Cleanup(srv.Close)
	p := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BreakerFailures: 100, BreakerCooldown: time.Millisecond}
	return remote.NewClient("k", srv.URL, p, zap.NewNop())
}

func TestProbeOne_FlagSemantics(t *testing.T) {
	client := probeServer(t)
	cache := NewCache(filepath.Join(t.TempDir(), "caps.json"))
	prober := NewProber(client, cache, time.Hour, zap.NewNop())

	if err := prober.ProbeAll(context.Background(), []string{"gpt-x"}); err != nil {
		t.Fatalf("probe: %v", err)
	}
	rec, ok := cache.Get("gpt-x")
	if !ok {
		t.Fatalf("record not cached")
	}
	if !rec.OKBasic {
		t.Fatalf("basic probe should pass: %+v", rec)
	}
	// Transient continuation failure stays allowed but inconclusive.
	if rec.Continuation.State != StateInconclusive || !rec.ContinuationAllowed() {
		t.Fatalf("continuation: %+v", rec.Continuation)
	}
	if _, ok := rec.Errors["previous_response_id_inconclusive"]; !ok {
		t.Fatalf("inconclusive note missing: %v", rec.Errors)
	}
	// Explicit temperature rejection flips the flag.
	if rec.Temperature.State != StateNo {
		t.Fatalf("temperature: %+v", rec.Temperature)
	}
	// Tools probe succeeded against the fixture.
	if !rec.ToolsEnabled() || !rec.FileSearchEnabled() {
		t.Fatalf("tools: %+v / %+v", rec.Tools, rec.FileSearch)
	}
}

func TestUnprobedRecordDefaults(t *testing.T) {
	var rec Record
	if rec.Continuation.State != StateInconclusive {
		t.Fatalf("zero flag state: %v", rec.Continuation.State)
	}
	if !rec.ContinuationAllowed() || !rec.TemperatureAllowed() {
		t.Fatalf("unprobed model must keep chaining and temperature: %+v", rec)
	}
	if rec.ToolsEnabled() || rec.FileSearchEnabled() || rec.VectorStoreEnabled() {
		t.Fatalf("unprobed model must not get tools: %+v", rec)
	}
}
