package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tsvetkov/loom/internal/retry"
)

func testClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p := retry.Policy{
		MaxAttempts:     3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        2 * time.Millisecond,
		BreakerFailures: 10,
		BreakerCooldown: time.Millisecond,
	}
	return NewClient("test-key", srv.URL, p, zap.NewNop())
}

func TestResponseRequest_BodyOmitsUnsetOptionalFields(t *testing.T) {
	req := ResponseRequest{
		Model:        "gpt-4o-mini",
		Instructions: "do the thing",
		Input:        []map[string]any{Message("user", TextPart("hi"))},
	}
	body := req.Body()
	for _, key := range []string{"temperature", "previous_response_id", "tools", "text"} {
		if _, ok := body[key]; ok {
			t.Fatalf("unset field %q should be omitted from body", key)
		}
	}

	temp := 0.2
	req.Temperature = &temp
	req.PreviousResponseID = "resp_1"
	req.Tools = []map[string]any{FileSearchTool("vs_1")}
	req.TextFormat = map[string]any{"type": "json_object"}
	body = req.Body()
	if body["previous_response_id"] != "resp_1" {
		t.Fatalf("previous_response_id: got %v", body["previous_response_id"])
	}
	txt, ok := body["text"].(map[string]any)
	if !ok || txt["format"] == nil {
		t.Fatalf("text.format missing: %v", body["text"])
	}
}

func TestCreateResponse_SendsAuthAndParsesEnvelope(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "resp_abc",
			"output_text": "ok",
			"usage":       map[string]any{"input_tokens": 12, "output_tokens": 7},
		})
	})
	resp, err := c.CreateResponse(context.Background(), ResponseRequest{
		Model: "gpt-4o-mini",
		Input: []map[string]any{Message("user", TextPart("hi"))},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("auth header: got %q", gotAuth)
	}
	if gotBody["model"] != "gpt-4o-mini" {
		t.Fatalf("model: got %v", gotBody["model"])
	}
	if AsString(resp, "id") != "resp_abc" {
		t.Fatalf("id: got %q", AsString(resp, "id"))
	}
	u := ParseUsage(resp)
	if u.InputTokens != 12 || u.OutputTokens != 7 {
		t.Fatalf("usage: got %+v", u)
	}
}

func TestCreateResponse_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "resp_ok"})
	})
	resp, err := c.CreateResponse(context.Background(), ResponseRequest{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls: got %d want %d", calls, 3)
	}
	if AsString(resp, "id") != "resp_ok" {
		t.Fatalf("id: got %q", AsString(resp, "id"))
	}
}

func TestCreateResponse_RejectionIsNotRetried(t *testing.T) {
	calls := 0
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"unknown parameter: previous_response_id"}}`))
	})
	_, err := c.CreateResponse(context.Background(), ResponseRequest{Model: "m"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls: got %d want %d", calls, 1)
	}
	var ire *InvalidRequestError
	if !errors.As(err, &ire) {
		t.Fatalf("got %T want *InvalidRequestError", err)
	}
	if !IsContinuationInvalid(err) {
		t.Fatalf("expected continuation-invalid classification for %v", err)
	}
}

func TestUploadFileBytes_MultipartWithPurpose(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("purpose"); got != "user_data" {
			t.Errorf("purpose: got %q want %q", got, "user_data")
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":       "file_1",
			"filename": hdr.Filename,
			"purpose":  "user_data",
			"bytes":    len(data),
		})
	})
	f, err := c.UploadFileBytes(context.Background(), "manifest.json", []byte(`{"files":[]}`), "user_data")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.ID != "file_1" || f.Filename != "manifest.json" {
		t.Fatalf("file: got %+v", f)
	}
}

func TestWaitVectorStoreFile_CompletesAfterPolling(t *testing.T) {
	calls := 0
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := VSFileInProgress
		if calls >= 3 {
			status = VSFileCompleted
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "vsf_1", "status": status})
	})
	err := c.WaitVectorStoreFile(context.Background(), "vs_1", "vsf_1", time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls)
	}
}

func TestWaitVectorStoreFile_FailedStatus(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "vsf_1", "status": VSFileFailed})
	})
	err := c.WaitVectorStoreFile(context.Background(), "vs_1", "vsf_1", time.Millisecond, time.Second)
	if !errors.Is(err, ErrVectorStoreFailed) {
		t.Fatalf("got %v want ErrVectorStoreFailed", err)
	}
}

func TestParseRetryAfter_SecondsAndDate(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if d := ParseRetryAfter("7", now); d == nil || *d != 7*time.Second {
		t.Fatalf("seconds form: got %v", d)
	}
	date := now.Add(30 * time.Second).Format(http.TimeFormat)
	if d := ParseRetryAfter(date, now); d == nil || *d != 30*time.Second {
		t.Fatalf("date form: got %v", d)
	}
	if d := ParseRetryAfter("", now); d != nil {
		t.Fatalf("empty form: got %v want nil", d)
	}
}

func TestErrorFromHTTPStatus_Classification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{400, false},
		{401, false},
		{404, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
	}
	for _, tc := range cases {
		err := ErrorFromHTTPStatus(tc.status, "x", nil)
		var api APIError
		if !errors.As(err, &api) {
			t.Fatalf("status %d: not an APIError: %T", tc.status, err)
		}
		if api.Retryable() != tc.retryable {
			t.Fatalf("status %d: retryable got %v want %v", tc.status, api.Retryable(), tc.retryable)
		}
	}
}

func TestBatchTerminal(t *testing.T) {
	for _, s := range []string{"completed", "failed", "expired", "cancelled"} {
		if !(Batch{Status: s}).Terminal() {
			t.Fatalf("status %q should be terminal", s)
		}
	}
	for _, s := range []string{"validating", "in_progress", "finalizing"} {
		if (Batch{Status: s}).Terminal() {
			t.Fatalf("status %q should not be terminal", s)
		}
	}
}
