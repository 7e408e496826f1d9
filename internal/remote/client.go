// Package remote is a thin typed facade over the model service: responses,
// files, vector stores, and batches. Transient HTTP failures are retried
// internally under a shared circuit breaker.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tsvetkov/loom/internal/retry"
)

const DefaultBaseURL = "https://api.openai.com"

type Client struct {
	APIKey  string
	BaseURL string

	// Avoid short client-level timeouts; per-call deadlines come from
	// DefaultTimeout/ResponseTimeout via context.
	HTTPClient *http.Client

	Retry   retry.Policy
	Breaker *retry.Breaker

	DefaultTimeout  time.Duration
	ResponseTimeout time.Duration

	Log *zap.Logger
}

func NewClient(apiKey, baseURL string, policy retry.Policy, log *zap.Logger) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		APIKey:          strings.TrimSpace(apiKey),
		BaseURL:         base,
		HTTPClient:      &http.Client{Timeout: 0},
		Retry:           policy,
		Breaker:         retry.NewBreaker(policy.BreakerFailures, policy.BreakerCooldown),
		DefaultTimeout:  60 * time.Second,
		ResponseTimeout: 120 * time.Second,
		Log:             log,
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 0}
	}
	return c.HTTPClient
}

func (c *Client) timeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return 60 * time.Second
}

// doJSON performs one JSON request/response round trip with internal retry
// on transient failures.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, timeout time.Duration) (map[string]any, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		payload = b
	}
	var out map[string]any
	err := retry.Do(ctx, c.Retry, c.Breaker, method+":"+path, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout(timeout))
		defer cancel()
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(callCtx, method, c.BaseURL+path, rd)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		m, err := c.roundTrip(req)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func (c *Client) roundTrip(req *http.Request) (map[string]any, error) {
	start := time.Now()
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	c.Log.Debug("api.trace",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		ra := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, ErrorFromHTTPStatus(resp.StatusCode, excerpt(body), ra)
	}

	var raw map[string]any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return raw, nil
}

// doBytes fetches a raw body (file content, batch output).
func (c *Client) doBytes(ctx context.Context, method, path string) ([]byte, error) {
	var out []byte
	err := retry.Do(ctx, c.Retry, c.Breaker, method+":"+path, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout(c.DefaultTimeout))
		defer cancel()
		req, err := http.NewRequestWithContext(callCtx, method, c.BaseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		resp, err := c.httpClient().Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			ra := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			return ErrorFromHTTPStatus(resp.StatusCode, excerpt(body), ra)
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// doMultipart uploads one file part plus string form fields.
func (c *Client) doMultipart(ctx context.Context, path, fileName string, fileData []byte, fields map[string]string) (map[string]any, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	part, err := w.CreateFormFile("file", filepath.Base(fileName))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(fileData); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	payload := buf.Bytes()

	var out map[string]any
	err = retry.Do(ctx, c.Retry, c.Breaker, "POST:"+path, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout(c.DefaultTimeout))
		defer cancel()
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		req.Header.Set("Content-Type", w.FormDataContentType())
		m, err := c.roundTrip(req)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func readLocalFile(path string) (string, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	return filepath.Base(path), data, nil
}
