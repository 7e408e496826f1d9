package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Vector-store indexing states reported by the service.
const (
	VSFileInProgress = "in_progress"
	VSFileCompleted  = "completed"
	VSFileFailed     = "failed"
)

// ErrVectorStoreFailed marks indexing that timed out or reached "failed".
// Fatal for diagnostics attachment, non-fatal (fall back to no tools) in
// the modify flow.
var ErrVectorStoreFailed = errors.New("vector store indexing failed")

// CreateVectorStore creates a store, optionally expiring after the given
// number of idle days.
func (c *Client) CreateVectorStore(ctx context.Context, name string, expiresAfterDays int) (string, error) {
	body := map[string]any{"name": name}
	if expiresAfterDays > 0 {
		body["expires_after"] = map[string]any{"anchor": "last_active_at", "days": expiresAfterDays}
	}
	raw, err := c.doJSON(ctx, "POST", "/v1/vector_stores", body, c.DefaultTimeout)
	if err != nil {
		return "", err
	}
	return AsString(raw, "id"), nil
}

func (c *Client) AddFileToVectorStore(ctx context.Context, vsID, fileID string, attributes map[string]any) (string, error) {
	body := map[string]any{"file_id": fileID}
	if len(attributes) > 0 {
		body["attributes"] = attributes
	}
	raw, err := c.doJSON(ctx, "POST", "/v1/vector_stores/"+url.PathEscape(vsID)+"/files", body, c.ResponseTimeout)
	if err != nil {
		return "", err
	}
	return AsString(raw, "id"), nil
}

// RetrieveVectorStoreFile returns the indexing status of one attached file.
func (c *Client) RetrieveVectorStoreFile(ctx context.Context, vsID, vsfID string) (string, error) {
	raw, err := c.doJSON(ctx, "GET", "/v1/vector_stores/"+url.PathEscape(vsID)+"/files/"+url.PathEscape(vsfID), nil, c.DefaultTimeout)
	if err != nil {
		return "", err
	}
	return AsString(raw, "status"), nil
}

func (c *Client) ListVectorStores(ctx context.Context) ([]map[string]any, error) {
	raw, err := c.doJSON(ctx, "GET", "/v1/vector_stores", nil, c.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for _, item := range AsSlice(raw, "data") {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Client) RetrieveVectorStore(ctx context.Context, vsID string) (map[string]any, error) {
	return c.doJSON(ctx, "GET", "/v1/vector_stores/"+url.PathEscape(vsID), nil, c.DefaultTimeout)
}

func (c *Client) DeleteVectorStore(ctx context.Context, vsID string) error {
	_, err := c.doJSON(ctx, "DELETE", "/v1/vector_stores/"+url.PathEscape(vsID), nil, c.DefaultTimeout)
	return err
}

func (c *Client) DeleteVectorStoreFile(ctx context.Context, vsID, vsfID string) error {
	_, err := c.doJSON(ctx, "DELETE", "/v1/vector_stores/"+url.PathEscape(vsID)+"/files/"+url.PathEscape(vsfID), nil, c.DefaultTimeout)
	return err
}

func (c *Client) UpdateVectorStoreFileAttributes(ctx context.Context, vsID, vsfID string, attributes map[string]any) error {
	body := map[string]any{"attributes": attributes}
	_, err := c.doJSON(ctx, "POST", "/v1/vector_stores/"+url.PathEscape(vsID)+"/files/"+url.PathEscape(vsfID), body, c.DefaultTimeout)
	return err
}

// WaitVectorStoreFile polls until the file reaches "completed", fails, or
// the deadline passes.
func (c *Client) WaitVectorStoreFile(ctx context.Context, vsID, vsfID string, poll, timeout time.Duration) error {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		status, err := c.RetrieveVectorStoreFile(ctx, vsID, vsfID)
		if err != nil {
			return err
		}
		switch status {
		case VSFileCompleted:
			return nil
		case VSFileFailed:
			return fmt.Errorf("%w: file %s in store %s", ErrVectorStoreFailed, vsfID, vsID)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: timed out after %s waiting for %s", ErrVectorStoreFailed, timeout, vsfID)
		}
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
