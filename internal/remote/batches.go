package remote

import (
	"context"
	"fmt"
	"net/url"
)

// Batch summarizes one batch job.
type Batch struct {
	ID           string
	Status       string
	OutputFileID string
	ErrorFileID  string
	InputFileID  string
	Endpoint     string
}

func batchFromRaw(m map[string]any) Batch {
	return Batch{
		ID:           AsString(m, "id"),
		Status:       AsString(m, "status"),
		OutputFileID: AsString(m, "output_file_id"),
		ErrorFileID:  AsString(m, "error_file_id"),
		InputFileID:  AsString(m, "input_file_id"),
		Endpoint:     AsString(m, "endpoint"),
	}
}

// Terminal reports whether the batch has stopped moving.
func (b Batch) Terminal() bool {
	switch b.Status {
	case "completed", "failed", "expired", "cancelled":
		return true
	}
	return false
}

func (c *Client) CreateBatch(ctx context.Context, inputFileID, endpoint, completionWindow string) (Batch, error) {
	if completionWindow == "" {
		completionWindow = "24h"
	}
	body := map[string]any{
		"input_file_id":     inputFileID,
		"endpoint":          endpoint,
		"completion_window": completionWindow,
	}
	raw, err := c.doJSON(ctx, "POST", "/v1/batches", body, c.DefaultTimeout)
	if err != nil {
		return Batch{}, err
	}
	return batchFromRaw(raw), nil
}

func (c *Client) RetrieveBatch(ctx context.Context, id string) (Batch, error) {
	raw, err := c.doJSON(ctx, "GET", "/v1/batches/"+url.PathEscape(id), nil, c.DefaultTimeout)
	if err != nil {
		return Batch{}, err
	}
	return batchFromRaw(raw), nil
}

func (c *Client) CancelBatch(ctx context.Context, id string) (Batch, error) {
	raw, err := c.doJSON(ctx, "POST", "/v1/batches/"+url.PathEscape(id)+"/cancel", nil, c.DefaultTimeout)
	if err != nil {
		return Batch{}, err
	}
	return batchFromRaw(raw), nil
}

func (c *Client) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	path := "/v1/batches"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	raw, err := c.doJSON(ctx, "GET", path, nil, c.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	var out []Batch
	for _, item := range AsSlice(raw, "data") {
		if m, ok := item.(map[string]any); ok {
			out = append(out, batchFromRaw(m))
		}
	}
	return out, nil
}
