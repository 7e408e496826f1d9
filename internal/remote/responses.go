package remote

import (
	"context"
)

// Payload builders for the /v1/responses input shape: a list of messages,
// each with typed content parts.

func TextPart(text string) map[string]any {
	return map[string]any{"type": "input_text", "text": text}
}

func FilePart(fileID string) map[string]any {
	return map[string]any{"type": "input_file", "file_id": fileID}
}

func Message(role string, parts ...map[string]any) map[string]any {
	content := make([]any, 0, len(parts))
	for _, p := range parts {
		content = append(content, p)
	}
	return map[string]any{"type": "message", "role": role, "content": content}
}

// FileSearchTool builds the file_search tool entry over the given stores.
func FileSearchTool(vectorStoreIDs ...string) map[string]any {
	ids := make([]any, 0, len(vectorStoreIDs))
	for _, id := range vectorStoreIDs {
		ids = append(ids, id)
	}
	return map[string]any{"type": "file_search", "vector_store_ids": ids}
}

// ResponseRequest carries the fields the engine shapes per call. Optional
// fields are omitted from the wire payload when unset so capability-gated
// models never see parameters they reject.
type ResponseRequest struct {
	Model              string
	Instructions       string
	Input              []map[string]any
	Temperature        *float64
	PreviousResponseID string
	Tools              []map[string]any
	TextFormat         map[string]any
}

func (r ResponseRequest) Body() map[string]any {
	input := make([]any, 0, len(r.Input))
	for _, m := range r.Input {
		input = append(input, m)
	}
	body := map[string]any{
		"model":        r.Model,
		"instructions": r.Instructions,
		"input":        input,
	}
	if r.Temperature != nil {
		body["temperature"] = *r.Temperature
	}
	if r.PreviousResponseID != "" {
		body["previous_response_id"] = r.PreviousResponseID
	}
	if len(r.Tools) > 0 {
		tools := make([]any, 0, len(r.Tools))
		for _, t := range r.Tools {
			tools = append(tools, t)
		}
		body["tools"] = tools
	}
	if r.TextFormat != nil {
		body["text"] = map[string]any{"format": r.TextFormat}
	}
	return body
}

// CreateResponse posts the request and returns the raw response envelope.
func (c *Client) CreateResponse(ctx context.Context, req ResponseRequest) (map[string]any, error) {
	return c.CreateResponseRaw(ctx, req.Body())
}

// CreateResponseRaw posts a pre-built body (batch echoes and replays use
// this path).
func (c *Client) CreateResponseRaw(ctx context.Context, body map[string]any) (map[string]any, error) {
	return c.doJSON(ctx, "POST", "/v1/responses", body, c.ResponseTimeout)
}

// ListModels returns the ids of the models the account can use.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	raw, err := c.doJSON(ctx, "GET", "/v1/models", nil, c.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, item := range AsSlice(raw, "data") {
		if m, ok := item.(map[string]any); ok {
			if id := AsString(m, "id"); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}
