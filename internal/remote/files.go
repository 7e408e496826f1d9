package remote

import (
	"context"
	"net/url"
)

// File describes one stored file on the service.
type File struct {
	ID       string
	Filename string
	Purpose  string
	Bytes    int64
}

func fileFromRaw(m map[string]any) File {
	return File{
		ID:       AsString(m, "id"),
		Filename: AsString(m, "filename"),
		Purpose:  AsString(m, "purpose"),
		Bytes:    AsInt64(m["bytes"]),
	}
}

func (c *Client) ListFiles(ctx context.Context) ([]File, error) {
	raw, err := c.doJSON(ctx, "GET", "/v1/files", nil, c.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	var files []File
	for _, item := range AsSlice(raw, "data") {
		if m, ok := item.(map[string]any); ok {
			files = append(files, fileFromRaw(m))
		}
	}
	return files, nil
}

// UploadFile reads a local file and uploads it under the given purpose.
func (c *Client) UploadFile(ctx context.Context, path, purpose string) (File, error) {
	name, data, err := readLocalFile(path)
	if err != nil {
		return File{}, err
	}
	return c.UploadFileBytes(ctx, name, data, purpose)
}

func (c *Client) UploadFileBytes(ctx context.Context, name string, data []byte, purpose string) (File, error) {
	raw, err := c.doMultipart(ctx, "/v1/files", name, data, map[string]string{"purpose": purpose})
	if err != nil {
		return File{}, err
	}
	return fileFromRaw(raw), nil
}

func (c *Client) RetrieveFile(ctx context.Context, id string) (File, error) {
	raw, err := c.doJSON(ctx, "GET", "/v1/files/"+url.PathEscape(id), nil, c.DefaultTimeout)
	if err != nil {
		return File{}, err
	}
	return fileFromRaw(raw), nil
}

func (c *Client) DeleteFile(ctx context.Context, id string) error {
	_, err := c.doJSON(ctx, "DELETE", "/v1/files/"+url.PathEscape(id), nil, c.DefaultTimeout)
	return err
}

// FileContent downloads the raw bytes of a stored file (batch outputs use
// this too).
func (c *Client) FileContent(ctx context.Context, id string) ([]byte, error) {
	return c.doBytes(ctx, "GET", "/v1/files/"+url.PathEscape(id)+"/content")
}
