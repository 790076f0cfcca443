package taskapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

type uploadResponse struct {
	FileID string `json:"file_id"`
	Error  string `json:"error,omitempty"`
}

// UploadFile streams a local file to the backend and returns its file id for
// use as an attachment id on a subsequent task call.
func (c *Client) UploadFile(ctx context.Context, path string) (string, error) {
	if c == nil || c.http == nil {
		return "", fmt.Errorf("task client is not initialized")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("file path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	filename := filepath.Base(path)
	if filename == "" || filename == "." {
		filename = "file"
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		defer mw.Close()

		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/files", pr)
	if err != nil {
		return "", err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", readErr
	}

	var out uploadResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("upload http %d: %s", resp.StatusCode, bodySnippet(raw))
		}
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := strings.TrimSpace(out.Error)
		if code == "" {
			code = bodySnippet(raw)
		}
		return "", fmt.Errorf("upload http %d: %s", resp.StatusCode, code)
	}
	fileID := strings.TrimSpace(out.FileID)
	if fileID == "" {
		return "", fmt.Errorf("upload returned empty file id")
	}
	return fileID, nil
}
