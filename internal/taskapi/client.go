// Package taskapi is the adapter for the asynchronous task backend: task
// creation and continuation plus the file upload used for attachment-bearing
// turns. Events come back separately, through the webhook server.
package taskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimSpace(strings.TrimRight(baseURL, "/")),
		token:   strings.TrimSpace(token),
	}
}

type taskRequest struct {
	Prompt        string   `json:"prompt"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

type taskResponse struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error,omitempty"`
}

// CreateTask starts a new task and returns its id.
func (c *Client) CreateTask(ctx context.Context, prompt string, attachmentIDs []string) (string, error) {
	return c.postTask(ctx, "/v1/tasks", prompt, attachmentIDs)
}

// ContinueTask feeds a follow-up into an existing task. The backend may
// rotate the task id; callers must adopt the returned one.
func (c *Client) ContinueTask(ctx context.Context, taskID, prompt string, attachmentIDs []string) (string, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return "", fmt.Errorf("task id is required")
	}
	return c.postTask(ctx, "/v1/tasks/"+taskID+"/messages", prompt, attachmentIDs)
}

func (c *Client) postTask(ctx context.Context, path, prompt string, attachmentIDs []string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" && len(attachmentIDs) == 0 {
		return "", fmt.Errorf("prompt or attachments are required")
	}

	raw, status, err := c.postJSON(ctx, path, taskRequest{Prompt: prompt, AttachmentIDs: attachmentIDs})
	if err != nil {
		return "", err
	}
	var out taskResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if status < 200 || status >= 300 {
			return "", fmt.Errorf("task backend http %d: %s", status, bodySnippet(raw))
		}
		return "", fmt.Errorf("decode task response: %w", err)
	}
	if status < 200 || status >= 300 {
		code := strings.TrimSpace(out.Error)
		if code == "" {
			code = bodySnippet(raw)
		}
		return "", fmt.Errorf("task backend http %d: %s", status, code)
	}
	taskID := strings.TrimSpace(out.TaskID)
	if taskID == "" {
		return "", fmt.Errorf("task backend returned empty task id")
	}
	return taskID, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) ([]byte, int, error) {
	if c == nil || c.http == nil {
		return nil, 0, fmt.Errorf("task client is not initialized")
	}
	if c.baseURL == "" {
		return nil, 0, fmt.Errorf("task backend base url is required")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, 0, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, resp.StatusCode, readErr
	}
	return body, resp.StatusCode, nil
}

func bodySnippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
