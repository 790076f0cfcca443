package transport

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

// Client is the outbound half of the messaging transport: a small REST
// surface for sending messages and driving the typing indicator.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimSpace(strings.TrimRight(baseURL, "/")),
		token:   strings.TrimSpace(token),
	}
}

// SendText delivers a plain text message and returns the transport's message
// id for it.
func (c *Client) SendText(ctx context.Context, handle, text string) (string, error) {
	handle = strings.TrimSpace(handle)
	text = strings.TrimSpace(text)
	if handle == "" {
		return "", fmt.Errorf("handle is required")
	}
	if text == "" {
		return "", fmt.Errorf("text is required")
	}

	type requestBody struct {
		Handle string `json:"handle"`
		Text   string `json:"text"`
	}
	type responseBody struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error,omitempty"`
	}

	raw, status, err := c.postJSON(ctx, "/v1/messages", requestBody{Handle: handle, Text: text})
	if err != nil {
		return "", err
	}
	var out responseBody
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	if status < 200 || status >= 300 {
		code := strings.TrimSpace(out.Error)
		if code == "" {
			code = fmt.Sprintf("http %d", status)
		}
		return "", fmt.Errorf("transport send failed: %s", code)
	}
	return strings.TrimSpace(out.MessageID), nil
}

// SendAttachment delivers a file by reference. The transport fetches the URL
// itself; callers fall back to plain links when this fails.
func (c *Client) SendAttachment(ctx context.Context, handle, name, url string) error {
	handle = strings.TrimSpace(handle)
	url = strings.TrimSpace(url)
	if handle == "" {
		return fmt.Errorf("handle is required")
	}
	if url == "" {
		return fmt.Errorf("attachment url is required")
	}

	type requestBody struct {
		Handle string `json:"handle"`
		Name   string `json:"name,omitempty"`
		URL    string `json:"url"`
	}

	raw, status, err := c.postJSON(ctx, "/v1/attachments", requestBody{Handle: handle, Name: strings.TrimSpace(name), URL: url})
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("transport attachment failed: http %d: %s", status, bodySnippet(raw))
	}
	return nil
}

// StartTyping shows the typing indicator on the recipient's side. The
// transport expires it on its own; callers refresh to keep it visible.
func (c *Client) StartTyping(ctx context.Context, handle string) error {
	return c.typing(ctx, handle, "start")
}

func (c *Client) StopTyping(ctx context.Context, handle string) error {
	return c.typing(ctx, handle, "stop")
}

func (c *Client) typing(ctx context.Context, handle, action string) error {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return fmt.Errorf("handle is required")
	}

	type requestBody struct {
		Handle string `json:"handle"`
		Action string `json:"action"`
	}

	raw, status, err := c.postJSON(ctx, "/v1/typing", requestBody{Handle: handle, Action: action})
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("transport typing %s failed: http %d: %s", action, status, bodySnippet(raw))
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) ([]byte, int, error) {
	if c == nil || c.http == nil {
		return nil, 0, fmt.Errorf("transport client is not initialized")
	}
	if c.baseURL == "" {
		return nil, 0, fmt.Errorf("transport base url is required")
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
