package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPTool performs a JSON HTTP request against a fixed endpoint.
//
// Input keys:
//   - "path" (string, optional): appended to the base URL
//   - "body" (object, optional): JSON request body; GET when absent,
//     POST otherwise
//
// The response body is decoded as JSON when possible, otherwise
// returned raw under "body".
type HTTPTool struct {
	// ToolName is the registry name, e.g. "fetch_status".
	ToolName string

	// ToolDescription tells a model when to use the tool.
	ToolDescription string

	// BaseURL is the endpoint prefix.
	BaseURL string

	// Headers are added to every request.
	Headers map[string]string

	// Client defaults to a 30s-timeout client.
	Client *http.Client
}

func (h *HTTPTool) Name() string        { return h.ToolName }
func (h *HTTPTool) Description() string { return h.ToolDescription }

func (h *HTTPTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path appended to the endpoint URL",
			},
			"body": map[string]any{
				"type":        "object",
				"description": "JSON request body; omit for GET",
			},
		},
	}
}

// Call performs the request.
func (h *HTTPTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	url := h.BaseURL
	if p, ok := input["path"].(string); ok {
		url += p
	}

	method := http.MethodGet
	var reqBody io.Reader
	if body, ok := input["body"]; ok && body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		method = http.MethodPost
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	out := map[string]any{"status": resp.StatusCode}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err == nil {
		out["body"] = decoded
	} else {
		out["body"] = string(data)
	}
	if resp.StatusCode >= 400 {
		return out, fmt.Errorf("request %s: status %d", url, resp.StatusCode)
	}
	return out, nil
}
