// Package bridge provides a JSON-over-HTTP client for an external workspace
// service. When configured, execution strategies can read and edit files in
// a workspace that lives outside the local sandbox.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"coderunner/pkg/logx"
)

// Edit is one file replacement applied through the bridge.
type Edit struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileInfo describes one workspace entry.
type FileInfo struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// Client talks to the workspace bridge service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logx.Logger
}

// NewClient creates a bridge client. baseURL must include the scheme.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logx.NewLogger("bridge"),
	}
}

// Health reports whether the bridge service answers its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bridge unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge health returned %d", resp.StatusCode)
	}
	return nil
}

// ReadFile fetches one file's content from the workspace.
func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	endpoint := fmt.Sprintf("%s/files?path=%s", c.baseURL, url.QueryEscape(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build read request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to read %s via bridge: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bridge read of %s returned %d", path, resp.StatusCode)
	}

	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode bridge response: %w", err)
	}
	return payload.Content, nil
}

// ListFiles lists workspace entries under the given prefix.
func (c *Client) ListFiles(ctx context.Context, prefix string) ([]FileInfo, error) {
	endpoint := fmt.Sprintf("%s/files/list?prefix=%s", c.baseURL, url.QueryEscape(prefix))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build list request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list files via bridge: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge list returned %d", resp.StatusCode)
	}

	var payload struct {
		Files []FileInfo `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode bridge response: %w", err)
	}
	return payload.Files, nil
}

// ApplyEdits writes a batch of file replacements to the workspace.
func (c *Client) ApplyEdits(ctx context.Context, edits []Edit) error {
	body, err := json.Marshal(map[string]any{"edits": edits})
	if err != nil {
		return fmt.Errorf("failed to encode edits: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/edits", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build edit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to apply edits via bridge: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bridge edit returned %d: %s", resp.StatusCode, detail)
	}
	c.logger.Debug("applied %d edits via bridge", len(edits))
	return nil
}
