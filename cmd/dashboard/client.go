package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jusunglee/pumpbot/internal/security"
)

// adminClient talks to the ops server's /admin API.
type adminClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type blockRow struct {
	UserID    int64   `json:"user_id"`
	Reason    string  `json:"reason"`
	Threat    string  `json:"threat,omitempty"`
	BlockedAt string  `json:"blocked_at"`
	ExpiresAt *string `json:"expires_at"`
}

func newAdminClient(baseURL, apiKey string) *adminClient {
	return &adminClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *adminClient) Stats(ctx context.Context) (security.Report, error) {
	var report security.Report
	err := c.do(ctx, http.MethodGet, "/admin/stats", &report)
	return report, err
}

func (c *adminClient) Blocks(ctx context.Context) ([]blockRow, error) {
	var rows []blockRow
	err := c.do(ctx, http.MethodGet, "/admin/blocks", &rows)
	return rows, err
}

func (c *adminClient) Unblock(ctx context.Context, userID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/admin/unblock/%d", userID), nil)
}

func (c *adminClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
