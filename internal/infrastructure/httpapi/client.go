package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"SearchSync/internal/domain"
)

// Client talks to a running daemon's status surface. It backs the status
// and resync CLI subcommands.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a reusable HTTP client for the given daemon address.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Status fetches the daemon's health snapshot.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var response StatusResponse
	if err := c.get(ctx, "/status", &response); err != nil {
		return StatusResponse{}, err
	}
	return response, nil
}

// History fetches recent cycle results for one source ("" means all).
func (c *Client) History(ctx context.Context, sourceID string, limit int) ([]domain.CycleResult, error) {
	path := fmt.Sprintf("/history?limit=%d", limit)
	if sourceID != "" {
		path += "&source=" + sourceID
	}

	var results []domain.CycleResult
	if err := c.get(ctx, path, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Reset forces a full resync of one source, or all sources when sourceID is
// empty.
func (c *Client) Reset(ctx context.Context, sourceID string) error {
	path := "/reset"
	if sourceID != "" {
		path = "/pipelines/" + sourceID + "/reset"
	}
	return c.post(ctx, path)
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func (c *Client) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	return nil
}
