// Package apiclient is the thin HTTP client the headless agent uses to talk
// to the API: page fetch/update for the reconciler and the editing endpoint.
// It satisfies the collab package's Backend and EditingReporter interfaces.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) pageURL(path string) string {
	escaped := make([]string, 0, 4)
	for _, part := range strings.Split(path, "/") {
		escaped = append(escaped, url.PathEscape(part))
	}
	return c.baseURL + "/api/pages/" + strings.Join(escaped, "/")
}

// FetchPage reads the stored content of a page on main.
func (c *Client) FetchPage(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL(path), nil)
	if err != nil {
		return "", fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// A page that has never been saved reads as empty.
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch page %s: status %d", path, resp.StatusCode)
	}

	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode page %s: %w", path, err)
	}
	return payload.Content, nil
}

// UpdatePage writes new content for a page on main.
func (c *Client) UpdatePage(ctx context.Context, path, content, author string) error {
	body, err := json.Marshal(map[string]string{
		"content": content,
		"author":  author,
	})
	if err != nil {
		return fmt.Errorf("encode page update: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.pageURL(path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("update page %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("update page %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// SetEditing reports editing intent for a page.
func (c *Client) SetEditing(ctx context.Context, path, participant string, editing bool) error {
	body, err := json.Marshal(map[string]any{
		"path":        path,
		"participant": participant,
		"editing":     editing,
	})
	if err != nil {
		return fmt.Errorf("encode editing report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/editing", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build editing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("report editing %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("report editing %s: status %d", path, resp.StatusCode)
	}
	return nil
}
