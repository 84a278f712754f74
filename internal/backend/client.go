package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"threatwatch/internal/transform/alertwire"
	"threatwatch/pkg/models"
)

// Config configures the REST client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Endpoint string
	Code     int
	Status   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http request failed with status %s", e.Endpoint, e.Status)
}

// Client fetches recent alerts and the aggregate summary.
type Client struct {
	base    string
	headers map[string]string
	client  *http.Client
}

// NewClient creates a REST client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend base URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// FetchRecent returns the most recent limit alerts, newest first.
func (c *Client) FetchRecent(ctx context.Context, limit int) ([]models.Alert, error) {
	endpoint := c.base + "/alerts/?limit=" + strconv.Itoa(limit)
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return alertwire.ParseList(body)
}

// FetchSummary returns the current aggregate.
func (c *Client) FetchSummary(ctx context.Context) (*models.Summary, error) {
	body, err := c.get(ctx, c.base+"/alerts/stats/summary")
	if err != nil {
		return nil, err
	}
	return alertwire.ParseSummary(body)
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}
