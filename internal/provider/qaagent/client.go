package qaagent

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

	"github.com/lei/simple-qa/internal/models"
	"github.com/lei/simple-qa/internal/provider"
	"github.com/lei/simple-qa/pkg/logger"
)

// maxErrorBody caps how much of an error response is read
const maxErrorBody = 64 * 1024

// Client handles HTTP communication with the QA agent API
type Client struct {
	baseURL    string
	tokens     *TokenSource
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a new QA agent API client
func NewClient(baseURL string, tokens *TokenSource, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log,
	}
}

// doRequest performs an authenticated HTTP request. Network failures are
// returned as *provider.TransportError; status handling is left to the caller.
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	c.logger.Debug("provider: http request",
		"method", method,
		"path", path)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		c.logger.Error("provider: failed to create request", "error", err)
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.tokens.apply(req.Header)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("provider: http request failed",
			"method", method,
			"path", path,
			"error", err)
		return nil, &provider.TransportError{Op: method + " " + path, Err: err}
	}

	c.logger.Debug("provider: http response",
		"method", method,
		"path", path,
		"status", resp.StatusCode)

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Warn("provider: backend rejected bearer token",
			"method", method,
			"path", path)
	}

	return resp, nil
}

// CreateRun submits a test run
func (c *Client) CreateRun(ctx context.Context, req models.RunRequest) (*models.JobHandle, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal run request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/run-tests", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseError(resp)
	}

	var handle models.JobHandle
	if err := json.NewDecoder(resp.Body).Decode(&handle); err != nil {
		return nil, fmt.Errorf("decode run response: %w", err)
	}
	if handle.ID == "" {
		return nil, fmt.Errorf("decode run response: missing job id")
	}

	return &handle, nil
}

// GetJob retrieves the status, logs and bugs of a job
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.Update, error) {
	path := "/jobs/" + url.PathEscape(jobID)

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var update models.Update
	if err := json.NewDecoder(resp.Body).Decode(&update); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}

	return &update, nil
}

// ListBugs retrieves every bug the backend has recorded
func (c *Client) ListBugs(ctx context.Context) ([]models.HistoryEntry, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/bugs", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var entries []models.HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode bugs: %w", err)
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}

	return entries, nil
}

// Health calls the backend's liveness endpoint
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	return nil
}
