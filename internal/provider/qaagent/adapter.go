package qaagent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lei/simple-qa/internal/models"
	"github.com/lei/simple-qa/internal/provider"
	"github.com/lei/simple-qa/pkg/logger"
)

// Adapter implements provider.Backend for the QA agent API
type Adapter struct {
	client  *Client
	baseURL *url.URL
	tokens  *TokenSource
	dialer  *websocket.Dialer
	config  *Config
	logger  *logger.Logger
}

// Config contains QA agent connection settings
type Config struct {
	URL              string
	Token            string
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
}

// NewAdapter creates a new QA agent adapter
func NewAdapter(cfg *Config, log *logger.Logger) (*Adapter, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("parse api url: unsupported scheme %q", base.Scheme)
	}

	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}

	tokens := NewTokenSource(cfg.Token)

	return &Adapter{
		client:  NewClient(cfg.URL, tokens, cfg.RequestTimeout, log),
		baseURL: base,
		tokens:  tokens,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshake,
		},
		config: cfg,
		logger: log,
	}, nil
}

// Tokens exposes the token source so callers can rotate the bearer token
func (a *Adapter) Tokens() *TokenSource {
	return a.tokens
}

// Submit implements provider.Backend
func (a *Adapter) Submit(ctx context.Context, req models.RunRequest) (*models.JobHandle, error) {
	logger := logger.FromContext(ctx, a.logger)
	req = req.WithDefaults()

	logger.Debug("provider: submitting test run",
		"test_url", req.TestURL,
		"provider", req.Provider)

	handle, err := a.client.CreateRun(ctx, req)
	if err != nil {
		logger.Error("provider: failed to submit test run",
			"test_url", req.TestURL,
			"error", err)
		return nil, fmt.Errorf("submit test run: %w", err)
	}

	logger.Info("provider: test run submitted",
		"job_id", handle.ID,
		"status", handle.Status)

	return handle, nil
}

// FetchStatus implements provider.Backend
func (a *Adapter) FetchStatus(ctx context.Context, jobID string) (*models.Update, error) {
	logger := logger.FromContext(ctx, a.logger)

	update, err := a.client.GetJob(ctx, jobID)
	if err != nil {
		logger.Debug("provider: failed to fetch job status",
			"job_id", jobID,
			"error", err)
		return nil, err
	}

	logger.Debug("provider: job status retrieved",
		"job_id", jobID,
		"status", update.Status,
		"log_lines", len(update.Logs))

	return update, nil
}

// FetchHistory implements provider.Backend
func (a *Adapter) FetchHistory(ctx context.Context) ([]models.HistoryEntry, error) {
	logger := logger.FromContext(ctx, a.logger)

	entries, err := a.client.ListBugs(ctx)
	if err != nil {
		logger.Error("provider: failed to list bugs", "error", err)
		return nil, fmt.Errorf("list bugs: %w", err)
	}

	logger.Debug("provider: bugs listed", "count", len(entries))
	return entries, nil
}

// OpenPushChannel implements provider.Backend
func (a *Adapter) OpenPushChannel(ctx context.Context, jobID string) (provider.PushChannel, error) {
	logger := logger.FromContext(ctx, a.logger)
	wsURL := pushURL(a.baseURL, jobID)

	header := http.Header{}
	a.tokens.apply(header)

	logger.Debug("provider: opening push channel", "job_id", jobID, "url", wsURL)

	ch, err := dialPush(ctx, a.dialer, wsURL, header)
	if err != nil {
		logger.Warn("provider: push channel unavailable",
			"job_id", jobID,
			"error", err)
		return nil, err
	}

	logger.Info("provider: push channel open", "job_id", jobID)
	return ch, nil
}

// HealthCheck implements provider.HealthChecker
func (a *Adapter) HealthCheck(ctx context.Context) error {
	return a.client.Health(ctx)
}

// ResolveArtifacts fills the absolute screenshot and video URLs of bugs
// for presentation. The referenced files are never fetched.
func (a *Adapter) ResolveArtifacts(bugs []models.Bug) {
	resolveArtifacts(a.baseURL, bugs)
}
