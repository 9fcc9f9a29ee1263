// Package dashboard provides a reusable QA run dashboard that can be
// embedded into other Go applications.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/multierr"

	"github.com/lei/simple-qa/internal/api"
	"github.com/lei/simple-qa/internal/config"
	"github.com/lei/simple-qa/internal/history"
	"github.com/lei/simple-qa/internal/models"
	"github.com/lei/simple-qa/internal/monitor"
	"github.com/lei/simple-qa/internal/provider/qaagent"
	"github.com/lei/simple-qa/internal/service"
	"github.com/lei/simple-qa/internal/tracker"
	"github.com/lei/simple-qa/pkg/logger"
)

type (
	// RunRequest describes one test run submission
	RunRequest = models.RunRequest
	// Job is the reconciled snapshot of the active run
	Job = models.Job
)

// Dashboard represents a QA dashboard instance that can be embedded in applications
type Dashboard struct {
	config  *Config
	service *service.Service
	tracker *tracker.Reconciler
	history *history.Cache
	router  http.Handler
	server  *http.Server
	logger  *logger.Logger
}

// Config holds the configuration for the Dashboard
type Config struct {
	// Server configuration
	Server ServerConfig

	// Authentication configuration for the local API
	Auth AuthConfig

	// Backend is the QA agent the runs are submitted to
	Backend BackendConfig

	// Polling bounds the fallback poll loop
	Polling PollingConfig

	// Presets are named runs that can be started by name
	Presets []Preset

	// Logger configuration
	Logging LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration // keep zero to allow long event streams
	CORSOrigins  []string
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// APIKeys is a list of API keys for authentication; empty disables auth
	APIKeys []APIKey
}

// APIKey represents an API key for authentication
type APIKey struct {
	Name string
	Key  string
}

// BackendConfig holds QA agent connection settings
type BackendConfig struct {
	URL              string
	Token            string
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
}

// PollingConfig holds poll loop settings; zero values use the defaults
// (one second, 600 ticks)
type PollingConfig struct {
	Interval time.Duration
	Ceiling  int
}

// Preset is a named run
type Preset struct {
	Name        string
	DisplayName string
	Request     RunRequest
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or text
}

// New creates a new Dashboard instance with the provided configuration
func New(cfg *Config) (*Dashboard, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Backend.URL == "" {
		return nil, fmt.Errorf("backend url is required")
	}

	appLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	backend, err := qaagent.NewAdapter(&qaagent.Config{
		URL:              cfg.Backend.URL,
		Token:            cfg.Backend.Token,
		RequestTimeout:   cfg.Backend.RequestTimeout,
		HandshakeTimeout: cfg.Backend.HandshakeTimeout,
	}, appLogger)
	if err != nil {
		return nil, fmt.Errorf("initialize qa agent backend: %w", err)
	}
	appLogger.Info("initialized qa agent backend",
		"url", cfg.Backend.URL,
		"has_token", cfg.Backend.Token != "")

	cache := history.NewCache(backend, appLogger)
	rec := tracker.New(backend, cache, tracker.Config{
		Poll: monitor.PollConfig{
			Interval: cfg.Polling.Interval,
			Ceiling:  cfg.Polling.Ceiling,
		},
	}, appLogger)

	presets := make([]config.Preset, len(cfg.Presets))
	for i, p := range cfg.Presets {
		presets[i] = config.Preset{
			Name:        p.Name,
			DisplayName: p.DisplayName,
			Request:     p.Request.WithDefaults(),
		}
	}

	svc := service.NewService(service.Options{
		Tracker: rec,
		History: cache,
		Backend: backend,
		Presets: presets,
	}, appLogger)

	handlers := api.NewHandlers(svc)

	configAPIKeys := make([]config.APIKey, len(cfg.Auth.APIKeys))
	for i, key := range cfg.Auth.APIKeys {
		configAPIKeys[i] = config.APIKey{
			Name: key.Name,
			Key:  key.Key,
		}
	}
	authMiddleware := api.NewAuthMiddleware(configAPIKeys)
	loggingMiddleware := api.NewLoggingMiddleware(appLogger)
	router := api.NewRouter(handlers, authMiddleware, loggingMiddleware, api.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Dashboard{
		config:  cfg,
		service: svc,
		tracker: rec,
		history: cache,
		router:  router,
		server:  srv,
		logger:  appLogger,
	}, nil
}

// Start loads history and starts the HTTP server.
// This is a blocking call that will run until the context is canceled or an error occurs
func (d *Dashboard) Start(ctx context.Context) error {
	// A backend that is still starting up is not fatal; the next terminal
	// run refreshes again.
	if err := d.history.Refresh(ctx); err != nil {
		d.logger.Warn("initial history load failed", "error", err)
	}

	serverErrors := make(chan error, 1)

	go func() {
		d.logger.Info("starting http server", "addr", d.server.Addr)
		serverErrors <- d.server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		closeErr := d.tracker.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return multierr.Append(fmt.Errorf("server error: %w", err), closeErr)
		}
		return closeErr

	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.shutdown()
	}
}

// shutdown releases the active run first so event streams end, then
// drains the HTTP server
func (d *Dashboard) shutdown() error {
	err := d.tracker.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if serr := d.server.Shutdown(shutdownCtx); serr != nil {
		d.server.Close()
		err = multierr.Append(err, fmt.Errorf("graceful shutdown failed: %w", serr))
	}

	_ = d.logger.Sync()
	if err == nil {
		d.logger.Info("server stopped gracefully")
	}
	return err
}

// Close stops tracking without touching the HTTP server. Use it when the
// dashboard is mounted with Handler.
func (d *Dashboard) Close() error {
	return d.tracker.Close()
}

// Handler returns the http.Handler for the dashboard
// Use this if you want to integrate the dashboard into an existing HTTP server
func (d *Dashboard) Handler() http.Handler {
	return d.router
}

// Service returns the underlying service layer
// Use this for direct programmatic access to dashboard functionality
func (d *Dashboard) Service() *service.Service {
	return d.service
}

// NewFromEnv creates a Dashboard from an optional YAML config file and
// environment variables. This mirrors the behavior of the standalone binary.
func NewFromEnv(configFile string) (*Dashboard, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var presets []config.Preset
	if cfg.PresetsFile != "" {
		presets, err = config.LoadPresets(cfg.PresetsFile)
		if err != nil {
			return nil, fmt.Errorf("load presets: %w", err)
		}
	}

	return New(FromConfig(cfg, presets))
}

// FromConfig converts loaded file configuration into a Dashboard Config
func FromConfig(cfg *config.Config, presets []config.Preset) *Config {
	apiKeys := make([]APIKey, len(cfg.Auth.APIKeys))
	for i, key := range cfg.Auth.APIKeys {
		apiKeys[i] = APIKey{
			Name: key.Name,
			Key:  key.Key,
		}
	}

	dashPresets := make([]Preset, len(presets))
	for i, p := range presets {
		dashPresets[i] = Preset{
			Name:        p.Name,
			DisplayName: p.DisplayName,
			Request:     p.Request,
		}
	}

	return &Config{
		Server: ServerConfig{
			Port:         cfg.Server.Port,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			CORSOrigins:  cfg.Server.CORSOrigins,
		},
		Auth: AuthConfig{
			APIKeys: apiKeys,
		},
		Backend: BackendConfig{
			URL:              cfg.Backend.URL,
			Token:            cfg.Backend.Token,
			RequestTimeout:   cfg.Backend.RequestTimeout,
			HandshakeTimeout: cfg.Backend.HandshakeTimeout,
		},
		Polling: PollingConfig{
			Interval: cfg.Polling.Interval,
			Ceiling:  cfg.Polling.Ceiling,
		},
		Presets: dashPresets,
		Logging: LoggingConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		},
	}
}
