package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lei/simple-qa/internal/config"
	"github.com/lei/simple-qa/internal/history"
	"github.com/lei/simple-qa/internal/models"
	"github.com/lei/simple-qa/internal/provider"
	"github.com/lei/simple-qa/internal/tracker"
	"github.com/lei/simple-qa/pkg/logger"
)

var (
	// ErrPresetNotFound indicates the requested preset doesn't exist
	ErrPresetNotFound = errors.New("preset not found")
	// ErrInvalidRequest indicates a run request is missing required fields
	ErrInvalidRequest = errors.New("invalid run request")
)

// ArtifactResolver turns artifact paths into absolute URLs in place
type ArtifactResolver interface {
	ResolveArtifacts(bugs []models.Bug)
}

// Service coordinates the tracker, the history cache and presets for the
// API layer
type Service struct {
	tracker  *tracker.Reconciler
	history  *history.Cache
	backend  provider.Backend
	resolver ArtifactResolver
	presets  []config.Preset
	logger   *logger.Logger
}

// Options carries the collaborators of a Service
type Options struct {
	Tracker *tracker.Reconciler
	History *history.Cache
	Backend provider.Backend
	Presets []config.Preset

	// Resolver is optional; when nil and Backend implements
	// ArtifactResolver, the backend is used
	Resolver ArtifactResolver
}

// NewService creates a new service instance
func NewService(opts Options, log *logger.Logger) *Service {
	resolver := opts.Resolver
	if resolver == nil {
		resolver, _ = opts.Backend.(ArtifactResolver)
	}
	return &Service{
		tracker:  opts.Tracker,
		history:  opts.History,
		backend:  opts.Backend,
		resolver: resolver,
		presets:  opts.Presets,
		logger:   log,
	}
}

// StartRun submits req and starts tracking it. On a submission failure
// the returned job is already in ERROR and err describes why.
func (s *Service) StartRun(ctx context.Context, req models.RunRequest) (models.Job, error) {
	logger := logger.FromContext(ctx, s.logger)

	if strings.TrimSpace(req.TestURL) == "" {
		logger.Debug("service: rejecting run without test_url")
		return models.Job{}, fmt.Errorf("%w: test_url is required", ErrInvalidRequest)
	}

	logger.Debug("service: starting run",
		"test_url", req.TestURL,
		"provider", req.Provider)

	job, err := s.tracker.StartJob(ctx, req)
	if err != nil {
		if errors.Is(err, tracker.ErrSuperseded) || errors.Is(err, tracker.ErrClosed) {
			return models.Job{}, err
		}
		logger.Error("service: run submission failed", "error", err)
		return s.resolveJob(job), err
	}

	logger.Info("service: run started",
		"job_id", job.ID,
		"context_id", job.ContextID)

	return s.resolveJob(job), nil
}

// StartPreset submits the named preset
func (s *Service) StartPreset(ctx context.Context, name string) (models.Job, error) {
	logger := logger.FromContext(ctx, s.logger)

	preset, ok := s.Preset(name)
	if !ok {
		logger.Debug("service: preset not found", "preset", name)
		return models.Job{}, ErrPresetNotFound
	}
	return s.StartRun(ctx, preset.Request)
}

// Preset looks up a preset by name
func (s *Service) Preset(name string) (config.Preset, bool) {
	for _, p := range s.presets {
		if p.Name == name {
			return p, true
		}
	}
	return config.Preset{}, false
}

// ListPresets returns all configured presets
func (s *Service) ListPresets(ctx context.Context) []config.Preset {
	out := make([]config.Preset, len(s.presets))
	copy(out, s.presets)
	return out
}

// CurrentRun returns the reconciled snapshot of the active run
func (s *Service) CurrentRun(ctx context.Context) models.Job {
	return s.resolveJob(s.tracker.Snapshot())
}

// WatchRun calls fn with every new snapshot until ctx is done, the
// tracker closes or fn returns an error
func (s *Service) WatchRun(ctx context.Context, fn func(models.Job) error) error {
	logger := logger.FromContext(ctx, s.logger)

	updates, cancel := s.tracker.Subscribe()
	defer cancel()

	logger.Info("service: watching run")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("service: watcher left")
			return nil
		case job, ok := <-updates:
			if !ok {
				logger.Debug("service: tracker closed, ending watch")
				return nil
			}
			if err := fn(s.resolveJob(job)); err != nil {
				return err
			}
		}
	}
}

// ResetRun stops tracking the active run
func (s *Service) ResetRun(ctx context.Context) error {
	logger := logger.FromContext(ctx, s.logger)

	logger.Info("service: resetting run")
	if err := s.tracker.Reset(); err != nil {
		logger.Warn("service: run teardown failed", "error", err)
		return fmt.Errorf("reset run: %w", err)
	}
	return nil
}

// History returns the cached history with artifact URLs resolved
func (s *Service) History(ctx context.Context) []models.HistoryEntry {
	entries := s.history.Entries()
	if s.resolver == nil || len(entries) == 0 {
		return entries
	}

	bugs := make([]models.Bug, len(entries))
	for i := range entries {
		bugs[i] = entries[i].Bug
	}
	s.resolver.ResolveArtifacts(bugs)
	for i := range entries {
		entries[i].Bug = bugs[i]
	}
	return entries
}

// RefreshHistory reloads history from the backend
func (s *Service) RefreshHistory(ctx context.Context) error {
	logger := logger.FromContext(ctx, s.logger)

	logger.Debug("service: refreshing history")
	if err := s.history.Refresh(ctx); err != nil {
		logger.Error("service: history refresh failed", "error", err)
		return err
	}

	logger.Info("service: history refreshed", "count", len(s.history.Entries()))
	return nil
}

// HealthCheck performs health checks on the service and backend
func (s *Service) HealthCheck(ctx context.Context) map[string]interface{} {
	logger := logger.FromContext(ctx, s.logger)

	health := map[string]interface{}{
		"status":  "healthy",
		"service": "simple-qa-dashboard",
		"checks":  make(map[string]interface{}),
	}

	checks := health["checks"].(map[string]interface{})

	job := s.tracker.Snapshot()
	checks["tracker"] = map[string]interface{}{
		"status":     "healthy",
		"job_status": job.Status,
		"connection": job.Connection,
	}

	historyCheck := map[string]interface{}{
		"status":  "healthy",
		"entries": len(s.history.Entries()),
	}
	if refreshed := s.history.LastRefreshed(); !refreshed.IsZero() {
		historyCheck["last_refreshed"] = refreshed.Format(time.RFC3339)
	}
	if err := s.history.LastError(); err != nil {
		historyCheck["status"] = "stale"
		historyCheck["error"] = err.Error()
	}
	checks["history"] = historyCheck

	checker, ok := s.backend.(provider.HealthChecker)
	if !ok {
		checks["backend"] = map[string]interface{}{
			"status": "unknown",
		}
		return health
	}

	// Create short timeout context for health check
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := checker.HealthCheck(healthCtx); err != nil {
		logger.Warn("service: backend health check failed", "error", err)
		checks["backend"] = map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		}
		health["status"] = "degraded"
	} else {
		checks["backend"] = map[string]interface{}{
			"status": "healthy",
		}
	}

	logger.Debug("service: health check completed", "status", health["status"])
	return health
}

func (s *Service) resolveJob(job models.Job) models.Job {
	if s.resolver != nil && len(job.Bugs) > 0 {
		s.resolver.ResolveArtifacts(job.Bugs)
	}
	return job
}
