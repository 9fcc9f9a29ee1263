package provider

import (
	"context"

	"github.com/lei/simple-qa/internal/models"
)

// Backend abstracts the remote test-execution engine. Every call is a
// single attempt; retry policy belongs to the caller.
type Backend interface {
	// Submit starts a new test run and returns the backend's job handle
	Submit(ctx context.Context, req models.RunRequest) (*models.JobHandle, error)

	// FetchStatus reads the current state of a job
	FetchStatus(ctx context.Context, jobID string) (*models.Update, error)

	// FetchHistory lists bugs reported by previously completed jobs
	FetchHistory(ctx context.Context) ([]models.HistoryEntry, error)

	// OpenPushChannel opens exactly one push connection for a job.
	// It never reconnects.
	OpenPushChannel(ctx context.Context, jobID string) (PushChannel, error)
}

// PushChannel is one open server-to-client message stream
type PushChannel interface {
	// ReadMessage blocks until the next text frame arrives, the channel
	// closes or ctx is done
	ReadMessage(ctx context.Context) ([]byte, error)

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// HealthChecker is implemented by backends that expose a liveness check
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
