// Package history holds the bugs reported by previously completed jobs.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lei/simple-qa/internal/models"
	"github.com/lei/simple-qa/pkg/logger"
)

// Fetcher is the slice of provider.Backend the cache needs
type Fetcher interface {
	FetchHistory(ctx context.Context) ([]models.HistoryEntry, error)
}

// Cache holds the last successfully fetched history
type Cache struct {
	fetcher Fetcher
	logger  *logger.Logger
	now     func() time.Time

	// refreshMu serializes fetches so an older response cannot overwrite
	// a newer one
	refreshMu sync.Mutex

	mu        sync.RWMutex
	entries   []models.HistoryEntry
	refreshed time.Time
	lastErr   error
	refreshes int
}

// NewCache creates an empty cache
func NewCache(fetcher Fetcher, log *logger.Logger) *Cache {
	return &Cache{
		fetcher: fetcher,
		logger:  log,
		now:     time.Now,
		entries: []models.HistoryEntry{},
	}
}

// Refresh fetches history and replaces the held entries wholesale. On
// failure the previous entries stay in place and the error is returned.
func (c *Cache) Refresh(ctx context.Context) error {
	logger := logger.FromContext(ctx, c.logger)

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	entries, err := c.fetcher.FetchHistory(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++

	if err != nil {
		c.lastErr = err
		logger.Warn("history: refresh failed, keeping previous entries",
			"entries", len(c.entries),
			"error", err)
		return fmt.Errorf("refresh history: %w", err)
	}

	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	c.entries = entries
	c.refreshed = c.now()
	c.lastErr = nil

	logger.Debug("history: refreshed", "entries", len(entries))
	return nil
}

// Entries returns a copy of the held history
func (c *Cache) Entries() []models.HistoryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.HistoryEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// LastRefreshed returns when the entries were last replaced, zero if never
func (c *Cache) LastRefreshed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshed
}

// LastError returns the error of the most recent refresh, nil if it succeeded
func (c *Cache) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Refreshes counts refresh attempts, successful or not
func (c *Cache) Refreshes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshes
}
