package api

import (
	"strings"

	"github.com/lei/simple-qa/internal/models"
)

// HistoryFilter narrows the history listing
type HistoryFilter struct {
	Search       string
	Severity     string // comma-separated, case-insensitive
	JobID        string
	HasArtifacts *bool
}

// FilterHistory filters history entries based on query parameters
func FilterHistory(entries []models.HistoryEntry, f HistoryFilter) []models.HistoryEntry {
	if f.Search == "" && f.Severity == "" && f.JobID == "" && f.HasArtifacts == nil {
		return entries
	}

	filtered := make([]models.HistoryEntry, 0, len(entries))
	searchLower := strings.ToLower(f.Search)
	severities := severitySet(f.Severity)

	for _, e := range entries {
		// Search filter
		if f.Search != "" && !matchesSearch(e, searchLower) {
			continue
		}

		// Severity filter
		if severities != nil && !severities[strings.ToLower(e.Severity)] {
			continue
		}

		if f.JobID != "" && e.JobID != f.JobID {
			continue
		}

		// Artifacts filter
		if f.HasArtifacts != nil {
			has := e.ScreenshotPath != "" || e.VideoPath != ""
			if has != *f.HasArtifacts {
				continue
			}
		}

		filtered = append(filtered, e)
	}

	return filtered
}

func matchesSearch(e models.HistoryEntry, searchLower string) bool {
	for _, field := range []string{e.Summary, e.TestName, e.JobID, e.Environment} {
		if strings.Contains(strings.ToLower(field), searchLower) {
			return true
		}
	}
	return false
}

func severitySet(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			set[strings.ToLower(s)] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// parseBoolParam parses boolean query parameters
func parseBoolParam(value string) *bool {
	if value == "" {
		return nil
	}

	if value == "true" || value == "1" {
		result := true
		return &result
	}

	if value == "false" || value == "0" {
		result := false
		return &result
	}

	return nil
}
