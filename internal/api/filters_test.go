package api

import (
	"testing"

	"github.com/lei/simple-qa/internal/models"
)

func historyEntry(jobID, testName, summary, severity, screenshot string) models.HistoryEntry {
	return models.HistoryEntry{Bug: models.Bug{
		JobID:          jobID,
		TestName:       testName,
		Summary:        summary,
		Severity:       severity,
		ScreenshotPath: screenshot,
	}}
}

func TestFilterHistory(t *testing.T) {
	entries := []models.HistoryEntry{
		historyEntry("job-1", "Mobile Login Test", "Login button not responsive on mobile", "High", "/s/1.png"),
		historyEntry("job-1", "Checkout Flow", "Payment form rejects valid cards", "Critical", ""),
		historyEntry("job-2", "Search Test", "Search results load slowly", "Normal", "/s/3.png"),
	}

	tests := []struct {
		name   string
		filter HistoryFilter
		want   int
	}{
		{"no filters", HistoryFilter{}, 3},
		{"search summary", HistoryFilter{Search: "login"}, 1},
		{"search test name", HistoryFilter{Search: "checkout"}, 1},
		{"search is case-insensitive", HistoryFilter{Search: "SEARCH"}, 1},
		{"search job id", HistoryFilter{Search: "job-1"}, 2},
		{"severity", HistoryFilter{Severity: "critical"}, 1},
		{"severity list", HistoryFilter{Severity: "High, Critical"}, 2},
		{"severity blank list", HistoryFilter{Severity: " , "}, 3},
		{"job id", HistoryFilter{JobID: "job-2"}, 1},
		{"with artifacts", HistoryFilter{HasArtifacts: boolPtr(true)}, 2},
		{"without artifacts", HistoryFilter{HasArtifacts: boolPtr(false)}, 1},
		{"search + severity", HistoryFilter{Search: "job-1", Severity: "High"}, 1},
		{"no match", HistoryFilter{Search: "nothing like this"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterHistory(entries, tt.filter)
			if len(got) != tt.want {
				t.Errorf("FilterHistory() = %d entries, want %d", len(got), tt.want)
			}
		})
	}
}

func TestParseBoolParam(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  *bool
	}{
		{"empty", "", nil},
		{"true", "true", boolPtr(true)},
		{"1", "1", boolPtr(true)},
		{"false", "false", boolPtr(false)},
		{"0", "0", boolPtr(false)},
		{"invalid", "invalid", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseBoolParam(tt.value)
			if (got == nil) != (tt.want == nil) {
				t.Errorf("parseBoolParam() = %v, want %v", got, tt.want)
				return
			}
			if got != nil && tt.want != nil && *got != *tt.want {
				t.Errorf("parseBoolParam() = %v, want %v", *got, *tt.want)
			}
		})
	}
}

func boolPtr(b bool) *bool {
	return &b
}
