package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the state of a remote test run
type JobStatus string

const (
	StatusIdle      JobStatus = "IDLE"
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusError     JobStatus = "ERROR"
)

// IsTerminal reports whether no further state change is expected
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses
func (s JobStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusError:
		return true
	default:
		return false
	}
}

// ParseStatus normalizes a backend status string
func ParseStatus(raw string) (JobStatus, bool) {
	s := JobStatus(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// ConnectionState describes the push channel only, never the job
type ConnectionState string

const (
	ConnConnecting ConnectionState = "Connecting"
	ConnOpen       ConnectionState = "Open"
	ConnClosed     ConnectionState = "Closed"
)

// RunRequest is the body of a test-run submission
type RunRequest struct {
	TestURL             string `json:"test_url" yaml:"test_url"`
	CycleOverview       string `json:"cycle_overview" yaml:"cycle_overview"`
	TestingInstructions string `json:"testing_instructions" yaml:"testing_instructions"`
	Provider            string `json:"provider" yaml:"provider"`
}

// DefaultProvider is used when a request names none
const DefaultProvider = "uTest"

// WithDefaults returns a copy with empty optional fields filled in
func (r RunRequest) WithDefaults() RunRequest {
	if r.Provider == "" {
		r.Provider = DefaultProvider
	}
	return r
}

// JobHandle is the backend's acknowledgement of a submission
type JobHandle struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status,omitempty"`
	Logs      []string  `json:"logs,omitempty"`
	CreatedAt Timestamp `json:"created_at,omitempty"`
}

// BugID is the backend-assigned identity of a bug. The backend emits
// either a uuid string or an integer primary key.
type BugID string

func (id *BugID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = BugID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("bug id: %w", err)
	}
	*id = BugID(n.String())
	return nil
}

// Bug is one defect reported by the execution engine
type Bug struct {
	ID             BugID     `json:"id"`
	JobID          string    `json:"job_id,omitempty"`
	TestName       string    `json:"test_name"`
	Summary        string    `json:"summary"`
	Steps          string    `json:"steps"`
	ExpectedResult string    `json:"expected_result"`
	ActualResult   string    `json:"actual_result"`
	Severity       string    `json:"severity"`
	Status         string    `json:"status"`
	Environment    string    `json:"environment,omitempty"`
	ScreenshotPath string    `json:"screenshot_path,omitempty"`
	VideoPath      string    `json:"video_path,omitempty"`
	ScreenshotURL  string    `json:"screenshot_url,omitempty"`
	VideoURL       string    `json:"video_url,omitempty"`
	CreatedAt      Timestamp `json:"created_at"`
}

// HistoryEntry is a bug from a previously completed job
type HistoryEntry struct {
	Bug
}

// Update is the common shape of a status poll response and a push frame
type Update struct {
	Status  JobStatus `json:"status"`
	Logs    []string  `json:"logs"`
	Bugs    []Bug     `json:"bugs,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Job is the reconciled snapshot of the active test run
type Job struct {
	ID         string          `json:"id"`
	ContextID  string          `json:"context_id,omitempty"`
	Status     JobStatus       `json:"status"`
	Logs       []string        `json:"logs"`
	Bugs       []Bug           `json:"bugs"`
	Message    string          `json:"message,omitempty"`
	Connection ConnectionState `json:"connection"`
	Polls      int             `json:"polls"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines
func (j Job) Clone() Job {
	out := j
	if j.Logs != nil {
		out.Logs = append([]string(nil), j.Logs...)
	}
	if j.Bugs != nil {
		out.Bugs = append([]Bug(nil), j.Bugs...)
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// DedupeBugs collapses bugs sharing a backend id. The last occurrence
// wins and takes the position of the first. Bugs without a backend id are
// identified by their position.
func DedupeBugs(bugs []Bug) []Bug {
	if bugs == nil {
		return nil
	}
	index := make(map[string]int, len(bugs))
	out := make([]Bug, 0, len(bugs))
	for i, b := range bugs {
		key := string(b.ID)
		if key == "" {
			key = fmt.Sprintf("#%d", i)
		}
		if at, dup := index[key]; dup {
			out[at] = b
			continue
		}
		index[key] = len(out)
		out = append(out, b)
	}
	return out
}
