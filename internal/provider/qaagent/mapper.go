package qaagent

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/lei/simple-qa/internal/models"
	"github.com/lei/simple-qa/internal/provider"
)

// parseError converts a non-2xx response to a *provider.BackendError,
// preferring the backend's {"detail": ...} payload
func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	detail := parseDetail(body)
	if detail == "" {
		detail = fmt.Sprintf("request failed with status %d", resp.StatusCode)
	}

	return &provider.BackendError{
		Code:   resp.StatusCode,
		Detail: detail,
	}
}

// parseDetail extracts the detail message. Validation failures carry a
// list of {loc, msg} objects instead of a string.
func parseDetail(body []byte) string {
	var errResp struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(body, &errResp) != nil || len(errResp.Detail) == 0 {
		return ""
	}

	var text string
	if json.Unmarshal(errResp.Detail, &text) == nil {
		return strings.TrimSpace(text)
	}

	var items []struct {
		Loc []any  `json:"loc"`
		Msg string `json:"msg"`
	}
	if json.Unmarshal(errResp.Detail, &items) != nil {
		return ""
	}

	msgs := make([]string, 0, len(items))
	for _, item := range items {
		if item.Msg == "" {
			continue
		}
		if field := lastLoc(item.Loc); field != "" {
			msgs = append(msgs, field+": "+item.Msg)
		} else {
			msgs = append(msgs, item.Msg)
		}
	}
	return strings.Join(msgs, "; ")
}

func lastLoc(loc []any) string {
	if len(loc) == 0 {
		return ""
	}
	return fmt.Sprint(loc[len(loc)-1])
}

// resolveArtifacts fills the absolute screenshot and video URLs of bugs.
// Paths are resolved against the API base URL; nothing is fetched.
func resolveArtifacts(base *url.URL, bugs []models.Bug) {
	for i := range bugs {
		bugs[i].ScreenshotURL = resolvePath(base, bugs[i].ScreenshotPath)
		bugs[i].VideoURL = resolvePath(base, bugs[i].VideoPath)
	}
}

func resolvePath(base *url.URL, path string) string {
	if path == "" || base == nil {
		return ""
	}
	if ref, err := url.Parse(path); err == nil && ref.IsAbs() {
		return ref.String()
	}
	// Artifact paths hang off the API root, including any base path prefix.
	return strings.TrimRight(base.String(), "/") + "/" + strings.TrimLeft(path, "/")
}

// pushURL derives the WebSocket URL of a job's push channel
func pushURL(base *url.URL, jobID string) string {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + jobID
	u.RawPath = ""
	u.RawQuery = ""
	return u.String()
}
