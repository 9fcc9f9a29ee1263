package qaagent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lei/simple-qa/internal/models"
	"github.com/lei/simple-qa/internal/provider"
	"github.com/lei/simple-qa/pkg/logger"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// fakeBackend mimics the QA agent API
type fakeBackend struct {
	t      *testing.T
	frames []string

	mu       sync.Mutex
	lastAuth string
	lastRun  models.RunRequest
}

func (b *fakeBackend) record(r *http.Request, run *models.RunRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAuth = r.Header.Get("Authorization")
	if run != nil {
		b.lastRun = *run
	}
}

func (b *fakeBackend) seen() (string, models.RunRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAuth, b.lastRun
}

func (b *fakeBackend) router() http.Handler {
	r := chi.NewRouter()
	upgrader := websocket.Upgrader{}

	r.Post("/run-tests", func(w http.ResponseWriter, r *http.Request) {
		var run models.RunRequest
		if err := json.NewDecoder(r.Body).Decode(&run); err != nil {
			http.Error(w, `{"detail":"bad body"}`, http.StatusBadRequest)
			return
		}
		b.record(r, &run)
		if run.TestURL == "not-a-url" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"detail":"invalid url"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"abc","status":"PENDING","logs":["Job created successfully"],"created_at":"2024-05-01T10:00:00.123456"}`))
	})

	r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") != "abc" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail":"Job not found"}`))
			return
		}
		w.Write([]byte(`{"status":"RUNNING","logs":["Starting test execution..."],"bugs":[{"id":1,"summary":"x","screenshot_path":"/s/1.png"}]}`))
	})

	r.Get("/bugs", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"b1","job_id":"abc","test_name":"Mobile Login Test","summary":"Login button not responsive on mobile","severity":"High","status":"Open","created_at":"2024-05-01T10:00:05"}]`))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/ws/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.record(r, nil)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for _, f := range b.frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	return r
}

func newTestAdapter(t *testing.T, fb *fakeBackend, token string) *Adapter {
	t.Helper()
	srv := httptest.NewServer(fb.router())
	t.Cleanup(srv.Close)

	a, err := NewAdapter(&Config{URL: srv.URL, Token: token, RequestTimeout: 5 * time.Second}, logger.NewNop())
	require.NoError(t, err)
	return a
}

func TestNewAdapterRejectsBadURL(t *testing.T) {
	_, err := NewAdapter(&Config{URL: "ftp://example.com"}, logger.NewNop())
	assert.Error(t, err)

	_, err = NewAdapter(&Config{URL: "://nope"}, logger.NewNop())
	assert.Error(t, err)
}

func TestSubmit(t *testing.T) {
	fb := &fakeBackend{t: t}
	a := newTestAdapter(t, fb, "secret")

	handle, err := a.Submit(context.Background(), models.RunRequest{TestURL: "https://example.com"})
	require.NoError(t, err)

	assert.Equal(t, "abc", handle.ID)
	assert.Equal(t, models.StatusPending, handle.Status)
	assert.False(t, handle.CreatedAt.IsZero())
	auth, run := fb.seen()
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, models.DefaultProvider, run.Provider)
}

func TestTokenRotation(t *testing.T) {
	fb := &fakeBackend{t: t}
	a := newTestAdapter(t, fb, "")

	_, err := a.Submit(context.Background(), models.RunRequest{TestURL: "https://example.com"})
	require.NoError(t, err)
	auth, _ := fb.seen()
	assert.Empty(t, auth)

	a.Tokens().SetToken("rotated")
	_, err = a.Submit(context.Background(), models.RunRequest{TestURL: "https://example.com"})
	require.NoError(t, err)
	auth, _ = fb.seen()
	assert.Equal(t, "Bearer rotated", auth)
}

func TestSubmitBackendDetail(t *testing.T) {
	fb := &fakeBackend{t: t}
	a := newTestAdapter(t, fb, "")

	_, err := a.Submit(context.Background(), models.RunRequest{TestURL: "not-a-url"})
	require.Error(t, err)

	var backendErr *provider.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, http.StatusBadRequest, backendErr.Code)
	assert.Equal(t, "invalid url", provider.Message(err))
	auth, _ := fb.seen()
	assert.Empty(t, auth)
}

func TestSubmitTransportFailure(t *testing.T) {
	a, err := NewAdapter(&Config{URL: "http://qa.invalid"}, logger.NewNop())
	require.NoError(t, err)
	a.client.httpClient.Transport = roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})

	_, err = a.Submit(context.Background(), models.RunRequest{TestURL: "https://example.com"})

	var transportErr *provider.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "POST /run-tests", transportErr.Op)
}

func TestFetchStatus(t *testing.T) {
	fb := &fakeBackend{t: t}
	a := newTestAdapter(t, fb, "")

	update, err := a.FetchStatus(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, update.Status)
	assert.Equal(t, []string{"Starting test execution..."}, update.Logs)
	require.Len(t, update.Bugs, 1)
	assert.Equal(t, models.BugID("1"), update.Bugs[0].ID)
	assert.Equal(t, "/s/1.png", update.Bugs[0].ScreenshotPath)
	assert.Empty(t, update.Bugs[0].ScreenshotURL, "artifacts are passed through unresolved")

	_, err = a.FetchStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, provider.ErrJobNotFound)
}

func TestFetchHistory(t *testing.T) {
	fb := &fakeBackend{t: t}
	a := newTestAdapter(t, fb, "")

	entries, err := a.FetchHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "abc", entries[0].JobID)
	assert.Equal(t, "High", entries[0].Severity)
}

func TestHealthCheck(t *testing.T) {
	fb := &fakeBackend{t: t}
	a := newTestAdapter(t, fb, "")

	assert.NoError(t, a.HealthCheck(context.Background()))
}

func TestPushChannel(t *testing.T) {
	fb := &fakeBackend{t: t, frames: []string{
		`{"status":"RUNNING","logs":["a"],"message":"Tests are running..."}`,
		`{"status":"FAILED","logs":["a","b"],"bugs":[],"message":"done"}`,
	}}
	a := newTestAdapter(t, fb, "secret")
	ctx := context.Background()

	ch, err := a.OpenPushChannel(ctx, "abc")
	require.NoError(t, err)
	defer ch.Close()

	first, err := ch.ReadMessage(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, fb.frames[0], string(first))

	second, err := ch.ReadMessage(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, fb.frames[1], string(second))

	auth, _ := fb.seen()
	assert.Equal(t, "Bearer secret", auth)

	require.NoError(t, ch.Close())
	assert.NoError(t, ch.Close(), "Close must be idempotent")

	_, err = ch.ReadMessage(ctx)
	assert.Error(t, err)
}

func TestPushChannelReadHonorsContext(t *testing.T) {
	fb := &fakeBackend{t: t}
	a := newTestAdapter(t, fb, "")

	ch, err := a.OpenPushChannel(context.Background(), "abc")
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = ch.ReadMessage(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPushChannelHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a, err := NewAdapter(&Config{URL: srv.URL}, logger.NewNop())
	require.NoError(t, err)

	_, err = a.OpenPushChannel(context.Background(), "abc")
	assert.ErrorIs(t, err, provider.ErrUnauthorized)
}
