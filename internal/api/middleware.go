package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/lei/simple-qa/internal/config"
	"github.com/lei/simple-qa/pkg/logger"
)

// accessTokenParam carries the key for clients that cannot set headers,
// such as a browser EventSource on the snapshot stream
const accessTokenParam = "access_token"

// AuthMiddleware guards /v1 with static API keys
type AuthMiddleware struct {
	keys []config.APIKey
}

// NewAuthMiddleware creates a new auth middleware. With no keys
// configured every request is let through.
func NewAuthMiddleware(keys []config.APIKey) *AuthMiddleware {
	return &AuthMiddleware{keys: append([]config.APIKey(nil), keys...)}
}

// Authenticate accepts "Authorization: Bearer <key>" or, failing that,
// the access_token query parameter
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.keys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		token, err := bearerToken(r)
		if err != "" {
			if logger := GetLogger(r.Context()); logger != nil {
				logger.Warn("authentication failed", "reason", err)
			}
			respondError(w, r, http.StatusUnauthorized, err)
			return
		}

		name, ok := m.lookup(token)
		if !ok {
			if logger := GetLogger(r.Context()); logger != nil {
				logger.Warn("authentication failed", "reason", "unknown api key")
			}
			respondError(w, r, http.StatusUnauthorized, "invalid api key")
			return
		}

		next.ServeHTTP(w, r.WithContext(withAPIKeyName(r.Context(), name)))
	})
}

// lookup compares token against every key in constant time
func (m *AuthMiddleware) lookup(token string) (string, bool) {
	name, found := "", false
	for _, k := range m.keys {
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(token)) == 1 && !found {
			name, found = k.Name, true
		}
	}
	return name, found
}

// bearerToken extracts the caller's key, or a reason why it could not
func bearerToken(r *http.Request) (string, string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := r.URL.Query().Get(accessTokenParam); token != "" {
			return token, ""
		}
		return "", "missing authorization header"
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", "invalid authorization format, expected 'Bearer <token>'"
	}
	return token, ""
}

// LoggingMiddleware attaches a request-scoped logger and writes one
// access log line per request
type LoggingMiddleware struct {
	logger *logger.Logger
}

// NewLoggingMiddleware creates a new logging middleware
func NewLoggingMiddleware(log *logger.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: log}
}

// Handler must run after chi's RequestID so the id is in the context
func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLogger := m.logger.With(
			"request_id", GetRequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
		)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(logger.NewContext(r.Context(), reqLogger)))

		kv := []any{
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", rec.bytes,
		}
		switch {
		case rec.status >= 500:
			reqLogger.Error("request completed", kv...)
		case rec.status >= 400:
			reqLogger.Warn("request completed", kv...)
		default:
			reqLogger.Info("request completed", kv...)
		}
	})
}

// statusRecorder captures what the handler wrote. It forwards Flush so
// the snapshot stream still reaches the client.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
