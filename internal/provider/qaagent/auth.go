package qaagent

import (
	"net/http"
	"sync"
)

// TokenSource supplies the bearer token sent to the QA agent backend.
// Obtaining and storing tokens happens elsewhere; the source only holds
// the configured value so it can be swapped at runtime.
type TokenSource struct {
	mu    sync.RWMutex
	token string
}

// NewTokenSource creates a token source. An empty token disables the
// Authorization header.
func NewTokenSource(token string) *TokenSource {
	return &TokenSource{token: token}
}

// Token returns the current token
func (ts *TokenSource) Token() string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.token
}

// SetToken replaces the token used by subsequent requests
func (ts *TokenSource) SetToken(token string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = token
}

// apply sets the Authorization header on h when a token is configured
func (ts *TokenSource) apply(h http.Header) {
	if token := ts.Token(); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}
