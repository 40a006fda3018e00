package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthHandler checks the shared bearer token presented on upgrade
type AuthHandler struct {
	token string
}

// NewAuthHandler creates an auth handler. An empty token disables checks.
func NewAuthHandler(token string) *AuthHandler {
	return &AuthHandler{token: token}
}

// Enabled reports whether a token is required
func (a *AuthHandler) Enabled() bool {
	return a.token != ""
}

// Authorize accepts "Authorization: Bearer <token>" or a token query parameter
func (a *AuthHandler) Authorize(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}

	presented := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		presented = strings.TrimPrefix(header, "Bearer ")
	}

	// Use constant-time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(a.token), []byte(presented)) == 1
}
