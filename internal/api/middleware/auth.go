package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/errly-io/errly/internal/api/response"
	"github.com/errly-io/errly/internal/store"
)

const sessionCookieName = "errly_session"

// Auth provides the two authentication schemes errly's HTTP surface
// accepts: a session cookie for dashboard reads/writes, and a shared
// token header for direct, unattended log ingestion.
type Auth struct {
	store          store.Store
	ingestTokenSHA []byte // sha256(ERRLY_PASSWORD), precomputed once
}

// NewAuth creates a new Auth middleware. ingestToken is the configured
// shared secret (ERRLY_PASSWORD) that X-Errly-Token must match.
func NewAuth(s store.Store, ingestToken string) *Auth {
	sum := sha256.Sum256([]byte(ingestToken))
	return &Auth{store: s, ingestTokenSHA: sum[:]}
}

// RequireSession rejects requests without a valid, unexpired session
// cookie. On success it records the session id in the request context.
func (a *Auth) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			response.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Missing session cookie", nil)
			return
		}

		sessionID := hashToken(cookie.Value)
		valid, err := a.store.SessionValid(r.Context(), sessionID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to validate session", nil)
			return
		}
		if !valid {
			response.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Session expired or not found", nil)
			return
		}

		r = r.WithContext(setSessionID(r.Context(), sessionID))
		next.ServeHTTP(w, r)
	})
}

// RequireIngestToken rejects requests whose X-Errly-Token header doesn't
// match the configured shared secret. Both sides are SHA-256-hashed
// before the constant-time compare so mismatched raw lengths never leak
// timing information and never short-circuit subtle.ConstantTimeCompare.
func (a *Auth) RequireIngestToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Errly-Token")
		if token == "" {
			response.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Missing X-Errly-Token header", nil)
			return
		}

		sum := sha256.Sum256([]byte(token))
		if subtle.ConstantTimeCompare(sum[:], a.ingestTokenSHA) != 1 {
			response.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Invalid X-Errly-Token", nil)
			return
		}

		r = r.WithContext(setDirectIngest(r.Context()))
		next.ServeHTTP(w, r)
	})
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
