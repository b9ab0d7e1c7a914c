package handler

import (
	"net/http"

	"github.com/errly-io/errly/internal/api/middleware"
	"github.com/errly-io/errly/internal/api/response"
)

// StreamServer is the push hub's half of the SSE endpoint wiring.
type StreamServer interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request, sessionID string)
}

// Stream handles GET /api/errors/stream: the cookie-authenticated SSE feed.
// Auth.RequireSession must run before this handler so the session id is
// already in the request context.
func Stream(hub StreamServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := middleware.GetSessionID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Missing session", nil)
			return
		}
		hub.ServeHTTP(w, r, sessionID)
	}
}
