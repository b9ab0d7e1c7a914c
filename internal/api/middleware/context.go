package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	sessionIDKey contextKey = "session_id"
	ingestKey    contextKey = "direct_ingest"
)

func setSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// GetSessionID returns the authenticated dashboard session's id (the
// SHA-256 hex of the session cookie), set by RequireSession.
func GetSessionID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(sessionIDKey).(string)
	return id, ok
}

func setDirectIngest(ctx context.Context) context.Context {
	return context.WithValue(ctx, ingestKey, true)
}

// IsDirectIngest reports whether the request was authenticated via the
// X-Errly-Token direct-ingestion header rather than a session cookie.
func IsDirectIngest(r *http.Request) bool {
	v, _ := r.Context().Value(ingestKey).(bool)
	return v
}
