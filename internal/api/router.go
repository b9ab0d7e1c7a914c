package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/errly-io/errly/internal/api/middleware"
	"github.com/errly-io/errly/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler      http.HandlerFunc
	DiagnosticsHandler http.HandlerFunc
	StreamHandler      http.HandlerFunc
	IngestHandler      http.HandlerFunc

	ListErrorsHandler   http.HandlerFunc
	GetErrorHandler     http.HandlerFunc
	RelatedHandler      http.HandlerFunc
	UpdateStatusHandler http.HandlerFunc
	BulkDeleteHandler   http.HandlerFunc
	StatsHandler        http.HandlerFunc
	ServicesHandler     http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(mw.SecurityHeaders)

	// Public health check
	r.Get("/health", orNotImplemented(deps.HealthHandler))

	// Direct ingestion: shared-token authenticated, rate limited.
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.RequireIngestToken)
		r.Use(deps.RateLimit.Limit)
		r.Post("/api/errors", orNotImplemented(deps.IngestHandler))
	})

	// Dashboard surface: session-cookie authenticated.
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.RequireSession)

		r.Get("/api/errors/stream", orNotImplemented(deps.StreamHandler))
		r.Get("/api/errors", orNotImplemented(deps.ListErrorsHandler))
		r.Get("/api/errors/{id}", orNotImplemented(deps.GetErrorHandler))
		r.Get("/api/errors/{id}/related", orNotImplemented(deps.RelatedHandler))
		r.Patch("/api/errors/{id}", orNotImplemented(deps.UpdateStatusHandler))
		r.Post("/api/errors/bulk-delete", orNotImplemented(deps.BulkDeleteHandler))

		r.Get("/api/errors/stats", orNotImplemented(deps.StatsHandler))
		r.Get("/api/services", orNotImplemented(deps.ServicesHandler))

		r.Get("/api/diagnostics", orNotImplemented(deps.DiagnosticsHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
