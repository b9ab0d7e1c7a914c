package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/errly-io/errly/internal/api/response"
	"github.com/errly-io/errly/pkg/models"
)

const maxIngestBodyBytes = 262144

// ErrorProcessor is the Error Grouper's half of the ingest wiring.
type ErrorProcessor interface {
	Process(ctx context.Context, occ models.Occurrence) (*models.ErrorGroup, bool, error)
}

// ingestBody is the wire shape accepted by direct, unattended log ingestion.
type ingestBody struct {
	Service    string         `json:"service"`
	Message    string         `json:"message"`
	StackTrace *string        `json:"stackTrace,omitempty"`
	Severity   string         `json:"severity,omitempty"`
	Endpoint   *string        `json:"endpoint,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

var validSeverities = map[string]models.Severity{
	"error": models.SeverityError,
	"warn":  models.SeverityWarn,
	"fatal": models.SeverityFatal,
}

// Ingest handles POST /api/errors: direct, authenticated, rate-limited log
// submission that bypasses the log watcher entirely.
func Ingest(grouper ErrorProcessor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodyBytes)

		var body ingestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Request body is not valid JSON", nil)
			return
		}
		if body.Service == "" || body.Message == "" {
			response.Error(w, http.StatusBadRequest, "MISSING_FIELD", "service and message are required", nil)
			return
		}

		severity := models.SeverityError
		if body.Severity != "" {
			s, ok := validSeverities[body.Severity]
			if !ok {
				response.Error(w, http.StatusBadRequest, "INVALID_SEVERITY", "severity must be one of error, warn, fatal", nil)
				return
			}
			severity = s
		}

		occ := models.Occurrence{
			Service:  body.Service,
			Message:  body.Message,
			Stack:    body.StackTrace,
			Severity: severity,
			Endpoint: body.Endpoint,
			RawLog:   body.Message,
			Source:   models.SourceDirect,
			Metadata: body.Metadata,
		}

		group, isNew, err := grouper.Process(r.Context(), occ)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to record error", nil)
			return
		}

		response.Created(w, map[string]any{
			"id":          group.ID,
			"fingerprint": group.Fingerprint,
			"isNew":       isNew,
		})
	}
}
