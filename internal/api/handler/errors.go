package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/errly-io/errly/internal/api/response"
	"github.com/errly-io/errly/internal/store"
	"github.com/errly-io/errly/pkg/models"
)

const maxBulkDeleteIDs = 500

func parseListFilter(r *http.Request) store.ListFilter {
	q := r.URL.Query()
	f := store.ListFilter{
		Service:  q.Get("service"),
		Severity: models.Severity(q.Get("severity")),
		Status:   models.Status(q.Get("status")),
		Range:    store.TimeRange(q.Get("range")),
		Query:    q.Get("q"),
		Page:     1,
		Limit:    50,
	}
	if p, err := strconv.Atoi(q.Get("page")); err == nil && p > 0 {
		f.Page = p
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		f.Limit = l
	}
	return f
}

// ListErrors handles GET /api/errors: the paginated, filterable list of
// error groups.
func ListErrors(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := parseListFilter(r)

		groups, total, err := s.ListErrorGroups(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list errors", nil)
			return
		}

		summaries := make([]models.Summary, 0, len(groups))
		for _, g := range groups {
			summaries = append(summaries, g.ToSummary())
		}

		response.Collection(w, summaries, response.PaginationMeta{
			Page:    filter.Page,
			Limit:   filter.Limit,
			Total:   total,
			HasNext: filter.Page*filter.Limit < total,
		})
	}
}

// GetError handles GET /api/errors/{id}.
func GetError(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		g, err := s.GetErrorGroup(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Error group not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch error", nil)
			return
		}
		response.JSON(w, g.ToSummary())
	}
}

// RelatedErrors handles GET /api/errors/{id}/related.
func RelatedErrors(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		window := 5
		if v, err := strconv.Atoi(r.URL.Query().Get("windowMinutes")); err == nil && v > 0 {
			window = v
		}

		groups, err := s.GetRelated(r.Context(), id, window)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Error group not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch related errors", nil)
			return
		}

		summaries := make([]models.Summary, 0, len(groups))
		for _, g := range groups {
			summaries = append(summaries, g.ToSummary())
		}
		response.JSON(w, summaries)
	}
}

type updateStatusBody struct {
	Status models.Status `json:"status"`
}

// UpdateErrorStatus handles PATCH /api/errors/{id}.
func UpdateErrorStatus(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var body updateStatusBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Request body is not valid JSON", nil)
			return
		}

		switch body.Status {
		case models.StatusNew, models.StatusInvestigating, models.StatusInProgress, models.StatusResolved:
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_STATUS", "status must be one of new, investigating, in-progress, resolved", nil)
			return
		}

		g, err := s.UpdateStatus(r.Context(), id, body.Status, time.Now())
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Error group not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update status", nil)
			return
		}

		response.JSON(w, g.ToSummary())
	}
}

// ClearNotifier is the Push Hub's half of the bulk-delete->hub callback.
type ClearNotifier interface {
	NotifyErrorsCleared(ids []string)
	NotifyBulkCleared()
}

type bulkDeleteBody struct {
	IDs     []string `json:"ids,omitempty"`
	Confirm bool     `json:"confirm,omitempty"`
}

// BulkDeleteErrors handles POST /api/errors/bulk-delete: deleting a
// specific set of ids (capped at 500), or every error group when
// {confirm: true} is supplied with no ids.
func BulkDeleteErrors(s store.Store, notifier ClearNotifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body bulkDeleteBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Request body is not valid JSON", nil)
			return
		}

		if len(body.IDs) == 0 {
			if !body.Confirm {
				response.Error(w, http.StatusBadRequest, "CONFIRM_REQUIRED", "Deleting all error groups requires {confirm: true}", nil)
				return
			}
			count, err := s.DeleteAllErrorGroups(r.Context())
			if err != nil {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete error groups", nil)
				return
			}
			notifier.NotifyBulkCleared()
			response.JSON(w, map[string]any{"deleted": count})
			return
		}

		if len(body.IDs) > maxBulkDeleteIDs {
			response.Error(w, http.StatusBadRequest, "TOO_MANY_IDS", "Bulk delete is capped at 500 ids", nil)
			return
		}

		count, err := s.DeleteErrorGroups(r.Context(), body.IDs)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete error groups", nil)
			return
		}
		notifier.NotifyErrorsCleared(body.IDs)
		response.JSON(w, map[string]any{"deleted": count})
	}
}

// Stats handles GET /api/errors/stats.
func Stats(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rng := store.TimeRange(r.URL.Query().Get("range"))
		if rng == "" {
			rng = store.Range24Hours
		}

		result, err := s.Stats(r.Context(), rng, time.Now())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to compute stats", nil)
			return
		}
		response.JSON(w, result)
	}
}

// Services handles GET /api/services.
func Services(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services, err := s.ListServices(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list services", nil)
			return
		}
		response.JSON(w, services)
	}
}
