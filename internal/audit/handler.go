package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

type Querier interface {
	Query(ctx context.Context, filter Filter) ([]Event, error)
}

// Handler serves the persisted audit log. Authentication and role checks are
// applied by the caller's middleware; scope pins the tenant of the request.
type Handler struct {
	store Querier
	scope func(r *http.Request) string
}

func NewHandler(store Querier, scope func(r *http.Request) string) *Handler {
	return &Handler{store: store, scope: scope}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.filterFromRequest(w, r)
	if !ok {
		return
	}

	events, err := h.store.Query(r.Context(), filter)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to query audit log")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// Export serves the same selection as List as a CSV attachment.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.filterFromRequest(w, r)
	if !ok {
		return
	}

	events, err := h.store.Query(r.Context(), filter)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to query audit log")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	w.WriteHeader(http.StatusOK)
	if err := WriteCSV(w, events); err != nil {
		sentry.CaptureException(err)
	}
}

func (h *Handler) filterFromRequest(w http.ResponseWriter, r *http.Request) (Filter, bool) {
	query := r.URL.Query()

	filter := Filter{
		Subject: strings.TrimSpace(query.Get("subject")),
	}
	if h.scope != nil {
		filter.Tenant = h.scope(r)
	}

	var ok bool
	if filter.Start, ok = parseTime(query.Get("start")); !ok {
		writeError(w, http.StatusBadRequest, "start must be RFC3339")
		return Filter{}, false
	}
	if filter.End, ok = parseTime(query.Get("end")); !ok {
		writeError(w, http.StatusBadRequest, "end must be RFC3339")
		return Filter{}, false
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return Filter{}, false
		}
		filter.Limit = limit
	}

	return filter, true
}

func parseTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, true
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
