package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"session-auth/internal/auth"
	"session-auth/internal/observability"
)

// Sweeper drops expired session state. *auth.Service implements it.
type Sweeper interface {
	Sweep(ctx context.Context) (auth.SweepResult, error)
}

// CleanupHandler lets an external cron trigger a sweep. It is disabled (404)
// unless a cron secret is configured.
type CleanupHandler struct {
	sweeper    Sweeper
	logger     *observability.Logger
	cronSecret string
}

func NewCleanupHandler(sweeper Sweeper, logger *observability.Logger, cronSecret string) *CleanupHandler {
	return &CleanupHandler{
		sweeper:    sweeper,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", sweepFields(result))

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func sweepFields(result auth.SweepResult) map[string]any {
	return map[string]any{
		"deleted_revoked_tokens":   result.RevokedTokens,
		"deleted_refresh_tokens":   result.LiveRefresh,
		"deleted_failure_counters": result.FailureCounters,
		"deleted_audit_events":     result.AuditEvents,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
