package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"authcore/internal/observability"
)

// Pruner removes blacklist entries whose token has already expired.
type Pruner interface {
	PruneRevoked(ctx context.Context, before time.Time) (int64, error)
}

type CleanupResult struct {
	DeletedBlacklistEntries int64 `json:"deleted_blacklist_entries"`
}

type CleanupHandler struct {
	pruner     Pruner
	logger     *observability.Logger
	metrics    *observability.Metrics
	cronSecret string
	now        func() time.Time
}

func NewCleanupHandler(pruner Pruner, logger *observability.Logger, metrics *observability.Metrics, cronSecret string) *CleanupHandler {
	return &CleanupHandler{
		pruner:     pruner,
		logger:     logger,
		metrics:    metrics,
		cronSecret: strings.TrimSpace(cronSecret),
		now:        time.Now,
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

	scheme, secret, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(secret)), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.Cleanup(r.Context())
	if err != nil {
		observability.CaptureError(err, "auth_cleanup")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

// Cleanup prunes every blacklist entry that expired before now.
func (h *CleanupHandler) Cleanup(ctx context.Context) (CleanupResult, error) {
	deleted, err := h.pruner.PruneRevoked(ctx, h.now().UTC())
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		return CleanupResult{}, err
	}

	h.metrics.Pruned(deleted)
	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_blacklist_entries": deleted,
	})
	return CleanupResult{DeletedBlacklistEntries: deleted}, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
