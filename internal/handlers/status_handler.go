package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// StatusHandler reports application health and runtime status
type StatusHandler struct {
	storage   interfaces.StorageManager
	bus       interfaces.Bus
	workers   common.WorkersConfig
	logger    arbor.ILogger
	startedAt time.Time
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(storage interfaces.StorageManager, bus interfaces.Bus, workers common.WorkersConfig, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		storage:   storage,
		bus:       bus,
		workers:   workers,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}
}

// HealthHandler handles GET /api/health. Storage and bus are probed with one
// cheap read each; any failure degrades the response to 503.
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	components := map[string]string{
		"storage": "ok",
		"bus":     "ok",
	}
	healthy := true

	if _, err := h.storage.TaskStorage().CountTasks(r.Context(), &models.TaskFilter{Limit: 1}); err != nil {
		h.logger.Warn().Err(err).Msg("Storage health check failed")
		components["storage"] = err.Error()
		healthy = false
	}
	if _, err := h.bus.Stats(r.Context()); err != nil {
		h.logger.Warn().Err(err).Msg("Bus health check failed")
		components["bus"] = err.Error()
		healthy = false
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	WriteJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	queues := map[string]*models.QueueStats{}
	if stats, err := h.bus.Stats(r.Context()); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to read queue stats")
	} else {
		queues = stats
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version":        common.GetVersion(),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"queues":         queues,
		"workers": map[string]int{
			"http_concurrency": h.workers.HTTPConcurrency,
			"browser_sessions": h.workers.BrowserSessions,
		},
	})
}
