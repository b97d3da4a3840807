package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/services/status"
)

// StatusHandler exposes the application status snapshot.
type StatusHandler struct {
	statusService *status.Service
	logger        arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(statusService *status.Service, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		statusService: statusService,
		logger:        logger,
	}
}

// GetStatusHandler handles GET /api/status. An optional ?section= query
// narrows the response to a single top-level section (jobs, system, ...),
// which keeps polling dashboards cheap.
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	snapshot := h.statusService.GetStatus()

	if section := r.URL.Query().Get("section"); section != "" {
		value, ok := snapshot[section]
		if !ok {
			WriteError(w, http.StatusBadRequest, "unknown status section: "+section)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{section: value})
		return
	}

	WriteJSON(w, http.StatusOK, snapshot)
}
