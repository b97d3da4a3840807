package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/interfaces"
)

// SchedulerHandler handles scheduler-related endpoints
type SchedulerHandler struct {
	schedulerService interfaces.SchedulerService
	logger           arbor.ILogger
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(schedulerService interfaces.SchedulerService, logger arbor.ILogger) *SchedulerHandler {
	return &SchedulerHandler{
		schedulerService: schedulerService,
		logger:           logger,
	}
}

// ListSchedulesHandler returns all registered schedule entries
// GET /api/scheduler
func (h *SchedulerHandler) ListSchedulesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"running":   h.schedulerService.IsRunning(),
		"schedules": h.schedulerService.GetAllJobStatuses(),
	})
}

// TriggerScheduleHandler manually runs a schedule entry now
// POST /api/scheduler/{name}/trigger
func (h *SchedulerHandler) TriggerScheduleHandler(w http.ResponseWriter, r *http.Request) {
	name := scheduleNameFromPath(r.URL.Path)
	if name == "" {
		WriteError(w, http.StatusBadRequest, "Schedule name is required")
		return
	}

	if err := h.schedulerService.TriggerJob(name); err != nil {
		h.logger.Warn().Err(err).Str("entry", name).Msg("Failed to trigger schedule")
		WriteError(w, http.StatusConflict, err.Error())
		return
	}

	WriteStarted(w, "Schedule entry triggered")
}

// EnableScheduleHandler enables a schedule entry
// POST /api/scheduler/{name}/enable
func (h *SchedulerHandler) EnableScheduleHandler(w http.ResponseWriter, r *http.Request) {
	name := scheduleNameFromPath(r.URL.Path)
	if name == "" {
		WriteError(w, http.StatusBadRequest, "Schedule name is required")
		return
	}

	if err := h.schedulerService.EnableJob(name); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}

	WriteSuccess(w, "Schedule entry enabled")
}

// DisableScheduleHandler disables a schedule entry
// POST /api/scheduler/{name}/disable
func (h *SchedulerHandler) DisableScheduleHandler(w http.ResponseWriter, r *http.Request) {
	name := scheduleNameFromPath(r.URL.Path)
	if name == "" {
		WriteError(w, http.StatusBadRequest, "Schedule name is required")
		return
	}

	if err := h.schedulerService.DisableJob(name); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}

	WriteSuccess(w, "Schedule entry disabled")
}

// scheduleNameFromPath extracts the entry name from /api/scheduler/{name}/...
func scheduleNameFromPath(path string) string {
	pathParts := strings.Split(strings.Trim(path, "/"), "/")
	if len(pathParts) < 3 {
		return ""
	}
	return pathParts[2]
}
