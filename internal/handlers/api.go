package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
)

// APIHandler serves the small system endpoints: version, health, and the
// JSON 404 for unmatched API paths.
type APIHandler struct {
	logger    arbor.ILogger
	startedAt time.Time
}

func NewAPIHandler() *APIHandler {
	return &APIHandler{
		logger:    common.GetLogger(),
		startedAt: time.Now(),
	}
}

// VersionHandler returns the build identity set via ldflags.
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    common.GetVersion(),
		"build":      common.GetBuild(),
		"git_commit": common.GetGitCommit(),
		"full":       common.GetFullVersion(),
	})
}

// HealthHandler reports liveness and process uptime.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

// NotFoundHandler answers unmatched /api/ paths with a JSON 404.
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("Unknown API endpoint")

	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}
