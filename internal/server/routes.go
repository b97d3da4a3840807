// -----------------------------------------------------------------------
// HTTP Routes - REST and WebSocket surface for the archiver
// -----------------------------------------------------------------------

package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Jobs (archive job management)
	mux.HandleFunc("/api/jobs/stats", s.app.JobHandler.GetJobStatsHandler)
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // Handles /api/jobs/{id} and subpaths

	// API routes - Scheduler
	mux.HandleFunc("/api/scheduler", s.app.SchedulerHandler.ListSchedulesHandler)
	mux.HandleFunc("/api/scheduler/", s.handleSchedulerRoutes) // Handles /api/scheduler/{name}/{action}

	// API routes - Status
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)

	// API routes - Logs
	mux.HandleFunc("/api/logs/recent", s.app.WSHandler.GetRecentLogsHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler) // Graceful shutdown endpoint (dev mode)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute routes /api/jobs requests (list and submit)
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.JobHandler.ListJobsHandler, s.app.JobHandler.SubmitJobHandler)
}

// handleJobRoutes routes job-related requests to the appropriate handler
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// POST /api/jobs/{id}/cancel, /pause, /resume
	if r.Method == "POST" {
		matched := RouteByPathSuffix(w, r, "/api/jobs/", []PathSuffixRouter{
			{Suffix: "/cancel", Handler: s.app.JobHandler.CancelJobHandler},
			{Suffix: "/pause", Handler: s.app.JobHandler.PauseJobHandler},
			{Suffix: "/resume", Handler: s.app.JobHandler.ResumeJobHandler},
		})
		if !matched {
			http.Error(w, "Not found", http.StatusNotFound)
		}
		return
	}

	if r.Method == "GET" {
		// GET /api/jobs/{id}/download
		if strings.HasSuffix(path, "/download") {
			s.app.JobHandler.DownloadArchiveHandler(w, r)
			return
		}
		// GET /api/jobs/{id}/logs
		if strings.HasSuffix(path, "/logs") {
			s.app.JobHandler.GetJobLogsHandler(w, r)
			return
		}
	}

	// GET /api/jobs/{id} and DELETE /api/jobs/{id}
	RouteResourceItem(w, r, s.app.JobHandler.GetJobHandler, s.app.JobHandler.DeleteJobHandler)
}

// handleSchedulerRoutes routes /api/scheduler/{name} actions
func (s *Server) handleSchedulerRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	matched := RouteByPathSuffix(w, r, "/api/scheduler/", []PathSuffixRouter{
		{Suffix: "/trigger", Handler: s.app.SchedulerHandler.TriggerScheduleHandler},
		{Suffix: "/enable", Handler: s.app.SchedulerHandler.EnableScheduleHandler},
		{Suffix: "/disable", Handler: s.app.SchedulerHandler.DisableScheduleHandler},
	})
	if !matched {
		http.Error(w, "Not found", http.StatusNotFound)
	}
}
