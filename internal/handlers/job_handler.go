// -----------------------------------------------------------------------
// Job Handler - REST surface for archive job submission and control
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// JobHandler handles job-related API requests
type JobHandler struct {
	jobService interfaces.JobService
	jobStorage interfaces.JobStorage
	logStorage interfaces.JobLogStorage
	logger     arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService interfaces.JobService, jobStorage interfaces.JobStorage, logStorage interfaces.JobLogStorage, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		jobStorage: jobStorage,
		logStorage: logStorage,
		logger:     logger,
	}
}

// SubmitJobHandler creates and starts a new archive job
// POST /api/jobs
func (h *JobHandler) SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req interfaces.JobSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	defer r.Body.Close()

	job, err := h.jobService.SubmitJob(ctx, &req)
	if err != nil {
		h.logger.Warn().Err(err).Str("seed_url", req.SeedURL).Msg("Job submission rejected")
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info().Str("job_id", job.ID).Str("seed_url", job.SeedURL).Msg("Job submitted")
	WriteJSON(w, http.StatusCreated, job)
}

// ListJobsHandler returns a paginated list of jobs
// GET /api/jobs?limit=50&offset=0&status=completed
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	opts := &interfaces.JobListOptions{
		Limit:  QueryInt(r, "limit", 50),
		Offset: QueryInt(r, "offset", 0),
		Status: models.JobStatus(r.URL.Query().Get("status")),
	}

	jobs, err := h.jobService.ListJobs(ctx, opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	totalCount, err := h.jobStorage.CountJobs(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to count jobs")
		totalCount = len(jobs)
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":        jobs,
		"total_count": totalCount,
		"limit":       opts.Limit,
		"offset":      opts.Offset,
	})
}

// GetJobHandler returns a single job by ID
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.jobService.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// CancelJobHandler cancels a running job
// POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.jobService.CancelJob(ctx, jobID); err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to cancel job")
		WriteError(w, http.StatusConflict, err.Error())
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job cancelled")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"message": "Job cancelled successfully",
	})
}

// PauseJobHandler pauses a running job
// POST /api/jobs/{id}/pause
func (h *JobHandler) PauseJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.jobService.PauseJob(ctx, jobID); err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to pause job")
		WriteError(w, http.StatusConflict, err.Error())
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job paused")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"message": "Job paused successfully",
	})
}

// ResumeJobHandler resumes a paused job
// POST /api/jobs/{id}/resume
func (h *JobHandler) ResumeJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.jobService.ResumeJob(ctx, jobID); err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to resume job")
		WriteError(w, http.StatusConflict, err.Error())
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job resumed")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"message": "Job resumed successfully",
	})
}

// DeleteJobHandler deletes a job, its logs, and its stored artifacts
// DELETE /api/jobs/{id}
func (h *JobHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.jobService.DeleteJob(ctx, jobID); err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to delete job")
		WriteError(w, http.StatusConflict, err.Error())
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job deleted")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"message": "Job deleted successfully",
	})
}

// DownloadArchiveHandler streams the packaged tar.gz of a completed job
// GET /api/jobs/{id}/download
func (h *JobHandler) DownloadArchiveHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.jobService.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	if job.ArchivePath == "" {
		WriteError(w, http.StatusConflict, "Job has no archive yet")
		return
	}
	if _, err := os.Stat(job.ArchivePath); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Str("path", job.ArchivePath).Msg("Archive file missing")
		WriteError(w, http.StatusNotFound, "Archive file not found")
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filepath.Base(job.ArchivePath)+"\"")
	http.ServeFile(w, r, job.ArchivePath)
}

// GetJobLogsHandler returns persisted log entries for a job
// GET /api/jobs/{id}/logs?limit=100&level=error
func (h *JobHandler) GetJobLogsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	limit := QueryInt(r, "limit", 100)
	level := r.URL.Query().Get("level")

	var logs []models.JobLogEntry
	var err error
	if level != "" {
		logs, err = h.logStorage.GetLogsByLevel(ctx, jobID, level, limit)
	} else {
		logs, err = h.logStorage.GetLogs(ctx, jobID, limit)
	}
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job logs")
		WriteError(w, http.StatusInternalServerError, "Failed to get job logs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"logs":   logs,
		"count":  len(logs),
	})
}

// GetJobStatsHandler returns statistics about jobs
// GET /api/jobs/stats
func (h *JobHandler) GetJobStatsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalCount, err := h.jobStorage.CountJobs(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to count total jobs")
		totalCount = 0
	}

	pendingCount, _ := h.jobStorage.CountJobsByStatus(ctx, models.JobStatusPending)
	runningCount, _ := h.jobStorage.CountJobsByStatus(ctx, models.JobStatusRunning)
	pausedCount, _ := h.jobStorage.CountJobsByStatus(ctx, models.JobStatusPaused)
	completedCount, _ := h.jobStorage.CountJobsByStatus(ctx, models.JobStatusCompleted)
	failedCount, _ := h.jobStorage.CountJobsByStatus(ctx, models.JobStatusFailed)
	cancelledCount, _ := h.jobStorage.CountJobsByStatus(ctx, models.JobStatusCancelled)

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"total_jobs":     totalCount,
		"pending_jobs":   pendingCount,
		"running_jobs":   runningCount,
		"paused_jobs":    pausedCount,
		"completed_jobs": completedCount,
		"failed_jobs":    failedCount,
		"cancelled_jobs": cancelledCount,
		"active_jobs":    h.jobService.ActiveJobs(),
	})
}

// jobIDFromPath extracts the job ID from /api/jobs/{id} and its subpaths.
func jobIDFromPath(path string) string {
	pathParts := strings.Split(strings.Trim(path, "/"), "/")
	if len(pathParts) < 3 {
		return ""
	}
	return pathParts[2]
}
