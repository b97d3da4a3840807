package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
	"github.com/ternarybob/arca/internal/storage/badger"
)

// mockJobService implements interfaces.JobService for handler tests
type mockJobService struct {
	submitFunc func(ctx context.Context, req *interfaces.JobSubmitRequest) (*models.ArchiveJob, error)
	getFunc    func(ctx context.Context, id string) (*models.ArchiveJob, error)
	listFunc   func(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.ArchiveJob, error)
	pauseFunc  func(ctx context.Context, id string) error
	resumeFunc func(ctx context.Context, id string) error
	cancelFunc func(ctx context.Context, id string) error
	deleteFunc func(ctx context.Context, id string) error
	active     int
}

func (m *mockJobService) SubmitJob(ctx context.Context, req *interfaces.JobSubmitRequest) (*models.ArchiveJob, error) {
	if m.submitFunc != nil {
		return m.submitFunc(ctx, req)
	}
	return nil, nil
}

func (m *mockJobService) GetJob(ctx context.Context, id string) (*models.ArchiveJob, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, id)
	}
	return nil, interfaces.ErrJobNotFound
}

func (m *mockJobService) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.ArchiveJob, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, opts)
	}
	return nil, nil
}

func (m *mockJobService) PauseJob(ctx context.Context, id string) error {
	if m.pauseFunc != nil {
		return m.pauseFunc(ctx, id)
	}
	return nil
}

func (m *mockJobService) ResumeJob(ctx context.Context, id string) error {
	if m.resumeFunc != nil {
		return m.resumeFunc(ctx, id)
	}
	return nil
}

func (m *mockJobService) CancelJob(ctx context.Context, id string) error {
	if m.cancelFunc != nil {
		return m.cancelFunc(ctx, id)
	}
	return nil
}

func (m *mockJobService) DeleteJob(ctx context.Context, id string) error {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, id)
	}
	return nil
}

func (m *mockJobService) ActiveJobs() int { return m.active }

func (m *mockJobService) Close() error { return nil }

// newHandlerStorage opens a real badger-backed storage manager for handler
// tests that exercise the storage-facing endpoints (list counts, logs, stats).
func newHandlerStorage(t *testing.T) interfaces.StorageManager {
	t.Helper()

	manager, err := badger.NewManager(arbor.NewLogger(), &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "badger"),
	})
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	t.Cleanup(func() { manager.Close() })
	return manager
}

func handlerTestJob(id string, status models.JobStatus, createdAt time.Time) *models.ArchiveJob {
	return &models.ArchiveJob{
		ID:        id,
		Name:      "Archive " + id,
		SeedURL:   "https://example.com",
		Status:    status,
		CreatedAt: createdAt,
	}
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var response map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func TestSubmitJobHandler_Created(t *testing.T) {
	var capturedReq *interfaces.JobSubmitRequest
	mockService := &mockJobService{
		submitFunc: func(ctx context.Context, req *interfaces.JobSubmitRequest) (*models.ArchiveJob, error) {
			capturedReq = req
			return &models.ArchiveJob{
				ID:      "job-1",
				Name:    "example.com",
				SeedURL: req.SeedURL,
				Status:  models.JobStatusPending,
			}, nil
		},
	}

	handler := NewJobHandler(mockService, nil, nil, arbor.NewLogger())
	body := strings.NewReader(`{"seed_url":"https://example.com","config":{"max_depth":2}}`)
	req := httptest.NewRequest("POST", "/api/jobs", body)
	rec := httptest.NewRecorder()

	handler.SubmitJobHandler(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", rec.Code)
	}
	if capturedReq == nil || capturedReq.SeedURL != "https://example.com" {
		t.Fatalf("Expected seed URL to reach the service, got %+v", capturedReq)
	}
	if capturedReq.Config == nil || capturedReq.Config.MaxDepth != 2 {
		t.Errorf("Expected config to be decoded, got %+v", capturedReq.Config)
	}

	response := decodeJSON(t, rec)
	if response["id"] != "job-1" {
		t.Errorf("Expected id 'job-1', got %v", response["id"])
	}
	if response["status"] != string(models.JobStatusPending) {
		t.Errorf("Expected status 'pending', got %v", response["status"])
	}
}

func TestSubmitJobHandler_InvalidBody(t *testing.T) {
	handler := NewJobHandler(&mockJobService{}, nil, nil, arbor.NewLogger())
	req := httptest.NewRequest("POST", "/api/jobs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()

	handler.SubmitJobHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}

	response := decodeJSON(t, rec)
	if response["status"] != "error" {
		t.Errorf("Expected status 'error', got %v", response["status"])
	}
	if !strings.Contains(response["error"].(string), "Invalid request body") {
		t.Errorf("Expected invalid body error, got %v", response["error"])
	}
}

func TestSubmitJobHandler_Rejected(t *testing.T) {
	mockService := &mockJobService{
		submitFunc: func(ctx context.Context, req *interfaces.JobSubmitRequest) (*models.ArchiveJob, error) {
			return nil, &mockError{msg: "seed_url must use http or https"}
		},
	}

	handler := NewJobHandler(mockService, nil, nil, arbor.NewLogger())
	req := httptest.NewRequest("POST", "/api/jobs", strings.NewReader(`{"seed_url":"ftp://example.com"}`))
	rec := httptest.NewRecorder()

	handler.SubmitJobHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}

	response := decodeJSON(t, rec)
	if response["error"] != "seed_url must use http or https" {
		t.Errorf("Expected validation message, got %v", response["error"])
	}
}

func TestGetJobHandler(t *testing.T) {
	mockService := &mockJobService{
		getFunc: func(ctx context.Context, id string) (*models.ArchiveJob, error) {
			if id == "job-1" {
				return handlerTestJob("job-1", models.JobStatusCompleted, time.Now()), nil
			}
			return nil, interfaces.ErrJobNotFound
		},
	}
	handler := NewJobHandler(mockService, nil, nil, arbor.NewLogger())

	req := httptest.NewRequest("GET", "/api/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	handler.GetJobHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	response := decodeJSON(t, rec)
	if response["id"] != "job-1" {
		t.Errorf("Expected id 'job-1', got %v", response["id"])
	}
	if response["status"] != string(models.JobStatusCompleted) {
		t.Errorf("Expected status 'completed', got %v", response["status"])
	}

	// Unknown job
	req = httptest.NewRequest("GET", "/api/jobs/nope", nil)
	rec = httptest.NewRecorder()
	handler.GetJobHandler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown job, got %d", rec.Code)
	}
}

func TestListJobsHandler(t *testing.T) {
	manager := newHandlerStorage(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, status := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusRunning, models.JobStatusCompleted} {
		job := handlerTestJob("job-"+string(rune('a'+i)), status, base.Add(time.Duration(i)*time.Minute))
		if err := manager.JobStorage().SaveJob(ctx, job); err != nil {
			t.Fatalf("Failed to save job: %v", err)
		}
	}

	var capturedOpts *interfaces.JobListOptions
	mockService := &mockJobService{
		listFunc: func(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.ArchiveJob, error) {
			capturedOpts = opts
			return manager.JobStorage().ListJobs(ctx, opts)
		},
	}
	handler := NewJobHandler(mockService, manager.JobStorage(), manager.JobLogStorage(), arbor.NewLogger())

	req := httptest.NewRequest("GET", "/api/jobs?limit=2&status=completed", nil)
	rec := httptest.NewRecorder()
	handler.ListJobsHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if capturedOpts.Limit != 2 || capturedOpts.Status != models.JobStatusCompleted {
		t.Errorf("Expected limit=2 status=completed passed to service, got %+v", capturedOpts)
	}

	response := decodeJSON(t, rec)
	jobs := response["jobs"].([]interface{})
	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(jobs))
	}
	// total_count reflects all stored jobs, not the filtered page
	if int(response["total_count"].(float64)) != 3 {
		t.Errorf("Expected total_count 3, got %v", response["total_count"])
	}
	if int(response["limit"].(float64)) != 2 {
		t.Errorf("Expected limit 2 echoed, got %v", response["limit"])
	}

	// Defaults apply when the query string is empty
	req = httptest.NewRequest("GET", "/api/jobs", nil)
	rec = httptest.NewRecorder()
	handler.ListJobsHandler(rec, req)

	if capturedOpts.Limit != 50 || capturedOpts.Offset != 0 || capturedOpts.Status != "" {
		t.Errorf("Expected default options, got %+v", capturedOpts)
	}
}

func TestCancelJobHandler(t *testing.T) {
	var cancelled string
	mockService := &mockJobService{
		cancelFunc: func(ctx context.Context, id string) error {
			switch id {
			case "job-1":
				cancelled = id
				return nil
			case "done":
				return &mockError{msg: "job done is already finished"}
			default:
				return interfaces.ErrJobNotFound
			}
		},
	}
	handler := NewJobHandler(mockService, nil, nil, arbor.NewLogger())

	req := httptest.NewRequest("POST", "/api/jobs/job-1/cancel", nil)
	rec := httptest.NewRecorder()
	handler.CancelJobHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if cancelled != "job-1" {
		t.Errorf("Expected cancel to reach the service for job-1, got %q", cancelled)
	}
	response := decodeJSON(t, rec)
	if response["job_id"] != "job-1" {
		t.Errorf("Expected job_id 'job-1', got %v", response["job_id"])
	}

	req = httptest.NewRequest("POST", "/api/jobs/missing/cancel", nil)
	rec = httptest.NewRecorder()
	handler.CancelJobHandler(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown job, got %d", rec.Code)
	}

	// Terminal jobs cannot be cancelled again
	req = httptest.NewRequest("POST", "/api/jobs/done/cancel", nil)
	rec = httptest.NewRecorder()
	handler.CancelJobHandler(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for finished job, got %d", rec.Code)
	}
}

func TestPauseResumeHandlers(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		invoke     func(h *JobHandler, w http.ResponseWriter, r *http.Request)
		err        error
		wantStatus int
	}{
		{
			name: "pause running job",
			path: "/api/jobs/job-1/pause",
			invoke: func(h *JobHandler, w http.ResponseWriter, r *http.Request) {
				h.PauseJobHandler(w, r)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "pause job that is not running",
			path: "/api/jobs/job-1/pause",
			invoke: func(h *JobHandler, w http.ResponseWriter, r *http.Request) {
				h.PauseJobHandler(w, r)
			},
			err:        &mockError{msg: "job job-1 is not running"},
			wantStatus: http.StatusConflict,
		},
		{
			name: "resume paused job",
			path: "/api/jobs/job-1/resume",
			invoke: func(h *JobHandler, w http.ResponseWriter, r *http.Request) {
				h.ResumeJobHandler(w, r)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "resume unknown job",
			path: "/api/jobs/job-1/resume",
			invoke: func(h *JobHandler, w http.ResponseWriter, r *http.Request) {
				h.ResumeJobHandler(w, r)
			},
			err:        interfaces.ErrJobNotFound,
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := &mockJobService{
				pauseFunc:  func(ctx context.Context, id string) error { return tt.err },
				resumeFunc: func(ctx context.Context, id string) error { return tt.err },
			}
			handler := NewJobHandler(mockService, nil, nil, arbor.NewLogger())

			req := httptest.NewRequest("POST", tt.path, nil)
			rec := httptest.NewRecorder()
			tt.invoke(handler, rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestDeleteJobHandler(t *testing.T) {
	mockService := &mockJobService{
		deleteFunc: func(ctx context.Context, id string) error {
			switch id {
			case "job-1":
				return nil
			case "live":
				return &mockError{msg: "job live is running, cancel it first"}
			default:
				return interfaces.ErrJobNotFound
			}
		},
	}
	handler := NewJobHandler(mockService, nil, nil, arbor.NewLogger())

	req := httptest.NewRequest("DELETE", "/api/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	handler.DeleteJobHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	req = httptest.NewRequest("DELETE", "/api/jobs/missing", nil)
	rec = httptest.NewRecorder()
	handler.DeleteJobHandler(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}

	req = httptest.NewRequest("DELETE", "/api/jobs/live", nil)
	rec = httptest.NewRecorder()
	handler.DeleteJobHandler(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for running job, got %d", rec.Code)
	}
}

func TestDownloadArchiveHandler(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "example.com_20260825.tar.gz")
	if err := os.WriteFile(archivePath, []byte("archive-bytes"), 0o644); err != nil {
		t.Fatalf("Failed to write archive fixture: %v", err)
	}

	jobs := map[string]*models.ArchiveJob{
		"job-1": {ID: "job-1", Status: models.JobStatusCompleted, ArchivePath: archivePath},
		"job-2": {ID: "job-2", Status: models.JobStatusRunning},
		"job-3": {ID: "job-3", Status: models.JobStatusCompleted, ArchivePath: filepath.Join(t.TempDir(), "gone.tar.gz")},
	}
	mockService := &mockJobService{
		getFunc: func(ctx context.Context, id string) (*models.ArchiveJob, error) {
			if job, ok := jobs[id]; ok {
				return job, nil
			}
			return nil, interfaces.ErrJobNotFound
		},
	}
	handler := NewJobHandler(mockService, nil, nil, arbor.NewLogger())

	req := httptest.NewRequest("GET", "/api/jobs/job-1/download", nil)
	rec := httptest.NewRecorder()
	handler.DownloadArchiveHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/gzip" {
		t.Errorf("Expected Content-Type application/gzip, got %q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "example.com_20260825.tar.gz") {
		t.Errorf("Expected attachment filename in disposition, got %q", got)
	}
	if rec.Body.String() != "archive-bytes" {
		t.Errorf("Expected archive body to be served, got %q", rec.Body.String())
	}

	// Job still running, nothing packaged yet
	req = httptest.NewRequest("GET", "/api/jobs/job-2/download", nil)
	rec = httptest.NewRecorder()
	handler.DownloadArchiveHandler(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for unpackaged job, got %d", rec.Code)
	}

	// Archive path recorded but the file was removed from disk
	req = httptest.NewRequest("GET", "/api/jobs/job-3/download", nil)
	rec = httptest.NewRecorder()
	handler.DownloadArchiveHandler(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for missing archive file, got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/jobs/missing/download", nil)
	rec = httptest.NewRecorder()
	handler.DownloadArchiveHandler(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown job, got %d", rec.Code)
	}
}

func TestGetJobLogsHandler(t *testing.T) {
	manager := newHandlerStorage(t)
	ctx := context.Background()

	entries := []models.JobLogEntry{
		{Level: "info", Message: "archive started"},
		{Level: "info", Message: "archived page 1"},
		{Level: "warn", Message: "retrying after 429"},
		{Level: "error", Message: "fetch failed"},
		{Level: "info", Message: "archive packaged"},
	}
	if err := manager.JobLogStorage().AppendLogs(ctx, "job-9", entries); err != nil {
		t.Fatalf("Failed to append logs: %v", err)
	}

	handler := NewJobHandler(&mockJobService{}, manager.JobStorage(), manager.JobLogStorage(), arbor.NewLogger())

	req := httptest.NewRequest("GET", "/api/jobs/job-9/logs", nil)
	rec := httptest.NewRecorder()
	handler.GetJobLogsHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	response := decodeJSON(t, rec)
	if response["job_id"] != "job-9" {
		t.Errorf("Expected job_id 'job-9', got %v", response["job_id"])
	}
	if int(response["count"].(float64)) != 5 {
		t.Errorf("Expected count 5, got %v", response["count"])
	}

	// Limit caps the result set, newest first
	req = httptest.NewRequest("GET", "/api/jobs/job-9/logs?limit=2", nil)
	rec = httptest.NewRecorder()
	handler.GetJobLogsHandler(rec, req)
	response = decodeJSON(t, rec)
	logs := response["logs"].([]interface{})
	if len(logs) != 2 {
		t.Fatalf("Expected 2 logs, got %d", len(logs))
	}
	newest := logs[0].(map[string]interface{})
	if newest["message"] != "archive packaged" {
		t.Errorf("Expected newest entry first, got %v", newest["message"])
	}

	// Level filter returns entries at or above the requested level
	req = httptest.NewRequest("GET", "/api/jobs/job-9/logs?level=warn", nil)
	rec = httptest.NewRecorder()
	handler.GetJobLogsHandler(rec, req)
	response = decodeJSON(t, rec)
	if int(response["count"].(float64)) != 2 {
		t.Errorf("Expected 2 warn-or-above entries, got %v", response["count"])
	}
}

func TestGetJobStatsHandler(t *testing.T) {
	manager := newHandlerStorage(t)
	ctx := context.Background()

	now := time.Now().UTC()
	seed := []struct {
		id     string
		status models.JobStatus
	}{
		{"job-1", models.JobStatusCompleted},
		{"job-2", models.JobStatusCompleted},
		{"job-3", models.JobStatusRunning},
		{"job-4", models.JobStatusFailed},
	}
	for _, s := range seed {
		if err := manager.JobStorage().SaveJob(ctx, handlerTestJob(s.id, s.status, now)); err != nil {
			t.Fatalf("Failed to save job: %v", err)
		}
	}

	handler := NewJobHandler(&mockJobService{active: 1}, manager.JobStorage(), manager.JobLogStorage(), arbor.NewLogger())

	req := httptest.NewRequest("GET", "/api/jobs/stats", nil)
	rec := httptest.NewRecorder()
	handler.GetJobStatsHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	response := decodeJSON(t, rec)
	want := map[string]int{
		"total_jobs":     4,
		"completed_jobs": 2,
		"running_jobs":   1,
		"failed_jobs":    1,
		"pending_jobs":   0,
		"paused_jobs":    0,
		"cancelled_jobs": 0,
		"active_jobs":    1,
	}
	for field, expected := range want {
		if got := int(response[field].(float64)); got != expected {
			t.Errorf("Expected %s=%d, got %d", field, expected, got)
		}
	}
}

// mockError implements error for testing
type mockError struct {
	msg string
}

func (e *mockError) Error() string {
	return e.msg
}
