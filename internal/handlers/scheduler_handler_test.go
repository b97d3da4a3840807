package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/interfaces"
)

// mockSchedulerService implements interfaces.SchedulerService for testing
type mockSchedulerService struct {
	running     bool
	statuses    map[string]*interfaces.ScheduleStatus
	triggerFunc func(name string) error
	enableFunc  func(name string) error
	disableFunc func(name string) error
}

func (m *mockSchedulerService) Start() error    { return nil }
func (m *mockSchedulerService) Stop() error     { return nil }
func (m *mockSchedulerService) IsRunning() bool { return m.running }

func (m *mockSchedulerService) RegisterJob(name, schedule, seedURL string, handler func() (string, error)) error {
	return nil
}

func (m *mockSchedulerService) TriggerJob(name string) error {
	if m.triggerFunc != nil {
		return m.triggerFunc(name)
	}
	return nil
}

func (m *mockSchedulerService) EnableJob(name string) error {
	if m.enableFunc != nil {
		return m.enableFunc(name)
	}
	return nil
}

func (m *mockSchedulerService) DisableJob(name string) error {
	if m.disableFunc != nil {
		return m.disableFunc(name)
	}
	return nil
}

func (m *mockSchedulerService) GetJobStatus(name string) (*interfaces.ScheduleStatus, error) {
	if status, ok := m.statuses[name]; ok {
		return status, nil
	}
	return nil, &mockError{msg: "schedule entry " + name + " not found"}
}

func (m *mockSchedulerService) GetAllJobStatuses() map[string]*interfaces.ScheduleStatus {
	return m.statuses
}

func TestListSchedulesHandler(t *testing.T) {
	mockService := &mockSchedulerService{
		running: true,
		statuses: map[string]*interfaces.ScheduleStatus{
			"example.com": {
				Name:     "example.com",
				Enabled:  true,
				Schedule: "0 3 * * *",
				SeedURL:  "https://example.com",
			},
		},
	}
	handler := NewSchedulerHandler(mockService, arbor.NewLogger())

	req := httptest.NewRequest("GET", "/api/scheduler", nil)
	rec := httptest.NewRecorder()
	handler.ListSchedulesHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	response := decodeJSON(t, rec)
	if response["running"] != true {
		t.Errorf("Expected running true, got %v", response["running"])
	}
	schedules := response["schedules"].(map[string]interface{})
	entry := schedules["example.com"].(map[string]interface{})
	if entry["schedule"] != "0 3 * * *" {
		t.Errorf("Expected cron expression in entry, got %v", entry["schedule"])
	}

	// Read-only endpoint
	req = httptest.NewRequest("POST", "/api/scheduler", nil)
	rec = httptest.NewRecorder()
	handler.ListSchedulesHandler(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405 for POST, got %d", rec.Code)
	}
}

func TestTriggerScheduleHandler(t *testing.T) {
	var triggered string
	mockService := &mockSchedulerService{
		triggerFunc: func(name string) error {
			if name == "busy" {
				return &mockError{msg: "schedule entry busy is already running"}
			}
			triggered = name
			return nil
		},
	}
	handler := NewSchedulerHandler(mockService, arbor.NewLogger())

	req := httptest.NewRequest("POST", "/api/scheduler/example.com/trigger", nil)
	rec := httptest.NewRecorder()
	handler.TriggerScheduleHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if triggered != "example.com" {
		t.Errorf("Expected trigger to reach the service, got %q", triggered)
	}
	response := decodeJSON(t, rec)
	if response["status"] != "started" {
		t.Errorf("Expected status 'started', got %v", response["status"])
	}

	// Entry mid-run rejects a second trigger
	req = httptest.NewRequest("POST", "/api/scheduler/busy/trigger", nil)
	rec = httptest.NewRecorder()
	handler.TriggerScheduleHandler(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for running entry, got %d", rec.Code)
	}

	// Name is required
	req = httptest.NewRequest("POST", "/api/scheduler", nil)
	rec = httptest.NewRecorder()
	handler.TriggerScheduleHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for missing name, got %d", rec.Code)
	}
}

func TestEnableDisableScheduleHandlers(t *testing.T) {
	unknown := &mockError{msg: "schedule entry ghost not found"}
	mockService := &mockSchedulerService{
		enableFunc: func(name string) error {
			if name == "ghost" {
				return unknown
			}
			return nil
		},
		disableFunc: func(name string) error {
			if name == "ghost" {
				return unknown
			}
			return nil
		},
	}
	handler := NewSchedulerHandler(mockService, arbor.NewLogger())

	req := httptest.NewRequest("POST", "/api/scheduler/example.com/enable", nil)
	rec := httptest.NewRecorder()
	handler.EnableScheduleHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	response := decodeJSON(t, rec)
	if response["status"] != "success" {
		t.Errorf("Expected status 'success', got %v", response["status"])
	}

	req = httptest.NewRequest("POST", "/api/scheduler/example.com/disable", nil)
	rec = httptest.NewRecorder()
	handler.DisableScheduleHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}

	req = httptest.NewRequest("POST", "/api/scheduler/ghost/enable", nil)
	rec = httptest.NewRecorder()
	handler.EnableScheduleHandler(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown entry, got %d", rec.Code)
	}

	req = httptest.NewRequest("POST", "/api/scheduler/ghost/disable", nil)
	rec = httptest.NewRecorder()
	handler.DisableScheduleHandler(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown entry, got %d", rec.Code)
	}
}
