package status

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// AppState represents the application state
type AppState string

const (
	StateIdle      AppState = "idle"
	StateArchiving AppState = "archiving"
	StateOffline   AppState = "offline"
)

// Service manages application status
type Service struct {
	state        AppState
	mu           sync.RWMutex
	activeJobs   map[string]struct{}
	eventService interfaces.EventService
	jobStorage   interfaces.JobStorage
	logger       arbor.ILogger
}

// NewService creates a new StatusService
func NewService(eventService interfaces.EventService, jobStorage interfaces.JobStorage, logger arbor.ILogger) *Service {
	return &Service{
		state:        StateIdle,
		activeJobs:   make(map[string]struct{}),
		eventService: eventService,
		jobStorage:   jobStorage,
		logger:       logger,
	}
}

// GetState returns the current application state (thread-safe)
func (s *Service) GetState() AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState updates the application state and broadcasts the change
func (s *Service) SetState(state AppState) {
	s.mu.Lock()
	oldState := s.state
	s.state = state
	activeIDs := s.activeJobIDs()
	s.mu.Unlock()

	if oldState == state {
		return
	}

	s.logger.Info().
		Str("old_state", string(oldState)).
		Str("new_state", string(state)).
		Msg("Application state changed")

	payload := map[string]interface{}{
		"state":       string(state),
		"active_jobs": activeIDs,
		"timestamp":   time.Now(),
	}
	event := interfaces.Event{
		Type:    interfaces.EventStatusChanged,
		Payload: payload,
	}
	s.eventService.Publish(context.Background(), event)
}

// GetStatus returns the full status including state, active jobs,
// persistent job counts, and runtime diagnostics.
func (s *Service) GetStatus() map[string]interface{} {
	s.mu.RLock()
	state := s.state
	activeIDs := s.activeJobIDs()
	s.mu.RUnlock()

	result := map[string]interface{}{
		"state":       string(state),
		"active_jobs": activeIDs,
		"timestamp":   time.Now(),
		"system": map[string]interface{}{
			"version":            common.GetVersion(),
			"goroutines":         runtime.NumGoroutine(),
			"goroutines_spawned": common.GetGoroutineCount(),
		},
	}

	if s.jobStorage != nil {
		result["jobs"] = s.jobCounts()
	}

	return result
}

// jobCounts queries persistent per-status totals. Errors degrade to a
// partial map rather than failing the status call.
func (s *Service) jobCounts() map[string]int {
	ctx := context.Background()
	counts := make(map[string]int)

	statuses := []models.JobStatus{
		models.JobStatusPending,
		models.JobStatusRunning,
		models.JobStatusPaused,
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusCancelled,
	}
	for _, status := range statuses {
		count, err := s.jobStorage.CountJobsByStatus(ctx, status)
		if err != nil {
			s.logger.Warn().Err(err).Str("status", string(status)).Msg("Failed to count jobs")
			continue
		}
		counts[string(status)] = count
	}

	if total, err := s.jobStorage.CountJobs(ctx); err == nil {
		counts["total"] = total
	}

	return counts
}

// activeJobIDs snapshots the active set. Caller must hold at least a
// read lock.
func (s *Service) activeJobIDs() []string {
	ids := make([]string, 0, len(s.activeJobs))
	for id := range s.activeJobs {
		ids = append(ids, id)
	}
	return ids
}

// SubscribeToJobEvents wires state transitions to the job lifecycle:
// any progress marks the app archiving, and terminal events return it
// to idle once no job remains active.
func (s *Service) SubscribeToJobEvents() {
	s.eventService.Subscribe(interfaces.EventJobProgress, func(ctx context.Context, event interfaces.Event) error {
		payload, ok := event.Payload.(interfaces.JobProgressPayload)
		if !ok {
			return nil
		}
		s.trackJob(payload.JobID)
		return nil
	})

	terminal := func(ctx context.Context, event interfaces.Event) error {
		payload, ok := event.Payload.(interfaces.JobLifecyclePayload)
		if !ok {
			return nil
		}
		s.releaseJob(payload.JobID)
		return nil
	}
	s.eventService.Subscribe(interfaces.EventJobCompleted, terminal)
	s.eventService.Subscribe(interfaces.EventJobFailed, terminal)

	s.logger.Info().Msg("StatusService subscribed to job events")
}

func (s *Service) trackJob(jobID string) {
	s.mu.Lock()
	s.activeJobs[jobID] = struct{}{}
	s.mu.Unlock()
	s.SetState(StateArchiving)
}

func (s *Service) releaseJob(jobID string) {
	s.mu.Lock()
	delete(s.activeJobs, jobID)
	idle := len(s.activeJobs) == 0
	s.mu.Unlock()
	if idle {
		s.SetState(StateIdle)
	}
}
