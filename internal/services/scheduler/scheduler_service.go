// -----------------------------------------------------------------------
// Scheduler Service - cron-driven periodic re-archiving of configured seeds
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
)

// entryStateKeyPrefix namespaces the enabled/disabled flags persisted to the
// key/value store so entries keep their state across restarts.
const entryStateKeyPrefix = "scheduler.enabled."

// jobEntry represents a registered archive entry with runtime metadata
type jobEntry struct {
	name      string
	schedule  string
	seedURL   string
	handler   func() (string, error)
	enabled   bool
	cronID    cron.EntryID
	lastRun   *time.Time
	isRunning bool
	lastJobID string
	lastError string
}

// Service implements interfaces.SchedulerService on top of robfig/cron.
type Service struct {
	kvStorage interfaces.KeyValueStorage
	cron      *cron.Cron
	logger    arbor.ILogger

	jobMu   sync.Mutex // Protects jobs map and entry state
	jobs    map[string]*jobEntry
	running bool
}

// NewService creates a new scheduler service. Entry enabled state is
// persisted through kvStorage, which may be nil to disable persistence.
func NewService(kvStorage interfaces.KeyValueStorage, logger arbor.ILogger) interfaces.SchedulerService {
	return &Service{
		kvStorage: kvStorage,
		cron:      cron.New(),
		logger:    logger,
		jobs:      make(map[string]*jobEntry),
	}
}

// Start activates all registered entries.
func (s *Service) Start() error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().Int("entries", len(s.jobs)).Msg("Scheduler started")
	return nil
}

// Stop halts the scheduler. Entries already mid-run finish on their own.
func (s *Service) Stop() error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if !s.running {
		return nil
	}

	s.cron.Stop()
	s.running = false

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is active
func (s *Service) IsRunning() bool {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	return s.running
}

// RegisterJob registers a recurring archive entry. A previously persisted
// disabled state is restored, otherwise the entry starts enabled.
func (s *Service) RegisterJob(name string, schedule string, seedURL string, handler func() (string, error)) error {
	if err := common.ValidateJobSchedule(schedule); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}

	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("entry %s already registered", name)
	}

	entry := &jobEntry{
		name:     name,
		schedule: schedule,
		seedURL:  seedURL,
		handler:  handler,
		enabled:  s.loadEntryState(name),
	}

	if entry.enabled {
		cronID, err := s.cron.AddFunc(schedule, func() {
			s.executeEntry(name)
		})
		if err != nil {
			return fmt.Errorf("failed to add entry to cron: %w", err)
		}
		entry.cronID = cronID
	}

	s.jobs[name] = entry

	s.logger.Info().
		Str("entry", name).
		Str("schedule", schedule).
		Str("seed", seedURL).
		Bool("enabled", entry.enabled).
		Msg("Schedule entry registered")

	return nil
}

// TriggerJob manually runs a registered entry now, regardless of its
// enabled state. The run happens in the background.
func (s *Service) TriggerJob(name string) error {
	s.jobMu.Lock()
	entry, exists := s.jobs[name]
	if !exists {
		s.jobMu.Unlock()
		return fmt.Errorf("entry %s not found", name)
	}
	if entry.isRunning {
		s.jobMu.Unlock()
		return fmt.Errorf("entry %s is already running", name)
	}
	s.jobMu.Unlock()

	s.logger.Info().Str("entry", name).Msg("Manual schedule trigger requested")
	common.SafeGo(s.logger, "scheduler-trigger:"+name, func() {
		s.executeEntry(name)
	})
	return nil
}

// EnableJob enables a disabled entry
func (s *Service) EnableJob(name string) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	entry, exists := s.jobs[name]
	if !exists {
		return fmt.Errorf("entry %s not found", name)
	}
	if entry.enabled {
		return nil // Already enabled
	}

	cronID, err := s.cron.AddFunc(entry.schedule, func() {
		s.executeEntry(name)
	})
	if err != nil {
		return fmt.Errorf("failed to add entry to cron: %w", err)
	}

	entry.cronID = cronID
	entry.enabled = true

	s.logger.Info().Str("entry", name).Msg("Schedule entry enabled")
	s.saveEntryState(name, true)
	return nil
}

// DisableJob disables an enabled entry
func (s *Service) DisableJob(name string) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	entry, exists := s.jobs[name]
	if !exists {
		return fmt.Errorf("entry %s not found", name)
	}
	if !entry.enabled {
		return nil // Already disabled
	}

	s.cron.Remove(entry.cronID)
	entry.enabled = false

	s.logger.Info().Str("entry", name).Msg("Schedule entry disabled")
	s.saveEntryState(name, false)
	return nil
}

// GetJobStatus returns the status of a specific entry
func (s *Service) GetJobStatus(name string) (*interfaces.ScheduleStatus, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	entry, exists := s.jobs[name]
	if !exists {
		return nil, fmt.Errorf("entry %s not found", name)
	}

	// Next run time comes from the live cron entry
	var nextRun *time.Time
	if entry.enabled {
		for _, cronEntry := range s.cron.Entries() {
			if cronEntry.ID == entry.cronID {
				next := cronEntry.Next
				nextRun = &next
				break
			}
		}
	}

	return &interfaces.ScheduleStatus{
		Name:      entry.name,
		Enabled:   entry.enabled,
		Schedule:  entry.schedule,
		SeedURL:   entry.seedURL,
		LastRun:   entry.lastRun,
		NextRun:   nextRun,
		IsRunning: entry.isRunning,
		LastJobID: entry.lastJobID,
		LastError: entry.lastError,
	}, nil
}

// GetAllJobStatuses returns all entry statuses
func (s *Service) GetAllJobStatuses() map[string]*interfaces.ScheduleStatus {
	// Copy entry names while holding the lock to avoid concurrent map iteration
	s.jobMu.Lock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.jobMu.Unlock()

	statuses := make(map[string]*interfaces.ScheduleStatus)
	for _, name := range names {
		status, err := s.GetJobStatus(name)
		if err == nil {
			statuses[name] = status
		}
	}
	return statuses
}

// executeEntry wraps one handler invocation with double-run protection,
// panic recovery, and status tracking.
func (s *Service) executeEntry(name string) {
	s.jobMu.Lock()
	entry, exists := s.jobs[name]
	if !exists {
		s.jobMu.Unlock()
		return
	}
	if entry.isRunning {
		s.jobMu.Unlock()
		s.logger.Warn().Str("entry", name).Msg("Skipping schedule run, previous run still active")
		return
	}
	entry.isRunning = true
	now := time.Now()
	entry.lastRun = &now
	handler := entry.handler
	s.jobMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("entry", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Recovered from panic in schedule run")
			s.recordResult(name, "", fmt.Sprintf("panic: %v", r))
		}
	}()

	s.logger.Info().Str("entry", name).Msg("Running schedule entry")

	jobID, err := handler()
	if err != nil {
		s.logger.Error().Err(err).Str("entry", name).Msg("Schedule run failed")
		s.recordResult(name, jobID, err.Error())
		return
	}

	s.logger.Info().Str("entry", name).Str("job_id", jobID).Msg("Schedule run submitted archive job")
	s.recordResult(name, jobID, "")
}

func (s *Service) recordResult(name, jobID, errMsg string) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	entry, exists := s.jobs[name]
	if !exists {
		return
	}
	entry.isRunning = false
	entry.lastError = errMsg
	if jobID != "" {
		entry.lastJobID = jobID
	}
}

// loadEntryState restores a persisted enabled flag, defaulting to enabled.
func (s *Service) loadEntryState(name string) bool {
	if s.kvStorage == nil {
		return true
	}
	value, err := s.kvStorage.Get(context.Background(), entryStateKeyPrefix+name)
	if err != nil {
		return true
	}
	return value != "false"
}

func (s *Service) saveEntryState(name string, enabled bool) {
	if s.kvStorage == nil {
		return
	}
	value := "true"
	if !enabled {
		value = "false"
	}
	err := s.kvStorage.Set(context.Background(), entryStateKeyPrefix+name, value, "scheduler entry state")
	if err != nil {
		s.logger.Warn().Err(err).Str("entry", name).Msg("Failed to persist schedule entry state")
	}
}
