package interfaces

import "time"

// ScheduleStatus represents the current status of a scheduled archive entry
type ScheduleStatus struct {
	Name      string     `json:"name"`
	Enabled   bool       `json:"enabled"`
	Schedule  string     `json:"schedule"`
	SeedURL   string     `json:"seed_url"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	IsRunning bool       `json:"is_running"`
	LastJobID string     `json:"last_job_id,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// SchedulerService manages cron-based periodic re-archiving
type SchedulerService interface {
	// Start activates all registered entries
	Start() error

	// Stop halts the scheduler
	Stop() error

	// IsRunning returns true if the scheduler is active
	IsRunning() bool

	// RegisterJob registers a recurring archive entry with the scheduler.
	// The handler submits the archive job and returns its ID.
	RegisterJob(name string, schedule string, seedURL string, handler func() (string, error)) error

	// TriggerJob manually runs a registered entry now
	TriggerJob(name string) error

	// EnableJob enables a disabled entry
	EnableJob(name string) error

	// DisableJob disables an enabled entry
	DisableJob(name string) error

	// GetJobStatus returns the status of a specific entry
	GetJobStatus(name string) (*ScheduleStatus, error)

	// GetAllJobStatuses returns all entry statuses
	GetAllJobStatuses() map[string]*ScheduleStatus
}
