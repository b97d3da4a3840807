// -----------------------------------------------------------------------
// Last Modified: Tuesday, 17th February 2026 11:42:18 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/arca/internal/models"
)

// ErrJobNotFound is returned when a job ID does not exist in storage
var ErrJobNotFound = errors.New("job not found")

// ErrKeyNotFound is returned when a key is not found in the key/value store
var ErrKeyNotFound = errors.New("key not found")

// JobListOptions filters and pages job listings. Zero values mean
// "no filter" and "no limit"; results are ordered newest first.
type JobListOptions struct {
	Status models.JobStatus
	Limit  int
	Offset int
}

// JobStorage - interface for archive job persistence
type JobStorage interface {
	// SaveJob inserts or updates a job record
	SaveJob(ctx context.Context, job *models.ArchiveJob) error

	// GetJob retrieves a job by ID, returns ErrJobNotFound if missing
	GetJob(ctx context.Context, id string) (*models.ArchiveJob, error)

	// DeleteJob removes a job record, returns ErrJobNotFound if missing
	DeleteJob(ctx context.Context, id string) error

	// ListJobs returns jobs matching opts, ordered by CreatedAt DESC
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.ArchiveJob, error)

	// GetJobsByStatus returns all jobs in the given status
	GetJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.ArchiveJob, error)

	// UpdateJobStatus transitions a job's status and stamps the
	// started/completed times that go with it
	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, errorMsg string) error

	// CountJobs returns the total number of stored jobs
	CountJobs(ctx context.Context) (int, error)

	// CountJobsByStatus returns the number of jobs in the given status
	CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error)

	// MarkInterruptedJobs fails any job left in a non-terminal status by
	// a previous process, returning how many were touched
	MarkInterruptedJobs(ctx context.Context, reason string) (int, error)
}

// JobLogStorage - interface for per-job log persistence
type JobLogStorage interface {
	// AppendLog stores a single log entry for a job
	AppendLog(ctx context.Context, jobID string, entry models.JobLogEntry) error

	// AppendLogs stores a batch of log entries for a job
	AppendLogs(ctx context.Context, jobID string, entries []models.JobLogEntry) error

	// GetLogs returns up to limit entries for a job, newest first
	GetLogs(ctx context.Context, jobID string, limit int) ([]models.JobLogEntry, error)

	// GetLogsByLevel returns entries at or above the given level,
	// newest first ("info" includes "warn" and "error")
	GetLogsByLevel(ctx context.Context, jobID string, level string, limit int) ([]models.JobLogEntry, error)

	// CountLogs returns the number of entries stored for a job
	CountLogs(ctx context.Context, jobID string) (int, error)

	// DeleteLogs removes all entries for a job
	DeleteLogs(ctx context.Context, jobID string) error
}

// KeyValuePair represents a single key/value pair with metadata
type KeyValuePair struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// KeyValueStorage defines operations for small operational state such as
// scheduler bookkeeping. Keys are case-insensitive.
type KeyValueStorage interface {
	// Get retrieves a value by key, returns ErrKeyNotFound if missing
	Get(ctx context.Context, key string) (string, error)

	// GetPair retrieves a full KeyValuePair by key
	GetPair(ctx context.Context, key string) (*KeyValuePair, error)

	// Set inserts or updates a key/value pair with optional description
	Set(ctx context.Context, key string, value string, description string) error

	// Delete removes a key/value pair, returns ErrKeyNotFound if missing
	Delete(ctx context.Context, key string) error

	// List returns all key/value pairs ordered by updated_at DESC
	List(ctx context.Context) ([]KeyValuePair, error)

	// ListByPrefix returns all pairs whose key starts with prefix,
	// ordered by updated_at DESC
	ListByPrefix(ctx context.Context, prefix string) ([]KeyValuePair, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	JobStorage() JobStorage
	JobLogStorage() JobLogStorage
	KVStorage() KeyValueStorage
	DB() interface{}
	Close() error
}
