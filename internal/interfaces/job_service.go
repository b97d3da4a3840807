package interfaces

import (
	"context"

	"github.com/ternarybob/arca/internal/models"
)

// JobSubmitRequest is the payload accepted by the job submit endpoint and
// the scheduler. Absent config fields inherit the configured crawler
// defaults before validation.
type JobSubmitRequest struct {
	Name     string              `json:"name,omitempty"` // defaults to the seed host
	SeedURL  string              `json:"seed_url" validate:"required"`
	Config   *models.CrawlConfig `json:"config,omitempty"`
	Schedule string              `json:"schedule,omitempty"` // optional cron expression for re-archiving
}

// JobService owns the archive job lifecycle: submission, engine execution,
// progress fan-out, packaging, and control operations.
type JobService interface {
	// SubmitJob validates the request, persists a new job, and starts it
	SubmitJob(ctx context.Context, req *JobSubmitRequest) (*models.ArchiveJob, error)

	// GetJob returns a job by ID, ErrJobNotFound if missing
	GetJob(ctx context.Context, id string) (*models.ArchiveJob, error)

	// ListJobs returns jobs matching opts, newest first
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.ArchiveJob, error)

	// PauseJob suspends a running job
	PauseJob(ctx context.Context, id string) error

	// ResumeJob resumes a paused job
	ResumeJob(ctx context.Context, id string) error

	// CancelJob aborts a running or paused job
	CancelJob(ctx context.Context, id string) error

	// DeleteJob removes a terminal job along with its logs, sandbox
	// directory, and packaged archive
	DeleteJob(ctx context.Context, id string) error

	// ActiveJobs returns the number of currently running engines
	ActiveJobs() int

	// Close cancels active engines and waits for them to stop
	Close() error
}
