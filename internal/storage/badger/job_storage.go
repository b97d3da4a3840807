package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.ArchiveJob) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.ArchiveJob, error) {
	var job models.ArchiveJob
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.ArchiveJob{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, id)
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.ArchiveJob, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
	}
	query = query.SortBy("CreatedAt").Reverse()
	if opts != nil {
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
	}

	var jobs []models.ArchiveJob
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.ArchiveJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) GetJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.ArchiveJob, error) {
	var jobs []models.ArchiveJob
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(status).SortBy("CreatedAt").Reverse()); err != nil {
		return nil, fmt.Errorf("failed to get jobs by status: %w", err)
	}

	result := make([]*models.ArchiveJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, errorMsg string) error {
	var job models.ArchiveJob
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, id)
		}
		return fmt.Errorf("failed to get job: %w", err)
	}

	job.Status = status
	if errorMsg != "" {
		job.Error = errorMsg
	}

	now := time.Now()
	if status == models.JobStatusRunning && job.StartedAt.IsZero() {
		// Resume keeps the original start time
		job.StartedAt = now
	}
	if status.IsTerminal() {
		job.CompletedAt = now
	}

	return s.SaveJob(ctx, &job)
}

func (s *JobStorage) CountJobs(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.ArchiveJob{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

func (s *JobStorage) CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	count, err := s.db.Store().Count(&models.ArchiveJob{}, badgerhold.Where("Status").Eq(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	return int(count), nil
}

// MarkInterruptedJobs fails jobs left in running or paused state by a
// previous process. Called once at startup, before the scheduler and the
// API accept new work.
func (s *JobStorage) MarkInterruptedJobs(ctx context.Context, reason string) (int, error) {
	var jobs []models.ArchiveJob
	query := badgerhold.Where("Status").Eq(models.JobStatusRunning).
		Or(badgerhold.Where("Status").Eq(models.JobStatusPaused))
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return 0, fmt.Errorf("failed to find interrupted jobs: %w", err)
	}

	count := 0
	for i := range jobs {
		jobs[i].Status = models.JobStatusFailed
		jobs[i].Error = reason
		jobs[i].CompletedAt = time.Now()
		if err := s.SaveJob(ctx, &jobs[i]); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobs[i].ID).Msg("Failed to mark interrupted job")
			continue
		}
		count++
	}

	if count > 0 {
		s.logger.Info().Int("count", count).Str("reason", reason).Msg("Marked interrupted jobs as failed")
	}
	return count, nil
}
