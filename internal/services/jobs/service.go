// -----------------------------------------------------------------------
// Job Service - archive job lifecycle: submit, run, control, package
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
	"github.com/ternarybob/arca/internal/services/archive"
	"github.com/ternarybob/arca/internal/services/crawler"
)

// progressSyncInterval bounds how often a running job's progress snapshot
// is written back to storage. Events still stream at full rate.
const progressSyncInterval = 2 * time.Second

var validate = validator.New()

// Service owns the archive job lifecycle. Submitted jobs are persisted,
// executed by a crawl engine on a background goroutine, and their progress
// and log streams are fanned out to the event bus and job log storage.
// Completed sandboxes are packaged into tar.gz archives.
type Service struct {
	config   *common.Config
	storage  interfaces.StorageManager
	events   interfaces.EventService
	packager *archive.Packager
	logger   arbor.ILogger

	mu     sync.Mutex
	active map[string]*activeJob
	closed bool
	wg     sync.WaitGroup
}

type activeJob struct {
	engine *crawler.Engine
	cancel context.CancelFunc
}

// NewService creates the job service and fails over any jobs a previous
// process left in a non-terminal state.
func NewService(config *common.Config, storage interfaces.StorageManager, events interfaces.EventService, packager *archive.Packager, logger arbor.ILogger) *Service {
	s := &Service{
		config:   config,
		storage:  storage,
		events:   events,
		packager: packager,
		logger:   logger,
		active:   make(map[string]*activeJob),
	}

	if n, err := storage.JobStorage().MarkInterruptedJobs(context.Background(), "interrupted by service restart"); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark interrupted jobs")
	} else if n > 0 {
		logger.Info().Int("jobs", n).Msg("Marked interrupted jobs as failed")
	}

	return s
}

// SubmitJob validates the request, persists a new job record, and starts the
// crawl engine. Absent config fields inherit the configured crawler defaults.
func (s *Service) SubmitJob(ctx context.Context, req *interfaces.JobSubmitRequest) (*models.ArchiveJob, error) {
	if req == nil {
		return nil, fmt.Errorf("submit request is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("job service is shutting down")
	}
	s.mu.Unlock()

	seedURL, err := common.ValidateSeedURL(req.SeedURL)
	if err != nil {
		return nil, err
	}

	cfg := models.CrawlConfig{}
	if req.Config != nil {
		cfg = *req.Config
	}
	s.config.Crawler.ApplyDefaults(&cfg)
	cfg.Normalize()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid crawl config: %w", err)
	}

	if req.Schedule != "" {
		if err := common.ValidateJobSchedule(req.Schedule); err != nil {
			return nil, fmt.Errorf("invalid schedule: %w", err)
		}
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = common.SeedHost(seedURL)
	}

	id := common.NewJobID()
	job := &models.ArchiveJob{
		ID:        id,
		Name:      name,
		SeedURL:   seedURL,
		Config:    cfg,
		Status:    models.JobStatusPending,
		CreatedAt: time.Now(),
		Schedule:  req.Schedule,
		OutputDir: filepath.Join(s.config.Storage.DataDir, id),
	}

	if err := s.storage.JobStorage().SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("name", job.Name).
		Str("seed", job.SeedURL).
		Str("scope", string(job.Config.Scope)).
		Msg("Archive job submitted")

	s.publishLifecycle(interfaces.EventJobCreated, job.ID, models.JobStatusPending, nil, "")

	if err := s.start(job); err != nil {
		s.failJob(context.Background(), job, err)
		return nil, err
	}

	return job, nil
}

// start constructs the engine and launches the run and event-fanout
// goroutines. The run context is detached from the submit request so the
// crawl outlives the HTTP call.
func (s *Service) start(job *models.ArchiveJob) error {
	jobLogger := s.logger.WithCorrelationId(job.ID)

	engine, err := crawler.NewEngine(job.ID, job.SeedURL, &job.Config, job.OutputDir, jobLogger)
	if err != nil {
		return fmt.Errorf("failed to construct crawl engine: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("job service is shutting down")
	}
	s.active[job.ID] = &activeJob{engine: engine, cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	common.SafeGo(jobLogger, "job-run:"+job.ID, func() {
		defer s.wg.Done()
		s.run(runCtx, job, engine)
	})

	return nil
}

// run drives the engine to a terminal state, draining its event stream in a
// sibling goroutine so log persistence never blocks the crawl.
func (s *Service) run(ctx context.Context, job *models.ArchiveJob, engine *crawler.Engine) {
	defer func() {
		s.mu.Lock()
		delete(s.active, job.ID)
		s.mu.Unlock()
	}()

	bg := context.Background()
	if err := s.storage.JobStorage().UpdateJobStatus(bg, job.ID, models.JobStatusRunning, ""); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to mark job running")
	}

	drained := make(chan struct{})
	common.SafeGo(s.logger, "job-events:"+job.ID, func() {
		defer close(drained)
		s.consumeEvents(job, engine)
	})

	result, runErr := engine.Start(ctx)

	// The engine closes its event channel on return; wait for the drain so
	// every log entry is persisted before the terminal event goes out.
	<-drained

	s.finish(job, engine, result, runErr)
}

// consumeEvents forwards the engine's progress stream to the event bus and
// persists log lines. It exits when the engine closes the stream.
func (s *Service) consumeEvents(job *models.ArchiveJob, engine *crawler.Engine) {
	ctx := context.Background()
	var lastSync time.Time

	for ev := range engine.Events() {
		switch ev.Type {
		case crawler.ProgressEventSnapshot:
			if ev.Snapshot == nil {
				continue
			}
			s.publish(interfaces.Event{
				Type:    interfaces.EventJobProgress,
				Payload: interfaces.JobProgressPayload{JobID: job.ID, Progress: ev.Snapshot},
			})
			if time.Since(lastSync) >= progressSyncInterval {
				lastSync = time.Now()
				s.syncProgress(ctx, job.ID, ev.Snapshot)
			}

		case crawler.ProgressEventLog:
			if ev.Log == nil {
				continue
			}
			entry := models.JobLogEntry{
				Level:   ev.Log.Level,
				Message: ev.Log.Message,
				Context: ev.Log.Context,
			}
			if err := s.storage.JobLogStorage().AppendLog(ctx, job.ID, entry); err != nil {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to persist job log")
			}
			s.publish(interfaces.Event{
				Type: interfaces.EventJobLog,
				Payload: interfaces.JobLogPayload{
					JobID:   job.ID,
					Level:   ev.Log.Level,
					Message: ev.Log.Message,
					Context: ev.Log.Context,
				},
			})

		case crawler.ProgressEventComplete, crawler.ProgressEventError:
			// Terminal handling happens in run() after the engine returns,
			// so persistence is guaranteed to precede the lifecycle event.
		}
	}
}

// syncProgress writes a progress snapshot onto the stored job record.
func (s *Service) syncProgress(ctx context.Context, jobID string, snapshot *models.CrawlProgress) {
	stored, err := s.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return
	}
	stored.Progress = *snapshot
	stored.PagesArchived = snapshot.PagesProcessed
	stored.AssetsArchived = snapshot.AssetsProcessed
	stored.BytesDownloaded = snapshot.BytesDownloaded
	if err := s.storage.JobStorage().SaveJob(ctx, stored); err != nil {
		s.logger.Debug().Err(err).Str("job_id", jobID).Msg("Progress sync skipped")
	}
}

// finish persists the terminal state, packages completed sandboxes, and
// publishes the lifecycle event.
func (s *Service) finish(job *models.ArchiveJob, engine *crawler.Engine, result *models.ArchiveResult, runErr error) {
	ctx := context.Background()
	status := engine.Status()

	stored, err := s.storage.JobStorage().GetJob(ctx, job.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to load job for finalization")
		stored = job
	}

	if snapshot := engine.Progress(); snapshot != nil {
		stored.Progress = *snapshot
	}
	if result != nil {
		stored.PagesArchived = result.Pages
		stored.AssetsArchived = result.Assets
		stored.BytesDownloaded = result.BytesDownloaded
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}

	if status == models.JobStatusCompleted {
		archivePath, packErr := s.packageJob(ctx, stored)
		if packErr != nil {
			s.logger.Error().Err(packErr).Str("job_id", job.ID).Msg("Archive packaging failed")
			status = models.JobStatusFailed
			errMsg = fmt.Sprintf("packaging failed: %v", packErr)
		} else {
			stored.ArchivePath = archivePath
		}
	}

	stored.Status = status
	stored.Error = errMsg
	stored.CompletedAt = time.Now()
	stored.Progress.Status = status

	if err := s.storage.JobStorage().SaveJob(ctx, stored); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist terminal job state")
	}

	eventType := interfaces.EventJobCompleted
	if status == models.JobStatusFailed {
		eventType = interfaces.EventJobFailed
	}
	s.publishLifecycle(eventType, job.ID, status, result, errMsg)

	s.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(status)).
		Int("pages", stored.PagesArchived).
		Int("assets", stored.AssetsArchived).
		Int64("bytes", stored.BytesDownloaded).
		Msg("Archive job finished")
}

// packageJob streams the job sandbox into a tar.gz under the archive
// directory and returns its path.
func (s *Service) packageJob(ctx context.Context, job *models.ArchiveJob) (string, error) {
	if err := os.MkdirAll(s.config.Storage.ArchiveDir, 0755); err != nil {
		return "", fmt.Errorf("creating archive directory: %w", err)
	}

	destPath := filepath.Join(s.config.Storage.ArchiveDir, archive.ArchiveName(job.ID))
	res, err := s.packager.Package(ctx, job.OutputDir, destPath)
	if err != nil {
		return "", err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("archive", destPath).
		Int("files", res.Files).
		Int64("bytes", res.BytesWritten).
		Msg("Archive packaged")

	return destPath, nil
}

// GetJob returns a job by ID.
func (s *Service) GetJob(ctx context.Context, id string) (*models.ArchiveJob, error) {
	return s.storage.JobStorage().GetJob(ctx, id)
}

// ListJobs returns jobs matching opts, newest first.
func (s *Service) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.ArchiveJob, error) {
	return s.storage.JobStorage().ListJobs(ctx, opts)
}

// PauseJob suspends a running job. In-flight fetches complete; no new
// fetches start until the job is resumed.
func (s *Service) PauseJob(ctx context.Context, id string) error {
	active := s.lookup(id)
	if active == nil {
		return fmt.Errorf("job %s is not running", id)
	}
	if status := active.engine.Status(); status != models.JobStatusRunning {
		return fmt.Errorf("job %s cannot be paused (status %s)", id, status)
	}

	active.engine.Pause()
	if err := s.storage.JobStorage().UpdateJobStatus(ctx, id, models.JobStatusPaused, ""); err != nil {
		return err
	}
	return nil
}

// ResumeJob releases a paused job.
func (s *Service) ResumeJob(ctx context.Context, id string) error {
	active := s.lookup(id)
	if active == nil {
		return fmt.Errorf("job %s is not running", id)
	}
	if status := active.engine.Status(); status != models.JobStatusPaused {
		return fmt.Errorf("job %s cannot be resumed (status %s)", id, status)
	}

	active.engine.Resume()
	if err := s.storage.JobStorage().UpdateJobStatus(ctx, id, models.JobStatusRunning, ""); err != nil {
		return err
	}
	return nil
}

// CancelJob aborts a running or paused job. Terminal persistence happens in
// the run goroutine once the engine unwinds.
func (s *Service) CancelJob(ctx context.Context, id string) error {
	if active := s.lookup(id); active != nil {
		active.engine.Cancel()
		active.cancel()
		return nil
	}

	// No live engine: only a stale non-terminal record can be cancelled.
	job, err := s.storage.JobStorage().GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s already finished (status %s)", id, job.Status)
	}
	return s.storage.JobStorage().UpdateJobStatus(ctx, id, models.JobStatusCancelled, "cancelled before start")
}

// DeleteJob removes a terminal job with its logs, sandbox directory, and
// packaged archive. Running jobs must be cancelled first.
func (s *Service) DeleteJob(ctx context.Context, id string) error {
	if s.lookup(id) != nil {
		return fmt.Errorf("job %s is running, cancel it first", id)
	}

	job, err := s.storage.JobStorage().GetJob(ctx, id)
	if err != nil {
		return err
	}

	if err := s.storage.JobLogStorage().DeleteLogs(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to delete job logs")
	}
	if err := s.storage.JobStorage().DeleteJob(ctx, id); err != nil {
		return err
	}
	s.removeArtifacts(job)

	s.logger.Info().Str("job_id", id).Msg("Archive job deleted")
	return nil
}

// removeArtifacts deletes the sandbox tree and packaged archive. The sandbox
// is only removed when it sits under the configured data directory.
func (s *Service) removeArtifacts(job *models.ArchiveJob) {
	if job.OutputDir != "" {
		rel, err := filepath.Rel(s.config.Storage.DataDir, job.OutputDir)
		if err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
			if err := os.RemoveAll(job.OutputDir); err != nil {
				s.logger.Warn().Err(err).Str("dir", job.OutputDir).Msg("Failed to remove job sandbox")
			}
		}
	}
	if job.ArchivePath != "" {
		if err := os.Remove(job.ArchivePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("archive", job.ArchivePath).Msg("Failed to remove packaged archive")
		}
	}
}

// ActiveJobs returns the number of currently running engines.
func (s *Service) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Close cancels all active engines and waits for their run goroutines to
// persist terminal state.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	engines := make([]*activeJob, 0, len(s.active))
	for _, a := range s.active {
		engines = append(engines, a)
	}
	s.mu.Unlock()

	for _, a := range engines {
		a.engine.Cancel()
		a.cancel()
	}
	s.wg.Wait()

	s.logger.Info().Msg("Job service stopped")
	return nil
}

func (s *Service) lookup(id string) *activeJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[id]
}

func (s *Service) publish(event interfaces.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.Background(), event); err != nil {
		s.logger.Warn().Str("event", string(event.Type)).Err(err).Msg("Failed to publish event")
	}
}

func (s *Service) publishLifecycle(eventType interfaces.EventType, jobID string, status models.JobStatus, result *models.ArchiveResult, errMsg string) {
	s.publish(interfaces.Event{
		Type: eventType,
		Payload: interfaces.JobLifecyclePayload{
			JobID:  jobID,
			Status: status,
			Result: result,
			Error:  errMsg,
		},
	})
}

// failJob marks a job failed after its record was already persisted.
func (s *Service) failJob(ctx context.Context, job *models.ArchiveJob, cause error) {
	if err := s.storage.JobStorage().UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, cause.Error()); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job failed")
	}
	s.publishLifecycle(interfaces.EventJobFailed, job.ID, models.JobStatusFailed, nil, cause.Error())
}
