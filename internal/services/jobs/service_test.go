package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
	"github.com/ternarybob/arca/internal/services/archive"
	"github.com/ternarybob/arca/internal/services/events"
	"github.com/ternarybob/arca/internal/storage/badger"
)

// blockedSeed resolves to loopback, which the crawl guard rejects before any
// request leaves the process. Jobs submitted with it run the full lifecycle
// offline: the seed fetch fails terminally and the run completes with errors.
const blockedSeed = "http://127.0.0.1:9/"

type testEnv struct {
	config  *common.Config
	storage interfaces.StorageManager
	events  interfaces.EventService
	service *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tempDir := t.TempDir()

	config := common.NewDefaultConfig()
	config.Storage.DataDir = filepath.Join(tempDir, "jobs")
	config.Storage.ArchiveDir = filepath.Join(tempDir, "archives")
	config.Storage.Badger.Path = filepath.Join(tempDir, "db")
	config.Crawler.Concurrency = 2
	config.Crawler.DelayMs = 1
	config.Crawler.TimeoutMs = 2000

	logger := arbor.NewLogger()

	storage, err := badger.NewManager(logger, &config.Storage.Badger)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	eventService := events.NewService(logger)
	t.Cleanup(func() { eventService.Close() })

	svc := NewService(config, storage, eventService, archive.NewPackager(logger), logger)
	t.Cleanup(func() { svc.Close() })

	return &testEnv{config: config, storage: storage, events: eventService, service: svc}
}

func waitTerminal(t *testing.T, env *testEnv, id string) *models.ArchiveJob {
	t.Helper()
	var job *models.ArchiveJob
	require.Eventually(t, func() bool {
		stored, err := env.storage.JobStorage().GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = stored
		return stored.Status.IsTerminal()
	}, 10*time.Second, 25*time.Millisecond)
	return job
}

func TestSubmitJobValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.SubmitJob(ctx, nil)
	require.Error(t, err)

	_, err = env.service.SubmitJob(ctx, &interfaces.JobSubmitRequest{SeedURL: ""})
	require.Error(t, err)

	_, err = env.service.SubmitJob(ctx, &interfaces.JobSubmitRequest{SeedURL: "ftp://example.com/pub"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http or https")

	// Schedules under the 5-minute floor are rejected
	_, err = env.service.SubmitJob(ctx, &interfaces.JobSubmitRequest{
		SeedURL:  blockedSeed,
		Schedule: "* * * * *",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule")
}

func TestSubmitJobRunsToTerminalState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.service.SubmitJob(ctx, &interfaces.JobSubmitRequest{SeedURL: blockedSeed})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	// Name defaults to the seed host, config inherits crawler defaults
	assert.Equal(t, "127.0.0.1", job.Name)
	assert.Equal(t, models.ScopeSameHost, job.Config.Scope)
	assert.Equal(t, 2, job.Config.Concurrency)
	assert.Equal(t, 1, job.Config.DelayMs)
	assert.True(t, job.Config.RespectRobotsTxt)
	assert.Equal(t, filepath.Join(env.config.Storage.DataDir, job.ID), job.OutputDir)

	stored := waitTerminal(t, env, job.ID)

	// The seed fetch is blocked, but per-URL failures do not fail the run:
	// the job completes with its error recorded and an empty archive packaged.
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Equal(t, models.JobStatusCompleted, stored.Progress.Status)
	assert.False(t, stored.CompletedAt.IsZero())
	assert.Equal(t, 0, stored.PagesArchived)

	require.NotEmpty(t, stored.ArchivePath)
	_, statErr := os.Stat(stored.ArchivePath)
	require.NoError(t, statErr, "packaged archive should exist")

	count, err := env.storage.JobLogStorage().CountLogs(ctx, job.ID)
	require.NoError(t, err)
	assert.Greater(t, count, 0, "crawl log entries should be persisted")

	require.Eventually(t, func() bool {
		return env.service.ActiveJobs() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLifecycleEventsPublished(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created := make(chan interfaces.JobLifecyclePayload, 4)
	terminal := make(chan interfaces.JobLifecyclePayload, 4)

	env.events.Subscribe(interfaces.EventJobCreated, func(ctx context.Context, event interfaces.Event) error {
		if p, ok := event.Payload.(interfaces.JobLifecyclePayload); ok {
			created <- p
		}
		return nil
	})
	forward := func(ctx context.Context, event interfaces.Event) error {
		if p, ok := event.Payload.(interfaces.JobLifecyclePayload); ok {
			terminal <- p
		}
		return nil
	}
	env.events.Subscribe(interfaces.EventJobCompleted, forward)
	env.events.Subscribe(interfaces.EventJobFailed, forward)

	job, err := env.service.SubmitJob(ctx, &interfaces.JobSubmitRequest{SeedURL: blockedSeed})
	require.NoError(t, err)

	select {
	case p := <-created:
		assert.Equal(t, job.ID, p.JobID)
		assert.Equal(t, models.JobStatusPending, p.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("no job.created event")
	}

	select {
	case p := <-terminal:
		assert.Equal(t, job.ID, p.JobID)
		assert.Equal(t, models.JobStatusCompleted, p.Status)
		require.NotNil(t, p.Result)
	case <-time.After(10 * time.Second):
		t.Fatal("no terminal lifecycle event")
	}
}

func TestCancelJobStaleRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.service.CancelJob(ctx, "missing")
	assert.True(t, errors.Is(err, interfaces.ErrJobNotFound))

	// A persisted pending record with no live engine can still be cancelled
	stale := &models.ArchiveJob{
		ID:        "stale-1",
		Name:      "stale",
		SeedURL:   blockedSeed,
		Status:    models.JobStatusPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, env.storage.JobStorage().SaveJob(ctx, stale))

	require.NoError(t, env.service.CancelJob(ctx, "stale-1"))
	job, err := env.service.GetJob(ctx, "stale-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)

	// Terminal jobs cannot be cancelled again
	err = env.service.CancelJob(ctx, "stale-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already finished")
}

func TestPauseResumeRequireLiveJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.service.PauseJob(ctx, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")

	err = env.service.ResumeJob(ctx, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestDeleteJobRemovesArtifacts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.service.DeleteJob(ctx, "missing")
	assert.True(t, errors.Is(err, interfaces.ErrJobNotFound))

	job, err := env.service.SubmitJob(ctx, &interfaces.JobSubmitRequest{SeedURL: blockedSeed})
	require.NoError(t, err)
	stored := waitTerminal(t, env, job.ID)
	require.Eventually(t, func() bool {
		return env.service.ActiveJobs() == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.service.DeleteJob(ctx, job.ID))

	_, err = env.service.GetJob(ctx, job.ID)
	assert.True(t, errors.Is(err, interfaces.ErrJobNotFound))

	count, err := env.storage.JobLogStorage().CountLogs(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, statErr := os.Stat(stored.OutputDir)
	assert.True(t, os.IsNotExist(statErr), "sandbox should be removed")
	_, statErr = os.Stat(stored.ArchivePath)
	assert.True(t, os.IsNotExist(statErr), "packaged archive should be removed")
}

func TestListJobsThroughService(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.service.SubmitJob(ctx, &interfaces.JobSubmitRequest{Name: "first", SeedURL: blockedSeed})
	require.NoError(t, err)
	waitTerminal(t, env, first.ID)

	jobs, err := env.service.ListJobs(ctx, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "first", jobs[0].Name)
}

func TestNewServiceFailsOverInterruptedJobs(t *testing.T) {
	tempDir := t.TempDir()
	logger := arbor.NewLogger()

	config := common.NewDefaultConfig()
	config.Storage.DataDir = filepath.Join(tempDir, "jobs")
	config.Storage.ArchiveDir = filepath.Join(tempDir, "archives")
	config.Storage.Badger.Path = filepath.Join(tempDir, "db")

	storage, err := badger.NewManager(logger, &config.Storage.Badger)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	ctx := context.Background()
	orphan := &models.ArchiveJob{
		ID:        "orphan-1",
		Name:      "orphan",
		SeedURL:   blockedSeed,
		Status:    models.JobStatusRunning,
		CreatedAt: time.Now(),
	}
	require.NoError(t, storage.JobStorage().SaveJob(ctx, orphan))

	eventService := events.NewService(logger)
	t.Cleanup(func() { eventService.Close() })

	svc := NewService(config, storage, eventService, archive.NewPackager(logger), logger)
	t.Cleanup(func() { svc.Close() })

	job, err := storage.JobStorage().GetJob(ctx, "orphan-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "interrupted")
}

func TestSubmitAfterCloseFails(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.service.Close())

	_, err := env.service.SubmitJob(context.Background(), &interfaces.JobSubmitRequest{SeedURL: blockedSeed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutting down")
}
