package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/models"
)

// ProgressAggregator batches per-job progress snapshots and flushes them on a
// time interval. The engine emits one snapshot per processed URL, which is far
// more than a websocket client needs; snapshots are cumulative, so only the
// newest one per job is kept. Flushes occur:
// - Every timeThreshold for jobs with a pending snapshot
// - Immediately when a job reaches a terminal status
type ProgressAggregator struct {
	mu            sync.Mutex
	timeThreshold time.Duration

	// Per-job tracking
	pending   map[string]*models.CrawlProgress // job_id -> newest unsent snapshot
	lastFlush map[string]time.Time             // job_id -> last flush time

	// Callback delivering the batched snapshot (usually a websocket broadcast)
	onFlush func(ctx context.Context, jobID string, progress *models.CrawlProgress)

	logger arbor.ILogger
}

// NewProgressAggregator creates an aggregator with time-based flushing
func NewProgressAggregator(
	timeThreshold time.Duration,
	onFlush func(ctx context.Context, jobID string, progress *models.CrawlProgress),
	logger arbor.ILogger,
) *ProgressAggregator {
	if timeThreshold <= 0 {
		timeThreshold = time.Second // Default 1 second
	}

	return &ProgressAggregator{
		timeThreshold: timeThreshold,
		pending:       make(map[string]*models.CrawlProgress),
		lastFlush:     make(map[string]time.Time),
		onFlush:       onFlush,
		logger:        logger,
	}
}

// Record stores the newest snapshot for a job. Terminal snapshots flush
// immediately; the rest wait for the periodic flush.
func (a *ProgressAggregator) Record(ctx context.Context, jobID string, progress *models.CrawlProgress) {
	if jobID == "" || progress == nil {
		return
	}

	if progress.Status.IsTerminal() {
		a.FlushImmediately(ctx, jobID, progress)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending[jobID] = progress
	if _, exists := a.lastFlush[jobID]; !exists {
		a.lastFlush[jobID] = time.Now()
	}
}

// FlushImmediately delivers a snapshot right away (e.g. when a job finishes)
func (a *ProgressAggregator) FlushImmediately(ctx context.Context, jobID string, progress *models.CrawlProgress) {
	if jobID == "" || progress == nil {
		return
	}

	a.mu.Lock()
	delete(a.pending, jobID)
	a.lastFlush[jobID] = time.Now()
	a.mu.Unlock()

	a.logger.Debug().
		Str("job_id", jobID).
		Str("status", string(progress.Status)).
		Msg("Progress aggregator: immediate flush (job finished)")

	a.safeOnFlush(ctx, jobID, progress)
}

// FlushAll delivers every pending snapshot (used on shutdown/cleanup)
func (a *ProgressAggregator) FlushAll(ctx context.Context) {
	a.mu.Lock()
	batch := make(map[string]*models.CrawlProgress, len(a.pending))
	now := time.Now()
	for jobID, progress := range a.pending {
		batch[jobID] = progress
		delete(a.pending, jobID)
		a.lastFlush[jobID] = now
	}
	a.mu.Unlock()

	if len(batch) > 0 {
		a.logger.Debug().
			Int("job_count", len(batch)).
			Msg("Progress aggregator flushing all pending snapshots")
		for jobID, progress := range batch {
			go a.safeOnFlush(ctx, jobID, progress)
		}
	}
}

// safeOnFlush wraps onFlush with panic recovery to prevent crashes
func (a *ProgressAggregator) safeOnFlush(ctx context.Context, jobID string, progress *models.CrawlProgress) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("job_id", jobID).
				Msg("PANIC in ProgressAggregator.onFlush - recovered")
		}
	}()
	a.onFlush(ctx, jobID, progress)
}

// StartPeriodicFlush starts a background goroutine that flushes every timeThreshold
func (a *ProgressAggregator) StartPeriodicFlush(ctx context.Context) {
	common.SafeGoWithContext(ctx, a.logger, "progress-flush", func() {
		ticker := time.NewTicker(a.timeThreshold)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				// Flush remaining snapshots on shutdown
				a.FlushAll(context.Background())
				return
			case <-ticker.C:
				a.flushPending(ctx)
			}
		}
	})
}

// flushPending delivers snapshots for all jobs past their flush interval
func (a *ProgressAggregator) flushPending(ctx context.Context) {
	a.mu.Lock()
	now := time.Now()
	batch := make(map[string]*models.CrawlProgress)
	for jobID, progress := range a.pending {
		if now.Sub(a.lastFlush[jobID]) < a.timeThreshold {
			continue
		}
		batch[jobID] = progress
		delete(a.pending, jobID)
		a.lastFlush[jobID] = now
	}
	a.mu.Unlock()

	for jobID, progress := range batch {
		go a.safeOnFlush(ctx, jobID, progress)
	}
}

// Cleanup removes tracking data for a finished job
func (a *ProgressAggregator) Cleanup(jobID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.pending, jobID)
	delete(a.lastFlush, jobID)
}
