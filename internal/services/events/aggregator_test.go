package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/models"
)

type flushRecorder struct {
	mu      sync.Mutex
	flushes []flushCall
}

type flushCall struct {
	jobID    string
	progress *models.CrawlProgress
}

func (r *flushRecorder) record(ctx context.Context, jobID string, progress *models.CrawlProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, flushCall{jobID: jobID, progress: progress})
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes)
}

func (r *flushRecorder) last() flushCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.flushes) == 0 {
		return flushCall{}
	}
	return r.flushes[len(r.flushes)-1]
}

// TestAggregatorBatchesSnapshots verifies intermediate snapshots wait for the
// periodic flush and only the newest one survives
func TestAggregatorBatchesSnapshots(t *testing.T) {
	recorder := &flushRecorder{}
	agg := NewProgressAggregator(50*time.Millisecond, recorder.record, arbor.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg.StartPeriodicFlush(ctx)

	for i := 1; i <= 5; i++ {
		agg.Record(ctx, "job-1", &models.CrawlProgress{
			Status:        models.JobStatusRunning,
			CompletedURLs: i,
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for recorder.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if recorder.count() == 0 {
		t.Fatal("Expected a periodic flush, got none")
	}
	last := recorder.last()
	if last.jobID != "job-1" {
		t.Errorf("Expected flush for job-1, got %s", last.jobID)
	}
	if last.progress.CompletedURLs != 5 {
		t.Errorf("Expected newest snapshot (5 completed), got %d", last.progress.CompletedURLs)
	}
}

// TestAggregatorFlushesTerminalImmediately verifies terminal snapshots bypass batching
func TestAggregatorFlushesTerminalImmediately(t *testing.T) {
	recorder := &flushRecorder{}
	agg := NewProgressAggregator(time.Hour, recorder.record, arbor.NewLogger())

	ctx := context.Background()
	agg.Record(ctx, "job-1", &models.CrawlProgress{
		Status:        models.JobStatusCompleted,
		CompletedURLs: 9,
	})

	if recorder.count() != 1 {
		t.Fatalf("Expected immediate flush for terminal snapshot, got %d flushes", recorder.count())
	}
	if recorder.last().progress.Status != models.JobStatusCompleted {
		t.Errorf("Expected completed status, got %s", recorder.last().progress.Status)
	}
}

// TestAggregatorTracksJobsIndependently verifies per-job batching
func TestAggregatorTracksJobsIndependently(t *testing.T) {
	recorder := &flushRecorder{}
	agg := NewProgressAggregator(time.Hour, recorder.record, arbor.NewLogger())

	ctx := context.Background()
	agg.Record(ctx, "job-1", &models.CrawlProgress{Status: models.JobStatusRunning, CompletedURLs: 1})
	agg.Record(ctx, "job-2", &models.CrawlProgress{Status: models.JobStatusRunning, CompletedURLs: 2})

	agg.FlushAll(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for recorder.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if recorder.count() != 2 {
		t.Fatalf("Expected 2 flushes after FlushAll, got %d", recorder.count())
	}

	// Re-recording after FlushAll starts a fresh batch
	agg.Record(ctx, "job-1", &models.CrawlProgress{Status: models.JobStatusRunning, CompletedURLs: 3})
	agg.Cleanup("job-1")
	agg.FlushAll(ctx)

	time.Sleep(50 * time.Millisecond)
	if recorder.count() != 2 {
		t.Errorf("Expected no flush after Cleanup, got %d total", recorder.count())
	}
}

// TestAggregatorRecoversFromPanickingCallback verifies a panicking sink does
// not take the aggregator down
func TestAggregatorRecoversFromPanickingCallback(t *testing.T) {
	agg := NewProgressAggregator(time.Hour, func(ctx context.Context, jobID string, progress *models.CrawlProgress) {
		panic("sink exploded")
	}, arbor.NewLogger())

	ctx := context.Background()
	agg.Record(ctx, "job-1", &models.CrawlProgress{Status: models.JobStatusFailed})

	// A second record must still work
	agg.Record(ctx, "job-1", &models.CrawlProgress{Status: models.JobStatusCancelled})
}
