package crawler

import (
	"net/url"
	"sync"
	"time"
)

// Frontier is the de-duplicated BFS work queue. Pages and assets pass
// different admission predicates: pages honor scope and path filters, assets
// are admitted from any host so CDN-served resources render offline.
type Frontier struct {
	mu     sync.Mutex
	config *CrawlConfig
	seed   *url.URL

	entries map[string]*FrontierEntry // canonical URL -> entry
	queue   []*FrontierEntry          // FIFO over enqueue time

	pending    int
	inProgress int
	complete   int
	failed     int
	skipped    int
}

// assetDepthCushion lets @import chains run a few levels past maxDepth.
const assetDepthCushion = 5

// NewFrontier creates an empty frontier bound to one run's config and seed.
func NewFrontier(config *CrawlConfig, seed *url.URL) *Frontier {
	return &Frontier{
		config:  config,
		seed:    seed,
		entries: make(map[string]*FrontierEntry),
	}
}

// AddPage enqueues a navigation target. Pages are checked against depth and
// size ceilings, the scope predicate, include/exclude path filters, and the
// file-type table. Returns false when the URL is rejected or already known.
func (f *Frontier) AddPage(rawURL string, parent string, depth int) bool {
	canonical, ok := Canonicalize(rawURL, nil)
	if !ok {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.entries[canonical]; exists {
		return false
	}
	if !f.config.UnlimitedMode {
		if depth > f.config.MaxDepth || len(f.entries) >= f.config.MaxPages {
			return false
		}
	}
	if !InScope(canonical, f.seed, f.config.Scope, f.config.CustomDomains) {
		return false
	}
	if len(f.config.IncludePaths) > 0 && !matchesAny(canonical, f.config.IncludePaths) {
		return false
	}
	if len(f.config.ExcludePaths) > 0 && matchesAny(canonical, f.config.ExcludePaths) {
		return false
	}
	if !f.config.CategoryEnabled(MimeCategory(Extension(canonical))) {
		return false
	}

	f.append(canonical, rawURL, parent, depth, false)
	return true
}

// AddAsset enqueues a rendering resource. Assets skip the scope and path
// filters entirely and get a small depth cushion, but still respect the
// size ceiling and the file-type table.
func (f *Frontier) AddAsset(rawURL string, parent string, depth int) bool {
	canonical, ok := Canonicalize(rawURL, nil)
	if !ok {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.entries[canonical]; exists {
		return false
	}
	if !f.config.UnlimitedMode {
		if depth > f.config.MaxDepth+assetDepthCushion || len(f.entries) >= f.config.MaxPages {
			return false
		}
	}
	if !f.config.CategoryEnabled(MimeCategory(Extension(canonical))) {
		return false
	}

	f.append(canonical, rawURL, parent, depth, true)
	return true
}

func (f *Frontier) append(canonical, rawURL, parent string, depth int, isAsset bool) {
	entry := &FrontierEntry{
		URL:          rawURL,
		CanonicalURL: canonical,
		Depth:        depth,
		ParentURL:    parent,
		IsAsset:      isAsset,
		Status:       EntryPending,
		EnqueuedAt:   time.Now(),
	}
	f.entries[canonical] = entry
	f.queue = append(f.queue, entry)
	f.pending++
}

// Next pops the oldest pending entry and marks it in progress. Entries whose
// status changed while queued are discarded. Returns nil when nothing is
// pending.
func (f *Frontier) Next() *FrontierEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.queue) > 0 {
		entry := f.queue[0]
		f.queue = f.queue[1:]
		if entry.Status != EntryPending {
			continue // transitioned while queued
		}
		entry.Status = EntryInProgress
		f.pending--
		f.inProgress++
		return entry
	}
	return nil
}

// Complete marks an in-progress entry complete.
func (f *Frontier) Complete(canonical string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := f.entries[canonical]
	if entry == nil || entry.Status != EntryInProgress {
		return
	}
	entry.Status = EntryComplete
	entry.ProcessedAt = time.Now()
	f.inProgress--
	f.complete++
}

// Fail marks an in-progress entry failed with a terminal reason.
func (f *Frontier) Fail(canonical string, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := f.entries[canonical]
	if entry == nil || entry.Status != EntryInProgress {
		return
	}
	entry.Status = EntryFailed
	entry.Error = reason
	entry.ProcessedAt = time.Now()
	f.inProgress--
	f.failed++
}

// Skip marks a pending or in-progress entry skipped, recording why. Skipped
// pending entries stay in the queue slice until Next discards them.
func (f *Frontier) Skip(canonical string, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := f.entries[canonical]
	if entry == nil {
		return
	}
	switch entry.Status {
	case EntryPending:
		f.pending--
	case EntryInProgress:
		f.inProgress--
	default:
		return
	}
	entry.Status = EntrySkipped
	entry.Error = reason
	entry.ProcessedAt = time.Now()
	f.skipped++
}

// Retry re-enqueues an in-progress or failed entry as pending, provided its
// retry count is under the ceiling. Returns false when the ceiling is hit
// and the entry is left untouched.
func (f *Frontier) Retry(canonical string, maxRetries int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := f.entries[canonical]
	if entry == nil {
		return false
	}
	if entry.Status != EntryInProgress && entry.Status != EntryFailed {
		return false
	}
	if entry.Retries >= maxRetries {
		return false
	}

	switch entry.Status {
	case EntryInProgress:
		f.inProgress--
	case EntryFailed:
		f.failed--
	}
	entry.Retries++
	entry.Status = EntryPending
	entry.Error = ""
	f.queue = append(f.queue, entry)
	f.pending++
	return true
}

// HasPending reports whether the crawl still has work: something queued or
// something in flight that may yet discover more.
func (f *Frontier) HasPending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending > 0 || f.inProgress > 0
}

// Stats returns a point-in-time snapshot of per-status counts.
func (f *Frontier) Stats() QueueStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return QueueStats{
		Total:      len(f.entries),
		Pending:    f.pending,
		InProgress: f.inProgress,
		Complete:   f.complete,
		Failed:     f.failed,
		Skipped:    f.skipped,
	}
}

func matchesAny(rawURL string, patterns []string) bool {
	for _, pattern := range patterns {
		if MatchesPattern(rawURL, pattern) {
			return true
		}
	}
	return false
}
