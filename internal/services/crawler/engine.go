// -----------------------------------------------------------------------
// Crawl Engine - drives the frontier through a bounded fetch pool,
// classifies responses, and finalises the sandbox with the rewrite pass
// -----------------------------------------------------------------------

package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"
)

const (
	engineIdleWait  = 25 * time.Millisecond
	enginePauseWait = 50 * time.Millisecond
	progressBuffer  = 64
)

// Engine runs one archive job: seed to exhausted frontier to rewritten,
// self-contained local tree. Construct with NewEngine, run with Start, and
// steer with Pause/Resume/Cancel from any goroutine.
type Engine struct {
	jobID   string
	seedURL string
	seed    *url.URL
	config  *CrawlConfig
	agent   string
	logger  arbor.ILogger

	frontier  *Frontier
	fetcher   *Fetcher
	guard     *SSRFGuard
	registry  *PathRegistry
	storage   *Storage
	extractor *Extractor
	rewriter  *Rewriter
	robots    *RobotsDirectives

	statusMu sync.Mutex
	status   JobStatus

	cancelMu  sync.Mutex
	cancelRun context.CancelFunc

	mu              sync.Mutex
	errors          []CrawlError
	pagesProcessed  int
	assetsProcessed int
	bytesDownloaded int64
	currentURL      string
	startedAt       time.Time
	fileKinds       map[string]string // local path -> content category

	eventsMu     sync.Mutex
	events       chan ProgressEvent
	eventsClosed bool
}

// NewEngine builds an engine for one job. The config is copied and
// normalized, so later mutations by the caller have no effect on the run.
func NewEngine(jobID, seedURL string, config *CrawlConfig, outputDir string, logger arbor.ILogger) (*Engine, error) {
	canonical, ok := Canonicalize(seedURL, nil)
	if !ok {
		return nil, fmt.Errorf("invalid seed URL %q", seedURL)
	}
	seed, err := url.Parse(canonical)
	if err != nil {
		return nil, fmt.Errorf("invalid seed URL %q: %w", seedURL, err)
	}

	cfg := *config
	cfg.Normalize()

	guard := NewSSRFGuard()
	fetcher, err := NewFetcher(&cfg, canonical, guard, logger)
	if err != nil {
		return nil, err
	}
	storage, err := NewStorage(outputDir, cfg.MaxTotalSize, logger)
	if err != nil {
		return nil, fmt.Errorf("initialising storage: %w", err)
	}

	agent := cfg.UserAgent
	if agent == "" {
		agent = userAgentPool[0]
	}

	return &Engine{
		jobID:     jobID,
		seedURL:   canonical,
		seed:      seed,
		config:    &cfg,
		agent:     agent,
		logger:    logger,
		frontier:  NewFrontier(&cfg, seed),
		fetcher:   fetcher,
		guard:     guard,
		registry:  NewPathRegistry(),
		storage:   storage,
		extractor: NewExtractor(logger),
		rewriter:  NewRewriter(logger),
		status:    JobStatusPending,
		fileKinds: make(map[string]string),
		events:    make(chan ProgressEvent, progressBuffer),
	}, nil
}

// Start runs the crawl to a terminal state and returns the result. It blocks
// until the frontier is exhausted and the rewrite pass is done, or until the
// run is cancelled or hits an engine-fatal storage error. The returned error
// is non-nil only for engine-fatal conditions; per-URL failures live in the
// result's error list.
func (e *Engine) Start(ctx context.Context) (*ArchiveResult, error) {
	e.statusMu.Lock()
	if e.status != JobStatusPending {
		status := e.status
		e.statusMu.Unlock()
		return nil, fmt.Errorf("engine already started (status %s)", status)
	}
	e.status = JobStatusRunning
	e.statusMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancelMu.Lock()
	e.cancelRun = cancel
	e.cancelMu.Unlock()

	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()

	defer e.closeEvents()

	e.logger.Info().
		Str("job_id", e.jobID).
		Str("seed", e.seedURL).
		Int("concurrency", e.config.Concurrency).
		Msg("Starting archive crawl")
	e.emitLog("info", "Archive crawl started", map[string]string{"url": e.seedURL})

	if e.config.RespectRobotsTxt {
		// The guard clears the seed before any request leaves the process.
		// An unsafe seed skips straight to the frontier, where the fetch
		// path records the SSRF failure.
		if guardErr := e.guard.Validate(runCtx, e.seedURL, e.config.AllowedProtocols); guardErr == nil {
			e.robots = FetchRobots(runCtx, e.seedURL, e.agent, e.logger)
		}
	}

	if !e.frontier.AddPage(e.seedURL, "", 0) {
		e.logger.Warn().Str("seed", e.seedURL).Msg("Seed URL rejected by admission filters")
		e.emitLog("warn", "Seed URL rejected by admission filters", map[string]string{"url": e.seedURL})
	}
	e.emitProgress()

	group, groupCtx := errgroup.WithContext(runCtx)
	for i := 0; i < e.config.Concurrency; i++ {
		group.Go(func() error { return e.worker(groupCtx) })
	}
	runErr := group.Wait()

	aborted := e.fetcher.Aborted() || runCtx.Err() != nil
	if runErr == nil && !aborted {
		runErr = e.rewriteAll(runCtx)
	}
	if runErr != nil {
		e.fetcher.Abort()
	}

	result := e.buildResult()

	e.statusMu.Lock()
	if e.status != JobStatusCancelled {
		if runErr != nil {
			e.status = JobStatusFailed
		} else {
			e.status = JobStatusCompleted
		}
	}
	terminal := e.status
	e.statusMu.Unlock()

	result.Success = result.Success && terminal == JobStatusCompleted

	if runErr != nil {
		e.logger.Error().Err(runErr).Str("job_id", e.jobID).Msg("Archive crawl failed")
		e.emit(ProgressEvent{Type: ProgressEventError, JobID: e.jobID, Err: runErr})
	}

	e.logger.Info().
		Str("job_id", e.jobID).
		Str("status", string(terminal)).
		Int("pages", result.Pages).
		Int("assets", result.Assets).
		Int64("bytes", result.BytesDownloaded).
		Int("errors", len(result.Errors)).
		Dur("duration", result.Duration).
		Msg("Archive crawl finished")

	e.emitProgress()
	e.emit(ProgressEvent{Type: ProgressEventComplete, JobID: e.jobID, Result: result})

	return result, runErr
}

// Pause stops dequeuing and holds back new fetches. In-flight requests run
// to completion.
func (e *Engine) Pause() {
	e.statusMu.Lock()
	if e.status != JobStatusRunning {
		e.statusMu.Unlock()
		return
	}
	e.status = JobStatusPaused
	e.statusMu.Unlock()

	e.fetcher.Pause()
	e.logger.Info().Str("job_id", e.jobID).Msg("Archive crawl paused")
	e.emitLog("info", "Archive crawl paused", nil)
	e.emitProgress()
}

// Resume releases a paused crawl.
func (e *Engine) Resume() {
	e.statusMu.Lock()
	if e.status != JobStatusPaused {
		e.statusMu.Unlock()
		return
	}
	e.status = JobStatusRunning
	e.statusMu.Unlock()

	e.fetcher.Resume()
	e.logger.Info().Str("job_id", e.jobID).Msg("Archive crawl resumed")
	e.emitLog("info", "Archive crawl resumed", nil)
	e.emitProgress()
}

// Cancel aborts the run. In-flight requests stop at their next I/O boundary
// and the rewrite pass is skipped.
func (e *Engine) Cancel() {
	e.statusMu.Lock()
	if e.status != JobStatusRunning && e.status != JobStatusPaused {
		e.statusMu.Unlock()
		return
	}
	e.status = JobStatusCancelled
	e.statusMu.Unlock()

	e.cancelMu.Lock()
	if e.cancelRun != nil {
		e.cancelRun()
	}
	e.cancelMu.Unlock()

	e.fetcher.Abort()
	e.logger.Info().Str("job_id", e.jobID).Msg("Archive crawl cancelled")
}

// Status returns the engine's lifecycle state.
func (e *Engine) Status() JobStatus {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status
}

// Events returns the progress stream. The channel is bounded with a
// drop-oldest policy and closes when the run reaches a terminal state.
func (e *Engine) Events() <-chan ProgressEvent {
	return e.events
}

// Storage returns the sandbox handle for post-run reads by the packager.
func (e *Engine) Storage() *Storage {
	return e.storage
}

// Errors returns a copy of the per-URL error history.
func (e *Engine) Errors() []CrawlError {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CrawlError, len(e.errors))
	copy(out, e.errors)
	return out
}

// Progress computes an on-demand snapshot from queue, storage, and counter
// state.
func (e *Engine) Progress() *CrawlProgress {
	queue := e.frontier.Stats()
	store := e.storage.Stats()

	e.mu.Lock()
	snapshot := &CrawlProgress{
		Status:          e.statusLocked(),
		TotalURLs:       queue.Total,
		CompletedURLs:   queue.Complete,
		FailedURLs:      queue.Failed,
		SkippedURLs:     queue.Skipped,
		PendingURLs:     queue.Pending,
		InProgressURLs:  queue.InProgress,
		PagesProcessed:  e.pagesProcessed,
		AssetsProcessed: e.assetsProcessed,
		BytesDownloaded: e.bytesDownloaded,
		FilesWritten:    store.FilesWritten,
		CurrentURL:      e.currentURL,
		Errors:          len(e.errors),
		StartTime:       e.startedAt,
	}
	if !e.startedAt.IsZero() {
		snapshot.ElapsedMs = time.Since(e.startedAt).Milliseconds()
	}
	e.mu.Unlock()

	processed := queue.Complete + queue.Failed + queue.Skipped
	if queue.Total > 0 {
		snapshot.Percentage = float64(processed) / float64(queue.Total) * 100
	}
	return snapshot
}

func (e *Engine) statusLocked() JobStatus {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status
}

// worker loops: dequeue, process, repeat. It exits when the frontier drains
// or the run is cancelled, and returns an error only for engine-fatal
// conditions, which tears down the whole pool.
func (e *Engine) worker(ctx context.Context) error {
	for {
		if ctx.Err() != nil || e.fetcher.Aborted() {
			return nil
		}
		if e.Status() == JobStatusPaused {
			if sleepCtx(ctx, enginePauseWait) != nil {
				return nil
			}
			continue
		}

		entry := e.frontier.Next()
		if entry == nil {
			if !e.frontier.HasPending() {
				return nil
			}
			if sleepCtx(ctx, engineIdleWait) != nil {
				return nil
			}
			continue
		}

		if err := e.process(ctx, entry); err != nil {
			return err
		}
	}
}

func (e *Engine) process(ctx context.Context, entry *FrontierEntry) error {
	e.setCurrent(entry.CanonicalURL)

	if !e.robotsAllowed(entry.CanonicalURL) {
		e.frontier.Skip(entry.CanonicalURL, "disallowed by robots.txt")
		e.logger.Debug().Str("url", entry.CanonicalURL).Msg("Skipped by robots.txt")
		e.emitProgress()
		return nil
	}

	result, err := e.fetcher.Fetch(ctx, entry.CanonicalURL, entry.ParentURL)
	if err != nil {
		if ctx.Err() != nil || e.fetcher.Aborted() {
			e.frontier.Fail(entry.CanonicalURL, "cancelled")
			return nil
		}
		code := ErrCodeUnknown
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			code = fetchErr.Code
		}
		e.recordError(entry.CanonicalURL, code, err.Error())
		e.frontier.Fail(entry.CanonicalURL, err.Error())
		e.emitLog("warn", "Fetch failed", map[string]string{"url": entry.CanonicalURL, "code": code})
		e.emitProgress()
		return nil
	}

	if result.StatusCode < 200 || result.StatusCode >= 300 {
		reason := fmt.Sprintf("HTTP %d", result.StatusCode)
		e.recordError(entry.CanonicalURL, ErrCodeUnknown, reason)
		e.frontier.Fail(entry.CanonicalURL, reason)
		e.emitLog("warn", "Fetch returned error status", map[string]string{"url": entry.CanonicalURL, "error": reason})
		e.emitProgress()
		return nil
	}

	canonicalFinal, ok := Canonicalize(result.FinalURL, nil)
	if !ok {
		canonicalFinal = entry.CanonicalURL
	}

	localPath, err := e.registry.Register(canonicalFinal)
	if err != nil {
		e.recordError(entry.CanonicalURL, ErrCodeUnknown, err.Error())
		e.frontier.Fail(entry.CanonicalURL, err.Error())
		e.emitProgress()
		return nil
	}
	if canonicalFinal != entry.CanonicalURL {
		if aliasErr := e.registry.Alias(entry.CanonicalURL, localPath); aliasErr != nil {
			e.logger.Debug().Err(aliasErr).Msg("Redirect alias not recorded")
		}
	}

	if err := e.storage.Write(localPath, result.Body); err != nil {
		reason := err.Error()
		e.recordError(entry.CanonicalURL, ErrCodeUnknown, reason)
		e.frontier.Fail(entry.CanonicalURL, reason)
		return fmt.Errorf("storage write for %s: %w", entry.CanonicalURL, err)
	}

	category := e.classify(result.ContentType, localPath)
	e.recordFile(localPath, category)

	pageURL, _ := url.Parse(canonicalFinal)
	newPages, newAssets := 0, 0

	switch category {
	case CategoryHTML:
		if pageURL != nil {
			links, exErr := e.extractor.Extract(result.Body, pageURL)
			if exErr != nil {
				e.logger.Debug().Err(exErr).Str("url", canonicalFinal).Msg("HTML parse failed, no links extracted")
			}
			for _, link := range links {
				if link.Kind == LinkKindPage {
					if e.frontier.AddPage(link.URL, canonicalFinal, entry.Depth+1) {
						newPages++
					}
				} else if e.frontier.AddAsset(link.URL, canonicalFinal, entry.Depth) {
					newAssets++
				}
			}
		}
		e.addCounts(1, 0, int64(len(result.Body)))
	case CategoryCSS:
		if pageURL != nil {
			for _, ref := range ExtractCSS(string(result.Body), pageURL) {
				if e.frontier.AddAsset(ref.URL, canonicalFinal, entry.Depth) {
					newAssets++
				}
			}
		}
		e.addCounts(0, 1, int64(len(result.Body)))
	default:
		e.addCounts(0, 1, int64(len(result.Body)))
	}

	e.frontier.Complete(entry.CanonicalURL)
	e.logger.Debug().
		Str("url", canonicalFinal).
		Str("path", localPath).
		Int("status", result.StatusCode).
		Int("new_pages", newPages).
		Int("new_assets", newAssets).
		Msg("Archived")
	e.emitProgress()
	return nil
}

// rewriteAll is the finalisation pass: every stored HTML and CSS file has
// its archived URLs substituted with relative local paths. Files with no
// mapped URLs keep their original bytes.
func (e *Engine) rewriteAll(ctx context.Context) error {
	files, err := e.storage.ListFiles()
	if err != nil {
		return fmt.Errorf("listing storage for rewrite: %w", err)
	}

	e.logger.Info().Int("files", len(files)).Msg("Starting rewrite pass")
	e.emitLog("info", "Rewriting archived files", map[string]string{"files": fmt.Sprint(len(files))})

	rewritten := 0
	for _, localPath := range files {
		if ctx.Err() != nil || e.fetcher.Aborted() {
			return nil
		}
		var (
			changed bool
			rwErr   error
		)
		switch e.fileKind(localPath) {
		case CategoryHTML:
			changed, rwErr = e.rewriteHTMLFile(localPath)
		case CategoryCSS:
			changed, rwErr = e.rewriteCSSFile(localPath)
		default:
			continue
		}
		if rwErr != nil {
			return rwErr
		}
		if changed {
			rewritten++
		}
	}

	e.logger.Info().Int("files", len(files)).Int("rewritten", rewritten).Msg("Rewrite pass complete")
	return nil
}

func (e *Engine) rewriteHTMLFile(localPath string) (bool, error) {
	data, err := e.storage.Read(localPath)
	if err != nil {
		return false, fmt.Errorf("reading %s for rewrite: %w", localPath, err)
	}
	pageURL := e.pageURLFor(localPath)
	if pageURL == nil {
		return false, nil
	}

	out, rwErr := e.rewriter.RewriteHTML(data, pageURL, localPath, e.registry)
	if rwErr != nil {
		e.logger.Debug().Err(rwErr).Str("path", localPath).Msg("HTML rewrite kept original bytes")
		return false, nil
	}
	if bytes.Equal(out, data) {
		return false, nil
	}
	if err := e.storage.Write(localPath, out); err != nil {
		return false, fmt.Errorf("writing rewritten %s: %w", localPath, err)
	}
	return true, nil
}

func (e *Engine) rewriteCSSFile(localPath string) (bool, error) {
	data, err := e.storage.Read(localPath)
	if err != nil {
		return false, fmt.Errorf("reading %s for rewrite: %w", localPath, err)
	}
	sheetURL := e.pageURLFor(localPath)
	if sheetURL == nil {
		return false, nil
	}

	out := RewriteCSS(string(data), sheetURL, localPath, e.registry)
	if out == string(data) {
		return false, nil
	}
	if err := e.storage.Write(localPath, []byte(out)); err != nil {
		return false, fmt.Errorf("writing rewritten %s: %w", localPath, err)
	}
	return true, nil
}

// pageURLFor recovers the canonical URL a stored file was fetched from.
func (e *Engine) pageURLFor(localPath string) *url.URL {
	rawURL, found := e.registry.URLFor(localPath)
	if !found {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return u
}

// classify maps the response content type onto a file category, falling
// back to the local path's extension when the server sent none.
func (e *Engine) classify(contentType, localPath string) string {
	switch contentType {
	case "text/html", "application/xhtml+xml":
		return CategoryHTML
	case "text/css":
		return CategoryCSS
	case "":
		return MimeCategory(Extension(localPath))
	}
	return CategoryOther
}

// robotsAllowed gates seed-host URLs through the robots directives. Other
// hosts are not subject to the seed's robots.txt.
func (e *Engine) robotsAllowed(canonical string) bool {
	if e.robots == nil {
		return true
	}
	u, err := url.Parse(canonical)
	if err != nil {
		return true
	}
	if !strings.EqualFold(u.Hostname(), e.seed.Hostname()) {
		return true
	}
	return e.robots.Allowed(e.agent, u.RequestURI())
}

func (e *Engine) recordError(rawURL, code, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = append(e.errors, CrawlError{
		URL:       rawURL,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

func (e *Engine) recordFile(localPath, category string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fileKinds[localPath] = category
}

func (e *Engine) fileKind(localPath string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fileKinds[localPath]
}

func (e *Engine) setCurrent(rawURL string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentURL = rawURL
}

func (e *Engine) addCounts(pages, assets int, bytes int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pagesProcessed += pages
	e.assetsProcessed += assets
	e.bytesDownloaded += bytes
}

func (e *Engine) buildResult() *ArchiveResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	errs := make([]CrawlError, len(e.errors))
	copy(errs, e.errors)
	return &ArchiveResult{
		Success:         !e.fetcher.Aborted() && len(errs) == 0,
		Pages:           e.pagesProcessed,
		Assets:          e.assetsProcessed,
		BytesDownloaded: e.bytesDownloaded,
		Errors:          errs,
		Duration:        time.Since(e.startedAt),
	}
}

// emit delivers an event without ever blocking the engine: when the buffer
// is full the oldest event is dropped.
func (e *Engine) emit(event ProgressEvent) {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	if e.eventsClosed {
		return
	}
	select {
	case e.events <- event:
		return
	default:
	}
	select {
	case <-e.events:
	default:
	}
	select {
	case e.events <- event:
	default:
	}
}

func (e *Engine) closeEvents() {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	if !e.eventsClosed {
		e.eventsClosed = true
		close(e.events)
	}
}

func (e *Engine) emitProgress() {
	e.emit(ProgressEvent{Type: ProgressEventSnapshot, JobID: e.jobID, Snapshot: e.Progress()})
}

func (e *Engine) emitLog(level, message string, context map[string]string) {
	e.emit(ProgressEvent{
		Type:  ProgressEventLog,
		JobID: e.jobID,
		Log:   &LogEvent{Level: level, Message: message, Context: context},
	})
}
