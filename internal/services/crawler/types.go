package crawler

import (
	"fmt"
	"time"

	"github.com/ternarybob/arca/internal/models"
)

// Type aliases for job-level types shared with the rest of the system.
// The canonical definitions live in internal/models to keep import
// direction one-way (crawler -> models).
type (
	JobStatus     = models.JobStatus
	CrawlConfig   = models.CrawlConfig
	CrawlProgress = models.CrawlProgress
	CrawlError    = models.CrawlError
	ArchiveResult = models.ArchiveResult
	Scope         = models.Scope
)

const (
	JobStatusPending   = models.JobStatusPending
	JobStatusRunning   = models.JobStatusRunning
	JobStatusPaused    = models.JobStatusPaused
	JobStatusCompleted = models.JobStatusCompleted
	JobStatusFailed    = models.JobStatusFailed
	JobStatusCancelled = models.JobStatusCancelled

	ScopeSameHost   = models.ScopeSameHost
	ScopeSameDomain = models.ScopeSameDomain
	ScopeSubdomains = models.ScopeSubdomains
	ScopeCustom     = models.ScopeCustom

	CategoryHTML      = models.CategoryHTML
	CategoryCSS       = models.CategoryCSS
	CategoryJS        = models.CategoryJS
	CategoryImages    = models.CategoryImages
	CategoryFonts     = models.CategoryFonts
	CategoryMedia     = models.CategoryMedia
	CategoryDocuments = models.CategoryDocuments
	CategoryOther     = models.CategoryOther
)

// EntryStatus tracks a frontier entry through its lifecycle.
type EntryStatus string

const (
	EntryPending    EntryStatus = "pending"
	EntryInProgress EntryStatus = "in_progress"
	EntryComplete   EntryStatus = "complete"
	EntryFailed     EntryStatus = "failed"
	EntrySkipped    EntryStatus = "skipped"
)

// FrontierEntry is one unit of crawl work. Entries are created on enqueue,
// mutated only through frontier transitions, and never deleted during a run.
type FrontierEntry struct {
	URL          string      // original URL as discovered
	CanonicalURL string      // unique key across the frontier
	Depth        int         // 0 for the seed
	ParentURL    string      // page that referenced this URL
	IsAsset      bool        // admitted through the asset predicate
	Status       EntryStatus
	Retries      int
	EnqueuedAt   time.Time
	ProcessedAt  time.Time
	Error        string // terminal failure reason
}

// LinkKind classifies an extracted URL by its navigational role.
type LinkKind string

const (
	LinkKindPage  LinkKind = "page"  // anchor targets and framed documents
	LinkKindAsset LinkKind = "asset" // everything required to render offline
)

// ExtractedLink is one URL found in a document, with enough provenance
// for logging and for the rewrite pass.
type ExtractedLink struct {
	URL  string   // absolute, resolved against the effective base
	Kind LinkKind
	Tag  string // source element, e.g. "img"
	Attr string // source attribute, e.g. "srcset"
}

// FetchResult is a successful fetch.
type FetchResult struct {
	URL           string              // the URL as requested
	FinalURL      string              // post-redirect URL
	StatusCode    int
	Headers       map[string]string
	ContentType   string // leading token, lowercased, e.g. "text/html"
	Body          []byte
	RedirectChain []string // every hop including the final URL, empty when direct
	Duration      time.Duration
}

// Fetch error codes. These surface in CrawlError.Code and drive retry policy.
const (
	ErrCodeRateLimited = "RATE_LIMITED"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeNetwork     = "NETWORK"
	ErrCodeUnknown     = "UNKNOWN"
	ErrCodeSSRF        = "SSRF"
	ErrCodeTooLarge    = "TOO_LARGE"
)

// FetchError is a terminal per-URL fetch failure.
type FetchError struct {
	URL       string
	Code      string
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Code, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Code)
}

func (e *FetchError) Unwrap() error { return e.Err }

// QueueStats is a read-only frontier snapshot.
type QueueStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Complete   int `json:"complete"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// StorageStats is a read-only storage snapshot.
type StorageStats struct {
	FilesWritten int   `json:"files_written"`
	TotalBytes   int64 `json:"total_bytes"`
	Directories  int   `json:"directories"`
}

// ProgressEvent is one message on the engine's progress stream. Exactly one
// of the payload fields is set, selected by Type.
type ProgressEvent struct {
	Type     ProgressEventType
	JobID    string
	Snapshot *CrawlProgress // ProgressEventSnapshot
	Log      *LogEvent      // ProgressEventLog
	Result   *ArchiveResult // ProgressEventComplete
	Err      error          // ProgressEventError
}

// ProgressEventType discriminates ProgressEvent payloads.
type ProgressEventType string

const (
	ProgressEventSnapshot ProgressEventType = "progress"
	ProgressEventLog      ProgressEventType = "log"
	ProgressEventComplete ProgressEventType = "complete"
	ProgressEventError    ProgressEventType = "error"
)

// LogEvent is a structured log line emitted on the progress stream.
type LogEvent struct {
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}
