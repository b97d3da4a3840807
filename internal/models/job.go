package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the state of an archive job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Scope is the admission predicate applied to page URLs relative to the seed.
type Scope string

const (
	ScopeSameHost   Scope = "same-host"   // exact hostname match
	ScopeSameDomain Scope = "same-domain" // registrable domain match
	ScopeSubdomains Scope = "subdomains"  // registrable domain plus any subdomain
	ScopeCustom     Scope = "custom"      // explicit host allow-list
)

// File category keys used by CrawlConfig.FileTypes and the extension table.
const (
	CategoryHTML      = "html"
	CategoryCSS       = "css"
	CategoryJS        = "js"
	CategoryImages    = "images"
	CategoryFonts     = "fonts"
	CategoryMedia     = "media"
	CategoryDocuments = "documents"
	CategoryOther     = "other"
)

// ArchiveJob represents one offline-archive run.
// Configuration is snapshot at job creation time so jobs are self-contained
// and re-runnable regardless of later default changes.
type ArchiveJob struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`     // User-friendly name, defaults to the seed host
	SeedURL     string        `json:"seed_url"` // Starting point; host determines default scope base
	Config      CrawlConfig   `json:"config"`   // Snapshot of configuration at job creation time
	Status      JobStatus     `json:"status"`
	Progress    CrawlProgress `json:"progress"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	// Error contains a concise description of why the job failed.
	// Only populated when job status is 'failed'.
	Error string `json:"error,omitempty"`
	// OutputDir is the per-job sandbox directory holding the mirrored tree.
	OutputDir string `json:"output_dir,omitempty"`
	// ArchivePath is the packaged tar.gz produced after a successful run.
	ArchivePath string `json:"archive_path,omitempty"`
	// Schedule is an optional cron expression for periodic re-archiving.
	Schedule string `json:"schedule,omitempty"`
	// Result counters synced when the job reaches a terminal status.
	PagesArchived   int   `json:"pages_archived"`
	AssetsArchived  int   `json:"assets_archived"`
	BytesDownloaded int64 `json:"bytes_downloaded"`
}

// CrawlConfig defines archive crawl behavior. Zero values are filled by
// Normalize before the engine sees the config.
type CrawlConfig struct {
	Scope         Scope    `json:"scope"`                    // same-host, same-domain, subdomains, custom
	CustomDomains []string `json:"custom_domains,omitempty"` // host allow-list when scope is custom
	IncludePaths  []string `json:"include_paths,omitempty"`  // glob whitelist on page URLs
	ExcludePaths  []string `json:"exclude_paths,omitempty"`  // glob blacklist on page URLs
	UnlimitedMode bool     `json:"unlimited_mode"`           // disables depth and page-count ceilings
	MaxDepth      int      `json:"max_depth" validate:"min=0"`
	MaxPages      int      `json:"max_pages" validate:"min=0"`
	MaxFileSize   int64    `json:"max_file_size" validate:"min=0"` // per-response byte ceiling
	MaxTotalSize  int64    `json:"max_total_size" validate:"min=0"`
	// FileTypes enables or disables categories (html, css, js, images, fonts,
	// media, documents, other). A category absent from the map is allowed.
	FileTypes        map[string]bool   `json:"file_types,omitempty"`
	Concurrency      int               `json:"concurrency" validate:"min=0,max=64"`
	DelayMs          int               `json:"delay_ms" validate:"min=0"`   // baseline inter-request delay, jittered
	TimeoutMs        int               `json:"timeout_ms" validate:"min=0"` // per-request deadline
	UserAgent        string            `json:"user_agent,omitempty"`        // empty selects from the rotation pool
	Cookies          string            `json:"cookies,omitempty"`           // header-style cookie string scoped to the seed host
	Headers          map[string]string `json:"headers,omitempty"`           // extra request headers, merged last
	RespectRobotsTxt bool              `json:"respect_robots_txt"`
	FollowRedirects  bool              `json:"follow_redirects"`
	MaxRedirects     int               `json:"max_redirects" validate:"min=0"`
	AllowedProtocols []string          `json:"allowed_protocols,omitempty"` // protocol allow-list for the SSRF guard
}

// Normalize fills unset fields with defaults. It never touches explicit values.
func (c *CrawlConfig) Normalize() {
	if c.Scope == "" {
		c.Scope = ScopeSameHost
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = 3
	}
	if c.MaxPages == 0 {
		c.MaxPages = 500
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 50 * 1024 * 1024
	}
	if c.MaxTotalSize == 0 {
		c.MaxTotalSize = 2 * 1024 * 1024 * 1024
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.DelayMs == 0 {
		c.DelayMs = 250
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 30000
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = 10
	}
	if len(c.AllowedProtocols) == 0 {
		c.AllowedProtocols = []string{"http", "https"}
	}
}

// Timeout returns the per-request deadline as a duration.
func (c *CrawlConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Delay returns the baseline inter-request delay as a duration.
func (c *CrawlConfig) Delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}

// CategoryEnabled reports whether a file category is admitted. Categories are
// allowed unless the map explicitly disables them.
func (c *CrawlConfig) CategoryEnabled(category string) bool {
	if len(c.FileTypes) == 0 {
		return true
	}
	enabled, configured := c.FileTypes[category]
	if !configured {
		return true
	}
	return enabled
}

// CrawlProgress is the point-in-time snapshot surfaced to the job layer,
// the API, and the websocket stream.
type CrawlProgress struct {
	Status          JobStatus `json:"status"`
	TotalURLs       int       `json:"total_urls"`
	CompletedURLs   int       `json:"completed_urls"`
	FailedURLs      int       `json:"failed_urls"`
	SkippedURLs     int       `json:"skipped_urls"`
	PendingURLs     int       `json:"pending_urls"`
	InProgressURLs  int       `json:"in_progress_urls"`
	PagesProcessed  int       `json:"pages_processed"`
	AssetsProcessed int       `json:"assets_processed"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	FilesWritten    int       `json:"files_written"`
	CurrentURL      string    `json:"current_url,omitempty"`
	Errors          int       `json:"errors"`
	Percentage      float64   `json:"percentage"`
	StartTime       time.Time `json:"start_time"`
	ElapsedMs       int64     `json:"elapsed_ms"`
}

// CrawlError records one per-URL failure for the job error history.
type CrawlError struct {
	URL       string    `json:"url"`
	Code      string    `json:"code"` // RATE_LIMITED, TIMEOUT, NETWORK, UNKNOWN, SSRF, TOO_LARGE
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ArchiveResult is the terminal outcome of an engine run.
// Success is true iff the run was not cancelled and no per-URL errors remain.
type ArchiveResult struct {
	Success         bool          `json:"success"`
	Pages           int           `json:"pages"`
	Assets          int           `json:"assets"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	Errors          []CrawlError  `json:"errors,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// ToJSON serializes CrawlConfig to JSON string for database storage
func (c *CrawlConfig) ToJSON() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FromJSONCrawlConfig deserializes CrawlConfig from JSON string
func FromJSONCrawlConfig(data string) (*CrawlConfig, error) {
	var config CrawlConfig
	if err := json.Unmarshal([]byte(data), &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// ToJSON serializes CrawlProgress to JSON string for database storage
func (p *CrawlProgress) ToJSON() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FromJSONCrawlProgress deserializes CrawlProgress from JSON string
func FromJSONCrawlProgress(data string) (*CrawlProgress, error) {
	var progress CrawlProgress
	if err := json.Unmarshal([]byte(data), &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}
