package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"

	"github.com/ternarybob/arca/internal/models"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Crawler     CrawlerConfig   `toml:"crawler"`
	WebSocket   WebSocketConfig `toml:"websocket"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	DataDir    string       `toml:"data_dir"`    // Root directory for per-job archive sandboxes
	ArchiveDir string       `toml:"archive_dir"` // Directory for packaged tar.gz archives
	Badger     BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level         string   `toml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format        string   `toml:"format"`          // "json" or "text"
	Output        []string `toml:"output"`          // "stdout", "file"
	TimeFormat    string   `toml:"time_format"`     // Time format for logs (default: "15:04:05.000")
	MinEventLevel string   `toml:"min_event_level"` // Minimum log level to publish as events to UI
}

// CrawlerConfig holds the default crawl settings applied to submitted jobs.
// A job request that leaves a field unset inherits the value here; explicit
// request values always win. Boolean defaults can only switch behavior on.
type CrawlerConfig struct {
	Scope            string            `toml:"scope" validate:"omitempty,oneof=same-host same-domain subdomains custom"`
	MaxDepth         int               `toml:"max_depth" validate:"min=0"`
	MaxPages         int               `toml:"max_pages" validate:"min=0"`
	MaxFileSize      int64             `toml:"max_file_size" validate:"min=0"`  // Per-response byte ceiling
	MaxTotalSize     int64             `toml:"max_total_size" validate:"min=0"` // Per-job sandbox byte ceiling
	Concurrency      int               `toml:"concurrency" validate:"min=0,max=64"`
	DelayMs          int               `toml:"delay_ms" validate:"min=0"`
	TimeoutMs        int               `toml:"timeout_ms" validate:"min=0"`
	UserAgent        string            `toml:"user_agent"` // Empty selects from the rotation pool
	RespectRobotsTxt bool              `toml:"respect_robots_txt"`
	FollowRedirects  bool              `toml:"follow_redirects"`
	MaxRedirects     int               `toml:"max_redirects" validate:"min=0"`
	AllowedProtocols []string          `toml:"allowed_protocols"`
	FileTypes        map[string]bool   `toml:"file_types"` // Category switches: html, css, js, images, fonts, media, documents, other
	Headers          map[string]string `toml:"headers"`    // Extra request headers applied to every job
}

// ApplyDefaults fills unset fields of a job config from the configured
// crawler defaults. Explicit request values are never overwritten.
func (c *CrawlerConfig) ApplyDefaults(job *models.CrawlConfig) {
	if job == nil {
		return
	}
	if job.Scope == "" && c.Scope != "" {
		job.Scope = models.Scope(c.Scope)
	}
	if job.MaxDepth == 0 {
		job.MaxDepth = c.MaxDepth
	}
	if job.MaxPages == 0 {
		job.MaxPages = c.MaxPages
	}
	if job.MaxFileSize == 0 {
		job.MaxFileSize = c.MaxFileSize
	}
	if job.MaxTotalSize == 0 {
		job.MaxTotalSize = c.MaxTotalSize
	}
	if job.Concurrency == 0 {
		job.Concurrency = c.Concurrency
	}
	if job.DelayMs == 0 {
		job.DelayMs = c.DelayMs
	}
	if job.TimeoutMs == 0 {
		job.TimeoutMs = c.TimeoutMs
	}
	if job.UserAgent == "" {
		job.UserAgent = c.UserAgent
	}
	if c.RespectRobotsTxt {
		job.RespectRobotsTxt = true
	}
	if c.FollowRedirects {
		job.FollowRedirects = true
	}
	if job.MaxRedirects == 0 {
		job.MaxRedirects = c.MaxRedirects
	}
	if len(job.AllowedProtocols) == 0 && len(c.AllowedProtocols) > 0 {
		job.AllowedProtocols = append([]string(nil), c.AllowedProtocols...)
	}
	if len(job.FileTypes) == 0 && len(c.FileTypes) > 0 {
		job.FileTypes = make(map[string]bool, len(c.FileTypes))
		for k, v := range c.FileTypes {
			job.FileTypes[k] = v
		}
	}
	if len(c.Headers) > 0 {
		if job.Headers == nil {
			job.Headers = make(map[string]string, len(c.Headers))
		}
		for k, v := range c.Headers {
			if _, ok := job.Headers[k]; !ok {
				job.Headers[k] = v
			}
		}
	}
}

// WebSocketConfig contains configuration for WebSocket event streaming
type WebSocketConfig struct {
	MinLevel        string   `toml:"min_level"`        // Minimum log level to broadcast ("debug", "info", "warn", "error")
	ExcludePatterns []string `toml:"exclude_patterns"` // Log message patterns to exclude from broadcasting
	// Whitelist of event types to broadcast via WebSocket. Empty list allows all events.
	// Example: ["job.created", "job.completed", "job.progress"]
	AllowedEvents []string `toml:"allowed_events"`
	// Throttle intervals for high-frequency events. Map of event type to duration string.
	// Example: {"job.progress" = "500ms"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

// SchedulerConfig enables periodic re-archiving of configured seeds.
type SchedulerConfig struct {
	Enabled bool            `toml:"enabled"`
	Entries []ScheduleEntry `toml:"entries"`
}

// ScheduleEntry describes one recurring archive job.
type ScheduleEntry struct {
	Name     string `toml:"name" validate:"required"`
	Schedule string `toml:"schedule" validate:"required"` // Standard 5-field cron expression
	SeedURL  string `toml:"seed_url" validate:"required,url"`
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in arca.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development", // Default to development mode
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			DataDir:    "./data/jobs",     // Per-job sandbox trees
			ArchiveDir: "./data/archives", // Packaged tar.gz output
			Badger: BadgerConfig{
				Path: "./data/db",
			},
		},
		Logging: LoggingConfig{
			Level:         "info",                     // Info level for production (debug|info|warn|error)
			Format:        "text",                     // Human-readable text format (text|json)
			Output:        []string{"stdout", "file"}, // Log to both console and file
			MinEventLevel: "info",                     // Publish info and above as events to UI
		},
		Crawler: CrawlerConfig{
			Scope:            string(models.ScopeSameHost),
			MaxDepth:         3,
			MaxPages:         500,
			MaxFileSize:      50 * 1024 * 1024,       // 50MB per response
			MaxTotalSize:     2 * 1024 * 1024 * 1024, // 2GB per job
			Concurrency:      4,
			DelayMs:          250,
			TimeoutMs:        30000,
			RespectRobotsTxt: true,
			FollowRedirects:  true,
			MaxRedirects:     10,
			AllowedProtocols: []string{"http", "https"},
		},
		WebSocket: WebSocketConfig{
			MinLevel: "info", // Default: info level and above
			ExcludePatterns: []string{
				"WebSocket client connected",
				"WebSocket client disconnected",
				"HTTP request",
				"HTTP response",
			},
			// Empty AllowedEvents allows all events
			AllowedEvents: []string{},
			// Throttle high-frequency events to prevent WebSocket flooding during large crawls
			ThrottleIntervals: map[string]string{
				"job.progress": "500ms", // Max 2 progress updates per second per job
			},
		},
		Scheduler: SchedulerConfig{
			Enabled: false, // Scheduled re-archiving is opt-in
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env.
// Priority system: CLI flags > Environment variables > Config file > Defaults
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier files.
// Example: LoadFromFiles("base.toml", "override.toml") - override.toml settings
// take precedence over base.toml
func LoadFromFiles(paths ...string) (*Config, error) {
	// Start with defaults
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier files)
	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// Apply environment variables (overrides all file configs)
	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: ARCA_ENV, fallback: GO_ENV)
	if env := os.Getenv("ARCA_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("ARCA_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("ARCA_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if dataDir := os.Getenv("ARCA_DATA_DIR"); dataDir != "" {
		config.Storage.DataDir = dataDir
	}
	if archiveDir := os.Getenv("ARCA_ARCHIVE_DIR"); archiveDir != "" {
		config.Storage.ArchiveDir = archiveDir
	}
	if badgerPath := os.Getenv("ARCA_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if reset := os.Getenv("ARCA_BADGER_RESET_ON_STARTUP"); reset != "" {
		if r, err := strconv.ParseBool(reset); err == nil {
			config.Storage.Badger.ResetOnStartup = r
		}
	}

	// Logging configuration
	if level := os.Getenv("ARCA_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("ARCA_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("ARCA_LOG_OUTPUT"); output != "" {
		// Split comma-separated output types
		outputs := []string{}
		for _, o := range splitString(output, ",") {
			trimmed := trimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
	if minEventLevel := os.Getenv("ARCA_LOG_MIN_EVENT_LEVEL"); minEventLevel != "" {
		config.Logging.MinEventLevel = minEventLevel
	}

	// Crawler defaults
	if scope := os.Getenv("ARCA_CRAWLER_SCOPE"); scope != "" {
		config.Crawler.Scope = scope
	}
	if maxDepth := os.Getenv("ARCA_CRAWLER_MAX_DEPTH"); maxDepth != "" {
		if md, err := strconv.Atoi(maxDepth); err == nil {
			config.Crawler.MaxDepth = md
		}
	}
	if maxPages := os.Getenv("ARCA_CRAWLER_MAX_PAGES"); maxPages != "" {
		if mp, err := strconv.Atoi(maxPages); err == nil {
			config.Crawler.MaxPages = mp
		}
	}
	if maxFileSize := os.Getenv("ARCA_CRAWLER_MAX_FILE_SIZE"); maxFileSize != "" {
		if mfs, err := strconv.ParseInt(maxFileSize, 10, 64); err == nil {
			config.Crawler.MaxFileSize = mfs
		}
	}
	if maxTotalSize := os.Getenv("ARCA_CRAWLER_MAX_TOTAL_SIZE"); maxTotalSize != "" {
		if mts, err := strconv.ParseInt(maxTotalSize, 10, 64); err == nil {
			config.Crawler.MaxTotalSize = mts
		}
	}
	if concurrency := os.Getenv("ARCA_CRAWLER_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Crawler.Concurrency = c
		}
	}
	if delay := os.Getenv("ARCA_CRAWLER_DELAY_MS"); delay != "" {
		if d, err := strconv.Atoi(delay); err == nil {
			config.Crawler.DelayMs = d
		}
	}
	if timeout := os.Getenv("ARCA_CRAWLER_TIMEOUT_MS"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil {
			config.Crawler.TimeoutMs = t
		}
	}
	if userAgent := os.Getenv("ARCA_CRAWLER_USER_AGENT"); userAgent != "" {
		config.Crawler.UserAgent = userAgent
	}
	if respectRobots := os.Getenv("ARCA_CRAWLER_RESPECT_ROBOTS_TXT"); respectRobots != "" {
		if rr, err := strconv.ParseBool(respectRobots); err == nil {
			config.Crawler.RespectRobotsTxt = rr
		}
	}

	// WebSocket configuration
	if minLevel := os.Getenv("ARCA_WEBSOCKET_MIN_LEVEL"); minLevel != "" {
		config.WebSocket.MinLevel = minLevel
	}
	if allowedEvents := os.Getenv("ARCA_WEBSOCKET_ALLOWED_EVENTS"); allowedEvents != "" {
		// Split comma-separated event types
		events := []string{}
		for _, e := range splitString(allowedEvents, ",") {
			trimmed := trimSpace(e)
			if trimmed != "" {
				events = append(events, trimmed)
			}
		}
		if len(events) > 0 {
			config.WebSocket.AllowedEvents = events
		}
	}
	if progressThrottle := os.Getenv("ARCA_WEBSOCKET_THROTTLE_JOB_PROGRESS"); progressThrottle != "" {
		// Parse duration string (e.g., "2s", "1500ms")
		if _, err := time.ParseDuration(progressThrottle); err == nil {
			if config.WebSocket.ThrottleIntervals == nil {
				config.WebSocket.ThrottleIntervals = make(map[string]string)
			}
			config.WebSocket.ThrottleIntervals["job.progress"] = progressThrottle
		}
	}

	// Scheduler configuration
	if enabled := os.Getenv("ARCA_SCHEDULER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.Enabled = e
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string, logLevel string, dataDir string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}
	if dataDir != "" {
		config.Storage.DataDir = dataDir
	}
}

// Validate checks structural constraints and scheduler entries. Called once
// at startup after all override layers are applied.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for _, entry := range c.Scheduler.Entries {
		if err := ValidateJobSchedule(entry.Schedule); err != nil {
			return fmt.Errorf("scheduler entry %q: %w", entry.Name, err)
		}
	}
	return nil
}

// Helper functions for string manipulation
func splitString(s, sep string) []string {
	result := []string{}
	start := 0
	for i := 0; i < len(s); i++ {
		if i+len(sep) <= len(s) && s[i:i+len(sep)] == sep {
			result = append(result, s[start:i])
			start = i + len(sep)
			i = start - 1
		}
	}
	result = append(result, s[start:])
	return result
}

func trimSpace(s string) string {
	start := 0
	end := len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}

// ValidateJobSchedule validates a cron schedule expression and ensures minimum 5-minute interval
func ValidateJobSchedule(schedule string) error {
	// Parse the cron expression
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	// Check for minimum 5-minute interval
	// Validate minute field (first field in standard cron)
	parts := strings.Fields(schedule)
	if len(parts) < 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}

	minuteField := parts[0]

	// Check for patterns that violate 5-minute minimum
	if minuteField == "*" {
		return fmt.Errorf("schedule must have minimum 5-minute interval (every minute is not allowed)")
	}

	// Check for */n patterns where n < 5
	if strings.HasPrefix(minuteField, "*/") {
		intervalStr := strings.TrimPrefix(minuteField, "*/")
		interval, err := strconv.Atoi(intervalStr)
		if err == nil && interval < 5 {
			return fmt.Errorf("schedule interval must be at least 5 minutes, got %d", interval)
		}
	}

	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
