package models

// JobLogEntry is a single persisted log line for an archive job.
//
// Entries are written by the job manager as crawl events arrive and read
// back through the job log API, newest first.
//
// Timestamp Format:
//   - Timestamp: "15:04:05.000" (HH:MM:SS.mmm) for display
//   - FullTimestamp: RFC3339Nano for accurate sorting
//
// Levels are stored as arbor's 3-letter codes: "DBG", "INF", "WRN", "ERR".
type JobLogEntry struct {
	Timestamp     string `json:"timestamp"`
	FullTimestamp string `json:"full_timestamp"`
	Level         string `json:"level" badgerhold:"index"`
	Message       string `json:"message"`

	// Sequence is a composite sort key combining a nanosecond timestamp
	// with a global counter, so entries written within the same nanosecond
	// still sort in write order.
	Sequence string `json:"sequence" badgerhold:"index"`

	// JobIDField is the primary query field, stored separately because
	// badgerhold cannot index into map fields.
	JobIDField string `json:"job_id" badgerhold:"index"`

	// Context carries extra metadata such as the URL being processed.
	Context map[string]string `json:"context,omitempty"`
}

// Context key constants for consistent access
const (
	LogCtxURL   = "url"
	LogCtxPhase = "phase"
)

// GetContext safely retrieves a context value
func (e *JobLogEntry) GetContext(key string) string {
	if e.Context == nil {
		return ""
	}
	return e.Context[key]
}

// SetContext safely sets a context value (initializes map if needed)
func (e *JobLogEntry) SetContext(key, value string) {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	if value != "" {
		e.Context[key] = value
	}
}

// JobID returns the job ID from the dedicated indexed field
func (e *JobLogEntry) JobID() string { return e.JobIDField }
