package interfaces

import (
	"context"

	"github.com/ternarybob/arca/internal/models"
)

// EventType represents different event types in the system
type EventType string

const (
	EventJobCreated    EventType = "job.created"
	EventJobProgress   EventType = "job.progress"
	EventJobLog        EventType = "job.log"
	EventJobCompleted  EventType = "job.completed"
	EventJobFailed     EventType = "job.failed"
	EventStatusChanged EventType = "status.changed"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// JobProgressPayload rides on EventJobProgress.
type JobProgressPayload struct {
	JobID    string
	Progress *models.CrawlProgress
}

// JobLogPayload rides on EventJobLog.
type JobLogPayload struct {
	JobID   string
	Level   string
	Message string
	Context map[string]string
}

// JobLifecyclePayload rides on EventJobCreated, EventJobCompleted, and
// EventJobFailed. Result is set on terminal events, Error on failures.
type JobLifecyclePayload struct {
	JobID  string
	Status models.JobStatus
	Result *models.ArchiveResult
	Error  string
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages the pub/sub event bus connecting the job manager to
// the websocket hub and log sinks.
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
