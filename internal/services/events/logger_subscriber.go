package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/interfaces"
)

// NewLoggerSubscriber creates an event handler that mirrors bus traffic into
// the service log.
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		entry := logger.Debug().Str("event_type", string(event.Type))

		switch payload := event.Payload.(type) {
		case interfaces.JobProgressPayload:
			entry = entry.Str("job_id", payload.JobID)
			if payload.Progress != nil {
				entry = entry.
					Str("status", string(payload.Progress.Status)).
					Int("completed", payload.Progress.CompletedURLs).
					Int("total", payload.Progress.TotalURLs)
			}
		case interfaces.JobLogPayload:
			entry = entry.
				Str("job_id", payload.JobID).
				Str("level", payload.Level).
				Str("message", payload.Message)
		case interfaces.JobLifecyclePayload:
			entry = entry.
				Str("job_id", payload.JobID).
				Str("status", string(payload.Status))
			if payload.Error != "" {
				entry = entry.Str("error", payload.Error)
			}
		}

		entry.Msg("Event published")
		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	eventTypes := []interfaces.EventType{
		interfaces.EventJobCreated,
		interfaces.EventJobProgress,
		interfaces.EventJobLog,
		interfaces.EventJobCompleted,
		interfaces.EventJobFailed,
		interfaces.EventStatusChanged,
	}

	for _, eventType := range eventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Info().
		Int("event_type_count", len(eventTypes)).
		Msg("Logger subscribed to all event types")

	return nil
}
