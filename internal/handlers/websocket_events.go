package handlers

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"golang.org/x/time/rate"
)

// EventSubscriber bridges the event bus to WebSocket broadcasts with
// config-driven whitelisting and throttling.
type EventSubscriber struct {
	handler       *WebSocketHandler
	eventService  interfaces.EventService
	logger        arbor.ILogger
	allowedEvents map[string]bool          // Whitelist of events to broadcast (empty = allow all)
	throttlers    map[string]*rate.Limiter // Rate limiters for high-frequency events
	config        *common.WebSocketConfig
}

// NewEventSubscriber creates and initializes an event subscriber.
// Automatically subscribes to all job lifecycle events.
func NewEventSubscriber(handler *WebSocketHandler, eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *EventSubscriber {
	s := &EventSubscriber{
		handler:      handler,
		eventService: eventService,
		logger:       logger,
		config:       config,
	}

	// Initialize allowedEvents map (whitelist pattern)
	// Empty list means allow all events
	s.allowedEvents = make(map[string]bool)
	if config != nil && len(config.AllowedEvents) > 0 {
		for _, eventType := range config.AllowedEvents {
			s.allowedEvents[eventType] = true
		}
	}

	// Initialize throttlers for high-frequency events. Progress snapshots are
	// excluded here: the handler's aggregator already batches them on the
	// same configured interval.
	s.throttlers = make(map[string]*rate.Limiter)
	if config != nil && len(config.ThrottleIntervals) > 0 {
		for eventType, intervalStr := range config.ThrottleIntervals {
			if eventType == string(interfaces.EventJobProgress) {
				continue
			}
			if duration, err := time.ParseDuration(intervalStr); err == nil {
				// Create rate limiter: 1 event per interval (burst=1)
				limiter := rate.NewLimiter(rate.Every(duration), 1)
				s.throttlers[eventType] = limiter
				logger.Debug().
					Str("event_type", eventType).
					Str("interval", intervalStr).
					Msg("Throttler initialized for event type")
			} else {
				logger.Warn().
					Err(err).
					Str("event_type", eventType).
					Str("interval", intervalStr).
					Msg("Failed to parse throttle interval - skipping throttler")
			}
		}
	}

	if eventService == nil {
		logger.Warn().Msg("EventSubscriber created with nil eventService - subscriptions will be skipped")
		return s
	}

	s.SubscribeAll()

	return s
}

// SubscribeAll registers subscriptions for all broadcast-relevant events
func (s *EventSubscriber) SubscribeAll() {
	if s.eventService == nil {
		s.logger.Warn().Msg("Cannot subscribe to events - eventService is nil")
		return
	}

	s.eventService.Subscribe(interfaces.EventJobCreated, s.handleJobCreated)
	s.eventService.Subscribe(interfaces.EventJobProgress, s.handleJobProgress)
	s.eventService.Subscribe(interfaces.EventJobLog, s.handleJobLog)
	s.eventService.Subscribe(interfaces.EventJobCompleted, s.handleJobCompleted)
	s.eventService.Subscribe(interfaces.EventJobFailed, s.handleJobFailed)
	s.eventService.Subscribe(interfaces.EventStatusChanged, s.handleStatusChanged)

	s.logger.Info().Msg("EventSubscriber registered for job lifecycle, progress, log, and status events")
}

// shouldBroadcastEvent checks if an event should be broadcast based on whitelist and throttling
func (s *EventSubscriber) shouldBroadcastEvent(eventType interfaces.EventType) bool {
	// Check whitelist (empty allowedEvents = allow all)
	if len(s.allowedEvents) > 0 && !s.allowedEvents[string(eventType)] {
		return false
	}

	// Check throttling
	if limiter, ok := s.throttlers[string(eventType)]; ok {
		if !limiter.Allow() {
			s.logger.Debug().
				Str("event_type", string(eventType)).
				Msg("Event throttled - rate limit exceeded")
			return false
		}
	}

	return true
}

// handleJobProgress routes snapshots through the handler's aggregator, which
// batches them and performs the actual broadcast.
func (s *EventSubscriber) handleJobProgress(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(interfaces.EventJobProgress) {
		return nil
	}

	payload, ok := event.Payload.(interfaces.JobProgressPayload)
	if !ok {
		s.logger.Warn().Msg("Invalid job progress event payload type")
		return nil
	}

	s.handler.RecordProgress(ctx, payload.JobID, payload.Progress)
	return nil
}

func (s *EventSubscriber) handleJobLog(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(interfaces.EventJobLog) {
		return nil
	}

	payload, ok := event.Payload.(interfaces.JobLogPayload)
	if !ok {
		s.logger.Warn().Msg("Invalid job log event payload type")
		return nil
	}

	s.handler.BroadcastJobLog(JobLogUpdate{
		JobID:     payload.JobID,
		Level:     payload.Level,
		Message:   payload.Message,
		Context:   payload.Context,
		Timestamp: time.Now(),
	})
	return nil
}

func (s *EventSubscriber) handleJobCreated(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(interfaces.EventJobCreated) {
		return nil
	}

	payload, ok := event.Payload.(interfaces.JobLifecyclePayload)
	if !ok {
		s.logger.Warn().Msg("Invalid job created event payload type")
		return nil
	}

	s.handler.BroadcastJobStatusChange(JobStatusUpdate{
		JobID:     payload.JobID,
		Status:    string(payload.Status),
		Timestamp: time.Now(),
	})
	return nil
}

// handleJobCompleted covers completed and cancelled jobs; cancellation is a
// completed lifecycle event carrying the cancelled status.
func (s *EventSubscriber) handleJobCompleted(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(interfaces.EventJobCompleted) {
		return nil
	}

	payload, ok := event.Payload.(interfaces.JobLifecyclePayload)
	if !ok {
		s.logger.Warn().Msg("Invalid job completed event payload type")
		return nil
	}

	update := JobStatusUpdate{
		JobID:     payload.JobID,
		Status:    string(payload.Status),
		Error:     payload.Error,
		Timestamp: time.Now(),
	}
	if payload.Result != nil {
		update.PagesArchived = payload.Result.Pages
		update.AssetsArchived = payload.Result.Assets
		update.BytesDownloaded = payload.Result.BytesDownloaded
		update.DurationSeconds = payload.Result.Duration.Seconds()
	}

	s.handler.BroadcastJobStatusChange(update)
	s.handler.CleanupJob(payload.JobID)
	return nil
}

func (s *EventSubscriber) handleJobFailed(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(interfaces.EventJobFailed) {
		return nil
	}

	payload, ok := event.Payload.(interfaces.JobLifecyclePayload)
	if !ok {
		s.logger.Warn().Msg("Invalid job failed event payload type")
		return nil
	}

	update := JobStatusUpdate{
		JobID:     payload.JobID,
		Status:    string(payload.Status),
		Error:     payload.Error,
		Timestamp: time.Now(),
	}
	if payload.Result != nil {
		update.PagesArchived = payload.Result.Pages
		update.AssetsArchived = payload.Result.Assets
		update.BytesDownloaded = payload.Result.BytesDownloaded
		update.DurationSeconds = payload.Result.Duration.Seconds()
	}

	s.handler.BroadcastJobStatusChange(update)
	s.handler.CleanupJob(payload.JobID)
	return nil
}

func (s *EventSubscriber) handleStatusChanged(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(interfaces.EventStatusChanged) {
		return nil
	}

	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		s.logger.Warn().Msg("Invalid status changed event payload type")
		return nil
	}

	s.handler.BroadcastAppStatus(AppStatusUpdate{
		State:      getString(payload, "state"),
		ActiveJobs: getStringSlice(payload, "active_jobs"),
		Timestamp:  getTime(payload, "timestamp"),
	})
	return nil
}
