package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
)

// Service is the in-process event bus connecting the job layer to the
// websocket, logging, and status subscribers. Async handlers run on their
// own goroutines; a slow or panicking subscriber never stalls a crawl.
type Service struct {
	mu          sync.RWMutex
	subscribers map[interfaces.EventType][]interfaces.EventHandler
	logger      arbor.ILogger
}

// NewService creates an empty event bus.
func NewService(logger arbor.ILogger) interfaces.EventService {
	return &Service{
		subscribers: make(map[interfaces.EventType][]interfaces.EventHandler),
		logger:      logger,
	}
}

// Subscribe registers a handler for an event type.
func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	s.subscribers[eventType] = append(s.subscribers[eventType], handler)
	count := len(s.subscribers[eventType])
	s.mu.Unlock()

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", count).
		Msg("Event handler subscribed")

	return nil
}

// handlersFor snapshots the subscriber list for an event type. The returned
// slice header is stable: Subscribe appends, never mutates in place.
func (s *Service) handlersFor(eventType interfaces.EventType) []interfaces.EventHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribers[eventType]
}

// Publish fans an event out to its subscribers without waiting for them.
// Handler errors are logged, handler panics are recovered. Progress events
// fire once per processed URL, so per-publish logging stays at debug level.
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	handlers := s.handlersFor(event.Type)
	if len(handlers) == 0 {
		return nil
	}

	s.logger.Debug().
		Str("event_type", string(event.Type)).
		Int("subscriber_count", len(handlers)).
		Msg("Publishing event")

	for _, handler := range handlers {
		h := handler
		common.SafeGo(s.logger, "event:"+string(event.Type), func() {
			if err := h(ctx, event); err != nil {
				s.logger.Error().
					Err(err).
					Str("event_type", string(event.Type)).
					Msg("Event handler failed")
			}
		})
	}

	return nil
}

// PublishSync delivers an event to every subscriber and waits for all of
// them, reporting how many failed.
func (s *Service) PublishSync(ctx context.Context, event interfaces.Event) error {
	handlers := s.handlersFor(event.Type)
	if len(handlers) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		failed int
	)
	for _, handler := range handlers {
		h := handler
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h(ctx, event); err != nil {
				s.logger.Error().
					Err(err).
					Str("event_type", string(event.Type)).
					Msg("Event handler failed")
				errMu.Lock()
				failed++
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if failed > 0 {
		return fmt.Errorf("event handlers failed: %d errors", failed)
	}
	return nil
}

// Close drops every subscription.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers = make(map[interfaces.EventType][]interfaces.EventHandler)
	s.logger.Info().Msg("Event service closed")

	return nil
}
