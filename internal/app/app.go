// -----------------------------------------------------------------------
// Application Wiring - constructs services and handlers in dependency order
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/handlers"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/services/archive"
	"github.com/ternarybob/arca/internal/services/events"
	jobsvc "github.com/ternarybob/arca/internal/services/jobs"
	"github.com/ternarybob/arca/internal/services/scheduler"
	"github.com/ternarybob/arca/internal/services/status"
	"github.com/ternarybob/arca/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Event-driven services
	EventService     interfaces.EventService
	SchedulerService interfaces.SchedulerService
	StatusService    *status.Service

	// Job execution
	Packager   *archive.Packager
	JobService *jobsvc.Service

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	WSHandler        *handlers.WebSocketHandler
	JobHandler       *handlers.JobHandler
	StatusHandler    *handlers.StatusHandler
	SchedulerHandler *handlers.SchedulerHandler

	wsLogWriter *handlers.WebSocketWriter
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize database
	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Event bus comes first: every later component publishes or subscribes
	app.EventService = events.NewService(app.Logger)
	if err := events.SubscribeLoggerToAllEvents(app.EventService, app.Logger); err != nil {
		app.Logger.Warn().Err(err).Msg("Failed to subscribe event audit logger")
	}

	// WebSocket handler is created early so log streaming is available while
	// the remaining services come up
	app.WSHandler = handlers.NewWebSocketHandler(app.Logger, &cfg.WebSocket)

	// Initialize services
	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Initialize handlers
	if err := app.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	// Start WebSocket background tasks for real-time UI updates
	app.WSHandler.StartStatusBroadcaster()

	logger.Info().
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Int("schedule_entries", len(cfg.Scheduler.Entries)).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes all business services in dependency order
func (a *App) initServices() error {
	// Packager streams completed sandboxes into tar.gz archives
	a.Packager = archive.NewPackager(a.Logger)

	// Job service owns the crawl engines and the archive job lifecycle
	a.JobService = jobsvc.NewService(a.Config, a.StorageManager, a.EventService, a.Packager, a.Logger)
	a.Logger.Debug().Msg("Job service initialized")

	// Status service mirrors job lifecycle events into an app-level state
	a.StatusService = status.NewService(a.EventService, a.StorageManager.JobStorage(), a.Logger)
	a.StatusService.SubscribeToJobEvents()
	a.WSHandler.SetStatusSource(a.StatusService)
	a.Logger.Debug().Msg("Status service initialized")

	// Scheduler re-archives configured seeds on cron expressions. Entries are
	// registered regardless of the enabled flag so they can be inspected and
	// triggered manually over the API.
	a.SchedulerService = scheduler.NewService(a.StorageManager.KVStorage(), a.Logger)
	for _, entry := range a.Config.Scheduler.Entries {
		entry := entry
		handler := func() (string, error) {
			job, err := a.JobService.SubmitJob(context.Background(), &interfaces.JobSubmitRequest{
				Name:    entry.Name,
				SeedURL: entry.SeedURL,
			})
			if err != nil {
				return "", err
			}
			return job.ID, nil
		}
		if err := a.SchedulerService.RegisterJob(entry.Name, entry.Schedule, entry.SeedURL, handler); err != nil {
			a.Logger.Warn().Err(err).Str("entry", entry.Name).Msg("Failed to register schedule entry")
		}
	}

	if a.Config.Scheduler.Enabled {
		if err := a.SchedulerService.Start(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to start scheduler service")
		} else {
			a.Logger.Debug().
				Int("entries", len(a.Config.Scheduler.Entries)).
				Msg("Scheduler service started")
		}
	}

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler()

	// EventSubscriber bridges bus events to connected WebSocket clients with
	// whitelist and throttle filtering
	_ = handlers.NewEventSubscriber(a.WSHandler, a.EventService, a.Logger, &a.Config.WebSocket)
	a.Logger.Debug().
		Int("allowed_events", len(a.Config.WebSocket.AllowedEvents)).
		Int("throttle_intervals", len(a.Config.WebSocket.ThrottleIntervals)).
		Msg("EventSubscriber initialized")

	// Stream service logs to UI clients over the same socket
	wsWriter, err := handlers.NewWebSocketWriter(a.WSHandler, arbormodels.WriterConfiguration{
		TimeFormat: "15:04:05",
	}, &a.Config.WebSocket)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to initialize WebSocket log writer")
	} else {
		a.wsLogWriter = wsWriter
	}

	a.JobHandler = handlers.NewJobHandler(a.JobService, a.StorageManager.JobStorage(), a.StorageManager.JobLogStorage(), a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.StatusService, a.Logger)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService, a.Logger)

	return nil
}

// Close closes all application resources
func (a *App) Close() error {
	// Stop the scheduler first so no new jobs are submitted during shutdown
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	// Cancel running engines and wait for terminal state persistence
	if a.JobService != nil {
		if err := a.JobService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close job service")
		}
	}

	if a.wsLogWriter != nil {
		if err := a.wsLogWriter.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close WebSocket log writer")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
