package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/extract"
	"github.com/ternarybob/excerpo/internal/fetch"
	"github.com/ternarybob/excerpo/internal/handlers"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/lake"
	"github.com/ternarybob/excerpo/internal/models"
	"github.com/ternarybob/excerpo/internal/queue"
	"github.com/ternarybob/excerpo/internal/services/coordinator"
	"github.com/ternarybob/excerpo/internal/services/events"
	"github.com/ternarybob/excerpo/internal/services/scheduler"
	"github.com/ternarybob/excerpo/internal/services/schemas"
	storagebadger "github.com/ternarybob/excerpo/internal/storage/badger"
	"github.com/ternarybob/excerpo/internal/workers"
	"github.com/timshannon/badgerhold/v4"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	EventService   interfaces.EventService
	Bus            interfaces.Bus

	// Lake writers
	ObjectStore  interfaces.ObjectStore
	BronzeWriter interfaces.BronzeWriter
	TrashWriter  interfaces.TrashWriter

	// Fetchers, one per task mode
	HTTPFetcher    *fetch.HTTPFetcher
	BrowserFetcher *fetch.BrowserFetcher

	// Domain services
	SchemaService    interfaces.SchemaService
	SchemaProvider   interfaces.SchemaProvider
	Coordinator      interfaces.CoordinatorService
	SchedulerService interfaces.SchedulerService

	// Queue consumer pools
	HTTPPool    *workers.Pool
	BrowserPool *workers.Pool
	ResultsPool *workers.Pool

	// HTTP handlers
	APIHandler           *handlers.APIHandler
	SchemaHandler        *handlers.SchemaHandler
	TaskHandler          *handlers.TaskHandler
	StatusHandler        *handlers.StatusHandler
	ScheduledTaskHandler *handlers.ScheduledTaskHandler
	WSHandler            *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initWorkers(); err != nil {
		return nil, fmt.Errorf("failed to initialize workers: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Str("lake_backend", cfg.Lake.Backend).
		Int("http_workers", cfg.Workers.HTTPConcurrency).
		Int("browser_sessions", cfg.Workers.BrowserSessions).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage opens BadgerDB and the message bus on top of it. Tasks, runs,
// schemas and queue messages share one database so a crash cannot leave the
// store and the bus disagreeing about what was published.
func (a *App) initStorage() error {
	manager, err := storagebadger.NewManager(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = manager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	a.EventService = events.NewService(a.Logger)

	store, ok := a.StorageManager.DB().(*badgerhold.Store)
	if !ok {
		return fmt.Errorf("storage manager is not backed by BadgerDB (got %T)", a.StorageManager.DB())
	}

	bus, err := queue.NewBadgerBus(store.Badger(), a.busConfig(), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create message bus: %w", err)
	}
	a.Bus = bus
	a.Logger.Debug().Msg("Message bus initialized")

	return nil
}

func (a *App) busConfig() queue.Config {
	cfg := queue.NewDefaultConfig()
	cfg.VisibilityTimeout = common.Duration(a.Config.Bus.VisibilityTimeout, cfg.VisibilityTimeout)
	cfg.DeadLetterRetention = common.Duration(a.Config.Bus.DLQRetention, cfg.DeadLetterRetention)
	if a.Config.Bus.MaxReceive > 0 {
		cfg.MaxReceive = a.Config.Bus.MaxReceive
	}
	return cfg
}

// initServices initializes the business services in dependency order:
// lake writers and fetchers first, then the schema registry, then the
// coordinator and scheduler that sit on top of everything.
func (a *App) initServices() error {
	store, err := lake.NewObjectStore(a.Config.Lake, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create lake object store: %w", err)
	}
	a.ObjectStore = store
	a.BronzeWriter = lake.NewBronzeWriter(store, a.Logger)
	a.TrashWriter = lake.NewTrashWriter(store, a.Logger)
	a.Logger.Debug().Str("backend", a.Config.Lake.Backend).Msg("Lake writers initialized")

	a.HTTPFetcher = fetch.NewHTTPFetcher(a.Config.Fetch, a.Logger)
	a.BrowserFetcher = fetch.NewBrowserFetcher(a.Config.Browser, a.Config.Fetch, a.Config.Workers.BrowserSessions, a.Logger)

	schemaService := schemas.NewService(a.StorageManager.SchemaStorage(), a.EventService, a.Logger)
	a.SchemaService = schemaService

	if a.Config.Schemas.SeedDir != "" {
		seeded, err := schemaService.SeedFromDir(context.Background(), a.Config.Schemas.SeedDir)
		if err != nil {
			a.Logger.Warn().Err(err).Str("dir", a.Config.Schemas.SeedDir).Msg("Failed to seed schemas from directory")
		} else if seeded > 0 {
			a.Logger.Info().Int("count", seeded).Str("dir", a.Config.Schemas.SeedDir).Msg("Schemas seeded")
		}
	}

	provider := schemas.NewCachingProvider(schemaService, a.Logger).
		WithTTL(common.Duration(a.Config.Schemas.CacheTTL, 0))
	if err := provider.SubscribeInvalidation(a.EventService); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to subscribe schema cache invalidation")
	}
	a.SchemaProvider = provider

	coordCfg := coordinator.NewDefaultConfig()
	coordCfg.TaskTimeout = common.Duration(a.Config.Fetch.TaskTimeout, coordCfg.TaskTimeout)
	coordCfg.AllowTestURLs = a.Config.AllowTestURLs()
	a.Coordinator = coordinator.NewService(a.StorageManager, a.SchemaService, a.Bus, a.EventService, coordCfg, a.Logger)
	a.Logger.Debug().Msg("Coordinator initialized")

	schedCfg := scheduler.NewDefaultConfig()
	schedCfg.DispatchInterval = common.Duration(a.Config.Scheduler.DispatchInterval, schedCfg.DispatchInterval)
	schedCfg.DLQRetention = common.Duration(a.Config.Bus.DLQRetention, schedCfg.DLQRetention)
	if a.Config.Scheduler.DLQPurgeSchedule != "" {
		schedCfg.DLQPurgeSchedule = a.Config.Scheduler.DLQPurgeSchedule
	}
	a.SchedulerService = scheduler.NewService(a.Coordinator, a.StorageManager.ScheduledTaskStorage(), a.Bus, schedCfg, a.Logger)
	a.Logger.Debug().Msg("Scheduler initialized")

	return nil
}

// initWorkers builds the three consumer pools: plain HTTP extraction,
// browser extraction, and result ingestion back into the coordinator
func (a *App) initWorkers() error {
	engine := extract.NewEngine(a.Logger)
	taskTimeout := common.Duration(a.Config.Fetch.TaskTimeout, 0)
	pollInterval := common.Duration(a.Config.Bus.PollInterval, time.Second)

	httpProcessor := workers.NewProcessor(
		a.SchemaProvider,
		a.HTTPFetcher,
		engine,
		a.BronzeWriter,
		a.TrashWriter,
		a.Bus,
		a.EventService,
		workers.ProcessorConfig{TaskTimeout: taskTimeout, Debug: a.Config.Workers.Debug},
		a.Logger,
	)
	httpPoolCfg := workers.NewHTTPPoolConfig(a.Config.Workers)
	httpPoolCfg.PollInterval = pollInterval
	a.HTTPPool = workers.NewPool(a.Bus, models.QueueTasksHTTP, httpPoolCfg, a.Logger)
	a.HTTPPool.RegisterHandler(models.MessageTypeTaskHTTP, httpProcessor.Handle)

	browserProcessor := workers.NewProcessor(
		a.SchemaProvider,
		a.BrowserFetcher,
		engine,
		a.BronzeWriter,
		a.TrashWriter,
		a.Bus,
		a.EventService,
		workers.ProcessorConfig{TaskTimeout: taskTimeout, Debug: a.Config.Workers.Debug},
		a.Logger,
	)
	browserPoolCfg := workers.NewBrowserPoolConfig(a.Config.Workers)
	browserPoolCfg.PollInterval = pollInterval
	a.BrowserPool = workers.NewPool(a.Bus, models.QueueTasksBrowser, browserPoolCfg, a.Logger)
	a.BrowserPool.RegisterHandler(models.MessageTypeTaskBrowser, browserProcessor.Handle)

	ingestor := workers.NewResultIngestor(a.Coordinator, a.Bus, a.Logger)
	resultsPoolCfg := workers.NewResultsPoolConfig()
	resultsPoolCfg.PollInterval = pollInterval
	a.ResultsPool = workers.NewPool(a.Bus, models.QueueResults, resultsPoolCfg, a.Logger)
	a.ResultsPool.RegisterHandler(models.MessageTypeResult, ingestor.Handle)

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler()
	a.SchemaHandler = handlers.NewSchemaHandler(a.SchemaService, a.Logger)
	a.TaskHandler = handlers.NewTaskHandler(a.Coordinator, a.StorageManager.TaskStorage(), a.Bus, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.StorageManager, a.Bus, a.Config.Workers, a.Logger)
	a.ScheduledTaskHandler = handlers.NewScheduledTaskHandler(a.SchedulerService, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Bus, &a.Config.WebSocket, a.Logger)
}

// Start brings up the consumer pools and the scheduler. The results pool
// starts first so result envelopes from earlier runs are ingested before
// new work is produced.
func (a *App) Start() error {
	if err := a.ResultsPool.Start(); err != nil {
		return fmt.Errorf("failed to start results pool: %w", err)
	}
	if err := a.HTTPPool.Start(); err != nil {
		return fmt.Errorf("failed to start http pool: %w", err)
	}
	if err := a.BrowserPool.Start(); err != nil {
		return fmt.Errorf("failed to start browser pool: %w", err)
	}
	a.Logger.Debug().Msg("Worker pools started")

	if a.Config.Scheduler.Enabled {
		if err := a.SchedulerService.Start(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to start scheduler service")
		}
	} else {
		a.Logger.Info().Msg("Scheduler disabled by configuration")
	}

	return nil
}

// Close shuts everything down in reverse dependency order. Producers stop
// before consumers so in-flight work drains; the bus and the store close
// last. Failures are logged and shutdown continues.
func (a *App) Close() error {
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	if a.HTTPPool != nil {
		if err := a.HTTPPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop http pool")
		}
	}
	if a.BrowserPool != nil {
		if err := a.BrowserPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop browser pool")
		}
	}
	if a.ResultsPool != nil {
		if err := a.ResultsPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop results pool")
		}
	}

	if a.WSHandler != nil {
		if err := a.WSHandler.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close websocket handler")
		}
	}

	if a.BrowserFetcher != nil {
		if err := a.BrowserFetcher.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close browser fetcher")
		}
	}
	if a.HTTPFetcher != nil {
		if err := a.HTTPFetcher.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close http fetcher")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close message bus")
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
