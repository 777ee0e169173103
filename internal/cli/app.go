package cli

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/cache"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/clock"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/config"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/connectivity"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/db"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/events"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/handlers"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/intercept"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/logging"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/remote"
	syncpkg "github.com/pedroluizchagas/celebra-capital-sub002/internal/sync"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/telemetry"
)

// App is the wired offline core.
type App struct {
	Config *config.Config
	Log    *logging.Logger
	Clock  clock.Clock

	Bus          *events.Bus
	Hub          *events.Hub
	Store        *db.Store
	CacheStorage *cache.SQLiteStorage
	Engine       *cache.Engine
	Sync         *syncpkg.Orchestrator
	Wakeups      *connectivity.WakeupScheduler
	Monitor      *connectivity.Monitor
	Coordinator  *connectivity.Coordinator
	Worker       *intercept.Worker
	Metrics      *telemetry.Registry
}

// NewApp opens the stores and builds every component. Nothing runs until
// Start.
func NewApp(cfg *config.Config, log *logging.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Log:     log,
		Clock:   clock.Real(),
		Metrics: telemetry.NewRegistry(),
	}
	a.Bus = events.NewBus(a.Clock, log)
	a.Hub = events.NewHub(log)

	store, err := db.OpenStore(cfg.DataDir, db.Options{
		MaxRecordsPerCollection: cfg.Store.MaxRecordsPerCollection,
		Clock:                   a.Clock,
		Logger:                  log,
	})
	if err != nil {
		return nil, err
	}
	a.Store = store

	storage, err := cache.OpenSQLiteStorage(cfg.DataDir, a.Clock)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.CacheStorage = storage

	fetcher := &http.Client{Timeout: cfg.API.Timeout}
	a.Engine, err = cache.NewEngine(cache.Options{
		Config:  cfg.Cache,
		Shell:   cfg.Worker.ShellManifest,
		Storage: storage,
		Fetcher: fetcher,
		Clock:   a.Clock,
		Events:  a.Bus,
		Logger:  log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	client, err := remote.New(cfg.API.BaseURL, cfg.API.Timeout, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Sync, err = syncpkg.New(syncpkg.Options{
		Config:            cfg.Sync,
		ProposalsEndpoint: cfg.API.ProposalsEndpoint,
		Store:             store,
		Remote:            client,
		Clock:             a.Clock,
		Events:            a.Bus,
		Logger:            log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Worker, err = intercept.NewWorker(intercept.Options{
		Config:   cfg,
		Engine:   a.Engine,
		Registry: store,
		Sync:     a.Sync,
		Fetcher:  fetcher,
		Clock:    a.Clock,
		Events:   a.Bus,
		Logger:   log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Wakeups = connectivity.NewWakeupScheduler(cfg.Connectivity, a.Clock, log)
	a.Wakeups.SetHandler(a.Worker.HandleSync)

	if cfg.Connectivity.PingURL != "" {
		a.Monitor = connectivity.NewMonitor(cfg.Connectivity, &http.Client{}, a.Clock, log)
	}
	a.Coordinator = connectivity.NewCoordinator(connectivity.Options{
		Config:   cfg.Connectivity,
		Features: cfg.Features,
		Drainer:  a.Sync,
		Wakeups:  a.Wakeups,
		Monitor:  a.Monitor,
		Clock:    a.Clock,
		Events:   a.Bus,
		Logger:   log,
	})
	a.Bus.SetOnlineSource(a.Coordinator.IsOnline)

	return a, nil
}

// Handler returns the HTTP surface: control API and interception proxy.
func (a *App) Handler() http.Handler {
	return handlers.NewRouter(handlers.HandlerConfig{
		Sync:        a.Sync,
		Coordinator: a.Coordinator,
		Wakeups:     a.Wakeups,
		Worker:      a.Worker,
		Engine:      a.Engine,
		Hub:         a.Hub,
		Metrics:     a.Metrics,
		Logger:      a.Log,
	})
}

// Start runs the event hub and the coordinator, then installs and
// activates the worker. A failed install leaves the proxy passing
// requests straight to the network.
func (a *App) Start(ctx context.Context) {
	go a.Hub.Run(ctx)
	a.Hub.Attach(ctx, a.Bus)
	a.countEvents(ctx)

	if err := a.Worker.Install(ctx); err != nil {
		a.Log.Error("worker install failed, serving without cache", err)
	} else if err := a.Worker.Activate(ctx); err != nil {
		a.Log.Error("worker activation failed", err)
	}

	a.Coordinator.Start(ctx)
}

// countEvents tallies every bus event in the metrics registry.
func (a *App) countEvents(ctx context.Context) {
	ch, cancel := a.Bus.Subscribe(256)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				a.Metrics.RecordCount("events", 1, map[string]string{"name": event.Name})
			}
		}
	}()
}

// Close stops the coordinator and closes the stores.
func (a *App) Close() error {
	if a.Coordinator != nil {
		a.Coordinator.Stop()
		a.Coordinator.Wait()
	}
	var errs []error
	if a.CacheStorage != nil {
		errs = append(errs, a.CacheStorage.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return stderrors.Join(errs...)
}
