// Package app wires together every component into a running process.
// Grounded on the teacher's internal/app/app.go: a single App struct
// holding every long-lived component, a Start/Stop pair with a logged,
// best-effort shutdown sequence, and a Run that blocks on SIGINT/SIGTERM.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dbmplus/dbmorc/internal/config"
	"github.com/dbmplus/dbmorc/internal/eventsink"
	"github.com/dbmplus/dbmorc/internal/httpapi"
	"github.com/dbmplus/dbmorc/internal/ingest"
	"github.com/dbmplus/dbmorc/internal/migration"
	"github.com/dbmplus/dbmorc/internal/pipeline"
	"github.com/dbmplus/dbmorc/internal/scanner"
	"github.com/dbmplus/dbmorc/internal/tracing"
	"github.com/dbmplus/dbmorc/internal/watcher"
	"github.com/dbmplus/dbmorc/pkg/catalog"
	"github.com/dbmplus/dbmorc/pkg/eventbus"
	"github.com/dbmplus/dbmorc/pkg/hotreload"
	"github.com/dbmplus/dbmorc/pkg/pathbuilder"
	"github.com/dbmplus/dbmorc/pkg/ratelimit"
	"github.com/dbmplus/dbmorc/pkg/renderer"
	"github.com/dbmplus/dbmorc/pkg/storagetier"
	"github.com/dbmplus/dbmorc/pkg/taskengine"
	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/sirupsen/logrus"
)

// App owns every long-lived component the process runs.
type App struct {
	cfg    *types.Config
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	catalog   *catalog.Catalog
	bus       *eventbus.Bus
	engine    *taskengine.Engine
	pipeline  *pipeline.Pipeline
	ingest    *ingest.Controller
	watcher   *watcher.Watcher
	migration *migration.Engine
	tier      *storagetier.Mover
	tracer    *tracing.Manager
	httpServer *httpapi.Server
	kafka     *eventsink.KafkaMirror
	limiter   *ratelimit.AdaptiveRateLimiter
	reloader  *hotreload.ConfigReloader
	liveCfg   func() *types.Config
}

// New loads configuration from configFile and constructs every
// component, in dependency order: catalog (C1) first, the task engine
// and pipeline (C6/C7) next, then the ingest controller (C9), file
// watcher (C8), migration engine (C10), and storage tier mover (C11)
// last, per the startup order spec's external-interfaces section lays
// out.
func New(configFile string) (*App, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(parseLevel(cfg.App.LogLevel))
	if cfg.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())

	reloader, err := hotreload.New(hotreload.Config{
		Enabled:          configFile != "",
		WatchInterval:    30 * time.Second,
		DebounceInterval: 2 * time.Second,
	}, configFile, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config reloader: %w", err)
	}
	live := func() *types.Config { return reloader.Current() }

	bus := eventbus.New(logger)
	cat := catalog.New(logger, cfg.Database.CachePath)
	if err := cat.Load(); err != nil {
		logger.WithError(err).Warn("catalog: failed to load persisted cache, starting empty")
	}

	paths := pathbuilder.New(cfg.Database.BasePath, cfg.Structure)
	render := renderer.New()

	engine := taskengine.New(logger, bus, filepath.Join(cfg.App.DataDir, "logs", "performance"))
	pl := pipeline.New(logger, cat, paths, cfg.Stations, render, bus, cfg.Storage.ArchiveBasePath)
	pl.RegisterAll(engine)

	basePath := cfg.Database.BasePath

	ic := ingest.New(logger, bus, cat, engine,
		func() int { return live().TaskEngine.MaxConcurrentTasks },
		func(path string) (string, string, string, string, bool) {
			return scanner.ParseIncomingPath(basePath, path)
		},
	)

	w := watcher.New(logger, bus, func() types.MonitoringConfig { return live().Monitoring })

	mig := migration.New(logger, bus, cat, engine,
		migration.ConfigProvider(func() types.AutoMoveConfig { return live().AutoMove }),
		filepath.Join(cfg.App.DataDir, "migration_state.json"),
	)

	tier := storagetier.New(logger, basePath,
		storagetier.ConfigProvider(func() types.StorageMgmtConfig { return live().Storage }),
		cfg.Storage.ReportPath,
	)

	tracer, err := tracing.New(cfg.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	var limiter *ratelimit.AdaptiveRateLimiter
	if cfg.Server.Enabled {
		limiter = ratelimit.NewAdaptiveRateLimiter(ratelimit.Config{
			Enabled:    true,
			InitialRPS: 20,
			MinRPS:     5,
		}, logger)
	}

	var httpServer *httpapi.Server
	if cfg.Server.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		httpServer = httpapi.New(logger, addr, cat, engine, ic, bus, limiter)
	}

	kafka, err := eventsink.NewKafkaMirror(cfg.Events.Kafka, logger)
	if err != nil {
		logger.WithError(err).Warn("eventsink: kafka mirror disabled due to configuration error")
	}

	return &App{
		cfg: cfg, logger: logger, ctx: ctx, cancel: cancel,
		catalog: cat, bus: bus, engine: engine, pipeline: pl,
		ingest: ic, watcher: w, migration: mig, tier: tier,
		tracer: tracer, httpServer: httpServer, kafka: kafka,
		limiter: limiter, reloader: reloader, liveCfg: live,
	}, nil
}

func parseLevel(s string) logrus.Level {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// Start launches every component's background loop. Order: task engine
// needs nothing started (it's purely reactive to CreateTask), so the
// ingest controller goes first, then the file watcher that feeds it,
// then migration and storage tier management, then the HTTP surface and
// optional Kafka mirror.
func (a *App) Start() error {
	a.logger.Info("starting orchestrator")

	if err := a.reloader.Start(a.ctx); err != nil {
		a.logger.WithError(err).Warn("hotreload: failed to start config watcher")
	}

	a.ingest.Start(a.ctx)
	go a.watcher.Run(a.ctx)
	a.migration.Start(a.ctx)
	go a.tier.Run(a.ctx)

	a.bus.Subscribe("app.basemap_hook", func(ev eventbus.Event) {
		payload, ok := ev.Payload.(eventbus.LogUpdatedPayload)
		if ev.Type != eventbus.LogUpdated || !ok || payload.Status != "completed" {
			return
		}
		key := types.ComponentKey{
			ProductID: payload.ProductID, LotID: payload.LotID, Station: payload.Station, ComponentID: payload.ComponentID,
		}
		a.migration.OnBasemapSuccess(key)

		gate := a.liveCfg().Stations.StationLogic[payload.Station]
		if gate.RunLossmap {
			if _, appErr := a.engine.CreateTask(types.TaskLossmap, key.ProductID, key.LotID, key.Station, key.ComponentID, nil); appErr != nil {
				a.logger.WithError(appErr).Warn("app: failed to create station_logic-triggered lossmap task")
			}
		}
		if gate.RunFPY {
			if _, appErr := a.engine.CreateTask(types.TaskFPY, key.ProductID, key.LotID, key.Station, key.ComponentID, nil); appErr != nil {
				a.logger.WithError(appErr).Warn("app: failed to create station_logic-triggered fpy task")
			}
		}
	})

	if a.httpServer != nil {
		a.httpServer.Start()
	}
	if a.kafka != nil {
		a.kafka.Attach(a.bus)
	}

	a.logger.Info("orchestrator started")
	return nil
}

// Stop performs a best-effort, logged shutdown of every component.
func (a *App) Stop() error {
	a.logger.Info("stopping orchestrator")
	a.cancel()

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("failed to shut down HTTP server")
		}
	}

	a.reloader.Stop()
	a.ingest.Stop()
	a.migration.Stop()

	if a.limiter != nil {
		a.limiter.Stop()
	}

	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.WithError(err).Error("failed to close kafka mirror")
		}
	}

	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("failed to shut down tracer")
		}
	}

	if err := a.catalog.Save(); err != nil {
		a.logger.WithError(err).Error("failed to persist catalog cache")
	}

	a.bus.Close()
	a.logger.Info("orchestrator stopped")
	return nil
}

// Run starts the app and blocks until SIGINT/SIGTERM, then stops it.
func (a *App) Run() error {
	if err := a.Start(); err != nil {
		return err
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	a.logger.Info("shutdown signal received")
	return a.Stop()
}
