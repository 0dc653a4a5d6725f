package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/mischa23v/caseflow/internal/application/definitions"
	"github.com/mischa23v/caseflow/internal/application/dispatcher"
	"github.com/mischa23v/caseflow/internal/application/engine"
	"github.com/mischa23v/caseflow/internal/application/port"
	"github.com/mischa23v/caseflow/internal/application/query"
	"github.com/mischa23v/caseflow/internal/config"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
	"github.com/mischa23v/caseflow/internal/infrastructure/cache"
	"github.com/mischa23v/caseflow/internal/infrastructure/entity"
	"github.com/mischa23v/caseflow/internal/infrastructure/persistence/repository"
	"github.com/mischa23v/caseflow/internal/infrastructure/persistence/sqlite"
	httpserver "github.com/mischa23v/caseflow/internal/interfaces/http"
	"github.com/mischa23v/caseflow/internal/notification"
	"github.com/mischa23v/caseflow/internal/worker"
	"github.com/mischa23v/caseflow/pkg/utils"
)

func main() {
	// Local overrides from .env, if present
	_ = gotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting workflow orchestration service",
		zap.String("version", "1.0.0"),
		zap.Int("port", cfg.Server.Port))

	// Initialize database
	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Fatal("Failed to create data directory", zap.Error(err))
		}
	}
	db, err := sqlite.Open(sqlite.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Initialize stores
	eventStore := repository.NewEventRepository(db, logger)
	definitionStore := repository.NewDefinitionRepository(db, logger)
	deadlineStore := repository.NewDeadlineRepository(db, logger)

	var projectionStore port.ProjectionStore = repository.NewProjectionRepository(db, logger)
	if cfg.Cache.Enabled {
		redisCache, err := cache.NewRedisProjectionCache(cache.Options{
			Addr:         cfg.Cache.Addr,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			PoolSize:     cfg.Cache.PoolSize,
			MinIdleConns: cfg.Cache.MinIdleConns,
			TTL:          cfg.Cache.TTL,
		}, projectionStore, logger)
		if err != nil {
			logger.Fatal("Failed to connect projection cache", zap.Error(err))
		}
		defer redisCache.Close()
		projectionStore = redisCache
	}

	// Initialize definition registry with built-in workflow families
	resolver := engine.NewApproverResolver()
	registry := engine.NewRegistry(definitionStore, resolver, logger)

	ctx := context.Background()
	if err := definitions.RegisterBuiltins(ctx, registry); err != nil {
		logger.Fatal("Failed to register built-in definitions", zap.Error(err))
	}

	// Initialize event fan-out and notifications
	eventDispatcher := dispatcher.New(logger)
	defer eventDispatcher.Close()
	notification.Register(eventDispatcher, notification.NewLogNotifier(logger))

	// Initialize the deadline scheduler and the engine, then bind them
	scheduler := worker.NewDeadlineScheduler(deadlineStore, logger,
		worker.WithTickInterval(cfg.Scheduler.TickInterval),
		worker.WithRetryBackoff(cfg.Scheduler.RetryInitial, cfg.Scheduler.RetryMaxBackoff),
		worker.WithProjectionBackstop(projectionStore))

	eng := engine.New(
		registry,
		eventStore,
		projectionStore,
		resolver,
		entity.NewRegistry(),
		scheduler,
		eventDispatcher,
		logger,
	)
	scheduler.BindSubmitter(func(ctx context.Context, instanceID string, sig workflow.Signal) error {
		_, err := eng.Submit(ctx, instanceID, sig, engine.SchedulerActor, engine.AnyVersion)
		return err
	})

	// Start background workers
	workers := worker.NewManager(logger)
	workers.Register(scheduler)
	if err := workers.StartAll(ctx); err != nil {
		logger.Fatal("Failed to start workers", zap.Error(err))
	}
	defer workers.StopAll()

	// Initialize query facade and HTTP server
	facade := query.NewFacade(eng, registry, resolver, eventStore, projectionStore, logger)

	server := httpserver.NewServer(httpserver.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, eng, facade, logger)

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(serverCtx)
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("Shutting down...")
		stopServer()
		if err := <-serverErr; err != nil {
			logger.Error("Server forced to shutdown", zap.Error(err))
		}
	case err := <-serverErr:
		logger.Error("HTTP server failed", zap.Error(err))
	}

	logger.Info("Server exited successfully")
}
