package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/checkpoint"
	"github.com/Jmi2020/KITT-sub000/internal/config"
	"github.com/Jmi2020/KITT-sub000/internal/coordinator"
	"github.com/Jmi2020/KITT-sub000/internal/db"
	"github.com/Jmi2020/KITT-sub000/internal/health"
	"github.com/Jmi2020/KITT-sub000/internal/httpapi"
	"github.com/Jmi2020/KITT-sub000/internal/lease"
	"github.com/Jmi2020/KITT-sub000/internal/llm"
	"github.com/Jmi2020/KITT-sub000/internal/planner"
	"github.com/Jmi2020/KITT-sub000/internal/prompts"
	"github.com/Jmi2020/KITT-sub000/internal/quality"
	"github.com/Jmi2020/KITT-sub000/internal/ratecontrol"
	"github.com/Jmi2020/KITT-sub000/internal/session"
	"github.com/Jmi2020/KITT-sub000/internal/streaming"
	"github.com/Jmi2020/KITT-sub000/internal/tools"
	"github.com/Jmi2020/KITT-sub000/internal/tracing"
)

func main() {
	features, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := newLogger(features.Observability.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, features, logger); err != nil {
		logger.Fatal("Research engine stopped with error", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}

func run(ctx context.Context, features *config.Features, logger *zap.Logger) error {
	if err := tracing.Initialize(features.Observability.Tracing, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(sctx)
	}()

	hm := health.NewManager(logger)

	// Checkpoint store
	var store checkpoint.Store
	switch features.Store.Backend {
	case config.StoreSQL:
		dbClient, err := db.NewClient(ctx, features.Store.Database, logger)
		if err != nil {
			return fmt.Errorf("connect checkpoint database: %w", err)
		}
		defer dbClient.Close()
		sqlStore := checkpoint.NewSQLStore(dbClient, logger)
		if err := sqlStore.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate checkpoint store: %w", err)
		}
		store = sqlStore
		_ = hm.Register(health.NewDatabaseChecker(dbClient))
	default:
		logger.Warn("Using in-memory checkpoint store; sessions do not survive restarts")
		store = checkpoint.NewMemoryStore()
	}

	// Leases and event mirroring across workers
	events := streaming.NewManager(features.Worker.EventRetention, logger)
	var leaser lease.Leaser = lease.NewLocalLeaser()
	if features.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     features.Redis.Addr,
			Password: features.Redis.Password,
			DB:       features.Redis.DB,
		})
		defer rdb.Close()
		leaser = lease.NewRedisLeaser(rdb, features.Redis.LeasePrefix, logger)
		events.SetMirror(streaming.NewRedisMirror(rdb, features.Redis.EventPrefix, features.Redis.EventMaxLen, logger))
		_ = hm.Register(health.NewRedisChecker(rdb))
	}

	// Collaborators
	modelsPath := features.Resolve(features.Collaborators.ModelsFile)
	profiles, err := config.LoadProfiles(modelsPath)
	if err != nil {
		return err
	}
	registry, err := coordinator.NewRegistry(profiles, 0)
	if err != nil {
		return err
	}
	if features.Dir != "" {
		cm, err := config.NewConfigManager(features.Dir, logger)
		if err != nil {
			return err
		}
		config.WatchProfiles(cm, features.Collaborators.ModelsFile, registry, logger)
		if err := cm.Start(ctx); err != nil {
			logger.Warn("Model profile hot reload disabled", zap.Error(err))
		}
		defer cm.Stop()
	}

	toolRegistry := tools.NewRegistry()
	if f := features.Collaborators.ToolsFile; f != "" {
		if r, err := tools.LoadRegistry(features.Resolve(f)); err == nil {
			toolRegistry = r
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	cred := quality.DefaultCredibility()
	if f := features.Collaborators.CredibilityFile; f != "" {
		if cred, err = quality.LoadCredibility(features.Resolve(f)); err != nil {
			return err
		}
	}
	library, err := prompts.Default(logger)
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}
	limits := ratecontrol.NewRegistry(features.Collaborators.RateLimits)
	gen := llm.NewClient(features.Collaborators.LLMURL, logger, llm.WithRateLimits(limits))

	deps := session.Deps{
		Store:       store,
		Leaser:      leaser,
		Planner:     planner.NewLLMPlanner(toolRegistry, logger),
		Models:      gen,
		Profiles:    registry,
		Prompts:     library,
		Registry:    toolRegistry,
		Credibility: cred,
		Events:      events,
	}
	if features.Collaborators.ToolsURL != "" {
		deps.Tools = tools.NewHTTPInvoker(features.Collaborators.ToolsURL, nil, limits, logger)
	}
	engine, err := session.New(deps, session.Options{
		WorkerID: features.Worker.ID,
		Defaults: features.Session,
	}, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	_ = hm.Register(health.NewFuncChecker("checkpoint_store", true, 2*time.Second, func(ctx context.Context) error {
		_, err := store.ReadLatest(ctx, "health-check")
		return err
	}))

	// HTTP: sessions and health on the API port, metrics on their own
	mux := http.NewServeMux()
	httpapi.NewHandler(engine, events, features.Server.AuthToken, logger).RegisterRoutes(mux)
	health.NewHTTPHandler(hm, logger).RegisterRoutes(mux)
	apiServer := &http.Server{
		Addr:              features.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("Session API listening", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("session API: %w", err)
		}
	}()

	var metricsServer *http.Server
	if features.Observability.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              ":" + strconv.Itoa(features.MetricsPort(2112)),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Metrics server listening", zap.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		session.NewSweeper(engine, features.Worker.SweepInterval, logger).Run(sweepCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down research engine")
	case runErr = <-errCh:
	}

	stopSweep()
	<-sweepDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), features.Server.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down session API", zap.Error(err))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return runErr
}
