package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/model-scoring-service/internal/circuitbreaker"
	"github.com/kjstillabower/model-scoring-service/internal/config"
	"github.com/kjstillabower/model-scoring-service/internal/db"
	"github.com/kjstillabower/model-scoring-service/internal/degraded"
	"github.com/kjstillabower/model-scoring-service/internal/evaluator"
	httphandler "github.com/kjstillabower/model-scoring-service/internal/http"
	"github.com/kjstillabower/model-scoring-service/internal/lifecycle"
	"github.com/kjstillabower/model-scoring-service/internal/modelstore"
	"github.com/kjstillabower/model-scoring-service/internal/observability"
	"github.com/kjstillabower/model-scoring-service/internal/predictor"
	"github.com/kjstillabower/model-scoring-service/internal/service"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	gdb, err := db.Connect(db.Config{
		Host:         cfg.DBHost,
		Port:         cfg.DBPort,
		Username:     cfg.DBUser,
		Password:     cfg.DBPassword,
		Database:     cfg.DBName,
		SSLMode:      cfg.DBSSLMode,
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	if err := db.AutoMigrate(gdb); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}
	repo := db.NewRepository(gdb)

	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        "database",
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition("database", from.String(), to.String())
				observability.SetCircuitBreakerStateGauge("database", observability.CircuitBreakerStateValue(int(to)))
			},
		})
		repo.SetCircuitBreaker(cb)
		observability.SetCircuitBreakerStateGauge("database", 0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	var engine modelstore.Engine
	switch cfg.ModelStorageBackend {
	case "filesystem":
		fsEngine, err := modelstore.NewFilesystemEngine(cfg.ModelStoragePath)
		if err != nil {
			logger.Fatal("model storage", zap.Error(err))
		}
		engine = fsEngine
		logger.Info("model storage: filesystem", zap.String("path", cfg.ModelStoragePath))
	default:
		engine = modelstore.NewInMemoryEngine()
		logger.Info("model storage: in_memory")
	}

	var memcacheCloser *modelstore.MemcachedEngine
	if cfg.ModelCacheBackend == "memcached" {
		mc, err := modelstore.NewMemcachedEngine(engine, cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.ModelCacheTTL)
		if err != nil {
			logger.Fatal("memcached model cache", zap.Error(err))
		}
		memcacheCloser = mc
		engine = mc
		logger.Info("model cache: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	}

	pred := predictor.New(engine, repo, cfg.ReplacePredictions, logger)
	eval, err := evaluator.New(evaluator.Config{
		TestMetricGroups:  cfg.TestMetricGroups,
		TrainMetricGroups: cfg.TrainMetricGroups,
		Repository:        repo,
		SortSeed:          cfg.SortSeed,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal("evaluator", zap.Error(err))
	}
	logger.Info("evaluator ready", zap.Int64("sort_seed", eval.SortSeed()))
	scoringService := service.NewScoringService(pred, eval, cfg.CoalesceEnabled, cfg.CoalesceTimeout)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		RateLimitBurst:         cfg.RateLimitBurst,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
		DegradedRetryInitial:   cfg.DegradedRetryInitial,
		DegradedRetryMax:       cfg.DegradedRetryMax,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		StartTime:              time.Now(),
		DBPing:                 func() error { return db.Ping(gdb) },
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Recovery validation checks the same dependencies the health endpoint
	// does. The health handler fires NotifyDegraded when it reports degraded.
	validate := func(context.Context) error {
		if err := db.Ping(gdb); err != nil {
			return err
		}
		if memcacheCloser != nil {
			return memcacheCloser.Ping()
		}
		return nil
	}
	degraded.StartRecoveryListener(ctx, validate, cfg.DegradedRetryInitial, cfg.DegradedRetryMax, func() {
		logger.Error("recovery schedule exhausted; service stays degraded until dependencies return")
	})

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(scoringService, engine, healthConfig, logger, limiter, cfg.ModelIDMinLength, cfg.ModelIDMaxLength)

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	if len(cfg.TrackedModels) > 0 {
		observability.SetTrackedModels(cfg.TrackedModels)
	}

	if cfg.WarmModels && len(cfg.TrackedModels) > 0 {
		warmer := modelstore.NewWarmer(engine, logger)
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := warmer.Warm(warmCtx, cfg.TrackedModels); err != nil {
			logger.Warn("model warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(context.Background(), cfg.TrackedModels, cfg.WarmInterval); err != nil && err != context.Canceled {
					logger.Error("periodic model warming stopped", zap.Error(err))
				}
			}()
		}
	}

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	modelRouter := router.PathPrefix("/models").Subrouter()
	modelRouter.Use(httphandler.RateLimitMiddleware(limiter))
	modelRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	modelRouter.HandleFunc("/{modelID}", handler.PutModel).Methods("PUT")
	modelRouter.HandleFunc("/{modelID}", handler.DeleteModel).Methods("DELETE")
	modelRouter.HandleFunc("/{modelID}/predictions", handler.PostPredictions).Methods("POST")
	modelRouter.HandleFunc("/{modelID}/evaluations", handler.PostEvaluations).Methods("POST")

	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
		router.HandleFunc("/test", handler.GetTestStatus).Methods("GET")
		router.HandleFunc("/test/{action}", handler.PostTestAction).Methods("POST")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info("shutdown complete")
}
