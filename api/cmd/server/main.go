package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"sceneForge/api/config"
	"sceneForge/api/handlers"
	"sceneForge/api/middleware"
	"sceneForge/api/service"
	"sceneForge/api/validation"
	workerconfig "sceneForge/worker/config"
	"sceneForge/worker/engine"
	"sceneForge/worker/telemetry"
)

func main() {
	cfg := config.Load()

	logger, _ := zap.NewProduction()
	if !cfg.IsProduction() {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	engineCfg, err := workerconfig.Load()
	if err != nil {
		logger.Fatal("Invalid engine configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, engineCfg.TelemetryStdout)
	if err != nil {
		logger.Fatal("Failed to set up telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	eng, err := engine.New(ctx, engineCfg, logger)
	if err != nil {
		logger.Fatal("Failed to start engine", zap.Error(err))
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("Engine shutdown failed", zap.Error(err))
		}
	}()
	go eng.Dispatcher.RunRetention(ctx, engineCfg.RetentionInterval)

	validator, err := validation.NewValidator()
	if err != nil {
		logger.Fatal("Failed to load request schemas", zap.Error(err))
	}

	mux := http.NewServeMux()
	handlers.NewTaskHandler(service.NewTaskService(eng.Dispatcher), validator, cfg.MaxBodyBytes, logger).Register(mux)

	handler := middleware.Chain(mux,
		middleware.TraceID,
		middleware.Logging(logger),
		middleware.Recovery(logger),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(handler, "sceneforge-api"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Server started", zap.String("address", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
