package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sceneForge/worker/config"
	"sceneForge/worker/engine"
	"sceneForge/worker/kafka"
	"sceneForge/worker/telemetry"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Worker Service starting...")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.TelemetryStdout)
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

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to start engine", zap.Error(err))
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("Engine shutdown failed", zap.Error(err))
		}
	}()

	go eng.Dispatcher.RunRetention(ctx, cfg.RetentionInterval)

	if len(cfg.Kafka.Brokers) == 0 {
		logger.Warn("KAFKA_BROKERS not set, no submissions will be consumed")
		<-ctx.Done()
		logger.Info("Worker Service stopping")
		return
	}

	consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, logger)
	if err != nil {
		logger.Fatal("Failed to create consumer", zap.Error(err))
	}
	defer consumer.Close()

	logger.Info("Consuming submissions",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.SubmissionsTopic),
		zap.String("group_id", cfg.Kafka.GroupID),
	)
	if err := consumer.Consume(ctx, cfg.Kafka.SubmissionsTopic, eng.Dispatcher.HandleSubmission); err != nil {
		logger.Error("Consumer stopped", zap.Error(err))
	}
	logger.Info("Worker Service stopping")
}
