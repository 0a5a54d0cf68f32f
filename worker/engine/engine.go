// Package engine assembles a Dispatcher and its collaborators from configuration.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sceneForge/worker/cache"
	"sceneForge/worker/clip"
	"sceneForge/worker/comfyui"
	"sceneForge/worker/config"
	"sceneForge/worker/converter"
	"sceneForge/worker/database"
	"sceneForge/worker/ffmpeg"
	"sceneForge/worker/kafka"
	"sceneForge/worker/matcher"
	"sceneForge/worker/render"
	"sceneForge/worker/repository"
	"sceneForge/worker/service"
	"sceneForge/worker/storage"
	"sceneForge/worker/telemetry"
	"sceneForge/worker/timeline"
)

type Engine struct {
	Dispatcher *service.Dispatcher
	Tool       *ffmpeg.Tool

	closers []func() error
	logger  *zap.Logger
}

// New builds the engine. Jobs run on ctx, so cancelling it is the shutdown signal for
// work in flight. Call Close once ctx is done.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Engine, err error) {
	e := &Engine{logger: logger}
	defer func() {
		if err != nil {
			e.closeAll()
		}
	}()

	repo, err := e.repository(ctx, cfg)
	if err != nil {
		return nil, err
	}

	observers, metrics, err := e.observers(cfg)
	if err != nil {
		return nil, err
	}

	images, err := imageBackend(cfg.ImageBackend, logger)
	if err != nil {
		return nil, err
	}

	var publisher storage.Publisher
	if cfg.S3.Bucket != "" {
		p, err := storage.NewS3Publisher(ctx, storage.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Prefix:          cfg.S3.Prefix,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("s3 publisher: %w", err)
		}
		publisher = p
	}

	e.Tool = ffmpeg.NewTool(ffmpeg.NewExecRunner(logger), cfg.FFmpegPath, cfg.FFprobePath)
	if !e.Tool.Available() {
		logger.Warn("ffmpeg not found, video compositions will fail",
			zap.String("ffmpeg", cfg.FFmpegPath),
			zap.String("ffprobe", cfg.FFprobePath),
		)
	}

	clips := clip.NewSynthesizer(e.Tool, converter.NewConverter(logger, cfg.MaxImageWidth), clip.Options{
		FadeDuration: cfg.FadeDuration,
		FontName:     cfg.CaptionFont,
		FontsDir:     cfg.FontsDir,
		Concurrency:  cfg.ClipConcurrency,
	}, logger)

	e.Dispatcher = service.NewDispatcher(ctx, service.Deps{
		Repo:              repo,
		Images:            images,
		Layout:            matcher.NewLayout(cfg.AudioDir, cfg.ImagesDir, cfg.SubtitlesDir),
		Clips:             clips,
		Timeline:          timeline.NewComposer(cfg.BGMDir, nil, logger),
		Renderer:          render.NewMaterializer(e.Tool, cfg.OutputPath, logger),
		Publisher:         publisher,
		Observers:         observers,
		Metrics:           metrics,
		MaxWorkers:        cfg.MaxWorkers,
		WorkDir:           cfg.WorkDir,
		Retention:         cfg.RetentionWindow,
		DependencyTimeout: cfg.DependencyTimeout,
	}, logger)

	logger.Info("Engine ready",
		zap.String("store", cfg.Store),
		zap.String("image_backend", cfg.ImageBackend.Backend),
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.Int("observers", len(observers)),
		zap.Bool("publishing", publisher != nil),
	)
	return e, nil
}

func (e *Engine) repository(ctx context.Context, cfg *config.Config) (repository.Repository, error) {
	if cfg.Store != config.StorePostgres {
		return repository.NewMemoryRepo(), nil
	}

	pool, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func() error { pool.Close(); return nil })

	repo := repository.NewPostgresRepo(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, nil
}

func (e *Engine) observers(cfg *config.Config) ([]service.Observer, *telemetry.Metrics, error) {
	metrics, err := telemetry.NewMetrics(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: %w", err)
	}
	observers := []service.Observer{metrics}

	if cfg.RedisAddr != "" {
		client, err := database.ConnectRedis(cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		e.closers = append(e.closers, client.Close)
		observers = append(observers, cache.NewStatusCache(client, cfg.RetentionWindow))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		events, err := kafka.NewEventPublisher(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka events: %w", err)
		}
		e.closers = append(e.closers, events.Close)
		observers = append(observers, events)
	}
	return observers, metrics, nil
}

func imageBackend(cfg config.ImageConfig, logger *zap.Logger) (comfyui.ImageSynthesizer, error) {
	if cfg.Backend != config.ImageComfyUI {
		return comfyui.NewPlaceholder(cfg.Width, cfg.Height), nil
	}

	workflow, err := comfyui.LoadWorkflow(cfg.Workflow)
	if err != nil {
		return nil, err
	}
	client, err := comfyui.NewClient(comfyui.Config{
		Address:    cfg.ComfyUIAddr,
		Workflow:   workflow,
		PromptNode: cfg.PromptNode,
		OutputNode: cfg.OutputNode,
		Timeout:    cfg.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("comfyui client: %w", err)
	}
	return client, nil
}

// Close waits for every submitted job, then releases connections in reverse order.
func (e *Engine) Close() error {
	if e.Dispatcher != nil {
		e.Dispatcher.Wait()
	}
	return e.closeAll()
}

func (e *Engine) closeAll() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	e.closers = nil
	return errors.Join(errs...)
}
