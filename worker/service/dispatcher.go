package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"sceneForge/worker/clip"
	"sceneForge/worker/comfyui"
	"sceneForge/worker/matcher"
	"sceneForge/worker/models"
	"sceneForge/worker/pool"
	"sceneForge/worker/render"
	"sceneForge/worker/repository"
	"sceneForge/worker/storage"
	"sceneForge/worker/taskerr"
	"sceneForge/worker/telemetry"
	"sceneForge/worker/timeline"
)

const (
	DefaultMaxWorkers        = 4
	DefaultRetention         = 24 * time.Hour
	DefaultDependencyTimeout = time.Hour

	dependencyPoll       = 500 * time.Millisecond
	terminalWriteTimeout = 10 * time.Second
)

// Observer is told about every task snapshot right after the store accepted a mutation.
// Its errors are logged and never change the task.
type Observer interface {
	TaskChanged(ctx context.Context, t *models.Task) error
}

type Deps struct {
	Repo   repository.Repository
	Images comfyui.ImageSynthesizer

	Layout    matcher.Layout
	Clips     *clip.Synthesizer
	Timeline  *timeline.Composer
	Renderer  *render.Materializer
	Publisher storage.Publisher // optional

	Observers []Observer
	Metrics   *telemetry.Metrics // optional

	MaxWorkers        int
	WorkDir           string
	Retention         time.Duration
	DependencyTimeout time.Duration
}

type Dispatcher struct {
	repo      repository.Repository
	pool      *pool.WorkerPool
	images    comfyui.ImageSynthesizer
	layout    matcher.Layout
	clips     *clip.Synthesizer
	timeline  *timeline.Composer
	renderer  *render.Materializer
	publisher storage.Publisher
	observers []Observer
	metrics   *telemetry.Metrics
	workDir   string
	retention time.Duration
	logger    *zap.Logger

	// Compositions waiting on dependencies hold no pool slot.
	baseCtx           context.Context
	deferred          sync.WaitGroup
	dependencyPoll    time.Duration
	dependencyTimeout time.Duration

	now   func() time.Time
	newID func(kind models.TaskKind) string
}

// NewDispatcher starts a pool whose jobs run on ctx. Cancelling ctx stops jobs that
// have not started yet; running jobs see the cancellation through their context.
func NewDispatcher(ctx context.Context, deps Deps, logger *zap.Logger) *Dispatcher {
	if deps.MaxWorkers < 1 {
		deps.MaxWorkers = DefaultMaxWorkers
	}
	if deps.Retention <= 0 {
		deps.Retention = DefaultRetention
	}
	if deps.DependencyTimeout <= 0 {
		deps.DependencyTimeout = DefaultDependencyTimeout
	}

	d := &Dispatcher{
		repo:      deps.Repo,
		images:    deps.Images,
		layout:    deps.Layout,
		clips:     deps.Clips,
		timeline:  deps.Timeline,
		renderer:  deps.Renderer,
		publisher: deps.Publisher,
		observers: deps.Observers,
		metrics:   deps.Metrics,
		workDir:   deps.WorkDir,
		retention: deps.Retention,
		logger:    logger,
		now:       time.Now,
		newID:     newTaskID,

		baseCtx:           ctx,
		dependencyPoll:    dependencyPoll,
		dependencyTimeout: deps.DependencyTimeout,
	}
	d.pool = pool.NewWorkerPool(ctx, deps.MaxWorkers, func(err error) {
		logger.Error("Job did not run to completion", zap.Error(err))
	})
	logger.Debug("Dispatcher ready", zap.Int("workers", d.pool.Capacity()), zap.Duration("retention", d.retention))
	return d
}

// newTaskID returns <prefix>_<uuidv7>. UUIDv7 is time ordered and unique under
// rapid repeated submission.
func newTaskID(kind models.TaskKind) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return kind.Prefix() + "_" + id.String()
}

// SubmitImageBatch validates scenes, records a pending task and queues it.
// It never waits for a free worker.
func (d *Dispatcher) SubmitImageBatch(ctx context.Context, scenes []models.SceneDescriptor) (string, error) {
	if err := validateScenes(scenes); err != nil {
		return "", err
	}

	params := models.ImageBatchParams{
		Scenes:      append([]models.SceneDescriptor(nil), scenes...),
		TotalScenes: len(scenes),
		OutputDir:   d.layout.ImagesDir,
	}
	return d.submit(ctx, models.KindImageBatch, params, nil, func(ctx context.Context, task *models.Task) (any, error) {
		return d.runImageBatch(ctx, task, params)
	})
}

// SubmitVideoComposition validates the expectation and records a pending task. A
// composition with dependencies stays pending until each of them has finished or
// the dependency timeout passes; only then is it queued.
func (d *Dispatcher) SubmitVideoComposition(ctx context.Context, params models.VideoCompositionParams) (string, error) {
	if err := d.validateComposition(ctx, params); err != nil {
		return "", err
	}

	params.OutputPath = d.renderer.OutputPath()
	return d.submit(ctx, models.KindVideoComposition, params, params.DependsOn, func(ctx context.Context, task *models.Task) (any, error) {
		return d.runComposition(ctx, task, params)
	})
}

type runFunc func(ctx context.Context, task *models.Task) (any, error)

func (d *Dispatcher) submit(ctx context.Context, kind models.TaskKind, params any, deps []string, run runFunc) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}

	task := &models.Task{
		ID:        d.newID(kind),
		Kind:      kind,
		Status:    models.StatusPending,
		Params:    raw,
		CreatedAt: d.now().UTC(),
	}
	if err := d.repo.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	d.notify(ctx, task)

	d.logger.Info("Task submitted",
		zap.String("task_id", task.ID),
		zap.String("kind", string(kind)),
	)

	job := func(ctx context.Context) error {
		return d.execute(ctx, task.ID, run)
	}
	if len(deps) == 0 {
		d.pool.Submit(job)
		return task.ID, nil
	}

	d.deferred.Add(1)
	go func() {
		defer d.deferred.Done()
		if err := d.waitForDependencies(d.baseCtx, deps); err != nil {
			d.logger.Warn("Stopped waiting for dependencies",
				zap.String("task_id", task.ID),
				zap.Strings("depends_on", deps),
				zap.Error(err),
			)
		}
		d.pool.Submit(job)
	}()
	return task.ID, nil
}

// waitForDependencies polls until no dependency is pending or running. A dependency
// that vanished counts as finished; the job itself decides whether that is fatal.
func (d *Dispatcher) waitForDependencies(ctx context.Context, deps []string) error {
	ctx, cancel := context.WithTimeout(ctx, d.dependencyTimeout)
	defer cancel()

	ticker := time.NewTicker(d.dependencyPoll)
	defer ticker.Stop()

	for {
		settled, err := d.dependenciesSettled(ctx, deps)
		if err != nil || settled {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) dependenciesSettled(ctx context.Context, deps []string) (bool, error) {
	for _, id := range deps {
		dep, err := d.repo.GetTask(ctx, id)
		if errors.Is(err, repository.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if !dep.Status.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}

func (d *Dispatcher) execute(ctx context.Context, id string, run runFunc) error {
	task, err := d.repo.MarkRunning(ctx, id, d.now().UTC())
	if err != nil {
		return fmt.Errorf("start task %s: %w", id, err)
	}
	d.notify(ctx, task)

	logger := d.logger.With(zap.String("task_id", id), zap.String("kind", string(task.Kind)))
	logger.Info("Task started")

	runCtx := ctx
	endSpan := func(error) {}
	if d.metrics != nil {
		var span trace.Span
		runCtx, span = d.metrics.StartRun(ctx, task)
		endSpan = func(err error) { telemetry.EndRun(span, err) }
	}

	var raw json.RawMessage
	result, runErr := safeRun(runCtx, task, run)
	if runErr == nil {
		if raw, runErr = json.Marshal(result); runErr != nil {
			runErr = fmt.Errorf("encode result: %w", runErr)
		}
	}
	endSpan(runErr)

	// The outcome is recorded even when ctx was cancelled mid-run.
	final, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	if runErr != nil {
		failed, err := d.repo.MarkFailed(final, id, runErr.Error(), d.now().UTC())
		if err != nil {
			return errors.Join(runErr, fmt.Errorf("mark task %s failed: %w", id, err))
		}
		d.notify(final, failed)
		logger.Error("Task failed", zap.Error(runErr))
		return nil
	}

	completed, err := d.repo.MarkCompleted(final, id, raw, d.now().UTC())
	if err != nil {
		return fmt.Errorf("mark task %s completed: %w", id, err)
	}
	d.notify(final, completed)
	logger.Info("Task completed")
	return nil
}

func safeRun(ctx context.Context, task *models.Task, run runFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return run(ctx, task.Clone())
}

func (d *Dispatcher) progress(ctx context.Context, id string, p float64) {
	task, err := d.repo.UpdateProgress(ctx, id, p)
	if err != nil {
		d.logger.Warn("Failed to update progress",
			zap.String("task_id", id),
			zap.Float64("progress", p),
			zap.Error(err),
		)
		return
	}
	d.notify(ctx, task)
}

func (d *Dispatcher) notify(ctx context.Context, task *models.Task) {
	for _, o := range d.observers {
		if err := o.TaskChanged(ctx, task.Clone()); err != nil {
			d.logger.Warn("Task observer failed",
				zap.String("task_id", task.ID),
				zap.String("status", string(task.Status)),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return d.repo.GetTask(ctx, id)
}

func (d *Dispatcher) ListTasks(ctx context.Context) ([]*models.Task, error) {
	return d.repo.ListTasks(ctx)
}

// Sweep removes terminal tasks that finished more than the retention window before now.
func (d *Dispatcher) Sweep(ctx context.Context, now time.Time) (int, error) {
	return d.repo.DeleteTerminalBefore(ctx, now.Add(-d.retention))
}

// RunRetention sweeps every interval until ctx is done.
func (d *Dispatcher) RunRetention(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := d.Sweep(ctx, now)
			if err != nil {
				d.logger.Error("Retention sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				d.logger.Info("Retention sweep removed tasks", zap.Int("removed", n))
			}
		}
	}
}

// Wait blocks until every submitted job has returned, including compositions still
// waiting on their dependencies.
func (d *Dispatcher) Wait() {
	d.deferred.Wait()
	d.pool.Wait()
}

func validateScenes(scenes []models.SceneDescriptor) error {
	if len(scenes) == 0 {
		return taskerr.Validationf("at least one scene is required")
	}
	if len(scenes) > models.MaxScenes {
		return taskerr.Validationf("%d scenes exceed the limit of %d", len(scenes), models.MaxScenes)
	}

	seen := make(map[int]int, len(scenes))
	var problems []string
	for i, s := range scenes {
		id := s.SceneID(i)
		if id < 0 {
			problems = append(problems, fmt.Sprintf("scenes[%d]: id %d is negative", i, id))
		}
		if strings.TrimSpace(s.Prompt) == "" {
			problems = append(problems, fmt.Sprintf("scenes[%d]: prompt is required", i))
		}
		if prev, ok := seen[id]; ok {
			problems = append(problems, fmt.Sprintf("scenes[%d]: id %d already used by scenes[%d]", i, id, prev))
		}
		seen[id] = i
	}
	if len(problems) > 0 {
		return taskerr.Validationf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func (d *Dispatcher) validateComposition(ctx context.Context, p models.VideoCompositionParams) error {
	if len(p.SceneIDs) > 0 && p.SceneCount != nil {
		return taskerr.Validationf("scene_ids and scene_count are mutually exclusive")
	}
	if p.SceneCount != nil && (*p.SceneCount < 1 || *p.SceneCount > models.MaxScenes) {
		return taskerr.Validationf("scene_count must be between 1 and %d", models.MaxScenes)
	}
	if len(p.SceneIDs) > models.MaxScenes {
		return taskerr.Validationf("%d scene ids exceed the limit of %d", len(p.SceneIDs), models.MaxScenes)
	}

	seen := make(map[int]bool, len(p.SceneIDs))
	for _, id := range p.SceneIDs {
		if id < 0 {
			return taskerr.Validationf("scene id %d is negative", id)
		}
		if seen[id] {
			return taskerr.Validationf("scene id %d is duplicated", id)
		}
		seen[id] = true
	}

	for _, dep := range p.DependsOn {
		if _, err := d.repo.GetTask(ctx, dep); err != nil {
			if errors.Is(err, repository.ErrTaskNotFound) {
				return taskerr.Validationf("unknown dependency %s", dep)
			}
			return err
		}
	}
	return nil
}
