package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"sceneForge/worker/matcher"
	"sceneForge/worker/models"
	"sceneForge/worker/repository"
	"sceneForge/worker/taskerr"
)

// Progress checkpoints of a composition. Clip synthesis fills the range between
// progressMatched and progressClips.
const (
	progressMatched  = 10
	progressClips    = 80
	progressComposed = 85
	progressRendered = 95
)

// runImageBatch synthesizes one image per scene, strictly in order. The first failure
// aborts the batch; images already written stay on disk.
func (d *Dispatcher) runImageBatch(ctx context.Context, task *models.Task, params models.ImageBatchParams) (any, error) {
	if err := os.MkdirAll(params.OutputDir, 0755); err != nil {
		return nil, taskerr.Generation(err, "create output directory")
	}

	total := len(params.Scenes)
	files := make([]string, 0, total)
	for i, scene := range params.Scenes {
		id := scene.SceneID(i)
		name := matcher.SceneName(id) + ".png"

		if err := d.images.Synthesize(ctx, scene.Prompt, filepath.Join(params.OutputDir, name)); err != nil {
			return nil, taskerr.Generation(err, "scene %d", id)
		}
		files = append(files, name)

		d.logger.Debug("Scene image generated",
			zap.String("task_id", task.ID),
			zap.Int("scene_id", id),
			zap.Int("completed", i+1),
			zap.Int("total", total),
		)
		d.progress(ctx, task.ID, float64(i+1)/float64(total)*100)
	}

	return models.ImageBatchResult{
		TotalImages:     total,
		CompletedImages: len(files),
		OutputDirectory: params.OutputDir,
		Files:           files,
	}, nil
}

// runComposition matches artifacts, builds clips, composes the timeline and renders it.
func (d *Dispatcher) runComposition(ctx context.Context, task *models.Task, params models.VideoCompositionParams) (any, error) {
	if err := d.checkDependencies(ctx, params.DependsOn); err != nil {
		return nil, err
	}

	ids := params.ExpectedSceneIDs()
	if ids == nil {
		discovered, err := d.layout.DiscoverSceneIDs()
		if err != nil {
			return nil, err
		}
		ids = discovered
	}

	manifest, err := d.layout.Match(ids)
	if err != nil {
		return nil, err
	}
	d.progress(ctx, task.ID, progressMatched)

	if err := os.MkdirAll(d.workDir, 0755); err != nil {
		return nil, taskerr.Composition(err, "create work directory")
	}
	workDir, err := os.MkdirTemp(d.workDir, task.ID+"-")
	if err != nil {
		return nil, taskerr.Composition(err, "create work directory")
	}
	defer os.RemoveAll(workDir)

	clips, err := d.clips.BuildAll(ctx, manifest, workDir, func(done, total int) {
		span := float64(progressClips - progressMatched)
		d.progress(ctx, task.ID, progressMatched+span*float64(done)/float64(total))
	})
	if err != nil {
		return nil, err
	}

	tl, err := d.timeline.Compose(clips)
	if err != nil {
		return nil, err
	}
	d.progress(ctx, task.ID, progressComposed)

	res, err := d.renderer.Render(ctx, tl, workDir)
	if err != nil {
		return nil, err
	}
	d.progress(ctx, task.ID, progressRendered)

	result := models.VideoCompositionResult{
		OutputPath:      res.OutputPath,
		ClipCount:       res.ClipCount,
		DurationSeconds: res.Duration.Seconds(),
		BackgroundMusic: res.Bed,
		Message:         fmt.Sprintf("video composed from %d clips", res.ClipCount),
	}

	if d.publisher != nil {
		key, err := d.publisher.Publish(ctx, task.ID, res.OutputPath)
		if err != nil {
			return nil, taskerr.Composition(err, "publish render")
		}
		result.ObjectKey = key
	}
	return result, nil
}

// checkDependencies runs once the wait in submit is over. Every dependency must have
// completed; a failed, missing or still running one fails the composition.
func (d *Dispatcher) checkDependencies(ctx context.Context, deps []string) error {
	for _, id := range deps {
		dep, err := d.repo.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrTaskNotFound) {
				return taskerr.Validationf("dependency %s no longer exists", id)
			}
			return err
		}
		if dep.Status != models.StatusCompleted {
			return taskerr.Validationf("dependency %s is %s, not completed", id, dep.Status)
		}
	}
	return nil
}
