package service

import (
	"context"

	"go.uber.org/zap"

	"sceneForge/worker/kafka"
	"sceneForge/worker/models"
	"sceneForge/worker/taskerr"
)

// HandleSubmission starts the task described by a submission message.
func (d *Dispatcher) HandleSubmission(ctx context.Context, msg *kafka.SubmissionMessage) error {
	var (
		id  string
		err error
	)
	switch msg.Kind {
	case models.KindImageBatch:
		id, err = d.SubmitImageBatch(ctx, msg.Scenes)
	case models.KindVideoComposition:
		var params models.VideoCompositionParams
		if msg.Video != nil {
			params = *msg.Video
		}
		id, err = d.SubmitVideoComposition(ctx, params)
	default:
		return taskerr.Validationf("unknown task kind %q", msg.Kind)
	}
	if err != nil {
		return err
	}

	d.logger.Info("Submission accepted",
		zap.String("task_id", id),
		zap.String("trace_id", msg.TraceID),
	)
	return nil
}
