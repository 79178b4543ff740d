package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Enqueuer submits background work. A task id that is still retained by the
// queue yields asynq.ErrTaskIDConflict.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type clientEnqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &clientEnqueuer{client: client}
}

func (e *clientEnqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	switch {
	case err == nil:
		zap.L().Debug("[Asynq] task enqueued",
			zap.String("task_type", task.Type()),
			zap.String("task_id", info.ID),
			zap.String("queue", info.Queue))
		return info, nil
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		return nil, fmt.Errorf("task %s already queued: %w", task.Type(), err)
	default:
		return nil, fmt.Errorf("failed to enqueue task %s: %w", task.Type(), err)
	}
}
