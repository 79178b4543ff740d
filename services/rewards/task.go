package rewards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"smallbiznis-rewards/pkg/errutil"
	"smallbiznis-rewards/pkg/task"
	"smallbiznis-rewards/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type ReferralAwardPayload struct {
	ReferrerID string `json:"referrer_id"`
	RefereeID  string `json:"referee_id"`
}

type ReconcilePayload struct {
	UserID string `json:"user_id"`
	Repair bool   `json:"repair"`
}

func NewReferralAwardTask(p ReferralAwardPayload) (*asynq.Task, []asynq.Option, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	return asynq.NewTask(taskname.RewardsReferralAward, body), []asynq.Option{
		asynq.TaskID("referral:" + p.RefereeID),
		asynq.Queue(taskname.QueueCritical),
		asynq.MaxRetry(10),
	}, nil
}

func NewReconcileTask(p ReconcilePayload, day time.Time) (*asynq.Task, []asynq.Option, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	return asynq.NewTask(taskname.RewardsReconcile, body), []asynq.Option{
		asynq.TaskID(fmt.Sprintf("reconcile:%s:%s", p.UserID, day.UTC().Format("20060102"))),
		asynq.Queue(taskname.QueueLow),
		asynq.MaxRetry(3),
		asynq.Retention(24 * time.Hour),
	}, nil
}

// enqueue submits a task; a task id that is already queued counts as done.
func enqueue(ctx context.Context, q task.Enqueuer, t *asynq.Task, opts []asynq.Option) error {
	_, err := q.Enqueue(ctx, t, opts...)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}
	return nil
}

// TaskHandler runs ledger work queued through asynq.
type TaskHandler struct {
	svc *Service
}

func NewTaskHandler(svc *Service) *TaskHandler {
	return &TaskHandler{svc: svc}
}

func (h *TaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(taskname.RewardsReferralAward, h.HandleReferralAward)
	mux.HandleFunc(taskname.RewardsReconcile, h.HandleReconcile)
}

// retryable reports whether a failed task should be retried. Client errors
// will fail the same way again.
func retryable(err error) error {
	be, ok := errutil.As(err)
	if !ok {
		return err
	}
	switch be.Status() {
	case errutil.StatusServiceUnavailable, errutil.StatusTimeout, errutil.StatusConflict, errutil.StatusInternal:
		return err
	}
	return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
}

func (h *TaskHandler) HandleReferralAward(ctx context.Context, t *asynq.Task) error {
	var p ReferralAwardPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("%w: decode payload: %v", asynq.SkipRetry, err)
	}

	res, err := h.svc.AwardReferral(ctx, p.ReferrerID, p.RefereeID)
	if err != nil {
		zap.L().Error("[Task] referral award failed",
			zap.String("referrer_id", p.ReferrerID),
			zap.String("referee_id", p.RefereeID),
			zap.Error(err))
		return retryable(err)
	}

	zap.L().Info("[Task] referral awarded",
		zap.String("referrer_id", p.ReferrerID),
		zap.String("referee_id", p.RefereeID),
		zap.Bool("replayed", res.Replayed))
	return nil
}

func (h *TaskHandler) HandleReconcile(ctx context.Context, t *asynq.Task) error {
	var p ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("%w: decode payload: %v", asynq.SkipRetry, err)
	}

	rec, err := h.svc.Reconcile(ctx, p.UserID, p.Repair)
	if err != nil {
		return retryable(err)
	}
	if !rec.Consistent {
		zap.L().Warn("[Task] reconcile found drift",
			zap.String("user_id", p.UserID),
			zap.Bool("repaired", rec.Repaired))
	}
	return nil
}
