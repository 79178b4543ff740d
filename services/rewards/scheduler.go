package rewards

import (
	"context"
	"time"

	"smallbiznis-rewards/pkg/config"
	"smallbiznis-rewards/pkg/task"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const reconcileBatchSize = 500

type Scheduler struct {
	store Store
	queue task.Enqueuer
	hour  int
	now   func() time.Time
}

func NewScheduler(svc *Service, queue task.Enqueuer, cfg *config.Config) *Scheduler {
	return &Scheduler{
		store: svc.store,
		queue: queue,
		hour:  cfg.Rewards.ReconcileHour,
		now:   time.Now,
	}
}

// StartScheduler runs the daily reconcile enqueue loop for the life of the app.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started ledger reconcile scheduler", zap.Int("hour", s.hour))

	for {
		now := s.now()
		next := nextRunTime(now, s.hour, 0)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)

		timer := time.NewTimer(sleepDuration)
		select {
		case <-timer.C:
			s.runDaily(ctx)
		case <-ctx.Done():
			timer.Stop()
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context) {
	start := s.now()
	zap.L().Info("[Scheduler] Running daily reconcile enqueue job")

	n, err := s.EnqueueReconcileAll(ctx)
	if err != nil {
		zap.L().Error("[Scheduler] failed enqueue reconcile", zap.Int("enqueued", n), zap.Error(err))
		return
	}

	zap.L().Info("[Scheduler] Finished enqueue reconcile",
		zap.Int("enqueued", n),
		zap.Duration("duration", time.Since(start)),
	)
}

// EnqueueReconcileAll queues one repairing reconcile per stored ledger. Task
// ids are per user per day, so a rerun on the same day queues nothing new.
func (s *Scheduler) EnqueueReconcileAll(ctx context.Context) (int, error) {
	day := s.now()
	after := ""
	count := 0

	for {
		ids, err := s.store.ListUserIDs(ctx, after, reconcileBatchSize)
		if err != nil {
			return count, err
		}

		for _, id := range ids {
			t, opts, err := NewReconcileTask(ReconcilePayload{UserID: id, Repair: true}, day)
			if err != nil {
				return count, err
			}
			if err := enqueue(ctx, s.queue, t, opts); err != nil {
				return count, err
			}
			count++
		}

		if len(ids) < reconcileBatchSize {
			return count, nil
		}
		after = ids[len(ids)-1]
	}
}

// nextRunTime returns the next occurrence of hour:minute at or after now.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
