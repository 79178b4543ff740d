package rewards

import (
	"context"

	"smallbiznis-rewards/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

var Module = fx.Module("rewards.service",
	fx.Provide(
		ProvideCatalog,
		NewService,
	),
	fx.Invoke(migrate),
)

// HTTP exposes the ledger over gin and registers the gRPC health service.
var HTTP = fx.Module("rewards.http",
	fx.Provide(NewHandler),
	fx.Invoke(
		registerRoutes,
		registerHealthServer,
	),
)

// Worker runs queued ledger tasks and the daily reconcile scheduler.
var Worker = fx.Module("rewards.worker",
	fx.Provide(
		NewTaskHandler,
		NewScheduler,
	),
	fx.Invoke(
		registerTaskHandlers,
		StartScheduler,
	),
)

func migrate(lc fx.Lifecycle, db *gorm.DB, cfg *config.Config) {
	if !cfg.Database.AutoMigrate {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			zap.L().Info("[Rewards] running auto migration")
			return db.WithContext(ctx).AutoMigrate(Models()...)
		},
	})
}

func registerRoutes(r *gin.Engine, h *Handler) {
	h.Register(r)
}

func registerHealthServer(server *grpc.Server, service *Service) {
	grpc_health_v1.RegisterHealthServer(server, service)
}

func registerTaskHandlers(mux *asynq.ServeMux, h *TaskHandler) {
	h.Register(mux)
}
