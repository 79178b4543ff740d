package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"smallbiznis-rewards/pkg/config"
	"smallbiznis-rewards/pkg/db"
	"smallbiznis-rewards/pkg/featureflags"
	"smallbiznis-rewards/pkg/gen"
	"smallbiznis-rewards/pkg/hashistack/secretmanager"
	"smallbiznis-rewards/pkg/lock"
	"smallbiznis-rewards/pkg/logger"
	"smallbiznis-rewards/pkg/otelcol"
	"smallbiznis-rewards/pkg/profiling"
	"smallbiznis-rewards/pkg/redis"
	"smallbiznis-rewards/pkg/sequence"
	"smallbiznis-rewards/pkg/task"
	"smallbiznis-rewards/services/rewards"
)

func main() {
	opts := []fx.Option{
		configModule(),
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		lock.Module,
		sequence.Module,
		gen.Module,
		featureflags.Module,
		task.Client,
		task.Server,
		rewards.Module,
		rewards.Worker,
		fxLogger,
	}
	if secretmanager.Enabled() {
		opts = append(opts, secretmanager.Module)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

func configModule() fx.Option {
	if _, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		return config.RemoteModule
	}
	return config.Module
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
