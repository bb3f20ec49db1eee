package query

import (
	"context"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/app/query/types"
	"github.com/canopy-network/statex/pkg/codes"
	"github.com/canopy-network/statex/pkg/db/postgres"
	"github.com/canopy-network/statex/pkg/engine"
	"github.com/canopy-network/statex/pkg/formula/library"
	"github.com/canopy-network/statex/pkg/logging"
	"github.com/canopy-network/statex/pkg/redis"
	"github.com/canopy-network/statex/pkg/utils"
)

// Initialize connects the store and builds the engine.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	store, err := postgres.NewStore(ctx, logger, postgres.GetPoolConfigForComponent("query"))
	if err != nil {
		logger.Fatal("Unable to initialize store", zap.Error(err))
	}

	codeRegistry, err := codes.ParseRegistry(utils.Env("CODE_ID_KEYS", ""))
	if err != nil {
		logger.Fatal("Invalid CODE_ID_KEYS", zap.Error(err))
	}
	formulas, err := library.NewRegistry()
	if err != nil {
		logger.Fatal("Unable to register formulas", zap.Error(err))
	}
	entities, err := codes.NewEntityCache(store, utils.EnvInt("ENTITY_CACHE_SIZE", codes.DefaultEntityCacheSize))
	if err != nil {
		logger.Fatal("Unable to create entity cache", zap.Error(err))
	}
	pool := pond.NewPool(utils.EnvInt("QUERY_PREFETCH_WORKERS", 16))

	eng, err := engine.New(engine.Options{
		Store:    store,
		Registry: formulas,
		Codes:    codeRegistry,
		Entities: entities,
		Pool:     pool,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Unable to create engine", zap.Error(err))
	}

	var redisClient *redis.Client
	if utils.EnvBool("REDIS_ENABLED", false) {
		redisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - live notifications will be disabled", zap.Error(err))
			redisClient = nil
		}
	} else {
		logger.Info("Redis disabled - live notifications will not be available")
	}

	app := &types.App{
		Store:       store,
		Engine:      eng,
		Entities:    entities,
		Pool:        pool,
		RedisClient: redisClient,
		CronSpec:    utils.Env("LATEST_BLOCK_REFRESH_SPEC", "*/2 * * * * *"),
		Logger:      logger,
	}
	if err := SetupScheduler(ctx, app); err != nil {
		logger.Fatal("Unable to schedule latest block refresh", zap.Error(err))
	}
	return app
}

// SetupScheduler refreshes the engine's latest block on app.CronSpec (with a seconds field).
func SetupScheduler(ctx context.Context, app *types.App) error {
	logger := cronLogger{app.Logger.Sugar()}
	app.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	_, err := app.Cron.AddFunc(app.CronSpec, func() {
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := app.Engine.RefreshLatest(rctx); err != nil {
			logger.Error(err, "latest block refresh failed")
		}
	})
	return err
}

// cronLogger routes cron's own logging into zap.
type cronLogger struct{ *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Errorw(msg, append(keysAndValues, "error", err)...)
}
