package worker

import (
	"context"
	"time"

	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/app/worker/activity"
	"github.com/canopy-network/statex/app/worker/workflow"
	"github.com/canopy-network/statex/pkg/db/clickhouse"
	"github.com/canopy-network/statex/pkg/db/postgres"
	"github.com/canopy-network/statex/pkg/logging"
	"github.com/canopy-network/statex/pkg/redis"
	"github.com/canopy-network/statex/pkg/temporal"
	"github.com/canopy-network/statex/pkg/utils"
)

type App struct {
	Worker         worker.Worker
	TemporalClient *temporal.Client
	Store          *postgres.Store
	Mirror         *clickhouse.Mirror
	Redis          *redis.Client
	Logger         *zap.Logger
}

// Start runs the worker until ctx is canceled.
func (a *App) Start(ctx context.Context) {
	if err := a.Worker.Start(); err != nil {
		a.Logger.Fatal("Unable to start worker", zap.Error(err))
	}
	<-ctx.Done()
	a.Stop()
}

func (a *App) Stop() {
	a.Worker.Stop()
	a.TemporalClient.Close()
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	_ = a.Mirror.Close()
	_ = a.Store.Close()
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("Worker stopped")
}

// Initialize connects the store, the mirror, Redis (optional) and Temporal, and registers the
// follow-on workflow.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	store, err := postgres.NewStore(ctx, logger, postgres.GetPoolConfigForComponent("worker"))
	if err != nil {
		logger.Fatal("Unable to initialize store", zap.Error(err))
	}

	mirror, err := clickhouse.NewMirror(ctx, logger, utils.Env("CLICKHOUSE_DATABASE", "statex"), clickhouse.GetPoolConfigForComponent("worker"))
	if err != nil {
		logger.Fatal("Unable to initialize analytics mirror", zap.Error(err))
	}

	var (
		redisClient *redis.Client
		notifier    activity.Notifier
	)
	if utils.EnvBool("REDIS_ENABLED", true) {
		redisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Fatal("Unable to connect to redis", zap.Error(err))
		}
		notifier = redis.NewCommitNotifier(redisClient, logger)
	}

	temporalClient, err := temporal.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to establish temporal connection", zap.Error(err))
	}

	activityContext := &activity.Context{
		Logger:   logger,
		Store:    store,
		Exporter: mirror,
		Notifier: notifier,
	}
	workflowContext := workflow.Context{ActivityContext: activityContext}

	wkr := worker.New(
		temporalClient.TClient,
		temporalClient.FollowOnQueue,
		worker.Options{
			MaxConcurrentWorkflowTaskPollers:       utils.EnvInt("WORKER_WORKFLOW_POLLERS", 5),
			MaxConcurrentActivityTaskPollers:       utils.EnvInt("WORKER_ACTIVITY_POLLERS", 10),
			MaxConcurrentActivityExecutionSize:     utils.EnvInt("WORKER_MAX_ACTIVITIES", 50),
			MaxConcurrentWorkflowTaskExecutionSize: utils.EnvInt("WORKER_MAX_WORKFLOWS", 100),
			WorkerStopTimeout:                      1 * time.Minute,
		},
	)
	wkr.RegisterWorkflowWithOptions(
		workflowContext.FollowOnWorkflow,
		temporalworkflow.RegisterOptions{Name: temporal.FollowOnWorkflowName},
	)
	wkr.RegisterActivity(activityContext.ExportCommit)
	wkr.RegisterActivity(activityContext.NotifyExported)

	return &App{
		Worker:         wkr,
		TemporalClient: temporalClient,
		Store:          store,
		Mirror:         mirror,
		Redis:          redisClient,
		Logger:         logger,
	}
}
