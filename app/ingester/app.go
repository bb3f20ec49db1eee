package ingester

import (
	"context"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/codes"
	"github.com/canopy-network/statex/pkg/db/postgres"
	"github.com/canopy-network/statex/pkg/engine"
	"github.com/canopy-network/statex/pkg/formula/library"
	"github.com/canopy-network/statex/pkg/ingest"
	"github.com/canopy-network/statex/pkg/logging"
	"github.com/canopy-network/statex/pkg/redis"
	"github.com/canopy-network/statex/pkg/retry"
	"github.com/canopy-network/statex/pkg/temporal"
	"github.com/canopy-network/statex/pkg/transform"
	"github.com/canopy-network/statex/pkg/transform/rules"
	"github.com/canopy-network/statex/pkg/utils"
)

type App struct {
	Store          *postgres.Store
	Redis          *redis.Client
	TemporalClient *temporal.Client
	Pipeline       *Pipeline
	Sources        map[string]Source
	Stats          *Stats
	StatsInterval  time.Duration
	Logger         *zap.Logger
}

// Start ingests until ctx is canceled, logging stream progress every StatsInterval.
func (a *App) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(a.StatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Stats.Log(a.Logger)
			}
		}
	}()

	if err := a.Pipeline.Run(ctx, a.Sources); err != nil {
		a.Logger.Error("Ingestion stopped with errors", zap.Error(err))
	}
	a.Stop()
}

func (a *App) Stop() {
	a.Stats.Log(a.Logger)
	if a.TemporalClient != nil {
		a.TemporalClient.Close()
	}
	_ = a.Redis.Close()
	_ = a.Store.Close()
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("Ingester stopped")
}

// Initialize wires the commit path: the store, transformation rules, cache invalidation and
// the post-commit dispatchers, plus one Redis stream consumer per INGEST_STREAMS entry.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	streams := splitStreams(utils.Env("INGEST_STREAMS", ""))
	if len(streams) == 0 {
		logger.Fatal("INGEST_STREAMS environment variable is required")
	}

	store, err := postgres.NewStore(ctx, logger, postgres.GetPoolConfigForComponent("ingester"))
	if err != nil {
		logger.Fatal("Unable to initialize store", zap.Error(err))
	}

	codeRegistry, err := codes.ParseRegistry(utils.Env("CODE_ID_KEYS", ""))
	if err != nil {
		logger.Fatal("Invalid CODE_ID_KEYS", zap.Error(err))
	}
	transformer, err := transform.NewEngine(codeRegistry, logger, rules.All()...)
	if err != nil {
		logger.Fatal("Unable to build transformation rules", zap.Error(err))
	}
	formulas, err := library.NewRegistry()
	if err != nil {
		logger.Fatal("Unable to register formulas", zap.Error(err))
	}
	entities, err := codes.NewEntityCache(store, utils.EnvInt("ENTITY_CACHE_SIZE", codes.DefaultEntityCacheSize))
	if err != nil {
		logger.Fatal("Unable to create entity cache", zap.Error(err))
	}
	// Only the engine's cache is used here, to invalidate computations inside each commit.
	eng, err := engine.New(engine.Options{
		Store:    store,
		Registry: formulas,
		Codes:    codeRegistry,
		Entities: entities,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Unable to create engine", zap.Error(err))
	}

	redisClient, err := redis.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to connect to Redis", zap.Error(err))
	}

	stats := NewStats()
	dispatchers := []ingest.Dispatcher{stats, redis.NewCommitNotifier(redisClient, logger)}

	var temporalClient *temporal.Client
	if utils.EnvBool("FOLLOW_ON_ENABLED", false) {
		temporalClient, err = temporal.NewClient(ctx, logger)
		if err != nil {
			logger.Fatal("Unable to establish temporal connection", zap.Error(err))
		}
		dispatchers = append(dispatchers, temporal.NewFollowOnDispatcher(temporalClient, logger))
	} else {
		logger.Info("Follow-on workflow disabled - commits will not be exported")
	}

	committer := ingest.NewCommitter(ingest.CommitterOptions{
		Store:       store,
		Transformer: transformer,
		Cache:       eng.Cache(),
		Entities:    entities,
		Dispatchers: dispatchers,
		Retry:       retry.CommitConfig(),
		Logger:      logger,
	})

	consumerName := utils.Env("INGEST_CONSUMER", "")
	if consumerName == "" {
		consumerName, _ = os.Hostname()
	}
	group := utils.Env("INGEST_GROUP", "statex-ingester")
	sources := make(map[string]Source, len(streams))
	for _, stream := range streams {
		consumer, err := redis.NewStreamConsumer(redisClient, redis.StreamConsumerConfig{
			Stream:   stream,
			Group:    group,
			Consumer: consumerName,
			Count:    utils.EnvInt64("INGEST_READ_COUNT", 100),
			// The batcher acks once the events are committed.
			ManualAck: true,
			Logger:    logger,
		})
		if err != nil {
			logger.Fatal("Unable to create stream consumer", zap.String("stream", stream), zap.Error(err))
		}
		sources[stream] = consumer
	}

	return &App{
		Store:          store,
		Redis:          redisClient,
		TemporalClient: temporalClient,
		Pipeline:       NewPipeline(committer, ingest.DefaultBatcherConfig(), utils.EnvInt("INGEST_BUFFER", 64), stats, logger),
		Sources:        sources,
		Stats:          stats,
		StatsInterval:  utils.EnvDuration("INGEST_STATS_INTERVAL", time.Minute),
		Logger:         logger,
	}
}

// splitStreams parses a comma separated stream list, dropping blanks and duplicates.
func splitStreams(raw string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
