package ingester

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/ingest"
	"github.com/canopy-network/statex/pkg/redis"
)

// Source delivers one stream's messages in order and takes acknowledgements once they are
// committed. redis.StreamConsumer in manual ack mode is the production source.
type Source interface {
	Run(ctx context.Context, handler redis.MessageHandler) error
	Ack(ctx context.Context, ids ...string) error
}

type committer interface {
	Commit(ctx context.Context, stream string, events []models.StateEvent, entities []models.Entity) (*ingest.Commit, error)
}

// Pipeline feeds each stream's source into its own batcher.
type Pipeline struct {
	committer committer
	cfg       ingest.BatcherConfig
	buffer    int
	stats     *Stats
	logger    *zap.Logger
}

func NewPipeline(c committer, cfg ingest.BatcherConfig, buffer int, stats *Stats, logger *zap.Logger) *Pipeline {
	if buffer <= 0 {
		buffer = 64
	}
	if stats == nil {
		stats = NewStats()
	}
	return &Pipeline{committer: c, cfg: cfg, buffer: buffer, stats: stats, logger: logger}
}

// Run ingests every stream until ctx is done. A halted stream does not stop the others. The
// returned error joins every stream's failure.
func (p *Pipeline) Run(ctx context.Context, sources map[string]Source) error {
	pool := pond.NewPool(len(sources))
	defer pool.StopAndWait()

	var (
		mu   sync.Mutex
		errs []error
	)
	group := pool.NewGroup()
	for stream, src := range sources {
		group.Submit(func() {
			if err := p.RunStream(ctx, stream, src); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	_ = group.Wait()
	return errors.Join(errs...)
}

// RunStream ingests one stream. Messages are acknowledged only after the commit that carries
// their last event, so a halt or crash leaves them pending at the source. On shutdown the
// source stops first and the batcher commits what was queued before returning.
func (p *Pipeline) RunStream(ctx context.Context, stream string, src Source) error {
	logger := p.logger.With(zap.String("stream", stream))
	st := p.stats.Stream(stream)

	srcCtx, stopSource := context.WithCancel(ctx)
	defer stopSource()
	batchCtx, stopBatcher := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBatcher()

	in := make(chan ingest.Batch, p.buffer)
	batcher := ingest.NewBatcher(stream, p.cfg, p.committer, src, logger)
	done := make(chan error, 1)
	go func() {
		err := batcher.Run(batchCtx, in)
		if err != nil {
			st.Halted.Store(true)
		}
		stopSource()
		done <- err
	}()

	logger.Info("Stream ingestion started")
	srcErr := src.Run(srcCtx, func(ctx context.Context, msg redis.Message) error {
		batch, err := ingest.DecodeBatch(msg.GetData())
		if err != nil {
			st.Dropped.Add(1)
			logger.Warn("Dropping undecodable message", zap.String("message_id", msg.ID), zap.Error(err))
			return p.drop(ctx, src, msg.ID)
		}
		if batch.Stream != "" && batch.Stream != stream {
			st.Dropped.Add(1)
			logger.Warn("Dropping message for another stream",
				zap.String("message_id", msg.ID),
				zap.String("batch_stream", batch.Stream))
			return p.drop(ctx, src, msg.ID)
		}
		if batch.ID == "" {
			batch.ID = msg.ID
		}
		batch.SourceID = msg.ID
		select {
		case in <- batch:
			st.Received.Add(1)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	close(in)
	batchErr := <-done

	if batchErr != nil {
		return batchErr
	}
	if srcErr != nil && !errors.Is(srcErr, context.Canceled) {
		return fmt.Errorf("stream %s source: %w", stream, srcErr)
	}
	logger.Info("Stream ingestion stopped")
	return nil
}

// drop acknowledges a message that will never be committed.
func (p *Pipeline) drop(ctx context.Context, src Source, id string) error {
	if err := src.Ack(ctx, id); err != nil {
		p.logger.Warn("Failed to acknowledge dropped message", zap.String("message_id", id), zap.Error(err))
	}
	return nil
}
