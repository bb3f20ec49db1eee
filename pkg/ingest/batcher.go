package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/utils"
)

// ErrHalted is returned once a stream stopped because a commit failed for good.
var ErrHalted = errors.New("ingestion halted")

type BatcherConfig struct {
	// MaxBatchSize is the event count that triggers a flush at the next block boundary.
	MaxBatchSize int
	// Debounce flushes pending events after this long without new input.
	Debounce time.Duration
}

// DefaultBatcherConfig reads INGEST_MAX_BATCH_SIZE and INGEST_DEBOUNCE.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxBatchSize: utils.EnvInt("INGEST_MAX_BATCH_SIZE", 5000),
		Debounce:     utils.EnvDuration("INGEST_DEBOUNCE", 500*time.Millisecond),
	}
}

type committer interface {
	Commit(ctx context.Context, stream string, events []models.StateEvent, entities []models.Entity) (*Commit, error)
}

// Acker acknowledges source messages. The batcher calls it only once every event a message
// carried is committed.
type Acker interface {
	Ack(ctx context.Context, ids ...string) error
}

// Batcher buffers one stream's events and commits them in chunks. A size-triggered flush waits
// for the next block boundary; a debounce flush commits whatever is pending, so a block whose
// events arrive in separate messages may span two commits.
type Batcher struct {
	stream    string
	cfg       BatcherConfig
	committer committer
	acker     Acker
	logger    *zap.Logger

	pending  []models.StateEvent
	entities []models.Entity
	// acks are the source IDs of messages fully contained in pending.
	acks []string
}

// NewBatcher returns a batcher committing through c. acker may be nil.
func NewBatcher(stream string, cfg BatcherConfig, c committer, acker Acker, logger *zap.Logger) *Batcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 5000
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	return &Batcher{stream: stream, cfg: cfg, committer: c, acker: acker, logger: logger.With(zap.String("stream", stream))}
}

// Run consumes in until it is closed or ctx ends. Pending events are committed when in
// closes. A failed commit halts the stream and is returned wrapped in ErrHalted.
func (b *Batcher) Run(ctx context.Context, in <-chan Batch) error {
	timer := time.NewTimer(b.cfg.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case batch, ok := <-in:
			if !ok {
				return b.halt(b.flush(ctx))
			}
			if err := b.add(ctx, batch); err != nil {
				return b.halt(err)
			}
			timer.Reset(b.cfg.Debounce)

		case <-timer.C:
			if err := b.flush(ctx); err != nil {
				return b.halt(err)
			}
		}
	}
}

func (b *Batcher) halt(err error) error {
	if err == nil {
		return nil
	}
	b.logger.Error("Stream halted", zap.Error(err))
	return fmt.Errorf("%w: stream %s: %w", ErrHalted, b.stream, err)
}

// add appends a batch, committing what is pending whenever the size limit is reached and the
// next event starts a new block. The batch's source ID is acked with the flush that commits
// its last event.
func (b *Batcher) add(ctx context.Context, batch Batch) error {
	events, err := batch.StateEvents()
	if err != nil {
		// A malformed message is skipped rather than halting the stream.
		b.logger.Warn("Dropping malformed batch", zap.String("batch_id", batch.ID), zap.Error(err))
		b.track(batch.SourceID)
		return nil
	}
	b.entities = append(b.entities, batch.Entities...)

	for _, e := range events {
		if len(b.pending) >= b.cfg.MaxBatchSize && e.BlockHeight != b.pending[len(b.pending)-1].BlockHeight {
			if err := b.flush(ctx); err != nil {
				return err
			}
		}
		b.pending = append(b.pending, e)
	}
	b.track(batch.SourceID)
	return nil
}

func (b *Batcher) track(id string) {
	if id != "" {
		b.acks = append(b.acks, id)
	}
}

// flush commits everything pending, then acks the messages it covered. Nothing is acked when
// the commit fails, so those messages stay pending at the source.
func (b *Batcher) flush(ctx context.Context) error {
	if len(b.pending) > 0 || len(b.entities) > 0 {
		if _, err := b.committer.Commit(ctx, b.stream, b.pending, b.entities); err != nil {
			return err
		}
		b.pending = nil
		b.entities = nil
	}
	if len(b.acks) == 0 || b.acker == nil {
		b.acks = nil
		return nil
	}
	if err := b.acker.Ack(ctx, b.acks...); err != nil {
		// The entries are redelivered on restart and re-ingesting them is idempotent.
		b.logger.Warn("Failed to acknowledge committed messages", zap.Strings("ids", b.acks), zap.Error(err))
	}
	b.acks = nil
	return nil
}
