// Package ingest turns source batches into committed state: events, blocks, entities,
// derived transformations and the matching cache invalidation, all in one transaction.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/cache"
	"github.com/canopy-network/statex/pkg/codes"
	"github.com/canopy-network/statex/pkg/db"
	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/retry"
	"github.com/canopy-network/statex/pkg/transform"
)

// Commit describes what one successful commit wrote.
type Commit struct {
	ID              string
	Stream          string
	Events          []models.StateEvent
	Transformations []models.Transformation
	Entities        []models.Entity
	Blocks          []models.Block
	Invalidation    cache.InvalidationStats
}

// FromHeight is the lowest block written. Zero for an empty commit.
func (c *Commit) FromHeight() uint64 {
	if len(c.Blocks) == 0 {
		return 0
	}
	return c.Blocks[0].Height
}

// LatestBlock is the highest block written.
func (c *Commit) LatestBlock() models.Block {
	if len(c.Blocks) == 0 {
		return models.Block{}
	}
	return c.Blocks[len(c.Blocks)-1]
}

// Notification is the compact form of a commit published to other processes.
type Notification struct {
	ID              string       `json:"id"`
	Stream          string       `json:"stream"`
	FromHeight      uint64       `json:"fromHeight"`
	LatestBlock     models.Block `json:"latestBlock"`
	Events          int          `json:"events"`
	Transformations int          `json:"transformations"`
	Entities        []string     `json:"entities,omitempty"`
	Destroyed       int          `json:"destroyed"`
	Truncated       int          `json:"truncated"`
}

func (c *Commit) Notification() Notification {
	n := Notification{
		ID:              c.ID,
		Stream:          c.Stream,
		FromHeight:      c.FromHeight(),
		LatestBlock:     c.LatestBlock(),
		Events:          len(c.Events),
		Transformations: len(c.Transformations),
		Destroyed:       c.Invalidation.Destroyed,
		Truncated:       c.Invalidation.Truncated,
	}
	for _, e := range c.Entities {
		n.Entities = append(n.Entities, e.Address)
	}
	return n
}

// Dispatcher receives committed work. Failures are logged by the committer and never undo
// the commit.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *Commit) error
}

// Evicter drops cached entity code identities.
type Evicter interface {
	Evict(addresses ...string)
}

var _ Evicter = (*codes.EntityCache)(nil)

type CommitterOptions struct {
	Store       db.Store
	Transformer *transform.Engine
	Cache       *cache.Cache
	// Entities is evicted for every entity a commit upserts. Optional.
	Entities    Evicter
	Dispatchers []Dispatcher
	Retry       retry.Config
	Logger      *zap.Logger
}

// Committer writes batches. It is safe for concurrent use; ordering within a stream is the
// caller's job.
type Committer struct {
	opts CommitterOptions
}

func NewCommitter(opts CommitterOptions) *Committer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = retry.CommitConfig()
	}
	return &Committer{opts: opts}
}

// Commit writes events (in commit order) and entities atomically, retrying the whole
// transaction with backoff. Re-committing the same batch is harmless.
func (c *Committer) Commit(ctx context.Context, stream string, events []models.StateEvent, entities []models.Entity) (*Commit, error) {
	start := time.Now()
	commit := &Commit{
		ID:       uuid.NewString(),
		Stream:   stream,
		Events:   models.CollapseEvents(events),
		Entities: entities,
		Blocks:   blocksOf(events),
	}

	err := retry.WithBackoff(ctx, c.opts.Retry, c.opts.Logger, "ingest_commit", func() error {
		return c.opts.Store.InTx(ctx, func(ctx context.Context) error {
			return c.write(ctx, commit)
		})
	})
	if err != nil {
		return nil, err
	}

	if c.opts.Entities != nil && len(entities) > 0 {
		addresses := make([]string, len(entities))
		for i, e := range entities {
			addresses[i] = e.Address
		}
		c.opts.Entities.Evict(addresses...)
	}

	c.opts.Logger.Info("Committed batch",
		zap.String("commit_id", commit.ID),
		zap.String("stream", stream),
		zap.Uint64("from_height", commit.FromHeight()),
		zap.Uint64("to_height", commit.LatestBlock().Height),
		zap.Int("events", len(commit.Events)),
		zap.Int("transformations", len(commit.Transformations)),
		zap.Int("destroyed", commit.Invalidation.Destroyed),
		zap.Int("truncated", commit.Invalidation.Truncated),
		zap.Duration("duration", time.Since(start)),
	)

	for _, d := range c.opts.Dispatchers {
		if err := d.Dispatch(ctx, commit); err != nil {
			c.opts.Logger.Warn("Dispatch failed",
				zap.String("commit_id", commit.ID),
				zap.String("dispatcher", fmt.Sprintf("%T", d)),
				zap.Error(err))
		}
	}
	return commit, nil
}

// write runs inside the transaction. It resets the derived fields so a retried attempt starts
// clean.
func (c *Committer) write(ctx context.Context, commit *Commit) error {
	commit.Transformations = nil
	commit.Invalidation = cache.InvalidationStats{}

	store := c.opts.Store
	if len(commit.Entities) > 0 {
		if err := store.UpsertEntities(ctx, commit.Entities); err != nil {
			return err
		}
	}
	if err := store.UpsertBlocks(ctx, commit.Blocks); err != nil {
		return err
	}
	if err := store.UpsertEvents(ctx, commit.Events); err != nil {
		return err
	}

	if c.opts.Transformer != nil {
		transformations, err := c.opts.Transformer.Transform(ctx, store, commit.Events)
		if err != nil {
			return fmt.Errorf("transform: %w", err)
		}
		if err := store.UpsertTransformations(ctx, transformations); err != nil {
			return err
		}
		commit.Transformations = transformations
	}

	if c.opts.Cache != nil {
		stats, err := c.opts.Cache.Invalidate(ctx, cache.ChangesOf(commit.Events, commit.Transformations))
		if err != nil {
			return err
		}
		commit.Invalidation = stats
	}
	return nil
}

// blocksOf lists the distinct blocks of events in ascending height.
func blocksOf(events []models.StateEvent) []models.Block {
	seen := make(map[uint64]int64, 4)
	for _, e := range events {
		if _, ok := seen[e.BlockHeight]; !ok {
			seen[e.BlockHeight] = e.BlockTimeUnixMs
		}
	}
	out := make([]models.Block, 0, len(seen))
	for h, t := range seen {
		out = append(out, models.Block{Height: h, TimeUnixMs: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out
}
