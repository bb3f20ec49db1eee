// Package engine is the query surface used by the API layer: formula lookup, point and range
// computation through the cache, time resolution and credit pricing.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/cache"
	"github.com/canopy-network/statex/pkg/codes"
	"github.com/canopy-network/statex/pkg/compute"
	"github.com/canopy-network/statex/pkg/credits"
	"github.com/canopy-network/statex/pkg/db"
	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/formula"
	"github.com/canopy-network/statex/pkg/rangeresolver"
	"github.com/canopy-network/statex/pkg/state"
)

type Options struct {
	Store    db.Store
	Registry *formula.Registry
	Codes    *codes.Registry
	// Entities defaults to an LRU over Store.
	Entities codes.EntityGetter
	// Pool runs prefetch fan-out. Optional.
	Pool   pond.Pool
	Logger *zap.Logger
}

type Engine struct {
	store    db.Store
	registry *formula.Registry
	entities codes.EntityGetter
	computer *compute.Computer
	cache    *cache.Cache
	resolver *rangeresolver.Resolver
	logger   *zap.Logger
	latest   atomic.Pointer[models.Block]
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Registry == nil {
		return nil, fmt.Errorf("engine: store and formula registry are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Codes == nil {
		opts.Codes = codes.NewRegistry(nil)
	}
	if opts.Entities == nil {
		ec, err := codes.NewEntityCache(opts.Store, codes.DefaultEntityCacheSize)
		if err != nil {
			return nil, err
		}
		opts.Entities = ec
	}

	source := &state.Source{
		Store:    opts.Store,
		Entities: opts.Entities,
		Codes:    opts.Codes,
		Pool:     opts.Pool,
		Logger:   opts.Logger,
	}
	computer := compute.NewComputer(source, opts.Registry, opts.Logger)
	c := cache.New(opts.Store, computer, opts.Logger)
	return &Engine{
		store:    opts.Store,
		registry: opts.Registry,
		entities: opts.Entities,
		computer: computer,
		cache:    c,
		resolver: rangeresolver.New(opts.Store, c, computer, opts.Logger),
		logger:   opts.Logger,
	}, nil
}

func (e *Engine) Cache() *cache.Cache          { return e.cache }
func (e *Engine) Registry() *formula.Registry  { return e.registry }
func (e *Engine) Entities() codes.EntityGetter { return e.entities }

// GetFormula looks a formula up by type name and slash-separated name.
func (e *Engine) GetFormula(typ, name string) (*formula.Formula, error) {
	t, err := formula.ParseType(typ)
	if err != nil {
		return nil, err
	}
	return e.registry.Get(t, name)
}

// RefreshLatest reloads the latest indexed block.
func (e *Engine) RefreshLatest(ctx context.Context) (models.Block, error) {
	b, err := e.store.LatestBlock(ctx)
	if err != nil {
		return models.Block{}, fmt.Errorf("load latest block: %w", err)
	}
	if b == nil {
		return models.Block{}, nil
	}
	e.latest.Store(b)
	return *b, nil
}

// Latest returns the latest block seen by RefreshLatest, loading it on first use.
func (e *Engine) Latest(ctx context.Context) (models.Block, error) {
	if b := e.latest.Load(); b != nil {
		return *b, nil
	}
	return e.RefreshLatest(ctx)
}

// ResolveBlock fills in a block's time from the block index when only its height is known.
// A zero height means the latest block.
func (e *Engine) ResolveBlock(ctx context.Context, b models.Block) (models.Block, error) {
	if b.Height == 0 {
		return e.Latest(ctx)
	}
	if b.TimeUnixMs != 0 {
		return b, nil
	}
	known, err := e.store.BlockAtOrBefore(ctx, b.Height)
	if err != nil {
		return models.Block{}, fmt.Errorf("load block %d: %w", b.Height, err)
	}
	if known != nil {
		b.TimeUnixMs = known.TimeUnixMs
	}
	return b, nil
}

func (e *Engine) BlockForTime(ctx context.Context, timeMs int64) (models.Block, error) {
	return rangeresolver.BlockForTime(ctx, e.store, timeMs)
}

func (e *Engine) BlocksForTimes(ctx context.Context, startMs int64, endMs *int64) (models.Block, models.Block, error) {
	return rangeresolver.BlocksForTimes(ctx, e.store, startMs, endMs)
}

// Compute answers f for address at block through the computation cache. A zero block means
// the latest block and heights past the latest indexed block are capped to it, so nothing is
// cached as valid beyond the chain head.
func (e *Engine) Compute(ctx context.Context, f *formula.Formula, address string, args map[string]string, block models.Block) (*compute.Result, error) {
	block, err := e.ResolveBlock(ctx, block)
	if err != nil {
		return nil, err
	}
	latest, err := e.store.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("load latest block: %w", err)
	}
	if latest != nil && block.Height > latest.Height {
		block = *latest
	}
	req := compute.Request{Formula: f, Target: address, Args: args, Block: block}
	if err := e.computer.Check(ctx, req); err != nil {
		return nil, err
	}
	return e.cache.Lookup(ctx, req)
}

// ComputeRange answers f for address over [start, end].
func (e *Engine) ComputeRange(ctx context.Context, f *formula.Formula, address string, args map[string]string, start, end models.Block) ([]rangeresolver.Point, error) {
	start, err := e.ResolveBlock(ctx, start)
	if err != nil {
		return nil, err
	}
	if end, err = e.ResolveBlock(ctx, end); err != nil {
		return nil, err
	}
	return e.resolver.Resolve(ctx, compute.Request{Formula: f, Target: address, Args: args, Block: start}, end)
}

// Credits prices a query over the blocks start through end.
func (e *Engine) Credits(start, end uint64) uint64 {
	if end <= start {
		return credits.ForBlockInterval(1)
	}
	return credits.ForBlockInterval(end - start + 1)
}

// DeleteComputations drops every cached computation targeting address.
func (e *Engine) DeleteComputations(ctx context.Context, address string) (int64, error) {
	n, err := e.store.DeleteComputationsForTarget(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("delete computations for %s: %w", address, err)
	}
	e.logger.Info("deleted computations", zap.String("address", address), zap.Int64("count", n))
	return n, nil
}
