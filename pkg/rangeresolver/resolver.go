// Package rangeresolver answers formula queries over block and time ranges, reusing cached
// computations where they chain and computing only what is missing.
package rangeresolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/cache"
	"github.com/canopy-network/statex/pkg/compute"
	"github.com/canopy-network/statex/pkg/db"
	"github.com/canopy-network/statex/pkg/db/models"
)

var (
	ErrDynamicRange = errors.New("dynamic formulas cannot be computed over a range")
	ErrInvalidRange = errors.New("invalid range")
)

// Point is one value of a range. At is the sample position when the range was sampled.
type Point struct {
	At              *int64          `json:"at,omitempty"`
	Value           json.RawMessage `json:"value"`
	BlockHeight     uint64          `json:"blockHeight"`
	BlockTimeUnixMs int64           `json:"blockTimeUnixMs"`
	Error           string          `json:"error,omitempty"`
}

type Resolver struct {
	store    db.Store
	cache    *cache.Cache
	computer *compute.Computer
	logger   *zap.Logger
}

func New(store db.Store, c *cache.Cache, computer *compute.Computer, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, cache: c, computer: computer, logger: logger}
}

// Resolve returns the points of req's formula between req.Block and end, ascending. The first
// point may start before req.Block: it is the value in effect at the start.
func (r *Resolver) Resolve(ctx context.Context, req compute.Request, end models.Block) ([]Point, error) {
	if req.Formula.Dynamic {
		return nil, ErrDynamicRange
	}
	start := req.Block
	if latest, err := r.store.LatestBlock(ctx); err != nil {
		return nil, fmt.Errorf("load latest block: %w", err)
	} else if latest != nil && end.Height > latest.Height {
		end = *latest
	}
	if start.Height > end.Height {
		return nil, fmt.Errorf("%w: start %d is after end %d", ErrInvalidRange, start.Height, end.Height)
	}
	if err := r.computer.Check(ctx, req); err != nil {
		return nil, err
	}

	key := req.Key()
	points, ok, err := r.fromCache(ctx, req, key, end)
	if err != nil {
		return nil, err
	}
	if ok {
		return trimBefore(points, start.Height), nil
	}

	results, err := r.computer.ComputeRange(ctx, req, start, end)
	if err != nil {
		return nil, err
	}
	if anyDynamic(results) {
		return nil, fmt.Errorf("%w: %s calls a dynamic formula", ErrDynamicRange, req.Formula.Name)
	}
	if err := r.cache.Persist(ctx, key, results); err != nil {
		return nil, err
	}
	return trimBefore(pointsOfResults(results), start.Height), nil
}

// anyDynamic reports whether an evaluation reached a dynamic formula through Env.Call. Such
// results depend on more than the rows they read.
func anyDynamic(results []compute.Result) bool {
	for i := range results {
		if results[i].Dynamic {
			return true
		}
	}
	return false
}

// trimBefore drops points superseded before start.
func trimBefore(points []Point, start uint64) []Point {
	for len(points) > 1 && points[1].BlockHeight <= start {
		points = points[1:]
	}
	return points
}

// fromCache stitches stored computations covering [start, end]. It fills a missing tail by
// computing from the last stored computation. ok is false when the stored computations do not
// form a chain from start.
func (r *Resolver) fromCache(ctx context.Context, req compute.Request, key models.ComputationKey, end models.Block) ([]Point, bool, error) {
	first, err := r.store.LatestComputation(ctx, key, req.Block.Height)
	if err != nil || first == nil {
		return nil, false, err
	}
	rest, err := r.store.ComputationsInRange(ctx, key, req.Block.Height, end.Height)
	if err != nil {
		return nil, false, err
	}
	chain := append([]models.Computation{*first}, rest...)
	for i := 0; i+1 < len(chain); i++ {
		if chain[i].LatestBlockHeightValid != chain[i+1].BlockHeight-1 {
			return nil, false, nil
		}
	}

	last := &chain[len(chain)-1]
	valid, err := r.cache.ExtendValidity(ctx, last, end.Height, nil)
	if err != nil {
		return nil, false, err
	}
	points := make([]Point, 0, len(chain))
	for i := range chain {
		points = append(points, pointOf(cache.ResultOf(&chain[i])))
	}
	if valid {
		return points, true, nil
	}

	missing, err := r.computer.ComputeRange(ctx, req, last.Block(), end)
	if err != nil {
		return nil, false, err
	}
	if anyDynamic(missing) {
		return nil, false, fmt.Errorf("%w: %s calls a dynamic formula", ErrDynamicRange, req.Formula.Name)
	}
	// The first point re-evaluates the last stored computation.
	missing = missing[1:]
	if err := r.cache.Persist(ctx, key, missing); err != nil {
		return nil, false, err
	}
	r.logger.Debug("filled range tail",
		zap.String("formula", key.Formula),
		zap.String("address", key.TargetAddress),
		zap.Int("cached", len(chain)),
		zap.Int("computed", len(missing)),
	)
	return append(points, pointsOfResults(missing)...), true, nil
}

func pointOf(res *compute.Result) Point {
	p := Point{
		Value:           res.Output,
		BlockHeight:     res.Block.Height,
		BlockTimeUnixMs: res.Block.TimeUnixMs,
	}
	if p.Value == nil {
		p.Value = json.RawMessage("null")
	}
	if res.Err != nil {
		p.Error = res.Err.Error()
	}
	return p
}

func pointsOfResults(results []compute.Result) []Point {
	out := make([]Point, len(results))
	for i := range results {
		out[i] = pointOf(&results[i])
	}
	return out
}
