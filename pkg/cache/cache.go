// Package cache stores formula results together with the block interval they stay valid for.
package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/compute"
	"github.com/canopy-network/statex/pkg/db"
	"github.com/canopy-network/statex/pkg/db/models"
)

type Cache struct {
	store    db.Store
	computer *compute.Computer
	logger   *zap.Logger
}

func New(store db.Store, computer *compute.Computer, logger *zap.Logger) *Cache {
	return &Cache{store: store, computer: computer, logger: logger}
}

// Lookup answers req from a cached computation when one is valid at req.Block and computes
// and stores the result otherwise. Dynamic formulas always compute.
func (c *Cache) Lookup(ctx context.Context, req compute.Request) (*compute.Result, error) {
	if req.Formula.Dynamic {
		return c.computer.Compute(ctx, req)
	}

	key := req.Key()
	existing, err := c.store.LatestComputation(ctx, key, req.Block.Height)
	if err != nil {
		return nil, fmt.Errorf("load computation: %w", err)
	}
	if existing != nil {
		valid, err := c.ExtendValidity(ctx, existing, req.Block.Height, nil)
		if err != nil {
			return nil, err
		}
		if valid {
			c.logger.Debug("computation cache hit",
				zap.String("formula", key.Formula),
				zap.String("address", key.TargetAddress),
				zap.Uint64("height", req.Block.Height),
			)
			return ResultOf(existing), nil
		}
	}

	res, err := c.computer.Compute(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.Persist(ctx, key, []compute.Result{*res}); err != nil {
		return nil, err
	}
	return res, nil
}

// ExtendValidity tries to make comp valid up to upTo by looking for writes to its dependencies
// after the block it is known valid to. With startFrom set, the search starts there instead
// when it is earlier. It reports whether comp is valid at upTo and persists any change to its
// validity. Validity only shrinks when a conflicting write is found.
func (c *Cache) ExtendValidity(ctx context.Context, comp *models.Computation, upTo uint64, startFrom *uint64) (bool, error) {
	if upTo < comp.BlockHeight {
		return false, nil
	}
	if startFrom == nil && comp.LatestBlockHeightValid >= upTo {
		return true, nil
	}
	if !comp.ValidityExtendable {
		return false, nil
	}

	// The computation's own block holds the newest row it read, so the search starts after it.
	from := comp.LatestBlockHeightValid + 1
	if startFrom != nil && *startFrom < from {
		from = *startFrom
	}
	if from < comp.BlockHeight+1 {
		from = comp.BlockHeight + 1
	}

	var changes []models.Block
	if len(comp.Dependencies) > 0 && from <= upTo {
		var err error
		changes, err = c.store.ChangeBlocks(ctx, comp.Dependencies, from, upTo, 1)
		if err != nil {
			return false, fmt.Errorf("find dependency changes: %w", err)
		}
	}

	valid := len(changes) == 0
	latest := upTo
	if !valid {
		latest = changes[0].Height - 1
	} else if comp.LatestBlockHeightValid > latest {
		latest = comp.LatestBlockHeightValid
	}
	if latest != comp.LatestBlockHeightValid {
		if err := c.store.UpdateComputationValidity(ctx, comp.ID, latest); err != nil {
			return false, fmt.Errorf("update computation validity: %w", err)
		}
		comp.LatestBlockHeightValid = latest
	}
	return valid, nil
}

// Persist stores results as computations of key. Failed and dynamic results are skipped.
// Storing the same result twice leaves one computation.
func (c *Cache) Persist(ctx context.Context, key models.ComputationKey, results []compute.Result) error {
	_, err := c.persist(ctx, key, results)
	return err
}

func (c *Cache) persist(ctx context.Context, key models.ComputationKey, results []compute.Result) ([]models.Computation, error) {
	out := make([]models.Computation, 0, len(results))
	for _, r := range results {
		if r.Err != nil || r.Dynamic {
			continue
		}
		comp := models.Computation{
			ComputationKey:         key,
			BlockHeight:            r.Block.Height,
			BlockTimeUnixMs:        r.Block.TimeUnixMs,
			LatestBlockHeightValid: r.LatestBlockHeightValid,
			ValidityExtendable:     true,
			Output:                 r.Output,
			Dependencies:           r.Dependencies,
		}
		if err := c.store.UpsertComputation(ctx, &comp); err != nil {
			return nil, fmt.Errorf("store computation %s at %d: %w", key.Formula, comp.BlockHeight, err)
		}
		out = append(out, comp)
	}
	return out, nil
}

// ResultOf converts a stored computation back into a result.
func ResultOf(comp *models.Computation) *compute.Result {
	return &compute.Result{
		Block:                  comp.Block(),
		Output:                 comp.Output,
		Dependencies:           comp.Dependencies,
		LatestBlockHeightValid: comp.LatestBlockHeightValid,
	}
}
