package compute

import (
	"context"
	"errors"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/db/models"
)

// ComputeRange evaluates req from start to end, only at blocks where something the formula
// read changes. A point is emitted whenever the newest block read advances; each point is
// valid up to the block before the next one and the last point up to end.
//
// A failing evaluation becomes a point with Err set and the range carries on from the next
// known change. Target and argument errors abort the range.
func (c *Computer) ComputeRange(ctx context.Context, req Request, start, end models.Block) ([]Result, error) {
	changes := btree.NewG[models.Block](16, func(a, b models.Block) bool { return a.Height < b.Height })
	seen := map[models.DependentKey]struct{}{}

	var points []Result
	current := start
	for {
		res, err := c.Compute(ctx, req.At(current))
		var ce *ComputationError
		switch {
		case err == nil:
			c.appendPoint(&points, *res)
		case errors.As(err, &ce):
			c.logger.Warn("range computation failed",
				zap.String("address", req.Target),
				zap.String("formula", req.Formula.Name),
				zap.String("args", models.CanonicalArgs(req.Args)),
				zap.Uint64("height", current.Height),
				zap.Error(ce.Err),
			)
			failed := *res
			failed.Block = current
			if n := len(points); n > 0 {
				points[n-1].LatestBlockHeightValid = current.Height - 1
			}
			points = append(points, failed)
		default:
			return nil, err
		}

		var fresh []models.DependentKey
		for _, d := range res.Dependencies {
			if _, ok := seen[d]; !ok {
				seen[d] = struct{}{}
				fresh = append(fresh, d)
			}
		}
		if len(fresh) > 0 && current.Height < end.Height {
			blocks, err := c.source.Store.ChangeBlocks(ctx, fresh, current.Height+1, end.Height, 0)
			if err != nil {
				return nil, err
			}
			for _, b := range blocks {
				changes.ReplaceOrInsert(b)
			}
		}

		next, ok := nextChange(changes, current.Height)
		if !ok {
			break
		}
		current = next
	}

	if n := len(points); n > 0 && points[n-1].Err == nil {
		points[n-1].LatestBlockHeightValid = end.Height
	}
	return points, nil
}

// appendPoint adds res unless it is a re-evaluation of the previous point, in which case the
// previous point's validity grows instead.
func (c *Computer) appendPoint(points *[]Result, res Result) {
	n := len(*points)
	if n == 0 {
		*points = append(*points, res)
		return
	}
	prev := &(*points)[n-1]
	switch {
	case prev.Err != nil:
		prev.LatestBlockHeightValid = res.LatestBlockHeightValid - 1
		*points = append(*points, res)
	case res.Block.Height > prev.Block.Height:
		prev.LatestBlockHeightValid = res.Block.Height - 1
		*points = append(*points, res)
	default:
		prev.LatestBlockHeightValid = res.LatestBlockHeightValid
	}
}

func nextChange(changes *btree.BTreeG[models.Block], after uint64) (models.Block, bool) {
	var next models.Block
	found := false
	changes.AscendGreaterOrEqual(models.Block{Height: after + 1}, func(b models.Block) bool {
		next, found = b, true
		return false
	})
	return next, found
}
