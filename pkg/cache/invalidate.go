package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/db/models"
)

// Change is a committed write: the dependent key of the row and its block height.
type Change struct {
	Key    string
	Height uint64
}

// ChangesOf lists the writes made by a batch of events and transformations.
func ChangesOf(events []models.StateEvent, transformations []models.Transformation) []Change {
	out := make([]Change, 0, len(events)+len(transformations))
	for i := range events {
		out = append(out, Change{Key: events[i].DependentKey(), Height: events[i].BlockHeight})
	}
	for i := range transformations {
		out = append(out, Change{Key: transformations[i].DependentKey(), Height: transformations[i].BlockHeight})
	}
	return out
}

// InvalidationStats counts what Invalidate did.
type InvalidationStats struct {
	Checked   int
	Destroyed int
	Truncated int
}

// Invalidate repairs the computations whose dependencies match changes. With E the earliest
// matching change, a computation valid only before E is left alone, one whose own block is at
// or after E is destroyed, and one that spans E is truncated to E-1. Truncation needs every
// matching dependency to be an exact key; prefix and wildcard matches destroy.
//
// Run it in the same transaction that writes the changes.
func (c *Cache) Invalidate(ctx context.Context, changes []Change) (InvalidationStats, error) {
	var stats InvalidationStats
	if len(changes) == 0 {
		return stats, nil
	}

	earliest := make(map[string]uint64, len(changes))
	for _, ch := range changes {
		if h, ok := earliest[ch.Key]; !ok || ch.Height < h {
			earliest[ch.Key] = ch.Height
		}
	}
	rowKeys := make([]string, 0, len(earliest))
	for k := range earliest {
		rowKeys = append(rowKeys, k)
	}

	comps, err := c.store.ComputationsDependingOn(ctx, rowKeys)
	if err != nil {
		return stats, fmt.Errorf("find dependent computations: %w", err)
	}
	stats.Checked = len(comps)

	var destroy []int64
	for i := range comps {
		comp := &comps[i]
		e, exactOnly, matched := earliestMatch(comp.Dependencies, earliest)
		switch {
		case !matched || e > comp.LatestBlockHeightValid:
		case e <= comp.BlockHeight || !exactOnly:
			destroy = append(destroy, comp.ID)
		default:
			if err := c.store.UpdateComputationValidity(ctx, comp.ID, e-1); err != nil {
				return stats, fmt.Errorf("truncate computation %d: %w", comp.ID, err)
			}
			stats.Truncated++
		}
	}
	if len(destroy) > 0 {
		if err := c.store.DeleteComputations(ctx, destroy); err != nil {
			return stats, fmt.Errorf("destroy computations: %w", err)
		}
		stats.Destroyed = len(destroy)
	}
	if stats.Destroyed > 0 || stats.Truncated > 0 {
		c.logger.Debug("invalidated computations",
			zap.Int("checked", stats.Checked),
			zap.Int("destroyed", stats.Destroyed),
			zap.Int("truncated", stats.Truncated),
		)
	}
	return stats, nil
}

// earliestMatch returns the earliest change height matching deps and whether every matching
// dependency is an exact key.
func earliestMatch(deps []models.DependentKey, earliest map[string]uint64) (uint64, bool, bool) {
	var (
		first   uint64
		matched bool
		exact   = true
	)
	consider := func(h uint64, isExact bool) {
		if !matched || h < first {
			first = h
		}
		matched = true
		exact = exact && isExact
	}
	for _, d := range deps {
		if d.IsExact() {
			if h, ok := earliest[d.Key]; ok {
				consider(h, true)
			}
			continue
		}
		for k, h := range earliest {
			if d.Matches(k) {
				consider(h, false)
			}
		}
	}
	return first, exact, matched
}
