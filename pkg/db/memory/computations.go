package memory

import (
	"context"
	"sort"

	"github.com/canopy-network/statex/pkg/db/models"
)

func (s *Store) LatestComputation(ctx context.Context, key models.ComputationKey, height uint64) (*models.Computation, error) {
	t, unlock := s.read(ctx)
	defer unlock()

	var out *models.Computation
	t.computationIndex.DescendLessOrEqual(computationRef{key: key, height: height}, func(ref computationRef) bool {
		if ref.key == key {
			c := t.computations[ref.id]
			out = &c
		}
		return false
	})
	return out, nil
}

func (s *Store) ComputationsInRange(ctx context.Context, key models.ComputationKey, after, upTo uint64) ([]models.Computation, error) {
	if after >= upTo {
		return nil, nil
	}
	t, unlock := s.read(ctx)
	defer unlock()

	var out []models.Computation
	t.computationIndex.AscendGreaterOrEqual(computationRef{key: key, height: after + 1}, func(ref computationRef) bool {
		if ref.key != key || ref.height > upTo {
			return false
		}
		out = append(out, t.computations[ref.id])
		return true
	})
	return out, nil
}

func (s *Store) ComputationsDependingOn(ctx context.Context, rowKeys []string) ([]models.Computation, error) {
	if len(rowKeys) == 0 {
		return nil, nil
	}
	t, unlock := s.read(ctx)
	defer unlock()

	var out []models.Computation
	for _, c := range t.computations {
		if dependsOnAny(c, rowKeys) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func dependsOnAny(c models.Computation, rowKeys []string) bool {
	for _, d := range c.Dependencies {
		for _, k := range rowKeys {
			if d.Matches(k) {
				return true
			}
		}
	}
	return false
}

func (s *Store) UpsertComputation(ctx context.Context, c *models.Computation) error {
	t, unlock := s.write(ctx)
	defer unlock()

	ref := computationRef{key: c.ComputationKey, height: c.BlockHeight}
	if existing, ok := t.computationIndex.Get(ref); ok {
		ref.id = existing.id
		if prev := t.computations[existing.id]; prev.LatestBlockHeightValid > c.LatestBlockHeightValid {
			c.LatestBlockHeightValid = prev.LatestBlockHeightValid
		}
	} else {
		t.nextComputationID++
		ref.id = t.nextComputationID
	}
	c.ID = ref.id

	stored := *c
	stored.Dependencies = append([]models.DependentKey(nil), c.Dependencies...)
	t.computations[ref.id] = stored
	t.computationIndex.ReplaceOrInsert(ref)
	return nil
}

func (s *Store) UpdateComputationValidity(ctx context.Context, id int64, latestBlockHeightValid uint64) error {
	t, unlock := s.write(ctx)
	defer unlock()
	if c, ok := t.computations[id]; ok {
		c.LatestBlockHeightValid = latestBlockHeightValid
		t.computations[id] = c
	}
	return nil
}

func (s *Store) DeleteComputations(ctx context.Context, ids []int64) error {
	t, unlock := s.write(ctx)
	defer unlock()
	for _, id := range ids {
		deleteComputation(t, id)
	}
	return nil
}

func (s *Store) DeleteComputationsForTarget(ctx context.Context, address string) (int64, error) {
	t, unlock := s.write(ctx)
	defer unlock()

	var n int64
	for id, c := range t.computations {
		if c.TargetAddress == address {
			deleteComputation(t, id)
			n++
		}
	}
	return n, nil
}

func deleteComputation(t *tables, id int64) {
	c, ok := t.computations[id]
	if !ok {
		return
	}
	delete(t.computations, id)
	t.computationIndex.Delete(computationRef{key: c.ComputationKey, height: c.BlockHeight})
}
