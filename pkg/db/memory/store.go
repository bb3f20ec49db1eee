package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/canopy-network/statex/pkg/db"
	"github.com/canopy-network/statex/pkg/db/models"
)

const degree = 32

type txKey struct{}

// Store is an in-process db.Store backed by ordered btree indexes. Transactions take the write
// lock and roll back by swapping in a copy-on-write snapshot taken at the start.
type Store struct {
	mu     sync.RWMutex
	tables *tables
}

var _ db.Store = (*Store)(nil)

type computationRef struct {
	key    models.ComputationKey
	height uint64
	id     int64
}

type tables struct {
	events                  *btree.BTreeG[models.StateEvent]
	eventsByHeight          *btree.BTreeG[models.StateEvent]
	transformations         *btree.BTreeG[models.Transformation]
	transformationsByHeight *btree.BTreeG[models.Transformation]
	blocks                  *btree.BTreeG[models.Block]
	blocksByTime            *btree.BTreeG[models.Block]
	entities                map[string]models.Entity
	computations            map[int64]models.Computation
	computationIndex        *btree.BTreeG[computationRef]
	nextComputationID       int64
}

// New returns an empty store.
func New() *Store {
	return &Store{tables: &tables{
		events:                  btree.NewG(degree, eventLess),
		eventsByHeight:          btree.NewG(degree, eventHeightLess),
		transformations:         btree.NewG(degree, transformationLess),
		transformationsByHeight: btree.NewG(degree, transformationHeightLess),
		blocks: btree.NewG(degree, func(a, b models.Block) bool {
			return a.Height < b.Height
		}),
		blocksByTime: btree.NewG(degree, func(a, b models.Block) bool {
			if a.TimeUnixMs != b.TimeUnixMs {
				return a.TimeUnixMs < b.TimeUnixMs
			}
			return a.Height < b.Height
		}),
		entities:         map[string]models.Entity{},
		computations:     map[int64]models.Computation{},
		computationIndex: btree.NewG(degree, computationRefLess),
	}}
}

func (t *tables) clone() *tables {
	entities := make(map[string]models.Entity, len(t.entities))
	for k, v := range t.entities {
		entities[k] = v
	}
	computations := make(map[int64]models.Computation, len(t.computations))
	for k, v := range t.computations {
		computations[k] = v
	}
	return &tables{
		events:                  t.events.Clone(),
		eventsByHeight:          t.eventsByHeight.Clone(),
		transformations:         t.transformations.Clone(),
		transformationsByHeight: t.transformationsByHeight.Clone(),
		blocks:                  t.blocks.Clone(),
		blocksByTime:            t.blocksByTime.Clone(),
		entities:                entities,
		computations:            computations,
		computationIndex:        t.computationIndex.Clone(),
		nextComputationID:       t.nextComputationID,
	}
}

func eventLess(a, b models.StateEvent) bool {
	if a.Namespace != b.Namespace {
		return a.Namespace < b.Namespace
	}
	if a.EntityID != b.EntityID {
		return a.EntityID < b.EntityID
	}
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return a.BlockHeight < b.BlockHeight
}

func eventHeightLess(a, b models.StateEvent) bool {
	if a.BlockHeight != b.BlockHeight {
		return a.BlockHeight < b.BlockHeight
	}
	return eventLess(a, b)
}

func transformationLess(a, b models.Transformation) bool {
	if a.EntityID != b.EntityID {
		return a.EntityID < b.EntityID
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.BlockHeight < b.BlockHeight
}

func transformationHeightLess(a, b models.Transformation) bool {
	if a.BlockHeight != b.BlockHeight {
		return a.BlockHeight < b.BlockHeight
	}
	return transformationLess(a, b)
}

func computationRefLess(a, b computationRef) bool {
	switch {
	case a.key.TargetAddress != b.key.TargetAddress:
		return a.key.TargetAddress < b.key.TargetAddress
	case a.key.Type != b.key.Type:
		return a.key.Type < b.key.Type
	case a.key.Formula != b.key.Formula:
		return a.key.Formula < b.key.Formula
	case a.key.Args != b.key.Args:
		return a.key.Args < b.key.Args
	}
	return a.height < b.height
}

// read acquires the read lock unless ctx belongs to a transaction on this store, which
// already holds the write lock.
func (s *Store) read(ctx context.Context) (*tables, func()) {
	if ctx.Value(txKey{}) == s {
		return s.tables, func() {}
	}
	s.mu.RLock()
	return s.tables, s.mu.RUnlock
}

func (s *Store) write(ctx context.Context) (*tables, func()) {
	if ctx.Value(txKey{}) == s {
		return s.tables, func() {}
	}
	s.mu.Lock()
	return s.tables, s.mu.Unlock
}

// InTx runs fn while holding the write lock. On error every write made through fn's context
// is discarded.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) == s {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.tables.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.tables = snapshot
		return err
	}
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// ---- events

func (s *Store) UpsertEvents(ctx context.Context, events []models.StateEvent) error {
	t, unlock := s.write(ctx)
	defer unlock()
	for _, e := range models.CollapseEvents(events) {
		e.Key = bytes.Clone(e.Key)
		t.events.ReplaceOrInsert(e)
		t.eventsByHeight.ReplaceOrInsert(e)
	}
	return nil
}

func (s *Store) LatestEvent(ctx context.Context, namespace, entity string, key []byte, height uint64) (*models.StateEvent, error) {
	t, unlock := s.read(ctx)
	defer unlock()

	var out *models.StateEvent
	pivot := models.StateEvent{Namespace: namespace, EntityID: entity, Key: key, BlockHeight: height}
	t.events.DescendLessOrEqual(pivot, func(e models.StateEvent) bool {
		if e.Namespace == namespace && e.EntityID == entity && bytes.Equal(e.Key, key) {
			out = &e
		}
		return false
	})
	return out, nil
}

func (s *Store) LatestEventsWithPrefix(ctx context.Context, namespace, entity string, prefix []byte, height uint64) ([]models.StateEvent, error) {
	t, unlock := s.read(ctx)
	defer unlock()

	var (
		out     []models.StateEvent
		current *models.StateEvent
	)
	pivot := models.StateEvent{Namespace: namespace, EntityID: entity, Key: prefix}
	t.events.AscendGreaterOrEqual(pivot, func(e models.StateEvent) bool {
		if e.Namespace != namespace || e.EntityID != entity || !bytes.HasPrefix(e.Key, prefix) {
			return false
		}
		if current != nil && !bytes.Equal(current.Key, e.Key) {
			out = append(out, *current)
			current = nil
		}
		if e.BlockHeight <= height {
			current = &e
		}
		return true
	})
	if current != nil {
		out = append(out, *current)
	}
	return out, nil
}

func (s *Store) FirstEvent(ctx context.Context, namespace, entity string, key []byte, height uint64, filter db.EventFilter) (*models.StateEvent, error) {
	t, unlock := s.read(ctx)
	defer unlock()

	var out *models.StateEvent
	pivot := models.StateEvent{Namespace: namespace, EntityID: entity, Key: key}
	t.events.AscendGreaterOrEqual(pivot, func(e models.StateEvent) bool {
		if e.Namespace != namespace || e.EntityID != entity || !bytes.Equal(e.Key, key) || e.BlockHeight > height {
			return false
		}
		if filter.SkipDeleted && e.Deleted {
			return true
		}
		if len(filter.ValueContains) > 0 && (e.Deleted || !models.JSONContains(e.ValueJSON, filter.ValueContains)) {
			return true
		}
		out = &e
		return false
	})
	return out, nil
}

func (s *Store) EventsBetween(ctx context.Context, namespace string, from, to uint64) ([]models.StateEvent, error) {
	t, unlock := s.read(ctx)
	defer unlock()

	var out []models.StateEvent
	t.eventsByHeight.AscendGreaterOrEqual(models.StateEvent{BlockHeight: from}, func(e models.StateEvent) bool {
		if e.BlockHeight > to {
			return false
		}
		if namespace == "" || e.Namespace == namespace {
			out = append(out, e)
		}
		return true
	})
	return out, nil
}

// ---- transformations

func (s *Store) UpsertTransformations(ctx context.Context, transformations []models.Transformation) error {
	t, unlock := s.write(ctx)
	defer unlock()
	for _, tr := range transformations {
		t.transformations.ReplaceOrInsert(tr)
		t.transformationsByHeight.ReplaceOrInsert(tr)
	}
	return nil
}

func (s *Store) LatestTransformation(ctx context.Context, entity, name string, height uint64) (*models.Transformation, error) {
	t, unlock := s.read(ctx)
	defer unlock()

	var out *models.Transformation
	pivot := models.Transformation{EntityID: entity, Name: name, BlockHeight: height}
	t.transformations.DescendLessOrEqual(pivot, func(tr models.Transformation) bool {
		if tr.EntityID == entity && tr.Name == name {
			out = &tr
		}
		return false
	})
	return out, nil
}

func (s *Store) LatestTransformationsWithPrefix(ctx context.Context, entity, namePrefix string, height uint64) ([]models.Transformation, error) {
	t, unlock := s.read(ctx)
	defer unlock()
	return latestTransformations(t, entity, namePrefix, height, func(tr models.Transformation) bool {
		return strings.HasPrefix(tr.Name, namePrefix)
	}), nil
}

// latestTransformations walks the rows of entity (or every entity when empty) starting at
// namePrefix and returns the newest row per (entity, name) accepted by match.
func latestTransformations(t *tables, entity, namePrefix string, height uint64, match func(models.Transformation) bool) []models.Transformation {
	var (
		out     []models.Transformation
		current *models.Transformation
	)
	flush := func() {
		if current != nil {
			out = append(out, *current)
			current = nil
		}
	}
	visit := func(tr models.Transformation) bool {
		if entity != "" && (tr.EntityID != entity || !strings.HasPrefix(tr.Name, namePrefix)) {
			return false
		}
		if current != nil && (current.EntityID != tr.EntityID || current.Name != tr.Name) {
			flush()
		}
		if tr.BlockHeight <= height && match(tr) {
			current = &tr
		}
		return true
	}
	if entity == "" {
		t.transformations.Ascend(visit)
	} else {
		t.transformations.AscendGreaterOrEqual(models.Transformation{EntityID: entity, Name: namePrefix}, visit)
	}
	flush()
	return out
}

func literalPrefix(pattern string) string {
	if i := strings.Index(pattern, models.Wildcard); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

func (s *Store) MatchTransformations(ctx context.Context, q db.TransformationQuery, height uint64) ([]models.Transformation, error) {
	t, unlock := s.read(ctx)
	defer unlock()

	latest := latestTransformations(t, q.Entity, literalPrefix(q.NamePattern), height, func(tr models.Transformation) bool {
		return models.GlobMatch(q.NamePattern, tr.Name)
	})
	out := latest[:0]
	for _, tr := range latest {
		if t.codeAccepted(tr.EntityID, q.CodeIDs) {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (t *tables) codeAccepted(entity string, codeIDs []uint64) bool {
	if len(codeIDs) == 0 {
		return true
	}
	e, ok := t.entities[entity]
	if !ok {
		return false
	}
	for _, id := range codeIDs {
		if id == e.CodeID {
			return true
		}
	}
	return false
}

func (s *Store) FirstTransformation(ctx context.Context, q db.TransformationQuery, valueContains json.RawMessage, height uint64) (*models.Transformation, error) {
	t, unlock := s.read(ctx)
	defer unlock()

	var out *models.Transformation
	t.transformationsByHeight.Ascend(func(tr models.Transformation) bool {
		if tr.BlockHeight > height {
			return false
		}
		if q.Entity != "" && tr.EntityID != q.Entity {
			return true
		}
		if tr.IsNull() || !models.GlobMatch(q.NamePattern, tr.Name) || !t.codeAccepted(tr.EntityID, q.CodeIDs) {
			return true
		}
		if !models.JSONContains(tr.Value, valueContains) {
			return true
		}
		out = &tr
		return false
	})
	return out, nil
}

func (s *Store) TransformationsBetween(ctx context.Context, from, to uint64) ([]models.Transformation, error) {
	t, unlock := s.read(ctx)
	defer unlock()

	var out []models.Transformation
	t.transformationsByHeight.AscendGreaterOrEqual(models.Transformation{BlockHeight: from}, func(tr models.Transformation) bool {
		if tr.BlockHeight > to {
			return false
		}
		out = append(out, tr)
		return true
	})
	return out, nil
}

// ---- change detection

func (s *Store) ChangeBlocks(ctx context.Context, deps []models.DependentKey, from, to uint64, limit int) ([]models.Block, error) {
	if len(deps) == 0 || from > to {
		return nil, nil
	}
	t, unlock := s.read(ctx)
	defer unlock()

	matches := func(rowKey string) bool {
		for _, d := range deps {
			if d.Matches(rowKey) {
				return true
			}
		}
		return false
	}

	found := map[uint64]int64{}
	t.eventsByHeight.AscendGreaterOrEqual(models.StateEvent{BlockHeight: from}, func(e models.StateEvent) bool {
		if e.BlockHeight > to {
			return false
		}
		if _, seen := found[e.BlockHeight]; !seen && matches(e.DependentKey()) {
			found[e.BlockHeight] = e.BlockTimeUnixMs
		}
		return true
	})
	t.transformationsByHeight.AscendGreaterOrEqual(models.Transformation{BlockHeight: from}, func(tr models.Transformation) bool {
		if tr.BlockHeight > to {
			return false
		}
		if _, seen := found[tr.BlockHeight]; !seen && matches(tr.DependentKey()) {
			found[tr.BlockHeight] = tr.BlockTimeUnixMs
		}
		return true
	})

	out := make([]models.Block, 0, len(found))
	for h, ts := range found {
		out = append(out, models.Block{Height: h, TimeUnixMs: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- blocks and entities

func (s *Store) UpsertBlocks(ctx context.Context, blocks []models.Block) error {
	t, unlock := s.write(ctx)
	defer unlock()
	for _, b := range blocks {
		if old, ok := t.blocks.ReplaceOrInsert(b); ok {
			t.blocksByTime.Delete(old)
		}
		t.blocksByTime.ReplaceOrInsert(b)
	}
	return nil
}

func (s *Store) LatestBlock(ctx context.Context) (*models.Block, error) {
	t, unlock := s.read(ctx)
	defer unlock()
	if b, ok := t.blocks.Max(); ok {
		return &b, nil
	}
	return nil, nil
}

func (s *Store) FirstBlock(ctx context.Context) (*models.Block, error) {
	t, unlock := s.read(ctx)
	defer unlock()
	if b, ok := t.blocks.Min(); ok {
		return &b, nil
	}
	return nil, nil
}

func (s *Store) BlockAtOrBefore(ctx context.Context, height uint64) (*models.Block, error) {
	t, unlock := s.read(ctx)
	defer unlock()

	var out *models.Block
	t.blocks.DescendLessOrEqual(models.Block{Height: height}, func(b models.Block) bool {
		out = &b
		return false
	})
	return out, nil
}

func (s *Store) BlockAtOrBeforeTime(ctx context.Context, timeUnixMs int64) (*models.Block, error) {
	t, unlock := s.read(ctx)
	defer unlock()

	var out *models.Block
	t.blocksByTime.DescendLessOrEqual(models.Block{Height: math.MaxUint64, TimeUnixMs: timeUnixMs}, func(b models.Block) bool {
		out = &b
		return false
	})
	return out, nil
}

func (s *Store) UpsertEntities(ctx context.Context, entities []models.Entity) error {
	t, unlock := s.write(ctx)
	defer unlock()
	for _, e := range entities {
		t.entities[e.Address] = e
	}
	return nil
}

func (s *Store) GetEntity(ctx context.Context, address string) (*models.Entity, error) {
	t, unlock := s.read(ctx)
	defer unlock()
	if e, ok := t.entities[address]; ok {
		return &e, nil
	}
	return nil, nil
}
