// Package dbtest holds behaviour tests shared by every db.Store implementation.
package dbtest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/canopy-network/statex/pkg/db"
	"github.com/canopy-network/statex/pkg/db/models"
)

// Factory returns an empty store. The store is closed by the suite.
type Factory func(t *testing.T) db.Store

// Run executes the store behaviour suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := map[string]func(t *testing.T, s db.Store){
		"LatestEventIsPointInTime":      testLatestEvent,
		"PrefixScanLastWriteWins":       testPrefixScan,
		"FirstEventFilters":             testFirstEvent,
		"TransformationMatches":         testTransformationMatches,
		"FirstTransformation":           testFirstTransformation,
		"ChangeBlocks":                  testChangeBlocks,
		"BlockIndex":                    testBlockIndex,
		"ComputationUpsertIsIdempotent": testComputationUpsert,
		"ComputationsDependingOn":       testComputationsDependingOn,
		"InTxRollsBack":                 testInTxRollback,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func event(entity, key, value string, height uint64) models.StateEvent {
	return models.StateEvent{
		Namespace:       "wasm",
		EntityID:        entity,
		Key:             []byte(key),
		Value:           value,
		ValueJSON:       json.RawMessage(value),
		BlockHeight:     height,
		BlockTimeUnixMs: int64(height) * 1000,
	}
}

func deleted(entity, key string, height uint64) models.StateEvent {
	e := event(entity, key, "", height)
	e.ValueJSON = nil
	e.Deleted = true
	return e
}

func transformation(entity, name, value string, height uint64) models.Transformation {
	tr := models.Transformation{EntityID: entity, Name: name, BlockHeight: height, BlockTimeUnixMs: int64(height) * 1000}
	if value != "" {
		tr.Value = json.RawMessage(value)
	}
	return tr
}

func testLatestEvent(t *testing.T, s db.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertEvents(ctx, []models.StateEvent{
		event("c1", "balance", `"100"`, 10),
		event("c1", "balance", `"200"`, 20),
		deleted("c1", "balance", 30),
	}))

	e, err := s.LatestEvent(ctx, "wasm", "c1", []byte("balance"), 9)
	require.NoError(t, err)
	require.Nil(t, e)

	e, err = s.LatestEvent(ctx, "wasm", "c1", []byte("balance"), 15)
	require.NoError(t, err)
	require.Equal(t, `"100"`, e.Value)

	e, err = s.LatestEvent(ctx, "wasm", "c1", []byte("balance"), 20)
	require.NoError(t, err)
	require.Equal(t, `"200"`, e.Value)

	e, err = s.LatestEvent(ctx, "wasm", "c1", []byte("balance"), 31)
	require.NoError(t, err)
	require.True(t, e.Deleted)

	e, err = s.LatestEvent(ctx, "wasm", "c2", []byte("balance"), 31)
	require.NoError(t, err)
	require.Nil(t, e)
}

func testPrefixScan(t *testing.T, s db.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertEvents(ctx, []models.StateEvent{
		event("c1", "b/alice", `"1"`, 1),
		event("c1", "b/alice", `"2"`, 5),
		event("c1", "b/bob", `"3"`, 2),
		deleted("c1", "b/bob", 4),
		event("c1", "c/alice", `"9"`, 1),
		event("c2", "b/carol", `"7"`, 1),
	}))

	rows, err := s.LatestEventsWithPrefix(ctx, "wasm", "c1", []byte("b/"), 3)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "b/alice", string(rows[0].Key))
	require.Equal(t, `"1"`, rows[0].Value)
	require.Equal(t, "b/bob", string(rows[1].Key))
	require.False(t, rows[1].Deleted)

	rows, err = s.LatestEventsWithPrefix(ctx, "wasm", "c1", []byte("b/"), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, `"2"`, rows[0].Value)
	require.True(t, rows[1].Deleted)
}

func testFirstEvent(t *testing.T, s db.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertEvents(ctx, []models.StateEvent{
		deleted("c1", "status", 3),
		event("c1", "status", `{"state":"open"}`, 5),
		event("c1", "status", `{"state":"passed"}`, 8),
	}))

	e, err := s.FirstEvent(ctx, "wasm", "c1", []byte("status"), 100, db.EventFilter{})
	require.NoError(t, err)
	require.Equal(t, uint64(3), e.BlockHeight)

	e, err = s.FirstEvent(ctx, "wasm", "c1", []byte("status"), 100, db.EventFilter{SkipDeleted: true})
	require.NoError(t, err)
	require.Equal(t, uint64(5), e.BlockHeight)

	e, err = s.FirstEvent(ctx, "wasm", "c1", []byte("status"), 100, db.EventFilter{ValueContains: json.RawMessage(`{"state":"passed"}`)})
	require.NoError(t, err)
	require.Equal(t, uint64(8), e.BlockHeight)

	e, err = s.FirstEvent(ctx, "wasm", "c1", []byte("status"), 7, db.EventFilter{ValueContains: json.RawMessage(`{"state":"passed"}`)})
	require.NoError(t, err)
	require.Nil(t, e)
}

func testTransformationMatches(t *testing.T, s db.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertEntities(ctx, []models.Entity{
		{Address: "c1", CodeID: 1},
		{Address: "c2", CodeID: 2},
	}))
	require.NoError(t, s.UpsertTransformations(ctx, []models.Transformation{
		transformation("c1", "hasBalance:w1", `true`, 2),
		transformation("c1", "hasBalance:w1", "", 6),
		transformation("c2", "hasBalance:w1", `true`, 3),
		transformation("c2", "hasBalance:w2", `true`, 3),
		transformation("c1", "member:w1", `{"weight":5}`, 1),
		transformation("c1", "member:w2", `{"weight":0}`, 1),
	}))

	tr, err := s.LatestTransformation(ctx, "c1", "hasBalance:w1", 5)
	require.NoError(t, err)
	require.False(t, tr.IsNull())
	tr, err = s.LatestTransformation(ctx, "c1", "hasBalance:w1", 6)
	require.NoError(t, err)
	require.True(t, tr.IsNull())

	matches, err := s.MatchTransformations(ctx, db.TransformationQuery{NamePattern: "hasBalance:w1"}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.False(t, matches[0].IsNull())

	// The newest c1 row is null and is returned as such.
	matches, err = s.MatchTransformations(ctx, db.TransformationQuery{NamePattern: "hasBalance:w1"}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "c1", matches[0].EntityID)
	require.True(t, matches[0].IsNull())
	require.Equal(t, "c2", matches[1].EntityID)

	matches, err = s.MatchTransformations(ctx, db.TransformationQuery{NamePattern: "hasBalance:*", CodeIDs: []uint64{2}}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	matches, err = s.MatchTransformations(ctx, db.TransformationQuery{Entity: "c1", NamePattern: "member:*"}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "member:w1", matches[0].Name)

	rows, err := s.LatestTransformationsWithPrefix(ctx, "c1", "member:", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "member:w1", rows[0].Name)
	require.Equal(t, "member:w2", rows[1].Name)
}

func testFirstTransformation(t *testing.T, s db.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertTransformations(ctx, []models.Transformation{
		transformation("c1", "proposal:1", `{"status":"open"}`, 4),
		transformation("c1", "proposal:1", `{"status":"executed"}`, 9),
		transformation("c2", "proposal:1", `{"status":"executed"}`, 7),
	}))

	executed := json.RawMessage(`{"status":"executed"}`)
	tr, err := s.FirstTransformation(ctx, db.TransformationQuery{Entity: "c1", NamePattern: "proposal:*"}, executed, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(9), tr.BlockHeight)

	tr, err = s.FirstTransformation(ctx, db.TransformationQuery{NamePattern: "proposal:*"}, executed, 100)
	require.NoError(t, err)
	require.Equal(t, "c2", tr.EntityID)

	tr, err = s.FirstTransformation(ctx, db.TransformationQuery{Entity: "c1", NamePattern: "proposal:*"}, nil, 3)
	require.NoError(t, err)
	require.Nil(t, tr)
}

func testChangeBlocks(t *testing.T, s db.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertEvents(ctx, []models.StateEvent{
		event("c1", "a", `1`, 2),
		event("c1", "ab", `1`, 4),
		event("c1", "b", `1`, 6),
		event("c2", "a", `1`, 8),
	}))
	require.NoError(t, s.UpsertTransformations(ctx, []models.Transformation{
		transformation("c3", "info", `{}`, 5),
	}))

	exact := models.DependentKey{Key: models.DependentKeyFor("wasm", "c1", "61")}
	blocks, err := s.ChangeBlocks(ctx, []models.DependentKey{exact}, 1, 100, 0)
	require.NoError(t, err)
	require.Equal(t, []models.Block{{Height: 2, TimeUnixMs: 2000}}, blocks)

	prefix := models.DependentKey{Key: models.DependentKeyFor("wasm", "c1", "61"), Prefix: true}
	tkey := models.DependentKey{Key: models.DependentKeyFor(models.TransformationNamespace, "*", "info")}
	blocks, err = s.ChangeBlocks(ctx, []models.DependentKey{prefix, tkey}, 3, 100, 0)
	require.NoError(t, err)
	require.Equal(t, []models.Block{{Height: 4, TimeUnixMs: 4000}, {Height: 5, TimeUnixMs: 5000}}, blocks)

	blocks, err = s.ChangeBlocks(ctx, []models.DependentKey{prefix, tkey}, 1, 100, 1)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, uint64(2), blocks[0].Height)

	blocks, err = s.ChangeBlocks(ctx, nil, 1, 100, 0)
	require.NoError(t, err)
	require.Empty(t, blocks)
}

func testBlockIndex(t *testing.T, s db.Store) {
	ctx := context.Background()
	b, err := s.LatestBlock(ctx)
	require.NoError(t, err)
	require.Nil(t, b)

	require.NoError(t, s.UpsertBlocks(ctx, []models.Block{
		{Height: 5, TimeUnixMs: 5000},
		{Height: 10, TimeUnixMs: 10000},
		{Height: 15, TimeUnixMs: 15000},
	}))

	b, err = s.LatestBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(15), b.Height)
	b, err = s.FirstBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), b.Height)
	b, err = s.BlockAtOrBefore(ctx, 12)
	require.NoError(t, err)
	require.Equal(t, uint64(10), b.Height)
	b, err = s.BlockAtOrBeforeTime(ctx, 14999)
	require.NoError(t, err)
	require.Equal(t, uint64(10), b.Height)
	b, err = s.BlockAtOrBeforeTime(ctx, 4999)
	require.NoError(t, err)
	require.Nil(t, b)
}

func testComputationUpsert(t *testing.T, s db.Store) {
	ctx := context.Background()
	key := models.ComputationKey{TargetAddress: "c1", Type: "contract", Formula: "balance", Args: `{"address":"w1"}`}
	deps := []models.DependentKey{{Key: "wasm:c1:00"}}

	first := &models.Computation{ComputationKey: key, BlockHeight: 10, LatestBlockHeightValid: 20, Output: json.RawMessage(`"100"`), Dependencies: deps}
	require.NoError(t, s.UpsertComputation(ctx, first))
	require.NotZero(t, first.ID)

	again := &models.Computation{ComputationKey: key, BlockHeight: 10, LatestBlockHeightValid: 12, Output: json.RawMessage(`"100"`), Dependencies: deps}
	require.NoError(t, s.UpsertComputation(ctx, again))
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, uint64(20), again.LatestBlockHeightValid)

	second := &models.Computation{ComputationKey: key, BlockHeight: 21, LatestBlockHeightValid: 30, Output: json.RawMessage(`"200"`), Dependencies: deps}
	require.NoError(t, s.UpsertComputation(ctx, second))

	c, err := s.LatestComputation(ctx, key, 15)
	require.NoError(t, err)
	require.Equal(t, first.ID, c.ID)
	require.Equal(t, deps, c.Dependencies)

	c, err = s.LatestComputation(ctx, key, 9)
	require.NoError(t, err)
	require.Nil(t, c)

	in, err := s.ComputationsInRange(ctx, key, 10, 40)
	require.NoError(t, err)
	require.Len(t, in, 1)
	require.Equal(t, second.ID, in[0].ID)

	require.NoError(t, s.UpdateComputationValidity(ctx, first.ID, 14))
	c, err = s.LatestComputation(ctx, key, 15)
	require.NoError(t, err)
	require.Equal(t, uint64(14), c.LatestBlockHeightValid)

	n, err := s.DeleteComputationsForTarget(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	c, err = s.LatestComputation(ctx, key, 100)
	require.NoError(t, err)
	require.Nil(t, c)
}

func testComputationsDependingOn(t *testing.T, s db.Store) {
	ctx := context.Background()
	mk := func(formula string, deps ...models.DependentKey) *models.Computation {
		return &models.Computation{
			ComputationKey:         models.ComputationKey{TargetAddress: "c1", Type: "contract", Formula: formula, Args: "{}"},
			BlockHeight:            1,
			LatestBlockHeightValid: 1,
			Dependencies:           deps,
		}
	}
	exact := mk("exact", models.DependentKey{Key: "wasm:c1:0a"})
	prefix := mk("prefix", models.DependentKey{Key: "wasm:c1:0", Prefix: true})
	wildcard := mk("wildcard", models.DependentKey{Key: "transformation:*:info"})
	for _, c := range []*models.Computation{exact, prefix, wildcard} {
		require.NoError(t, s.UpsertComputation(ctx, c))
	}

	got, err := s.ComputationsDependingOn(ctx, []string{"wasm:c1:0a"})
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{exact.ID, prefix.ID}, ids(got))

	got, err = s.ComputationsDependingOn(ctx, []string{"transformation:c7:info", "wasm:c1:0b"})
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{prefix.ID, wildcard.ID}, ids(got))

	require.NoError(t, s.DeleteComputations(ctx, []int64{prefix.ID}))
	got, err = s.ComputationsDependingOn(ctx, []string{"wasm:c1:0a"})
	require.NoError(t, err)
	require.Equal(t, []int64{exact.ID}, ids(got))
}

func ids(cs []models.Computation) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func testInTxRollback(t *testing.T, s db.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(ctx context.Context) error {
		if err := s.UpsertEvents(ctx, []models.StateEvent{event("c1", "a", `1`, 1)}); err != nil {
			return err
		}
		e, err := s.LatestEvent(ctx, "wasm", "c1", []byte("a"), 1)
		if err != nil {
			return err
		}
		require.NotNil(t, e)
		return boom
	})
	require.ErrorIs(t, err, boom)

	e, err := s.LatestEvent(ctx, "wasm", "c1", []byte("a"), 1)
	require.NoError(t, err)
	require.Nil(t, e)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context) error {
		return s.UpsertEvents(ctx, []models.StateEvent{event("c1", "a", `1`, 1)})
	}))
	e, err = s.LatestEvent(ctx, "wasm", "c1", []byte("a"), 1)
	require.NoError(t, err)
	require.NotNil(t, e)
}
