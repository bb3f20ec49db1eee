package state

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alitto/pond/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/statex/pkg/codes"
	"github.com/canopy-network/statex/pkg/db/memory"
	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/keys"
)

func wasm(entity string, key []byte, value string, height uint64) models.StateEvent {
	return models.StateEvent{
		Namespace:       "wasm",
		EntityID:        entity,
		Key:             key,
		Value:           value,
		ValueJSON:       json.RawMessage(value),
		BlockHeight:     height,
		BlockTimeUnixMs: int64(height) * 1000,
	}
}

func newSource(t *testing.T, store *memory.Store) *Source {
	registry := codes.NewRegistry(map[string][]uint64{"cw20-base": {1}, "dao-core": {2}})
	return &Source{Store: store, Codes: registry, Logger: zaptest.NewLogger(t)}
}

func TestGetIsPointInTimeAndTracked(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	balanceKey := keys.MustEncode("balance", "w1")
	require.NoError(t, store.UpsertEvents(ctx, []models.StateEvent{
		wasm("c1", balanceKey, `"100"`, 10),
		wasm("c1", balanceKey, `"200"`, 20),
	}))
	src := newSource(t, store)

	env := src.NewEnv(models.Block{Height: 15, TimeUnixMs: 15000})
	v, err := env.Get(ctx, "wasm", "c1", "balance", "w1")
	require.NoError(t, err)
	require.JSONEq(t, `"100"`, string(v))
	require.Equal(t, uint64(10), env.Tracker().LatestBlock().Height)
	require.Equal(t, []models.DependentKey{{Key: "wasm:c1:" + keys.Hex(balanceKey)}}, env.Tracker().Dependencies())

	later := env.At(models.Block{Height: 25})
	var s string
	ok, err := later.GetInto(ctx, &s, "wasm", "c1", "balance", "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "200", s)
	require.Equal(t, uint64(20), later.Tracker().LatestBlock().Height)
	// The original env is untouched by reads through the rebound one.
	require.Equal(t, uint64(10), env.Tracker().LatestBlock().Height)

	missing, err := env.Get(ctx, "wasm", "c1", "balance", "w2")
	require.NoError(t, err)
	require.Nil(t, missing)
	require.Len(t, env.Tracker().Dependencies(), 2)
}

func TestGetDeletedCountsAsRead(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	key := keys.MustEncode("config")
	del := wasm("c1", key, "", 12)
	del.Deleted = true
	del.ValueJSON = nil
	require.NoError(t, store.UpsertEvents(ctx, []models.StateEvent{wasm("c1", key, `{"a":1}`, 5), del}))

	env := newSource(t, store).NewEnv(models.Block{Height: 20})
	v, err := env.Get(ctx, "wasm", "c1", "config")
	require.NoError(t, err)
	require.Nil(t, v)
	require.Equal(t, uint64(12), env.Tracker().LatestBlock().Height)

	modified, ok, err := env.GetDateKeyModified(ctx, "wasm", "c1", "config")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(12000), modified.UnixMilli())

	first, ok, err := env.GetDateKeyFirstSet(ctx, "wasm", "c1", "config")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5000), first.UnixMilli())
}

func TestGetMap(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	del := wasm("c1", keys.MustEncode("balance", "w2"), "", 6)
	del.Deleted = true
	require.NoError(t, store.UpsertEvents(ctx, []models.StateEvent{
		wasm("c1", keys.MustEncode("balance", "w1"), `"1"`, 2),
		wasm("c1", keys.MustEncode("balance", "w2"), `"2"`, 3),
		wasm("c1", keys.MustEncode("balance", "w1"), `"5"`, 4),
		del,
		wasm("c1", keys.MustEncode("balances"), `"ignored"`, 3),
		wasm("c1", keys.MustEncode("proposals", uint64(7)), `{"id":7}`, 3),
	}))
	env := newSource(t, store).NewEnv(models.Block{Height: 10})

	m, err := env.GetMap(ctx, "wasm", "c1", keys.KindString, "balance")
	require.NoError(t, err)
	require.Len(t, m, 1)
	require.JSONEq(t, `"5"`, string(m["w1"]))
	require.Equal(t, uint64(6), env.Tracker().LatestBlock().Height)

	deps := env.Tracker().Dependencies()
	require.Len(t, deps, 1)
	require.True(t, deps[0].Prefix)

	proposals, err := env.GetMap(ctx, "wasm", "c1", keys.KindNumber, "proposals")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":7}`, string(proposals["7"]))

	none, err := env.GetMap(ctx, "wasm", "c1", keys.KindString, "unknown")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestTransformationReads(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.UpsertEntities(ctx, []models.Entity{{Address: "c1", CodeID: 1}, {Address: "c2", CodeID: 2}}))
	require.NoError(t, store.UpsertTransformations(ctx, []models.Transformation{
		{EntityID: "c1", Name: "hasBalance:w1", Value: json.RawMessage(`true`), BlockHeight: 2},
		{EntityID: "c2", Name: "hasBalance:w1", Value: json.RawMessage(`true`), BlockHeight: 3},
		{EntityID: "c2", Name: "hasBalance:w1", BlockHeight: 8},
		{EntityID: "c1", Name: "member:w1", Value: json.RawMessage(`{"weight":2}`), BlockHeight: 4},
		{EntityID: "c1", Name: "member:w2", Value: json.RawMessage(`{"weight":3}`), BlockHeight: 5},
	}))
	src := newSource(t, store)

	env := src.NewEnv(models.Block{Height: 10})
	matches, err := env.GetTransformationMatches(ctx, MatchQuery{NamePattern: "hasBalance:w1"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "c1", matches[0].EntityID)
	require.Equal(t, uint64(1), matches[0].CodeID)
	// The null row removing c2 is part of what the result depends on.
	require.Equal(t, uint64(8), env.Tracker().LatestBlock().Height)
	require.Equal(t, "transformation:*:hasBalance:w1", env.Tracker().Dependencies()[0].Key)

	onlyDAO, err := env.GetTransformationMatches(ctx, MatchQuery{NamePattern: "hasBalance:*", CodeKinds: []string{"dao-core"}})
	require.NoError(t, err)
	require.Empty(t, onlyDAO)

	unknownKind, err := env.GetTransformationMatches(ctx, MatchQuery{NamePattern: "hasBalance:*", CodeKinds: []string{"nope"}})
	require.NoError(t, err)
	require.Nil(t, unknownKind)

	members, err := env.GetTransformationMap(ctx, "c1", "member")
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.JSONEq(t, `{"weight":3}`, string(members["w2"]))

	heavy, err := env.GetTransformationMatch(ctx, MatchQuery{Entity: "c1", NamePattern: "member:*", ValueContains: json.RawMessage(`{"weight":3}`)})
	require.NoError(t, err)
	require.Equal(t, "member:w2", heavy.Name)

	first, ok, err := env.GetDateFirstTransformed(ctx, MatchQuery{Entity: "c1", NamePattern: "member:*"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(0), first.UnixMilli())

	v, err := env.GetTransformation(ctx, "c2", "hasBalance:w1")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestEntityCodeKinds(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.UpsertEntities(ctx, []models.Entity{{Address: "c1", CodeID: 1}}))
	env := newSource(t, store).NewEnv(models.Block{Height: 1})

	ok, err := env.EntityMatchesCodeKinds(ctx, "c1", "cw20-base")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = env.EntityMatchesCodeKinds(ctx, "c1", "dao-core")
	require.NoError(t, err)
	require.False(t, ok)

	kind, err := env.CodeKindOf(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "cw20-base", kind)
	kind, err = env.CodeKindOf(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, kind)
}

type countingReader struct {
	*memory.Store
	latestCalls int
}

func (c *countingReader) LatestEvent(ctx context.Context, namespace, entity string, key []byte, height uint64) (*models.StateEvent, error) {
	c.latestCalls++
	return c.Store.LatestEvent(ctx, namespace, entity, key, height)
}

func TestPrefetchWarmsMemo(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.UpsertEvents(ctx, []models.StateEvent{
		wasm("c1", keys.MustEncode("balance", "w1"), `"1"`, 2),
		wasm("c1", keys.MustEncode("token_info"), `{"symbol":"T"}`, 1),
	}))
	reader := &countingReader{Store: store}
	pool := pond.NewPool(4)
	t.Cleanup(pool.StopAndWait)
	src := &Source{Store: reader, Pool: pool, Logger: zaptest.NewLogger(t)}

	env := src.NewEnv(models.Block{Height: 5})
	require.NoError(t, env.Prefetch(ctx, "wasm", "c1", Exact("token_info"), MapOf("balance")))
	require.Empty(t, env.Tracker().Dependencies())
	calls := reader.latestCalls

	v, err := env.Get(ctx, "wasm", "c1", "balance", "w1")
	require.NoError(t, err)
	require.JSONEq(t, `"1"`, string(v))
	_, err = env.Get(ctx, "wasm", "c1", "token_info")
	require.NoError(t, err)
	require.Equal(t, calls, reader.latestCalls)
	require.Len(t, env.Tracker().Dependencies(), 2)
	require.Equal(t, uint64(2), env.Tracker().LatestBlock().Height)
}
