package cache

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/statex/pkg/codes"
	"github.com/canopy-network/statex/pkg/compute"
	"github.com/canopy-network/statex/pkg/db/memory"
	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/formula"
	"github.com/canopy-network/statex/pkg/keys"
	"github.com/canopy-network/statex/pkg/state"
)

func balanceAt(holder, amount string, height uint64) models.StateEvent {
	return models.StateEvent{
		Namespace:       "wasm",
		EntityID:        "token",
		Key:             keys.MustEncode("balance", holder),
		Value:           `"` + amount + `"`,
		ValueJSON:       json.RawMessage(`"` + amount + `"`),
		BlockHeight:     height,
		BlockTimeUnixMs: int64(height) * 1000,
	}
}

type fixture struct {
	store *memory.Store
	cache *Cache
	reg   *formula.Registry
	evals int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{store: memory.New(), reg: formula.NewRegistry()}
	fx.reg.MustRegister(
		&formula.Formula{
			Name: "balance",
			Type: formula.TypeWallet,
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				fx.evals++
				return env.Get(ctx, "wasm", "token", "balance", env.Target)
			},
		},
		&formula.Formula{
			Name: "holders",
			Type: formula.TypeGeneric,
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				m, err := env.GetMap(ctx, "wasm", "token", keys.KindString, "balance")
				return len(m), err
			},
		},
		&formula.Formula{
			Name:    "clock",
			Type:    formula.TypeGeneric,
			Dynamic: true,
			Compute: func(context.Context, *formula.Env) (any, error) { return 1, nil },
		},
	)
	source := &state.Source{Store: fx.store, Codes: codes.NewRegistry(nil), Logger: zaptest.NewLogger(t)}
	computer := compute.NewComputer(source, fx.reg, zaptest.NewLogger(t))
	fx.cache = New(fx.store, computer, zaptest.NewLogger(t))
	return fx
}

func (fx *fixture) write(t *testing.T, events ...models.StateEvent) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fx.store.InTx(ctx, func(ctx context.Context) error {
		if err := fx.store.UpsertEvents(ctx, events); err != nil {
			return err
		}
		_, err := fx.cache.Invalidate(ctx, ChangesOf(events, nil))
		return err
	}))
}

func (fx *fixture) request(t *testing.T, typ formula.Type, name, target string, height uint64) compute.Request {
	f, err := fx.reg.Get(typ, name)
	require.NoError(t, err)
	return compute.Request{Formula: f, Target: target, Block: models.Block{Height: height, TimeUnixMs: int64(height) * 1000}}
}

func (fx *fixture) lookup(t *testing.T, req compute.Request) string {
	t.Helper()
	res, err := fx.cache.Lookup(context.Background(), req)
	require.NoError(t, err)
	return string(res.Output)
}

func TestBalanceScenario(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.write(t, balanceAt("x", "100", 10), balanceAt("x", "200", 20))

	require.Equal(t, `"100"`, fx.lookup(t, fx.request(t, formula.TypeWallet, "balance", "x", 15)))
	require.Equal(t, 1, fx.evals)

	key := fx.request(t, formula.TypeWallet, "balance", "x", 15).Key()
	comp, err := fx.store.LatestComputation(ctx, key, 15)
	require.NoError(t, err)
	require.Equal(t, uint64(10), comp.BlockHeight)
	require.Equal(t, uint64(15), comp.LatestBlockHeightValid)

	// A later block with no dependency writes is a hit that extends validity.
	require.Equal(t, `"100"`, fx.lookup(t, fx.request(t, formula.TypeWallet, "balance", "x", 18)))
	require.Equal(t, 1, fx.evals)
	comp, err = fx.store.LatestComputation(ctx, key, 18)
	require.NoError(t, err)
	require.Equal(t, uint64(18), comp.LatestBlockHeightValid)

	// Past the next write the cached value stops at the block before it.
	require.Equal(t, `"200"`, fx.lookup(t, fx.request(t, formula.TypeWallet, "balance", "x", 22)))
	require.Equal(t, 2, fx.evals)
	comp, err = fx.store.LatestComputation(ctx, key, 19)
	require.NoError(t, err)
	require.Equal(t, uint64(19), comp.LatestBlockHeightValid)

	// A late write inside the cached interval truncates it.
	fx.write(t, balanceAt("x", "150", 15))
	comp, err = fx.store.LatestComputation(ctx, key, 14)
	require.NoError(t, err)
	require.Equal(t, uint64(10), comp.BlockHeight)
	require.Equal(t, uint64(14), comp.LatestBlockHeightValid)

	require.Equal(t, `"150"`, fx.lookup(t, fx.request(t, formula.TypeWallet, "balance", "x", 15)))
	require.Equal(t, `"100"`, fx.lookup(t, fx.request(t, formula.TypeWallet, "balance", "x", 12)))
	require.Equal(t, `"200"`, fx.lookup(t, fx.request(t, formula.TypeWallet, "balance", "x", 21)))
}

func TestInvalidateDestroys(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.write(t, balanceAt("x", "100", 10), balanceAt("y", "1", 10))

	require.Equal(t, `2`, fx.lookup(t, fx.request(t, formula.TypeGeneric, "holders", "", 30)))
	require.Equal(t, `"100"`, fx.lookup(t, fx.request(t, formula.TypeWallet, "balance", "x", 30)))

	// Prefix dependency spanning the write: destroyed rather than truncated.
	holders := fx.request(t, formula.TypeGeneric, "holders", "", 30).Key()
	balance := fx.request(t, formula.TypeWallet, "balance", "x", 30).Key()
	fx.write(t, balanceAt("z", "5", 20))
	comp, err := fx.store.LatestComputation(ctx, holders, 30)
	require.NoError(t, err)
	require.Nil(t, comp)
	comp, err = fx.store.LatestComputation(ctx, balance, 30)
	require.NoError(t, err)
	require.NotNil(t, comp, "unrelated exact key untouched")
	require.Equal(t, uint64(30), comp.LatestBlockHeightValid)

	// Exact dependency rewritten at the computation's own block: destroyed.
	fx.write(t, balanceAt("x", "101", 10))
	comp, err = fx.store.LatestComputation(ctx, balance, 30)
	require.NoError(t, err)
	require.Nil(t, comp)
	require.Equal(t, `"101"`, fx.lookup(t, fx.request(t, formula.TypeWallet, "balance", "x", 30)))
	require.Equal(t, `3`, fx.lookup(t, fx.request(t, formula.TypeGeneric, "holders", "", 30)))
}

func TestInvalidateIgnoresLaterWrites(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.write(t, balanceAt("x", "100", 10))
	req := fx.request(t, formula.TypeWallet, "balance", "x", 12)
	fx.lookup(t, req)

	stats, err := fx.cache.Invalidate(ctx, []Change{{Key: balanceAt("x", "1", 13).DependentKey(), Height: 13}})
	require.NoError(t, err)
	require.Equal(t, InvalidationStats{Checked: 1}, stats)
}

func TestDynamicIsNotCached(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	req := fx.request(t, formula.TypeGeneric, "clock", "", 5)
	require.Equal(t, `1`, fx.lookup(t, req))
	comp, err := fx.store.LatestComputation(ctx, req.Key(), 5)
	require.NoError(t, err)
	require.Nil(t, comp)
}

func TestExtendValidity(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.write(t, balanceAt("x", "100", 10), balanceAt("x", "200", 20))
	dep := models.DependentKey{Key: balanceAt("x", "", 0).DependentKey()}

	comp := &models.Computation{
		ComputationKey:         models.ComputationKey{TargetAddress: "x", Type: "wallet", Formula: "balance", Args: "{}"},
		BlockHeight:            10,
		LatestBlockHeightValid: 12,
		ValidityExtendable:     true,
		Output:                 json.RawMessage(`"100"`),
		Dependencies:           []models.DependentKey{dep},
	}
	require.NoError(t, fx.store.UpsertComputation(ctx, comp))

	ok, err := fx.cache.ExtendValidity(ctx, comp, 9, nil)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = fx.cache.ExtendValidity(ctx, comp, 12, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = fx.cache.ExtendValidity(ctx, comp, 25, nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, uint64(19), comp.LatestBlockHeightValid)

	// Re-checking from an earlier block without conflicts never shrinks validity.
	from := uint64(11)
	ok, err = fx.cache.ExtendValidity(ctx, comp, 15, &from)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(19), comp.LatestBlockHeightValid)

	comp.ValidityExtendable = false
	ok, err = fx.cache.ExtendValidity(ctx, comp, 30, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPersistIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	key := models.ComputationKey{TargetAddress: "x", Type: "wallet", Formula: "balance", Args: "{}"}
	results := []compute.Result{
		{Block: models.Block{Height: 3}, Output: json.RawMessage(`1`), LatestBlockHeightValid: 4},
		{Block: models.Block{Height: 5}, Err: context.Canceled},
		{Block: models.Block{Height: 6}, Dynamic: true},
	}
	require.NoError(t, fx.cache.Persist(ctx, key, results))
	require.NoError(t, fx.cache.Persist(ctx, key, results))

	comps, err := fx.store.ComputationsInRange(ctx, key, 0, 10)
	require.NoError(t, err)
	require.Len(t, comps, 1)
	require.Equal(t, uint64(4), comps[0].LatestBlockHeightValid)
}
