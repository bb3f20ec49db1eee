package compute

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/statex/pkg/codes"
	"github.com/canopy-network/statex/pkg/db/memory"
	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/formula"
	"github.com/canopy-network/statex/pkg/keys"
	"github.com/canopy-network/statex/pkg/state"
)

var errTooRich = errors.New("too rich")

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

func newComputer(t *testing.T, events ...models.StateEvent) (*Computer, *formula.Registry) {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.UpsertEvents(context.Background(), events))
	registry := formula.NewRegistry()
	registry.MustRegister(
		&formula.Formula{
			Name: "balance",
			Type: formula.TypeWallet,
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				var s string
				ok, err := env.GetInto(ctx, &s, "wasm", "token", "balance", env.Target)
				if err != nil || !ok {
					return nil, err
				}
				if s == env.Arg("failAt") {
					return nil, errTooRich
				}
				return s, nil
			},
		},
		&formula.Formula{
			Name:    "clock",
			Type:    formula.TypeGeneric,
			Dynamic: true,
			Compute: func(context.Context, *formula.Env) (any, error) { return 1, nil },
		},
		&formula.Formula{
			Name:    "tokenOnly",
			Type:    formula.TypeContract,
			Compute: func(context.Context, *formula.Env) (any, error) { return 1, nil },
		},
	)
	source := &state.Source{Store: store, Codes: codes.NewRegistry(nil), Logger: zaptest.NewLogger(t)}
	return NewComputer(source, registry, zaptest.NewLogger(t)), registry
}

func request(t *testing.T, r *formula.Registry, typ formula.Type, name, target string, args map[string]string) Request {
	f, err := r.Get(typ, name)
	require.NoError(t, err)
	return Request{Formula: f, Target: target, Args: args}
}

func TestComputeReportsNewestReadBlock(t *testing.T) {
	ctx := context.Background()
	c, r := newComputer(t, balanceAt("x", "100", 10), balanceAt("x", "200", 20))
	req := request(t, r, formula.TypeWallet, "balance", "x", nil)

	res, err := c.Compute(ctx, req.At(models.Block{Height: 15, TimeUnixMs: 15000}))
	require.NoError(t, err)
	require.JSONEq(t, `"100"`, string(res.Output))
	require.Equal(t, models.Block{Height: 10, TimeUnixMs: 10000}, res.Block)
	require.Equal(t, uint64(15), res.LatestBlockHeightValid)
	require.Len(t, res.Dependencies, 1)
	require.False(t, res.Dynamic)

	res, err = c.Compute(ctx, req.At(models.Block{Height: 5}))
	require.NoError(t, err)
	require.Nil(t, res.Output)
	require.True(t, res.Block.IsZero())
}

func TestComputeDynamicUsesRequestedBlock(t *testing.T) {
	c, r := newComputer(t)
	req := request(t, r, formula.TypeGeneric, "clock", "", nil)
	res, err := c.Compute(context.Background(), req.At(models.Block{Height: 33, TimeUnixMs: 1}))
	require.NoError(t, err)
	require.True(t, res.Dynamic)
	require.Equal(t, uint64(33), res.Block.Height)
}

func TestComputeErrors(t *testing.T) {
	ctx := context.Background()
	c, r := newComputer(t, balanceAt("x", "100", 10))

	_, err := c.Compute(ctx, request(t, r, formula.TypeContract, "tokenOnly", "nowhere", nil))
	require.ErrorIs(t, err, formula.ErrEntityNotFound)
	var ce *ComputationError
	require.False(t, errors.As(err, &ce))

	req := request(t, r, formula.TypeWallet, "balance", "x", map[string]string{"failAt": "100"})
	_, err = c.Compute(ctx, req.At(models.Block{Height: 12}))
	require.ErrorAs(t, err, &ce)
	require.ErrorIs(t, err, errTooRich)
	require.Equal(t, "x", ce.Address)
	require.Equal(t, "balance", ce.Formula)
	require.Equal(t, uint64(12), ce.Block.Height)
	require.Contains(t, ce.Error(), `{"failAt":"100"}`)
}

func TestComputeRangeBalanceScenario(t *testing.T) {
	ctx := context.Background()
	c, r := newComputer(t, balanceAt("x", "100", 10), balanceAt("x", "200", 20), balanceAt("y", "7", 12))
	req := request(t, r, formula.TypeWallet, "balance", "x", nil)

	points, err := c.ComputeRange(ctx, req, models.Block{Height: 5, TimeUnixMs: 5000}, models.Block{Height: 25, TimeUnixMs: 25000})
	require.NoError(t, err)
	require.Len(t, points, 3)

	require.Nil(t, points[0].Output)
	require.Equal(t, uint64(9), points[0].LatestBlockHeightValid)

	require.Equal(t, uint64(10), points[1].Block.Height)
	require.JSONEq(t, `"100"`, string(points[1].Output))
	require.Equal(t, uint64(19), points[1].LatestBlockHeightValid)

	require.Equal(t, uint64(20), points[2].Block.Height)
	require.JSONEq(t, `"200"`, string(points[2].Output))
	require.Equal(t, uint64(25), points[2].LatestBlockHeightValid)

	// The last point agrees with a direct evaluation at the end of the range.
	direct, err := c.Compute(ctx, req.At(models.Block{Height: 25}))
	require.NoError(t, err)
	require.Equal(t, direct.Output, points[2].Output)
	require.Equal(t, direct.Block, points[2].Block)
}

func TestComputeRangeWithoutChanges(t *testing.T) {
	c, r := newComputer(t, balanceAt("x", "100", 10))
	req := request(t, r, formula.TypeWallet, "balance", "x", nil)

	points, err := c.ComputeRange(context.Background(), req, models.Block{Height: 11}, models.Block{Height: 40})
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, uint64(10), points[0].Block.Height)
	require.Equal(t, uint64(40), points[0].LatestBlockHeightValid)
}

func TestComputeRangeContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	c, r := newComputer(t, balanceAt("x", "100", 10), balanceAt("x", "200", 20), balanceAt("x", "300", 30))
	req := request(t, r, formula.TypeWallet, "balance", "x", map[string]string{"failAt": "200"})

	points, err := c.ComputeRange(ctx, req, models.Block{Height: 10, TimeUnixMs: 10000}, models.Block{Height: 35})
	require.NoError(t, err)
	require.Len(t, points, 3)
	require.Equal(t, uint64(19), points[0].LatestBlockHeightValid)

	var ce *ComputationError
	require.ErrorAs(t, points[1].Err, &ce)
	require.Equal(t, uint64(20), points[1].Block.Height)
	require.Equal(t, uint64(29), points[1].LatestBlockHeightValid)

	require.NoError(t, points[2].Err)
	require.JSONEq(t, `"300"`, string(points[2].Output))
	require.Equal(t, uint64(35), points[2].LatestBlockHeightValid)
}

func TestComputeRangeAbortsOnCheckFailure(t *testing.T) {
	c, r := newComputer(t)
	_, err := c.ComputeRange(context.Background(), request(t, r, formula.TypeContract, "tokenOnly", "nowhere", nil),
		models.Block{Height: 1}, models.Block{Height: 2})
	require.ErrorIs(t, err, formula.ErrEntityNotFound)
}

func TestRequestKey(t *testing.T) {
	_, r := newComputer(t)
	req := request(t, r, formula.TypeWallet, "balance", "x", map[string]string{"b": "2", "a": "1"})
	require.Equal(t, models.ComputationKey{
		TargetAddress: "x",
		Type:          "wallet",
		Formula:       "balance",
		Args:          `{"a":"1","b":"2"}`,
	}, req.Key())
}
