package formula

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
	"github.com/canopy-network/statex/pkg/keys"
	"github.com/canopy-network/statex/pkg/state"
)

func fixture(t *testing.T) (*state.Env, *memory.Store) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.UpsertEntities(ctx, []models.Entity{
		{Address: "token", CodeID: 1},
		{Address: "group", CodeID: 2},
		{Address: "other", CodeID: 9},
	}))
	require.NoError(t, store.UpsertEvents(ctx, []models.StateEvent{{
		Namespace:   "wasm",
		EntityID:    "token",
		Key:         keys.MustEncode("balance", "w1"),
		Value:       `"42"`,
		ValueJSON:   json.RawMessage(`"42"`),
		BlockHeight: 7,
	}}))
	src := &state.Source{
		Store:  store,
		Codes:  codes.NewRegistry(map[string][]uint64{"cw20-base": {1}, "cw4-group": {2}}),
		Logger: zaptest.NewLogger(t),
	}
	return src.NewEnv(models.Block{Height: 10}), store
}

func balanceFormula() *Formula {
	return &Formula{
		Name:         "cw20/balance",
		Type:         TypeContract,
		Filter:       Filter{CodeKinds: []string{"cw20-base"}},
		RequiredArgs: []string{"address"},
		Compute: func(ctx context.Context, env *Env) (any, error) {
			var s string
			ok, err := env.GetInto(ctx, &s, "wasm", env.Target, "balance", env.Arg("address"))
			if err != nil || !ok {
				return nil, err
			}
			return s, nil
		},
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(balanceFormula(), &Formula{
		Name:    "a/first",
		Type:    TypeContract,
		Compute: func(context.Context, *Env) (any, error) { return 1, nil },
	}))

	f, err := r.Get(TypeContract, "/cw20/balance/")
	require.NoError(t, err)
	require.Equal(t, "cw20/balance", f.Name)

	_, err = r.Get(TypeWallet, "cw20/balance")
	require.ErrorIs(t, err, ErrNotFound)

	err = r.Register(balanceFormula())
	require.ErrorContains(t, err, "duplicate")

	err = r.Register(&Formula{Name: "x", Type: "bogus", Compute: balanceFormula().Compute})
	require.ErrorIs(t, err, ErrInvalidArgument)

	list := r.List(TypeContract)
	require.Len(t, list, 2)
	require.Equal(t, "a/first", list[0].Name)
	require.Empty(t, r.List(TypeGeneric))
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("wallet")
	require.NoError(t, err)
	require.Equal(t, TypeWallet, typ)
	_, err = ParseType("account")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	st, _ := fixture(t)
	r := NewRegistry()
	f := balanceFormula()

	err := Check(ctx, NewEnv(st, r, TypeContract, "token", nil), f)
	require.ErrorIs(t, err, ErrInvalidArgument)

	err = Check(ctx, NewEnv(st, r, TypeContract, "missing", map[string]string{"address": "w1"}), f)
	require.ErrorIs(t, err, ErrEntityNotFound)

	err = Check(ctx, NewEnv(st, r, TypeContract, "group", map[string]string{"address": "w1"}), f)
	require.ErrorIs(t, err, ErrFilterMismatch)

	require.NoError(t, Check(ctx, NewEnv(st, r, TypeContract, "token", map[string]string{"address": "w1"}), f))
}

func TestCheckValidatorExists(t *testing.T) {
	ctx := context.Background()
	st, store := fixture(t)
	require.NoError(t, store.UpsertEvents(ctx, []models.StateEvent{{
		Namespace:   ValidatorNamespace,
		EntityID:    "val1",
		Key:         keys.MustEncode("validator"),
		Value:       `{"moniker":"v"}`,
		ValueJSON:   json.RawMessage(`{"moniker":"v"}`),
		BlockHeight: 8,
	}}))
	r := NewRegistry()
	info := &Formula{
		Name:    "staking/info",
		Type:    TypeValidator,
		Compute: func(context.Context, *Env) (any, error) { return nil, nil },
	}

	require.NoError(t, Check(ctx, NewEnv(st, r, TypeValidator, "val1", nil), info))

	err := Check(ctx, NewEnv(st, r, TypeValidator, "val2", nil), info)
	require.ErrorIs(t, err, ErrEntityNotFound)
	require.ErrorContains(t, err, "validator val2")

	err = Check(ctx, NewEnv(st.At(models.Block{Height: 7}), r, TypeValidator, "val1", nil), info)
	require.ErrorIs(t, err, ErrEntityNotFound)
}

func TestCallTracksCalleeReads(t *testing.T) {
	ctx := context.Background()
	st, _ := fixture(t)
	r := NewRegistry()
	r.MustRegister(balanceFormula(), &Formula{
		Name:    "clock",
		Type:    TypeGeneric,
		Dynamic: true,
		Compute: func(context.Context, *Env) (any, error) { return 0, nil },
	}, &Formula{
		Name: "fails",
		Type: TypeGeneric,
		Compute: func(context.Context, *Env) (any, error) {
			return nil, ErrInvalidArgument
		},
	})

	caller := NewEnv(st, r, TypeWallet, "w1", nil)
	out, err := caller.Call(ctx, TypeContract, "cw20/balance", "token", map[string]string{"address": "w1"})
	require.NoError(t, err)
	require.Equal(t, "42", out)
	require.Equal(t, uint64(7), caller.Tracker().LatestBlock().Height)
	require.NotEmpty(t, caller.Tracker().Dependencies())
	require.False(t, caller.Tracker().Dynamic())

	_, err = caller.Call(ctx, TypeGeneric, "clock", "", nil)
	require.NoError(t, err)
	require.True(t, caller.Tracker().Dynamic())

	_, err = caller.Call(ctx, TypeGeneric, "fails", "", nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.ErrorContains(t, err, "generic/fails")

	_, err = caller.Call(ctx, TypeContract, "cw20/balance", "group", map[string]string{"address": "w1"})
	require.True(t, errors.Is(err, ErrFilterMismatch))
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	st, _ := fixture(t)
	r := NewRegistry()
	constant := func(v string) *Formula {
		return &Formula{Name: v, Type: TypeContract, Compute: func(context.Context, *Env) (any, error) { return v, nil }}
	}
	d := Dispatch("kind/name", DispatchTable{
		"cw4-group": constant("group-impl"),
		"cw20-base": constant("token-impl"),
	})
	require.Equal(t, []string{"cw20-base", "cw4-group"}, d.Filter.CodeKinds)
	r.MustRegister(d)

	caller := NewEnv(st, r, TypeGeneric, "", nil)
	out, err := caller.Call(ctx, TypeContract, "kind/name", "group", nil)
	require.NoError(t, err)
	require.Equal(t, "group-impl", out)

	out, err = caller.Call(ctx, TypeContract, "kind/name", "token", nil)
	require.NoError(t, err)
	require.Equal(t, "token-impl", out)

	_, err = caller.Call(ctx, TypeContract, "kind/name", "other", nil)
	require.ErrorIs(t, err, ErrFilterMismatch)
}
