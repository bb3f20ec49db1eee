package rules

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/statex/pkg/codes"
	"github.com/canopy-network/statex/pkg/db/memory"
	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/keys"
	"github.com/canopy-network/statex/pkg/transform"
)

func balance(holder, amount string, height uint64) models.StateEvent {
	return models.StateEvent{
		Namespace:   transform.DefaultNamespace,
		EntityID:    "token",
		Key:         keys.MustEncode("balance", holder),
		Value:       `"` + amount + `"`,
		ValueJSON:   json.RawMessage(`"` + amount + `"`),
		BlockHeight: height,
	}
}

func newEngine(t *testing.T) (*transform.Engine, *memory.Store) {
	store := memory.New()
	require.NoError(t, store.UpsertEntities(context.Background(), []models.Entity{
		{Address: "token", CodeID: 1},
		{Address: "dao", CodeID: 2},
	}))
	registry := codes.NewRegistry(map[string][]uint64{KindCw20: {1}, KindDaoCore: {2}})
	engine, err := transform.NewEngine(registry, zaptest.NewLogger(t), All()...)
	require.NoError(t, err)
	return engine, store
}

func named(out []models.Transformation, name string) []models.Transformation {
	var res []models.Transformation
	for _, tr := range out {
		if tr.Name == name {
			res = append(res, tr)
		}
	}
	return res
}

func TestHasBalanceEmitsOnlyFlips(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()
	gone := balance("w1", "", 5)
	gone.Deleted = true
	gone.ValueJSON = nil

	out, err := engine.Transform(ctx, store, []models.StateEvent{
		balance("w1", "10", 1),
		balance("w1", "20", 2),
		balance("w1", "0", 3),
		balance("w1", "7", 4),
		gone,
		balance("w2", "0", 4),
	})
	require.NoError(t, err)

	flips := named(out, "hasBalance:w1")
	heights := make([]uint64, len(flips))
	values := make([]string, len(flips))
	for i, tr := range flips {
		heights[i] = tr.BlockHeight
		values[i] = string(tr.Value)
	}
	require.Equal(t, []uint64{1, 3, 4, 5}, heights)
	require.Equal(t, []string{"true", "false", "true", "false"}, values)
	require.Empty(t, named(out, "hasBalance:w2"))
	require.Len(t, named(out, "balance:w1"), 5)
}

func TestTokenInfoAndMinter(t *testing.T) {
	engine, store := newEngine(t)
	info := `{"name":"T","symbol":"T","decimals":6,"total_supply":"1","mint":{"minter":"w9","cap":null}}`
	out, err := engine.Transform(context.Background(), store, []models.StateEvent{{
		Namespace: transform.DefaultNamespace, EntityID: "token", Key: keys.MustEncode("token_info"),
		Value: info, ValueJSON: json.RawMessage(info), BlockHeight: 1,
	}})
	require.NoError(t, err)
	require.Len(t, named(out, "tokenInfo"), 1)
	m := named(out, "minter")
	require.Len(t, m, 1)
	require.JSONEq(t, `{"minter":"w9","cap":null}`, string(m[0].Value))
}

func TestProposalModuleVersions(t *testing.T) {
	engine, store := newEngine(t)
	v2 := `{"address":"p2","prefix":"B","status":"Enabled"}`
	out, err := engine.Transform(context.Background(), store, []models.StateEvent{
		{Namespace: transform.DefaultNamespace, EntityID: "dao", Key: keys.MustEncode("proposal_modules", "p1"), Value: "", BlockHeight: 1},
		{Namespace: transform.DefaultNamespace, EntityID: "dao", Key: keys.MustEncode("proposal_modules_v2", "p2"), Value: v2, ValueJSON: json.RawMessage(v2), BlockHeight: 1},
	})
	require.NoError(t, err)
	p1 := named(out, "proposalModule:p1")
	require.Len(t, p1, 1)
	require.JSONEq(t, `{"address":"p1","prefix":"","status":"Enabled"}`, string(p1[0].Value))
	p2 := named(out, "proposalModule:p2")
	require.Len(t, p2, 1)
	require.JSONEq(t, v2, string(p2[0].Value))
}

func TestBankBalance(t *testing.T) {
	engine, store := newEngine(t)
	out, err := engine.Transform(context.Background(), store, []models.StateEvent{{
		Namespace: BankNamespace, EntityID: "w1", Key: keys.MustEncode("ujuno"), Value: "250", BlockHeight: 3,
	}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "balance:ujuno", out[0].Name)
	require.JSONEq(t, `"250"`, string(out[0].Value))
}
