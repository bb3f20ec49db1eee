// Package rules holds the built-in transformation rule sets.
package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/keys"
	"github.com/canopy-network/statex/pkg/transform"
)

// Code kinds the built-in rules and formulas are written against. CODE_ID_KEYS maps them to
// code ids.
const (
	KindCw20       = "cw20-base"
	KindCw20Stake  = "cw20-stake"
	KindDaoCore    = "dao-core"
	KindCw4Group   = "cw4-group"
	KindVotingCw4  = "dao-voting-cw4"
	KindVotingCw20 = "dao-voting-cw20-staked"
)

var cw20Kinds = []string{KindCw20}

// Cw20 projects cw20 token state.
func Cw20() []transform.Rule {
	return []transform.Rule{
		transform.MakeRule(cw20Kinds, "tokenInfo", "token_info"),
		minter(),
		transform.MakeMapRule(cw20Kinds, "balance", []string{"balance"}, transform.MapOptions{}),
		transform.MakeMapRule(cw20Kinds, "allowance", []string{"allowance"}, transform.MapOptions{
			KeyKinds: []keys.Kind{keys.KindString, keys.KindString},
		}),
		hasBalance(),
	}
}

// minter extracts the mint section of token_info.
func minter() transform.Rule {
	r := transform.MakeRule(cw20Kinds, "minter", "token_info")
	r.Value = func(_ context.Context, ev models.StateEvent, _ transform.Previous) (json.RawMessage, bool, error) {
		var info struct {
			Mint json.RawMessage `json:"mint"`
		}
		if err := json.Unmarshal(ev.ValueJSON, &info); err != nil {
			return nil, false, fmt.Errorf("decode token_info: %w", err)
		}
		if len(info.Mint) == 0 {
			return json.RawMessage("null"), true, nil
		}
		return info.Mint, true, nil
	}
	return r
}

// hasBalance emits "hasBalance:<address>" only when the holder flips between holding a
// positive balance and not. Removals count as a zero balance.
func hasBalance() transform.Rule {
	prefix := keys.MustMapPrefix("balance")
	return transform.Rule{
		Name: "hasBalance",
		Filter: transform.Filter{
			Namespace: transform.DefaultNamespace,
			CodeKinds: cw20Kinds,
			Matches: func(ev models.StateEvent) bool {
				return bytes.HasPrefix(ev.Key, prefix) && len(ev.Key) > len(prefix)
			},
		},
		NameOf: func(ev models.StateEvent) (string, bool) {
			return "hasBalance:" + string(ev.Key[len(prefix):]), true
		},
		ManuallyTransformDeletes: true,
		Value: func(ctx context.Context, ev models.StateEvent, previous transform.Previous) (json.RawMessage, bool, error) {
			holds := false
			if !ev.Deleted {
				amount, err := decodeAmount(ev)
				if err != nil {
					return nil, false, err
				}
				holds = amount.Sign() > 0
			}
			prev, err := previous(ctx)
			if err != nil {
				return nil, false, err
			}
			var had bool
			if len(prev) > 0 {
				_ = json.Unmarshal(prev, &had)
			}
			if prev != nil && had == holds {
				return nil, false, nil
			}
			// Nothing to flip from.
			if prev == nil && !holds {
				return nil, false, nil
			}
			out, _ := json.Marshal(holds)
			return out, true, nil
		},
	}
}

// decodeAmount reads a Uint128 amount stored as a JSON string.
func decodeAmount(ev models.StateEvent) (*big.Int, error) {
	var s string
	if err := json.Unmarshal(ev.ValueJSON, &s); err != nil {
		s = ev.Value
	}
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return amount, nil
}
