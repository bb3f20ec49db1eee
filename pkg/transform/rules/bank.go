package rules

import (
	"context"
	"encoding/json"

	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/keys"
	"github.com/canopy-network/statex/pkg/transform"
)

// BankNamespace holds native balances: entity is the holder, key is the denom and the value
// is the amount as a decimal string.
const BankNamespace = "bank"

// Bank projects native balances into "balance:<denom>" on the holder.
func Bank() []transform.Rule {
	return []transform.Rule{{
		Name: "bankBalance",
		Filter: transform.Filter{
			Namespace: BankNamespace,
			CodeKinds: []string{transform.AnyKind},
		},
		NameOf: func(ev models.StateEvent) (string, bool) {
			parts, err := keys.Decode(ev.Key, keys.KindString)
			if err != nil {
				return "", false
			}
			return "balance:" + parts[0].(string), true
		},
		Value: func(_ context.Context, ev models.StateEvent, _ transform.Previous) (json.RawMessage, bool, error) {
			amount, err := decodeAmount(ev)
			if err != nil {
				return nil, false, err
			}
			out, _ := json.Marshal(amount.String())
			return out, true, nil
		},
	}}
}

// All returns every built-in rule.
func All() []transform.Rule {
	var out []transform.Rule
	for _, set := range [][]transform.Rule{Cw20(), DaoCore(), Cw4(), Cw20Staked(), Bank()} {
		out = append(out, set...)
	}
	return out
}
