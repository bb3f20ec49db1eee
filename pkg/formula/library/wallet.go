package library

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/canopy-network/statex/pkg/formula"
	"github.com/canopy-network/statex/pkg/state"
	"github.com/canopy-network/statex/pkg/transform/rules"
)

type TokenBalance struct {
	Contract string `json:"contract"`
	Balance  string `json:"balance"`
}

type DenomBalance struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

func wallet() []*formula.Formula {
	return []*formula.Formula{
		{
			Name:         "bank/balance",
			Type:         formula.TypeWallet,
			RequiredArgs: []string{"denom"},
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				var amount string
				ok, err := env.GetInto(ctx, &amount, rules.BankNamespace, env.Target, env.Arg("denom"))
				if err != nil {
					return nil, err
				}
				if !ok {
					return "0", nil
				}
				return amount, nil
			},
		},
		{
			Name: "bank/balances",
			Type: formula.TypeWallet,
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				m, err := env.GetTransformationMap(ctx, env.Target, "balance")
				if err != nil {
					return nil, err
				}
				out := make([]DenomBalance, 0, len(m))
				for denom, raw := range m {
					amount, err := decode[string](raw)
					if err != nil {
						return nil, err
					}
					out = append(out, DenomBalance{Denom: denom, Amount: amount})
				}
				sort.Slice(out, func(i, j int) bool { return out[i].Denom < out[j].Denom })
				return out, nil
			},
		},
		{
			Name: "tokens/list",
			Type: formula.TypeWallet,
			Docs: "cw20 contracts the wallet holds a positive balance of, with balances.",
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				matches, err := env.GetTransformationMatches(ctx, state.MatchQuery{
					NamePattern:   "hasBalance:" + env.Target,
					ValueContains: json.RawMessage(`true`),
					CodeKinds:     []string{rules.KindCw20},
				})
				if err != nil {
					return nil, err
				}
				out := make([]TokenBalance, 0, len(matches))
				for _, m := range matches {
					balance, err := env.Call(ctx, formula.TypeContract, "cw20/balance", m.EntityID, map[string]string{"address": env.Target})
					if err != nil {
						return nil, err
					}
					out = append(out, TokenBalance{Contract: m.EntityID, Balance: balance.(string)})
				}
				sort.Slice(out, func(i, j int) bool { return out[i].Contract < out[j].Contract })
				return out, nil
			},
		},
		{
			Name: "daos/memberOf",
			Type: formula.TypeWallet,
			Docs: "DAOs whose cw4 group lists the wallet with a positive weight.",
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				members, err := env.GetTransformationMatches(ctx, state.MatchQuery{
					NamePattern: "member:" + env.Target,
					CodeKinds:   []string{rules.KindCw4Group},
				})
				if err != nil {
					return nil, err
				}
				daos := map[string]struct{}{}
				for _, member := range members {
					weight, err := strconv.ParseUint(strings.Trim(string(member.Value), `"`), 10, 64)
					if err != nil || weight == 0 {
						continue
					}
					group, _ := json.Marshal(member.EntityID)
					modules, err := env.GetTransformationMatches(ctx, state.MatchQuery{
						NamePattern:   "groupContract",
						ValueContains: group,
						CodeKinds:     []string{rules.KindVotingCw4},
					})
					if err != nil {
						return nil, err
					}
					for _, module := range modules {
						raw, err := env.GetTransformation(ctx, module.EntityID, "dao")
						if err != nil {
							return nil, err
						}
						if raw == nil {
							continue
						}
						dao, err := decode[string](raw)
						if err != nil {
							return nil, err
						}
						daos[dao] = struct{}{}
					}
				}
				out := make([]string, 0, len(daos))
				for dao := range daos {
					out = append(out, dao)
				}
				sort.Strings(out)
				return out, nil
			},
		},
	}
}
