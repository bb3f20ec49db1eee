package library

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/canopy-network/statex/pkg/formula"
	"github.com/canopy-network/statex/pkg/keys"
	"github.com/canopy-network/statex/pkg/transform/rules"
)

type Member struct {
	Address string `json:"address"`
	Weight  uint64 `json:"weight"`
}

func votingModules() []*formula.Formula {
	cw4Power := &formula.Formula{
		Name:         "daoVotingCw4/votingPower",
		Type:         formula.TypeContract,
		Filter:       formula.Filter{CodeKinds: []string{rules.KindVotingCw4}},
		RequiredArgs: []string{"address"},
		Compute: func(ctx context.Context, env *formula.Env) (any, error) {
			group, err := item[string](ctx, env, env.Target, "group_contract")
			if err != nil || group == nil {
				return nil, err
			}
			weight, err := item[json.Number](ctx, env, *group, "members", env.Arg("address"))
			if err != nil {
				return nil, err
			}
			if weight == nil {
				return "0", nil
			}
			return weight.String(), nil
		},
	}
	cw4Total := &formula.Formula{
		Name:   "daoVotingCw4/totalPower",
		Type:   formula.TypeContract,
		Filter: formula.Filter{CodeKinds: []string{rules.KindVotingCw4}},
		Compute: func(ctx context.Context, env *formula.Env) (any, error) {
			group, err := item[string](ctx, env, env.Target, "group_contract")
			if err != nil || group == nil {
				return nil, err
			}
			total, err := item[json.Number](ctx, env, *group, "total")
			if err != nil {
				return nil, err
			}
			if total == nil {
				return "0", nil
			}
			return total.String(), nil
		},
	}
	stakedPower := &formula.Formula{
		Name:         "daoVotingCw20Staked/votingPower",
		Type:         formula.TypeContract,
		Filter:       formula.Filter{CodeKinds: []string{rules.KindVotingCw20}},
		RequiredArgs: []string{"address"},
		Compute: func(ctx context.Context, env *formula.Env) (any, error) {
			staking, err := item[string](ctx, env, env.Target, "staking_contract")
			if err != nil || staking == nil {
				return nil, err
			}
			balance, err := item[string](ctx, env, *staking, "staked_balances", env.Arg("address"))
			if err != nil {
				return nil, err
			}
			return stringOr(balance, "0"), nil
		},
	}
	stakedTotal := &formula.Formula{
		Name:   "daoVotingCw20Staked/totalPower",
		Type:   formula.TypeContract,
		Filter: formula.Filter{CodeKinds: []string{rules.KindVotingCw20}},
		Compute: func(ctx context.Context, env *formula.Env) (any, error) {
			staking, err := item[string](ctx, env, env.Target, "staking_contract")
			if err != nil || staking == nil {
				return nil, err
			}
			total, err := item[string](ctx, env, *staking, "total_staked")
			if err != nil {
				return nil, err
			}
			return stringOr(total, "0"), nil
		},
	}

	return []*formula.Formula{
		cw4Power, cw4Total, stakedPower, stakedTotal,
		formula.Dispatch("votingModule/votingPower", formula.DispatchTable{
			rules.KindVotingCw4:  cw4Power,
			rules.KindVotingCw20: stakedPower,
		}),
		formula.Dispatch("votingModule/totalPower", formula.DispatchTable{
			rules.KindVotingCw4:  cw4Total,
			rules.KindVotingCw20: stakedTotal,
		}),
		{
			Name:   "cw4Group/members",
			Type:   formula.TypeContract,
			Filter: formula.Filter{CodeKinds: []string{rules.KindCw4Group}},
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				m, err := env.GetMap(ctx, wasmNamespace, env.Target, keys.KindString, "members")
				if err != nil {
					return nil, err
				}
				out := make([]Member, 0, len(m))
				for addr, raw := range m {
					w, err := strconv.ParseUint(string(raw), 10, 64)
					if err != nil {
						return nil, err
					}
					out = append(out, Member{Address: addr, Weight: w})
				}
				sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
				return out, nil
			},
		},
	}
}
