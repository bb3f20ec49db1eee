package library

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/canopy-network/statex/pkg/formula"
	"github.com/canopy-network/statex/pkg/keys"
	"github.com/canopy-network/statex/pkg/transform/rules"
)

var daoFilter = formula.Filter{CodeKinds: []string{rules.KindDaoCore}}

type DaoItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func daoCore() []*formula.Formula {
	return []*formula.Formula{
		{
			Name:   "daoCore/config",
			Type:   formula.TypeContract,
			Filter: daoFilter,
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				if cfg, err := env.GetTransformation(ctx, env.Target, "config"); err != nil || cfg != nil {
					return cfg, err
				}
				// Contracts indexed before the config rule existed only have raw state.
				for _, key := range []string{"config_v2", "config"} {
					cfg, err := env.Get(ctx, wasmNamespace, env.Target, key)
					if err != nil || cfg != nil {
						return cfg, err
					}
				}
				return nil, nil
			},
		},
		{
			Name:   "daoCore/paused",
			Type:   formula.TypeContract,
			Filter: daoFilter,
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				return env.GetTransformation(ctx, env.Target, "paused")
			},
		},
		{
			Name:   "daoCore/admin",
			Type:   formula.TypeContract,
			Filter: daoFilter,
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				admin, err := item[string](ctx, env, env.Target, "admin")
				if err != nil || admin == nil {
					return nil, err
				}
				return *admin, nil
			},
		},
		{
			Name:   "daoCore/votingModule",
			Type:   formula.TypeContract,
			Filter: daoFilter,
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				module, err := votingModuleOf(ctx, env)
				if err != nil || module == "" {
					return nil, err
				}
				return module, nil
			},
		},
		{
			Name:   "daoCore/proposalModules",
			Type:   formula.TypeContract,
			Filter: daoFilter,
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				m, err := env.GetTransformationMap(ctx, env.Target, "proposalModule")
				if err != nil {
					return nil, err
				}
				out := make([]rules.ProposalModule, 0, len(m))
				for _, raw := range m {
					pm, err := decode[rules.ProposalModule](raw)
					if err != nil {
						return nil, err
					}
					out = append(out, pm)
				}
				sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
				return out, nil
			},
		},
		{
			Name:         "daoCore/item",
			Type:         formula.TypeContract,
			Filter:       daoFilter,
			RequiredArgs: []string{"key"},
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				v, err := item[string](ctx, env, env.Target, "items", env.Arg("key"))
				if err != nil || v == nil {
					return nil, err
				}
				return *v, nil
			},
		},
		{
			Name:   "daoCore/listItems",
			Type:   formula.TypeContract,
			Filter: daoFilter,
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				m, err := env.GetMap(ctx, wasmNamespace, env.Target, keys.KindString, "items")
				if err != nil {
					return nil, err
				}
				out := make([]DaoItem, 0, len(m))
				for k, raw := range m {
					v, err := decode[string](raw)
					if err != nil {
						return nil, err
					}
					out = append(out, DaoItem{Key: k, Value: v})
				}
				sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
				return out, nil
			},
		},
		{
			Name:         "daoCore/votingPower",
			Type:         formula.TypeContract,
			Filter:       daoFilter,
			RequiredArgs: []string{"address"},
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				module, err := votingModuleOf(ctx, env)
				if err != nil || module == "" {
					return nil, err
				}
				return env.Call(ctx, formula.TypeContract, "votingModule/votingPower", module, map[string]string{"address": env.Arg("address")})
			},
		},
		{
			Name:   "daoCore/totalPower",
			Type:   formula.TypeContract,
			Filter: daoFilter,
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				module, err := votingModuleOf(ctx, env)
				if err != nil || module == "" {
					return nil, err
				}
				return env.Call(ctx, formula.TypeContract, "votingModule/totalPower", module, nil)
			},
		},
		{
			Name:   "daoCore/created",
			Type:   formula.TypeContract,
			Filter: daoFilter,
			Docs:   "When the DAO config was first written, RFC 3339.",
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				for _, key := range []string{"config_v2", "config"} {
					at, ok, err := env.GetDateKeyFirstSet(ctx, wasmNamespace, env.Target, key)
					if err != nil {
						return nil, err
					}
					if ok {
						return at.UTC().Format(time.RFC3339), nil
					}
				}
				return nil, nil
			},
		},
	}
}

func votingModuleOf(ctx context.Context, env *formula.Env) (string, error) {
	raw, err := env.GetTransformation(ctx, env.Target, "votingModule")
	if err != nil {
		return "", err
	}
	if raw == nil {
		module, err := item[string](ctx, env, env.Target, "voting_module")
		if err != nil {
			return "", err
		}
		return stringOr(module, ""), nil
	}
	var module string
	if err := json.Unmarshal(raw, &module); err != nil {
		return "", err
	}
	return strings.TrimSpace(module), nil
}
