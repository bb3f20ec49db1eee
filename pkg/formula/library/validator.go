package library

import (
	"context"
	"encoding/json"

	"github.com/canopy-network/statex/pkg/formula"
)

const StakingNamespace = formula.ValidatorNamespace

type Commission struct {
	Rate          string `json:"rate"`
	MaxRate       string `json:"maxRate"`
	MaxChangeRate string `json:"maxChangeRate"`
}

func validator() []*formula.Formula {
	return []*formula.Formula{
		{
			Name: "staking/info",
			Type: formula.TypeValidator,
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				return env.Get(ctx, StakingNamespace, env.Target, "validator")
			},
		},
		{
			Name: "staking/commission",
			Type: formula.TypeValidator,
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				var info struct {
					Commission *Commission `json:"commission"`
				}
				ok, err := env.GetInto(ctx, &info, StakingNamespace, env.Target, "validator")
				if err != nil || !ok {
					return nil, err
				}
				if info.Commission == nil {
					return nil, nil
				}
				return info.Commission, nil
			},
		},
		{
			Name: "staking/slashes",
			Type: formula.TypeValidator,
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				raw, err := env.Get(ctx, StakingNamespace, env.Target, "slashes")
				if err != nil || raw == nil {
					return []json.RawMessage{}, err
				}
				return decode[[]json.RawMessage](raw)
			},
		},
	}
}
