package library

import (
	"context"
	"time"

	"github.com/canopy-network/statex/pkg/formula"
	"github.com/canopy-network/statex/pkg/state"
	"github.com/canopy-network/statex/pkg/transform/rules"
)

func generic() []*formula.Formula {
	return []*formula.Formula{
		{
			Name: "daos/count",
			Type: formula.TypeGeneric,
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				matches, err := env.GetTransformationMatches(ctx, state.MatchQuery{
					NamePattern: "config",
					CodeKinds:   []string{rules.KindDaoCore},
				})
				if err != nil {
					return nil, err
				}
				return len(matches), nil
			},
		},
		{
			Name:    "time/now",
			Type:    formula.TypeGeneric,
			Dynamic: true,
			Docs:    "Wall clock time in unix milliseconds.",
			Compute: func(context.Context, *formula.Env) (any, error) {
				return time.Now().UnixMilli(), nil
			},
		},
		{
			Name: "block/height",
			Type: formula.TypeGeneric,
			Docs: "The block the query is evaluated at.",
			Compute: func(_ context.Context, env *formula.Env) (any, error) {
				return env.Block(), nil
			},
		},
	}
}
