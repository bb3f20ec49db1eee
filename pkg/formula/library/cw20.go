package library

import (
	"context"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/canopy-network/statex/pkg/formula"
	"github.com/canopy-network/statex/pkg/keys"
	"github.com/canopy-network/statex/pkg/transform/rules"
)

var cw20Filter = formula.Filter{CodeKinds: []string{rules.KindCw20}}

// Expiration mirrors cw-utils Expiration.
type Expiration struct {
	AtHeight *uint64   `json:"at_height,omitempty"`
	AtTime   *string   `json:"at_time,omitempty"`
	Never    *struct{} `json:"never,omitempty"`
}

// Allowance mirrors cw20 AllowanceResponse.
type Allowance struct {
	Allowance string     `json:"allowance"`
	Expires   Expiration `json:"expires"`
}

type SpenderAllowance struct {
	Spender string `json:"spender"`
	Allowance
}

type Holder struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func cw20() []*formula.Formula {
	return []*formula.Formula{
		{
			Name:         "cw20/balance",
			Type:         formula.TypeContract,
			Filter:       cw20Filter,
			RequiredArgs: []string{"address"},
			Docs:         "Token balance of an address.",
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				balance, err := item[string](ctx, env, env.Target, "balance", env.Arg("address"))
				if err != nil {
					return nil, err
				}
				return stringOr(balance, "0"), nil
			},
		},
		{
			Name:   "cw20/tokenInfo",
			Type:   formula.TypeContract,
			Filter: cw20Filter,
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				return env.Get(ctx, wasmNamespace, env.Target, "token_info")
			},
		},
		{
			Name:   "cw20/minter",
			Type:   formula.TypeContract,
			Filter: cw20Filter,
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				return env.GetTransformation(ctx, env.Target, "minter")
			},
		},
		{
			Name:         "cw20/allowance",
			Type:         formula.TypeContract,
			Filter:       cw20Filter,
			RequiredArgs: []string{"owner", "spender"},
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				a, err := item[Allowance](ctx, env, env.Target, "allowance", env.Arg("owner"), env.Arg("spender"))
				if err != nil || a == nil {
					return nil, err
				}
				return a, nil
			},
		},
		{
			Name:         "cw20/ownerAllowances",
			Type:         formula.TypeContract,
			Filter:       cw20Filter,
			RequiredArgs: []string{"owner"},
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				m, err := env.GetMap(ctx, wasmNamespace, env.Target, keys.KindString, "allowance", env.Arg("owner"))
				if err != nil {
					return nil, err
				}
				out := make([]SpenderAllowance, 0, len(m))
				for spender, raw := range m {
					a, err := decode[Allowance](raw)
					if err != nil {
						return nil, err
					}
					out = append(out, SpenderAllowance{Spender: spender, Allowance: a})
				}
				sort.Slice(out, func(i, j int) bool { return out[i].Spender < out[j].Spender })
				return out, nil
			},
		},
		{
			Name:   "cw20/holders",
			Type:   formula.TypeContract,
			Filter: cw20Filter,
			Docs:   "Holders with a positive balance ordered by balance, largest first. Optional limit.",
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				m, err := env.GetMap(ctx, wasmNamespace, env.Target, keys.KindString, "balance")
				if err != nil {
					return nil, err
				}
				holders := make([]Holder, 0, len(m))
				amounts := map[string]*big.Int{}
				for addr, raw := range m {
					s, err := decode[string](raw)
					if err != nil {
						return nil, err
					}
					n, ok := new(big.Int).SetString(s, 10)
					if !ok || n.Sign() <= 0 {
						continue
					}
					amounts[addr] = n
					holders = append(holders, Holder{Address: addr, Balance: s})
				}
				sort.Slice(holders, func(i, j int) bool {
					if c := amounts[holders[i].Address].Cmp(amounts[holders[j].Address]); c != 0 {
						return c > 0
					}
					return holders[i].Address < holders[j].Address
				})
				if limit, err := strconv.Atoi(env.Arg("limit")); err == nil && limit > 0 && limit < len(holders) {
					holders = holders[:limit]
				}
				return holders, nil
			},
		},
		{
			Name:         "cw20/allowanceActive",
			Type:         formula.TypeContract,
			Filter:       cw20Filter,
			Dynamic:      true,
			RequiredArgs: []string{"owner", "spender"},
			Docs:         "Whether the allowance is unexpired right now.",
			Compute: func(ctx context.Context, env *formula.Env) (any, error) {
				a, err := item[Allowance](ctx, env, env.Target, "allowance", env.Arg("owner"), env.Arg("spender"))
				if err != nil {
					return nil, err
				}
				if a == nil {
					return false, nil
				}
				return !expired(a.Expires, env.Block().Height, time.Now()), nil
			},
		},
	}
}

func expired(e Expiration, height uint64, now time.Time) bool {
	switch {
	case e.AtHeight != nil:
		return height >= *e.AtHeight
	case e.AtTime != nil:
		// cosmwasm timestamps are nanoseconds since the epoch.
		ns, err := strconv.ParseInt(*e.AtTime, 10, 64)
		if err != nil {
			return false
		}
		return now.UnixNano() >= ns
	default:
		return false
	}
}
