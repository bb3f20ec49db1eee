package formula

import (
	"context"
	"fmt"
	"sort"
)

// DispatchTable maps a code kind to the formula implementing an operation for it.
type DispatchTable map[string]*Formula

// Dispatch builds a contract formula that picks its implementation from table by the target's
// code kind at call time.
func Dispatch(name string, table DispatchTable) *Formula {
	kinds := make([]string, 0, len(table))
	for k := range table {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	return &Formula{
		Name:   name,
		Type:   TypeContract,
		Filter: Filter{CodeKinds: kinds},
		Compute: func(ctx context.Context, env *Env) (any, error) {
			for _, kind := range kinds {
				ok, err := env.EntityMatchesCodeKinds(ctx, env.Target, kind)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				impl := table[kind]
				if err := impl.CheckArgs(env.Args); err != nil {
					return nil, err
				}
				if impl.Dynamic {
					env.Tracker().MarkDynamic()
				}
				return impl.Compute(ctx, env)
			}
			return nil, fmt.Errorf("%w: %s has no %s implementation", ErrFilterMismatch, env.Target, name)
		},
	}
}
