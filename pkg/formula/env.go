package formula

import (
	"context"
	"fmt"

	"github.com/canopy-network/statex/pkg/state"
)

// Env is what a formula sees: state as of a block plus its target and arguments. Env values
// are never mutated; Rebind derives a new one.
type Env struct {
	*state.Env
	Type     Type
	Target   string
	Args     map[string]string
	registry *Registry
}

func NewEnv(st *state.Env, registry *Registry, typ Type, target string, args map[string]string) *Env {
	if args == nil {
		args = map[string]string{}
	}
	return &Env{Env: st, Type: typ, Target: target, Args: args, registry: registry}
}

// Rebind returns an Env over the same state for another target and arguments.
func (e *Env) Rebind(typ Type, target string, args map[string]string) *Env {
	return NewEnv(e.Env, e.registry, typ, target, args)
}

// Arg returns a named argument or "".
func (e *Env) Arg(name string) string {
	return e.Args[name]
}

// Call runs another formula against target within the same evaluation. Its reads are tracked
// as reads of the caller.
func (e *Env) Call(ctx context.Context, typ Type, name, target string, args map[string]string) (any, error) {
	f, err := e.registry.Get(typ, name)
	if err != nil {
		return nil, err
	}
	callee := e.Rebind(typ, target, args)
	if err := Check(ctx, callee, f); err != nil {
		return nil, err
	}
	if f.Dynamic {
		e.Tracker().MarkDynamic()
	}
	out, err := f.Compute(ctx, callee)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", typ, name, err)
	}
	return out, nil
}

// ValidatorNamespace holds validator records keyed by operator address.
const ValidatorNamespace = "staking"

// Check verifies env's target and arguments satisfy f: required arguments are present, a
// validator target has a record as of env's block, and a contract target exists and matches
// the formula's code kinds.
func Check(ctx context.Context, env *Env, f *Formula) error {
	if err := f.CheckArgs(env.Args); err != nil {
		return err
	}
	switch f.Type {
	case TypeValidator:
		return checkValidator(ctx, env)
	case TypeContract:
	default:
		return nil
	}
	entity, err := env.GetEntity(ctx, env.Target)
	if err != nil {
		return err
	}
	if entity == nil {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, env.Target)
	}
	if len(f.Filter.CodeKinds) == 0 {
		return nil
	}
	ok, err := env.EntityMatchesCodeKinds(ctx, env.Target, f.Filter.CodeKinds...)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is not one of %v", ErrFilterMismatch, env.Target, f.Filter.CodeKinds)
	}
	return nil
}

func checkValidator(ctx context.Context, env *Env) error {
	record, err := env.Get(ctx, ValidatorNamespace, env.Target, "validator")
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("%w: validator %s", ErrEntityNotFound, env.Target)
	}
	return nil
}
