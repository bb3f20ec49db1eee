// Package library holds the built-in formulas.
package library

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/canopy-network/statex/pkg/formula"
)

const wasmNamespace = "wasm"

// All returns every built-in formula.
func All() []*formula.Formula {
	var out []*formula.Formula
	for _, set := range [][]*formula.Formula{cw20(), daoCore(), votingModules(), wallet(), generic(), validator()} {
		out = append(out, set...)
	}
	return out
}

// NewRegistry returns a registry holding the built-in formulas.
func NewRegistry() (*formula.Registry, error) {
	r := formula.NewRegistry()
	if err := r.Register(All()...); err != nil {
		return nil, err
	}
	return r, nil
}

// item reads a single wasm key of target into T.
func item[T any](ctx context.Context, env *formula.Env, target string, parts ...any) (*T, error) {
	var out T
	ok, err := env.GetInto(ctx, &out, wasmNamespace, target, parts...)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

func decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}
