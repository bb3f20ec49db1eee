// Package compute evaluates formulas at a block and over block ranges.
package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/formula"
	"github.com/canopy-network/statex/pkg/state"
)

// Request names one formula invocation at a block.
type Request struct {
	Formula *formula.Formula
	Target  string
	Args    map[string]string
	Block   models.Block
}

// At returns a copy of r evaluated at block.
func (r Request) At(block models.Block) Request {
	r.Block = block
	return r
}

// Key identifies the cached computations of r.
func (r Request) Key() models.ComputationKey {
	return models.ComputationKey{
		TargetAddress: r.Target,
		Type:          string(r.Formula.Type),
		Formula:       r.Formula.Name,
		Args:          models.CanonicalArgs(r.Args),
	}
}

// Result is one evaluated point.
type Result struct {
	// Block is the newest block of any row the evaluation read, or the evaluated block for
	// dynamic evaluations. It is the zero block when nothing was read.
	Block models.Block
	// Output is the JSON encoding of the formula value, nil when the formula had no value.
	Output                 json.RawMessage
	Dependencies           []models.DependentKey
	LatestBlockHeightValid uint64
	// Dynamic is set when the formula, or a formula it called, is dynamic.
	Dynamic bool
	// Err is set on failed points of a range.
	Err error
}

// ComputationError is a failure of a formula's own logic.
type ComputationError struct {
	Address string
	Formula string
	Args    map[string]string
	Block   models.Block
	Err     error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("compute %s for %s at block %d (args %s): %v",
		e.Formula, e.Address, e.Block.Height, models.CanonicalArgs(e.Args), e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }

// Computer evaluates formulas against a state source.
type Computer struct {
	source   *state.Source
	registry *formula.Registry
	logger   *zap.Logger
}

func NewComputer(source *state.Source, registry *formula.Registry, logger *zap.Logger) *Computer {
	return &Computer{source: source, registry: registry, logger: logger}
}

func (c *Computer) Registry() *formula.Registry { return c.registry }

// Check rejects requests whose arguments or target do not satisfy the formula. Only validator
// targets are looked up as of req.Block.
func (c *Computer) Check(ctx context.Context, req Request) error {
	env := formula.NewEnv(c.source.NewEnv(req.Block), c.registry, req.Formula.Type, req.Target, req.Args)
	return formula.Check(ctx, env, req.Formula)
}

// Compute evaluates req at req.Block. Argument and target errors are returned as is; failures
// inside the formula are wrapped in a *ComputationError.
func (c *Computer) Compute(ctx context.Context, req Request) (*Result, error) {
	st := c.source.NewEnv(req.Block)
	env := formula.NewEnv(st, c.registry, req.Formula.Type, req.Target, req.Args)
	if err := formula.Check(ctx, env, req.Formula); err != nil {
		return nil, err
	}

	value, err := req.Formula.Compute(ctx, env)
	tracker := st.Tracker()
	res := &Result{
		Block:                  tracker.LatestBlock(),
		Dependencies:           tracker.Dependencies(),
		LatestBlockHeightValid: req.Block.Height,
		Dynamic:                req.Formula.Dynamic || tracker.Dynamic(),
	}
	if res.Dynamic {
		res.Block = req.Block
	}
	if err != nil {
		res.Err = c.failure(req, err)
		return res, res.Err
	}
	if res.Output, err = encode(value); err != nil {
		res.Err = c.failure(req, err)
		return res, res.Err
	}
	return res, nil
}

func (c *Computer) failure(req Request, err error) error {
	var ce *ComputationError
	if errors.As(err, &ce) {
		return err
	}
	return &ComputationError{
		Address: req.Target,
		Formula: req.Formula.Name,
		Args:    req.Args,
		Block:   req.Block,
		Err:     err,
	}
}

func encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	if string(out) == "null" {
		return nil, nil
	}
	return out, nil
}
