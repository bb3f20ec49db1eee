// Package formula defines formulas, the registry that names them and the environment they run
// in.
package formula

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Type is the kind of target a formula computes over.
type Type string

const (
	TypeContract  Type = "contract"
	TypeWallet    Type = "wallet"
	TypeGeneric   Type = "generic"
	TypeValidator Type = "validator"
)

var Types = []Type{TypeContract, TypeWallet, TypeGeneric, TypeValidator}

var (
	ErrNotFound        = errors.New("formula not found")
	ErrEntityNotFound  = errors.New("entity not found")
	ErrFilterMismatch  = errors.New("entity does not match formula filter")
	ErrInvalidArgument = errors.New("invalid argument")
)

// ParseType validates a formula type name.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown formula type %q", ErrInvalidArgument, s)
}

// Filter restricts contract formulas to entities of the given code kinds.
type Filter struct {
	CodeKinds []string
}

// ComputeFunc evaluates a formula. A nil result means the formula has no value at the block.
type ComputeFunc func(ctx context.Context, env *Env) (any, error)

// Formula is a named, pure function of chain state at a block.
type Formula struct {
	Name string
	Type Type
	// Dynamic formulas depend on more than chain state. They are never cached and cannot be
	// computed over ranges.
	Dynamic      bool
	Filter       Filter
	RequiredArgs []string
	Docs         string
	Compute      ComputeFunc
}

// CheckArgs reports the first missing required argument.
func (f *Formula) CheckArgs(args map[string]string) error {
	for _, name := range f.RequiredArgs {
		if strings.TrimSpace(args[name]) == "" {
			return fmt.Errorf("%w: missing required argument %q", ErrInvalidArgument, name)
		}
	}
	return nil
}

// Registry holds formulas by type and slash-separated name.
type Registry struct {
	mu     sync.RWMutex
	byType map[Type]map[string]*Formula
}

func NewRegistry() *Registry {
	return &Registry{byType: map[Type]map[string]*Formula{}}
}

// Register adds formulas. Names must be unique per type.
func (r *Registry) Register(formulas ...*Formula) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range formulas {
		if f.Name == "" || f.Compute == nil {
			return fmt.Errorf("register formula %q: name and compute are required", f.Name)
		}
		if _, err := ParseType(string(f.Type)); err != nil {
			return fmt.Errorf("register formula %q: %w", f.Name, err)
		}
		names := r.byType[f.Type]
		if names == nil {
			names = map[string]*Formula{}
			r.byType[f.Type] = names
		}
		if _, dup := names[f.Name]; dup {
			return fmt.Errorf("register formula %q: duplicate %s formula", f.Name, f.Type)
		}
		names[f.Name] = f
	}
	return nil
}

// MustRegister is Register for package initialization.
func (r *Registry) MustRegister(formulas ...*Formula) {
	if err := r.Register(formulas...); err != nil {
		panic(err)
	}
}

// Get returns the formula or an error wrapping ErrNotFound.
func (r *Registry) Get(typ Type, name string) (*Formula, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.byType[typ][strings.Trim(name, "/")]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, typ, name)
}

// List returns the formulas of a type sorted by name.
func (r *Registry) List(typ Type) []*Formula {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Formula, 0, len(r.byType[typ]))
	for _, f := range r.byType[typ] {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
