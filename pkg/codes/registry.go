// Package codes maps contract code ids to the code kinds formulas and transformations are
// written against, and caches entity code identities.
package codes

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Registry resolves code kinds (e.g. "cw20-base") to code ids and back.
type Registry struct {
	idsByKind map[string][]uint64
	kindsByID map[uint64][]string
}

// NewRegistry builds a registry from kind -> code ids.
func NewRegistry(idsByKind map[string][]uint64) *Registry {
	r := &Registry{
		idsByKind: make(map[string][]uint64, len(idsByKind)),
		kindsByID: map[uint64][]string{},
	}
	for kind, ids := range idsByKind {
		r.idsByKind[kind] = append([]uint64(nil), ids...)
		for _, id := range ids {
			r.kindsByID[id] = append(r.kindsByID[id], kind)
		}
	}
	for id := range r.kindsByID {
		sort.Strings(r.kindsByID[id])
	}
	return r
}

// ParseRegistry reads the CODE_ID_KEYS JSON document: {"kind": [codeId, ...], ...}.
// An empty document yields an empty registry.
func ParseRegistry(raw string) (*Registry, error) {
	if raw == "" {
		return NewRegistry(nil), nil
	}
	var idsByKind map[string][]uint64
	if err := json.Unmarshal([]byte(raw), &idsByKind); err != nil {
		return nil, fmt.Errorf("parse code id keys: %w", err)
	}
	return NewRegistry(idsByKind), nil
}

// CodeIDs returns the code ids of every given kind, deduplicated and sorted.
func (r *Registry) CodeIDs(kinds ...string) []uint64 {
	seen := map[uint64]struct{}{}
	var out []uint64
	for _, kind := range kinds {
		for _, id := range r.idsByKind[kind] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KindsOf returns the kinds registered for codeID, sorted.
func (r *Registry) KindsOf(codeID uint64) []string {
	return r.kindsByID[codeID]
}

// Matches reports whether codeID belongs to any of kinds.
func (r *Registry) Matches(codeID uint64, kinds ...string) bool {
	for _, kind := range kinds {
		for _, id := range r.idsByKind[kind] {
			if id == codeID {
				return true
			}
		}
	}
	return false
}
