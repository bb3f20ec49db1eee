package models

import (
	"encoding/json"

	"github.com/canopy-network/statex/pkg/keys"
)

// StateEvent is one write observed on chain. Rows are unique per
// (namespace, entity, key, block height).
type StateEvent struct {
	// Namespace is the source module the write came from, e.g. "wasm" or "bank".
	Namespace       string          `json:"namespace"`
	EntityID        string          `json:"entityId"`
	Key             []byte          `json:"key"`
	Value           string          `json:"value"`
	ValueJSON       json.RawMessage `json:"valueJson,omitempty"`
	BlockHeight     uint64          `json:"blockHeight"`
	BlockTimeUnixMs int64           `json:"blockTimeUnixMs"`
	Deleted         bool            `json:"delete"`
}

// Block returns the block the event was written in.
func (e StateEvent) Block() Block {
	return Block{Height: e.BlockHeight, TimeUnixMs: e.BlockTimeUnixMs}
}

// DependentKey is the key formulas record when they read this event.
func (e StateEvent) DependentKey() string {
	return DependentKeyFor(e.Namespace, e.EntityID, keys.Hex(e.Key))
}

// CollapseEvents keeps only the last write per (namespace, entity, key, height), preserving
// the order in which the surviving writes first appeared.
func CollapseEvents(events []StateEvent) []StateEvent {
	type id struct {
		ns, entity, key string
		height          uint64
	}
	index := make(map[id]int, len(events))
	out := make([]StateEvent, 0, len(events))
	for _, e := range events {
		k := id{e.Namespace, e.EntityID, string(e.Key), e.BlockHeight}
		if i, ok := index[k]; ok {
			out[i] = e
			continue
		}
		index[k] = len(out)
		out = append(out, e)
	}
	return out
}
