package models

import (
	"encoding/json"
	"sort"
)

// ComputationKey identifies the cached results of one formula invocation shape.
type ComputationKey struct {
	TargetAddress string `json:"targetAddress"`
	Type          string `json:"type"`
	Formula       string `json:"formula"`
	Args          string `json:"args"`
}

// Computation is a cached formula output together with the block interval it is valid for.
// For every height in [BlockHeight, LatestBlockHeightValid] recomputing the formula yields
// Output. A nil Output means the formula produced no value.
type Computation struct {
	ID int64 `json:"id"`
	ComputationKey
	BlockHeight            uint64          `json:"blockHeight"`
	BlockTimeUnixMs        int64           `json:"blockTimeUnixMs"`
	LatestBlockHeightValid uint64          `json:"latestBlockHeightValid"`
	ValidityExtendable     bool            `json:"validityExtendable"`
	Output                 json.RawMessage `json:"output"`
	Dependencies           []DependentKey  `json:"dependencies"`
}

func (c Computation) Block() Block {
	return Block{Height: c.BlockHeight, TimeUnixMs: c.BlockTimeUnixMs}
}

// CanonicalArgs renders args as JSON with sorted keys so equal argument sets share a key.
func CanonicalArgs(args map[string]string) string {
	if len(args) == 0 {
		return "{}"
	}
	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	sort.Strings(names)
	buf := []byte{'{'}
	for i, k := range names {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(args[k])
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return string(append(buf, '}'))
}
