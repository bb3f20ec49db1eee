package models

import (
	"bytes"
	"encoding/json"
)

// TransformationNamespace is the dependent key namespace of transformations.
const TransformationNamespace = "transformation"

// Transformation is a named fact derived from state events. A nil or JSON null value means
// the fact no longer exists as of BlockHeight.
type Transformation struct {
	EntityID        string          `json:"entityId"`
	Name            string          `json:"name"`
	Value           json.RawMessage `json:"value"`
	BlockHeight     uint64          `json:"blockHeight"`
	BlockTimeUnixMs int64           `json:"blockTimeUnixMs"`
}

func (t Transformation) Block() Block {
	return Block{Height: t.BlockHeight, TimeUnixMs: t.BlockTimeUnixMs}
}

func (t Transformation) DependentKey() string {
	return DependentKeyFor(TransformationNamespace, t.EntityID, t.Name)
}

// IsNull reports whether the transformation removes the fact.
func (t Transformation) IsNull() bool {
	return IsNullJSON(t.Value)
}

// IsNullJSON reports whether v is absent or the JSON literal null.
func IsNullJSON(v json.RawMessage) bool {
	return len(v) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
