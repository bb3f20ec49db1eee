package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/keys"
)

var ErrMalformedBatch = errors.New("malformed batch")

// KeyPart is one typed segment of an event key. JSON strings are string segments, JSON
// numbers are 8-byte big-endian numbers and {"hex": "..."} carries raw bytes.
type KeyPart struct {
	value any
}

func StringPart(s string) KeyPart { return KeyPart{value: s} }
func NumberPart(n uint64) KeyPart { return KeyPart{value: n} }
func RawPart(b []byte) KeyPart    { return KeyPart{value: b} }
func (p KeyPart) Value() any      { return p.value }

func (p *KeyPart) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0:
		return fmt.Errorf("%w: empty key part", ErrMalformedBatch)
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		p.value = s
	case data[0] == '{':
		var raw struct {
			Hex string `json:"hex"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		b, err := keys.FromHex(raw.Hex)
		if err != nil {
			return fmt.Errorf("%w: key part: %v", ErrMalformedBatch, err)
		}
		p.value = b
	default:
		n, err := strconv.ParseUint(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: key part %s is not an unsigned integer", ErrMalformedBatch, data)
		}
		p.value = n
	}
	return nil
}

func (p KeyPart) MarshalJSON() ([]byte, error) {
	switch v := p.value.(type) {
	case []byte:
		return json.Marshal(map[string]string{"hex": keys.Hex(v)})
	default:
		return json.Marshal(v)
	}
}

// Event is the wire form of a state write.
type Event struct {
	Namespace       string          `json:"namespace"`
	EntityID        string          `json:"entityId"`
	Key             []KeyPart       `json:"key"`
	Value           string          `json:"value"`
	ValueJSON       json.RawMessage `json:"valueJson,omitempty"`
	BlockHeight     uint64          `json:"blockHeight"`
	BlockTimeUnixMs int64           `json:"blockTimeUnixMs"`
	Delete          bool            `json:"delete"`
}

// StateEvent encodes the typed key. A missing valueJson is parsed from value when value is
// valid JSON.
func (e Event) StateEvent() (models.StateEvent, error) {
	if e.Namespace == "" || e.EntityID == "" || len(e.Key) == 0 {
		return models.StateEvent{}, fmt.Errorf("%w: event needs namespace, entityId and key", ErrMalformedBatch)
	}
	if e.BlockHeight == 0 {
		return models.StateEvent{}, fmt.Errorf("%w: event block height must be positive", ErrMalformedBatch)
	}
	parts := make([]any, len(e.Key))
	for i, p := range e.Key {
		parts[i] = p.value
	}
	key, err := keys.Encode(parts...)
	if err != nil {
		return models.StateEvent{}, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}

	out := models.StateEvent{
		Namespace:       e.Namespace,
		EntityID:        e.EntityID,
		Key:             key,
		Value:           e.Value,
		BlockHeight:     e.BlockHeight,
		BlockTimeUnixMs: e.BlockTimeUnixMs,
		Deleted:         e.Delete,
	}
	switch {
	case e.Delete:
		out.Value = ""
	case len(e.ValueJSON) > 0:
		out.ValueJSON = e.ValueJSON
	case json.Valid([]byte(e.Value)):
		out.ValueJSON = json.RawMessage(e.Value)
	}
	return out, nil
}

// Batch is one ingestion message: the writes a source observed, in commit order, and the
// entities instantiated alongside them.
type Batch struct {
	ID       string          `json:"id,omitempty"`
	Stream   string          `json:"stream"`
	Events   []Event         `json:"events"`
	Entities []models.Entity `json:"entities,omitempty"`

	// SourceID is the ID of the message the batch arrived in, acked once it is committed.
	SourceID string `json:"-"`
}

// DecodeBatch parses a batch and checks that heights never decrease.
func DecodeBatch(data []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	var last uint64
	for i, e := range b.Events {
		if e.BlockHeight < last {
			return Batch{}, fmt.Errorf("%w: event %d at height %d follows height %d", ErrMalformedBatch, i, e.BlockHeight, last)
		}
		last = e.BlockHeight
	}
	return b, nil
}

// StateEvents converts every wire event.
func (b Batch) StateEvents() ([]models.StateEvent, error) {
	out := make([]models.StateEvent, 0, len(b.Events))
	for i, e := range b.Events {
		ev, err := e.StateEvent()
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}
