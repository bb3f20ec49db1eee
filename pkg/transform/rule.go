// Package transform derives named transformations from state events.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/keys"
)

// AnyKind in a rule's code kinds matches entities of every code kind.
const AnyKind = "*"

// DefaultNamespace is the namespace rules apply to when their filter names none.
const DefaultNamespace = "wasm"

// Filter selects the events a rule applies to. At least one of CodeKinds, Entities or Matches
// must be set.
type Filter struct {
	Namespace string
	// CodeKinds restricts events to entities of these code kinds. AnyKind disables the check.
	CodeKinds []string
	Entities  []string
	Matches   func(ev models.StateEvent) bool
}

func (f Filter) anyCode() bool {
	for _, k := range f.CodeKinds {
		if k == AnyKind {
			return true
		}
	}
	return false
}

// Previous returns the value the rule's transformation held before the event, or nil.
type Previous func(ctx context.Context) (json.RawMessage, error)

// ValueFunc computes a transformation value. Returning emit=false skips the event.
type ValueFunc func(ctx context.Context, ev models.StateEvent, previous Previous) (value json.RawMessage, emit bool, err error)

// Rule is one transformer. Delete events produce a null value without calling Value unless
// ManuallyTransformDeletes is set.
type Rule struct {
	// Name identifies the rule in logs.
	Name   string
	Filter Filter
	// NameOf names the transformation for an event. ok=false or an empty name skips it.
	NameOf                   func(ev models.StateEvent) (name string, ok bool)
	Value                    ValueFunc
	ManuallyTransformDeletes bool
}

var ErrInvalidRule = errors.New("invalid rule")

func (r Rule) validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: missing name", ErrInvalidRule)
	case r.NameOf == nil:
		return fmt.Errorf("%w: %s has no namer", ErrInvalidRule, r.Name)
	case len(r.Filter.CodeKinds) == 0 && len(r.Filter.Entities) == 0 && r.Filter.Matches == nil:
		return fmt.Errorf("%w: %s has an empty filter", ErrInvalidRule, r.Name)
	}
	return nil
}

// DefaultValue maps an event to its JSON value. Deletes become null and non-JSON values an
// empty string, so a set key never looks like a removal.
func DefaultValue(_ context.Context, ev models.StateEvent, _ Previous) (json.RawMessage, bool, error) {
	if ev.Deleted {
		return json.RawMessage("null"), true, nil
	}
	if len(ev.ValueJSON) == 0 || models.IsNullJSON(ev.ValueJSON) {
		return json.RawMessage(`""`), true, nil
	}
	return ev.ValueJSON, true, nil
}

func staticName(name string) func(models.StateEvent) (string, bool) {
	return func(models.StateEvent) (string, bool) { return name, true }
}

// MakeRule transforms single-key items into the transformation name. The item keys default
// to the name itself.
func MakeRule(kinds []string, name string, keyNames ...string) Rule {
	if len(keyNames) == 0 {
		keyNames = []string{name}
	}
	encoded := make([][]byte, len(keyNames))
	for i, k := range keyNames {
		encoded[i] = keys.MustEncode(k)
	}
	return Rule{
		Name: name,
		Filter: Filter{
			Namespace: DefaultNamespace,
			CodeKinds: kinds,
			Matches: func(ev models.StateEvent) bool {
				for _, k := range encoded {
					if bytes.Equal(ev.Key, k) {
						return true
					}
				}
				return false
			},
		},
		NameOf: staticName(name),
		Value:  DefaultValue,
	}
}

// MapOptions customizes MakeMapRule.
type MapOptions struct {
	// KeyKinds decodes the key after the map prefix. Defaults to a single string.
	KeyKinds []keys.Kind
	// Namer joins the decoded keys. Defaults to joining with ":".
	Namer func(parts []any) string
	Value ValueFunc
}

// MakeMapRule transforms every entry of the maps under keyPrefixes into "mapName:<key>".
func MakeMapRule(kinds []string, mapName string, keyPrefixes []string, opts MapOptions) Rule {
	if len(opts.KeyKinds) == 0 {
		opts.KeyKinds = []keys.Kind{keys.KindString}
	}
	if opts.Namer == nil {
		opts.Namer = JoinKeys
	}
	if opts.Value == nil {
		opts.Value = DefaultValue
	}
	prefixes := make([][]byte, len(keyPrefixes))
	for i, p := range keyPrefixes {
		prefixes[i] = keys.MustMapPrefix(p)
	}
	decodeKinds := append([]keys.Kind{keys.KindString}, opts.KeyKinds...)

	return Rule{
		Name: mapName,
		Filter: Filter{
			Namespace: DefaultNamespace,
			CodeKinds: kinds,
			Matches: func(ev models.StateEvent) bool {
				for _, p := range prefixes {
					if bytes.HasPrefix(ev.Key, p) && len(ev.Key) > len(p) {
						return true
					}
				}
				return false
			},
		},
		NameOf: func(ev models.StateEvent) (string, bool) {
			parts, err := keys.Decode(ev.Key, decodeKinds...)
			if err != nil {
				return "", false
			}
			return mapName + ":" + opts.Namer(parts[1:]), true
		},
		Value: opts.Value,
	}
}

// JoinKeys renders decoded key parts joined by ":". Numbers are decimal and raw bytes hex.
func JoinKeys(parts []any) string {
	out := make([]string, len(parts))
	for i, p := range parts {
		switch v := p.(type) {
		case string:
			out[i] = v
		case uint64:
			out[i] = strconv.FormatUint(v, 10)
		case []byte:
			out[i] = keys.Hex(v)
		default:
			out[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(out, ":")
}
