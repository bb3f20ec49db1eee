// Package keys encodes typed key tuples the way contract storage lays them out on chain:
// every segment except the last is prefixed with its 2-byte big-endian length, and numbers
// are 8-byte big-endian. The encoding keeps byte order equal to tuple order, so a tuple
// prefix is a byte prefix.
package keys

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Kind tells Decode how to interpret a segment.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindRaw
)

var (
	ErrSegmentTooLong = errors.New("key segment longer than 65535 bytes")
	ErrMalformed      = errors.New("malformed key")
)

// Encode joins parts into a single storage key.
func Encode(parts ...any) ([]byte, error) {
	var out []byte
	for i, p := range parts {
		seg, err := segment(p)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		if i < len(parts)-1 {
			if len(seg) > math.MaxUint16 {
				return nil, ErrSegmentTooLong
			}
			out = binary.BigEndian.AppendUint16(out, uint16(len(seg)))
		}
		out = append(out, seg...)
	}
	return out, nil
}

// MustEncode panics on error. Meant for constant keys in rule and formula definitions.
func MustEncode(parts ...any) []byte {
	k, err := Encode(parts...)
	if err != nil {
		panic(err)
	}
	return k
}

// MapPrefix returns the prefix shared by every entry of the map namespaced by parts.
// Unlike Encode, the last segment is length-prefixed as well.
func MapPrefix(parts ...any) ([]byte, error) {
	return Encode(append(parts, "")...)
}

// MustMapPrefix panics on error.
func MustMapPrefix(parts ...any) []byte {
	k, err := MapPrefix(parts...)
	if err != nil {
		panic(err)
	}
	return k
}

func segment(p any) ([]byte, error) {
	switch v := p.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case uint64:
		return binary.BigEndian.AppendUint64(nil, v), nil
	case uint32:
		return binary.BigEndian.AppendUint64(nil, uint64(v)), nil
	case uint:
		return binary.BigEndian.AppendUint64(nil, uint64(v)), nil
	case int:
		if v < 0 {
			return nil, fmt.Errorf("negative number %d", v)
		}
		return binary.BigEndian.AppendUint64(nil, uint64(v)), nil
	case int64:
		if v < 0 {
			return nil, fmt.Errorf("negative number %d", v)
		}
		return binary.BigEndian.AppendUint64(nil, uint64(v)), nil
	default:
		return nil, fmt.Errorf("unsupported key part %T", p)
	}
}

// Decode splits key into len(kinds) segments.
func Decode(key []byte, kinds ...Kind) ([]any, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	out := make([]any, 0, len(kinds))
	rest := key
	for i, kind := range kinds {
		var seg []byte
		if i < len(kinds)-1 {
			if len(rest) < 2 {
				return nil, fmt.Errorf("%w: missing length at segment %d", ErrMalformed, i)
			}
			n := int(binary.BigEndian.Uint16(rest))
			rest = rest[2:]
			if len(rest) < n {
				return nil, fmt.Errorf("%w: segment %d wants %d bytes, have %d", ErrMalformed, i, n, len(rest))
			}
			seg, rest = rest[:n], rest[n:]
		} else {
			seg = rest
		}
		v, err := convert(seg, kind)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func convert(seg []byte, kind Kind) (any, error) {
	switch kind {
	case KindString:
		return string(seg), nil
	case KindNumber:
		if len(seg) != 8 {
			return nil, fmt.Errorf("%w: number segment has %d bytes", ErrMalformed, len(seg))
		}
		return binary.BigEndian.Uint64(seg), nil
	case KindRaw:
		return append([]byte(nil), seg...), nil
	default:
		return nil, fmt.Errorf("unknown kind %d", kind)
	}
}

// DecodeMapKey renders the part of a key that follows a map prefix as a map key string:
// strings as-is, numbers in decimal and raw bytes in hex.
func DecodeMapKey(rest []byte, kind Kind) (string, error) {
	v, err := convert(rest, kind)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	default:
		return hex.EncodeToString(t.([]byte)), nil
	}
}

// Hex is the textual form of a key used inside dependent keys. Hex keeps byte prefixes as
// string prefixes.
func Hex(key []byte) string {
	return hex.EncodeToString(key)
}

func FromHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
