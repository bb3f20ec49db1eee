package keys

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeSingleSegment(t *testing.T) {
	k, err := Encode("token_info")
	require.NoError(t, err)
	require.Equal(t, []byte("token_info"), k)
}

func TestEncodeLengthPrefixesAllButLast(t *testing.T) {
	k, err := Encode("balance", "juno1abc")
	require.NoError(t, err)
	require.Equal(t, append([]byte{0, 7}, []byte("balancejuno1abc")...), k)
}

func TestEncodeNumbersAreBigEndian(t *testing.T) {
	k, err := Encode("proposals", uint64(258))
	require.NoError(t, err)
	require.Equal(t, append(append([]byte{0, 9}, []byte("proposals")...), 0, 0, 0, 0, 0, 0, 1, 2), k)

	_, err = Encode("proposals", -1)
	require.Error(t, err)
	_, err = Encode(3.5)
	require.Error(t, err)
}

func TestMapPrefixIsBytePrefixOfEntries(t *testing.T) {
	prefix, err := MapPrefix("balance")
	require.NoError(t, err)
	entry, err := Encode("balance", "juno1abc")
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(entry, prefix))
	require.True(t, strings.HasPrefix(Hex(entry), Hex(prefix)))

	other, err := Encode("balances", "juno1abc")
	require.NoError(t, err)
	require.False(t, bytes.HasPrefix(other, prefix))
}

func TestDecodeRoundTripsTuple(t *testing.T) {
	k := MustEncode("allowance", "owner", "spender")
	parts, err := Decode(k, KindString, KindString, KindString)
	require.NoError(t, err)
	require.Equal(t, []any{"allowance", "owner", "spender"}, parts)

	n := MustEncode("proposals", uint64(7))
	parts, err = Decode(n, KindString, KindNumber)
	require.NoError(t, err)
	require.Equal(t, []any{"proposals", uint64(7)}, parts)

	_, err = Decode([]byte{0, 9, 'a'}, KindString, KindString)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeMapKey(t *testing.T) {
	s, err := DecodeMapKey([]byte("juno1abc"), KindString)
	require.NoError(t, err)
	require.Equal(t, "juno1abc", s)

	s, err = DecodeMapKey([]byte{0, 0, 0, 0, 0, 0, 0, 42}, KindNumber)
	require.NoError(t, err)
	require.Equal(t, "42", s)

	s, err = DecodeMapKey([]byte{0xde, 0xad}, KindRaw)
	require.NoError(t, err)
	require.Equal(t, "dead", s)

	_, err = DecodeMapKey([]byte{1, 2}, KindNumber)
	require.ErrorIs(t, err, ErrMalformed)
}
