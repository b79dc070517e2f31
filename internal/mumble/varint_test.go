package mumble

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarintRoundTrip(t *testing.T) {
	cases := []struct {
		value   uint64
		encoded int
	}{
		{0, 1},
		{0x7F, 1},
		{0x80, 2},
		{0x3FFF, 2},
		{0x4000, 3},
		{0x1FFFFF, 3},
		{0x200000, 5},
		{0xFFFFFFFF, 5},
		{0x100000000, 9},
		{math.MaxUint64, 9},
	}
	for _, tc := range cases {
		b := AppendVarint(nil, tc.value)
		require.Len(t, b, tc.encoded, "value %#x", tc.value)

		got, n, err := Varint(b)
		require.NoError(t, err, "value %#x", tc.value)
		assert.Equal(t, tc.value, got)
		assert.Equal(t, tc.encoded, n)
	}
}

func TestVarintEscapeBytes(t *testing.T) {
	// The 21-bit form tops out at 0x1FFFFF; the next value jumps straight
	// to the raw uint32 escape, and past 32 bits to the raw uint64 escape.
	assert.Equal(t, byte(0xF0), AppendVarint(nil, 0x200000)[0])
	assert.Equal(t, byte(0xF0), AppendVarint(nil, 0xFFFFFFFF)[0])
	assert.Equal(t, byte(0xF4), AppendVarint(nil, 0x100000000)[0])
}

func TestVarintAccepts28BitForm(t *testing.T) {
	got, n, err := Varint([]byte{0xE1, 0x02, 0x03, 0x04})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x01020304), got)
	assert.Equal(t, 4, n)
}

func TestVarintTruncated(t *testing.T) {
	longest := AppendVarint(nil, math.MaxUint64)
	for _, b := range [][]byte{
		nil,
		{0x80},
		{0xC0, 0x01},
		{0xE0, 0x01, 0x02},
		{0xF0, 0x01, 0x02, 0x03},
		longest[:8],
	} {
		_, _, err := Varint(b)
		assert.ErrorIs(t, err, ErrVarint, "input %x", b)
	}

	// 111110 and 111111 prefixes are not assigned.
	_, _, err := Varint([]byte{0xF8, 0, 0, 0, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrVarint)
}
