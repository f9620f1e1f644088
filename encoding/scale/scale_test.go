package scale

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompact_Vectors(t *testing.T) {
	cases := []struct {
		in   []byte
		want uint64
	}{
		{[]byte{0x00}, 0},
		{[]byte{0x04}, 1},
		{[]byte{0xa8}, 42},
		{[]byte{0xfc}, 63},
		{[]byte{0x01, 0x01}, 64},
		{[]byte{0x15, 0x01}, 69},
		{[]byte{0xfd, 0xff}, 16383},
		{[]byte{0x02, 0x00, 0x01, 0x00}, 16384},
		{[]byte{0xfe, 0xff, 0xff, 0xff}, 1073741823},
		{[]byte{0x03, 0x00, 0x00, 0x00, 0x40}, 1073741824},
		{[]byte{0x07, 0xff, 0xff, 0xff, 0xff, 0xff}, 1099511627775},
	}
	for _, tc := range cases {
		got, err := NewDecoder(tc.in).Compact()
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "input %#v", tc.in)
	}
}

func TestCompact_OverflowRejected(t *testing.T) {
	// 16-byte big-integer mode.
	in := append([]byte{0x33}, make([]byte, 16)...)
	_, err := NewDecoder(in).Compact()
	require.ErrorContains(t, err, "overflows u64")
}

func TestFixedWidthIntegers(t *testing.T) {
	d := NewDecoder([]byte{
		0x2a, 0x00, // u16 42
		0xff, 0x00, 0x00, 0x00, // u32 255
		0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x80, // u64 with high bit
	})
	u16, err := d.Uint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(42), u16)
	u32, err := d.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(255), u32)
	u64, err := d.Uint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1)|uint64(1)<<63, u64)
	assert.Equal(t, 0, d.Remaining())
}

func TestBytesAndString(t *testing.T) {
	d := NewDecoder([]byte{0x10, 'f', 'o', 'r', 'g'})
	s, err := d.String()
	require.NoError(t, err)
	assert.Equal(t, "forg", s)
}

func TestBytes_HostileLength(t *testing.T) {
	// Claims 2^30 bytes but carries none.
	_, err := NewDecoder([]byte{0x02, 0x00, 0x00, 0x00}).Bytes()
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestUint128(t *testing.T) {
	in := make([]byte, 16)
	in[0] = 0x39
	in[1] = 0x05 // 1337 little-endian
	v, err := NewDecoder(in).Uint128()
	require.NoError(t, err)
	assert.Equal(t, int64(1337), v.Int64())
}

func TestBool(t *testing.T) {
	v, err := NewDecoder([]byte{0x01}).Bool()
	require.NoError(t, err)
	assert.True(t, v)
	_, err = NewDecoder([]byte{0x02}).Bool()
	require.Error(t, err)
}

func TestDecoder_NeverPanics(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 64)
	var raw []byte
	for i := 0; i < 2000; i++ {
		f.Fuzz(&raw)
		d := NewDecoder(raw)
		_, _ = d.Compact()
		_, _ = d.Bytes()
		_, _ = d.Uint128()
		_, _ = d.Bool()
	}
}
