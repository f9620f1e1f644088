// Package scale decodes the subset of the SCALE codec the forge validator
// needs to read subtensor runtime API responses: fixed-width little-endian
// integers, compact integers, booleans, options, byte strings and vectors.
package scale

import (
	"encoding/binary"
	"math/big"

	"github.com/pkg/errors"
)

// ErrShortBuffer indicates the input ended before a value was complete.
var ErrShortBuffer = errors.New("scale: unexpected end of input")

// Decoder reads SCALE values sequentially from a byte slice.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder wraps raw SCALE bytes for reading.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining reports how many undecoded bytes are left.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

func (d *Decoder) take(n int) ([]byte, error) {
	if d.Remaining() < n {
		return nil, ErrShortBuffer
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

// Byte reads a single byte.
func (d *Decoder) Byte() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bool reads a boolean, rejecting any encoding other than 0x00/0x01.
func (d *Decoder) Bool() (bool, error) {
	b, err := d.Byte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, errors.Errorf("scale: invalid bool byte %#x", b)
	}
}

// Uint16 reads a fixed-width little-endian u16.
func (d *Decoder) Uint16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint32 reads a fixed-width little-endian u32.
func (d *Decoder) Uint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64 reads a fixed-width little-endian u64.
func (d *Decoder) Uint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Compact reads a compact-encoded unsigned integer. Big-integer mode values
// wider than 64 bits are rejected; the chain never produces them for the
// quantities we read.
func (d *Decoder) Compact() (uint64, error) {
	first, err := d.Byte()
	if err != nil {
		return 0, err
	}
	switch first & 0b11 {
	case 0b00:
		return uint64(first >> 2), nil
	case 0b01:
		second, err := d.Byte()
		if err != nil {
			return 0, err
		}
		return uint64(first>>2) | uint64(second)<<6, nil
	case 0b10:
		rest, err := d.take(3)
		if err != nil {
			return 0, err
		}
		v := uint64(first>>2) |
			uint64(rest[0])<<6 |
			uint64(rest[1])<<14 |
			uint64(rest[2])<<22
		return v, nil
	default:
		n := int(first>>2) + 4
		if n > 8 {
			return 0, errors.Errorf("scale: compact integer of %d bytes overflows u64", n)
		}
		raw, err := d.take(n)
		if err != nil {
			return 0, err
		}
		var v uint64
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint64(raw[i])
		}
		return v, nil
	}
}

// Bytes reads a compact-length-prefixed byte string.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Compact()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Remaining()) {
		return nil, ErrShortBuffer
	}
	b, err := d.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// FixedBytes reads exactly n raw bytes (no length prefix).
func (d *Decoder) FixedBytes(n int) ([]byte, error) {
	b, err := d.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// String reads a compact-length-prefixed utf-8 string.
func (d *Decoder) String() (string, error) {
	b, err := d.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Option reports whether an optional value is present.
func (d *Decoder) Option() (bool, error) {
	return d.Bool()
}

// VecLength reads the compact element count of a vector, bounding it by the
// remaining input so a hostile length cannot trigger huge allocations.
func (d *Decoder) VecLength() (int, error) {
	n, err := d.Compact()
	if err != nil {
		return 0, err
	}
	if n > uint64(d.Remaining()) {
		return 0, ErrShortBuffer
	}
	return int(n), nil
}

// Uint128 reads a fixed-width little-endian u128 as a big.Int. Stake amounts
// on chain are u128 rao.
func (d *Decoder) Uint128() (*big.Int, error) {
	raw, err := d.take(16)
	if err != nil {
		return nil, err
	}
	be := make([]byte, 16)
	for i := range raw {
		be[15-i] = raw[i]
	}
	return new(big.Int).SetBytes(be), nil
}
