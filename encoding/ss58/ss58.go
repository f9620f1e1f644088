// Package ss58 implements the substrate address format used for hotkeys and
// coldkeys on the compute subnet: base58(prefix || pubkey || checksum) where
// the checksum is the first two bytes of blake2b-512("SS58PRE" || prefix || pubkey).
package ss58

import (
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

const checksumPreamble = "SS58PRE"

// PubKeyLength is the length of an ed25519/sr25519 account public key.
const PubKeyLength = 32

var (
	// ErrBadChecksum indicates the address payload does not match its checksum.
	ErrBadChecksum = errors.New("ss58: checksum mismatch")
	// ErrBadLength indicates a decoded address of unexpected size.
	ErrBadLength = errors.New("ss58: invalid address length")
)

// Encode renders a 32-byte public key as an ss58 address under the given
// network prefix.
func Encode(pubKey []byte, prefix uint16) (string, error) {
	if len(pubKey) != PubKeyLength {
		return "", ErrBadLength
	}
	payload := encodePrefix(prefix)
	payload = append(payload, pubKey...)
	sum, err := checksum(payload)
	if err != nil {
		return "", err
	}
	return base58.Encode(append(payload, sum...)), nil
}

// Decode parses an ss58 address, returning the embedded public key and
// network prefix after verifying the checksum.
func Decode(address string) (pubKey []byte, prefix uint16, err error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return nil, 0, errors.Wrap(err, "ss58: not base58")
	}
	var prefixLen int
	switch {
	case len(raw) == 0:
		return nil, 0, ErrBadLength
	case raw[0] < 64:
		prefix, prefixLen = uint16(raw[0]), 1
	case raw[0] < 128:
		if len(raw) < 2 {
			return nil, 0, ErrBadLength
		}
		// Two-byte prefix: low 6 bits of byte 0, then byte 1.
		lower := (raw[0] << 2) | (raw[1] >> 6)
		upper := raw[1] & 0b0011_1111
		prefix, prefixLen = uint16(lower)|uint16(upper)<<8, 2
	default:
		return nil, 0, errors.New("ss58: reserved address format")
	}
	if len(raw) != prefixLen+PubKeyLength+2 {
		return nil, 0, ErrBadLength
	}
	payload, sum := raw[:len(raw)-2], raw[len(raw)-2:]
	want, err := checksum(payload)
	if err != nil {
		return nil, 0, err
	}
	if sum[0] != want[0] || sum[1] != want[1] {
		return nil, 0, ErrBadChecksum
	}
	return payload[prefixLen:], prefix, nil
}

func encodePrefix(prefix uint16) []byte {
	if prefix < 64 {
		return []byte{byte(prefix)}
	}
	// Weird substrate packing for two-byte prefixes.
	return []byte{
		0b0100_0000 | byte((prefix&0b1111_1100)>>2),
		byte(prefix>>8) | byte(prefix&0b0000_0011)<<6,
	}
}

func checksum(payload []byte) ([]byte, error) {
	h, err := blake2b.New512(nil)
	if err != nil {
		return nil, errors.Wrap(err, "ss58: blake2b init")
	}
	h.Write([]byte(checksumPreamble))
	h.Write(payload)
	return h.Sum(nil)[:2], nil
}
