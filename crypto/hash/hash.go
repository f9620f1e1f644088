// Package hash includes all hashing functions used across the forge
// validator: sha256 for receipt payload digests and a keyed highwayhash for
// fast non-cryptographic fingerprints of cache blobs.
package hash

import (
	"github.com/minio/highwayhash"
	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"
)

// fastSumHashKey is a constant key only used for non-cryptographic
// fingerprinting; it must never change or persisted fingerprints break.
var fastSumHashKey = [32]byte{
	0x66, 0x6f, 0x72, 0x67, 0x65, 0x2d, 0x76, 0x61,
	0x6c, 0x69, 0x64, 0x61, 0x74, 0x6f, 0x72, 0x2d,
	0x66, 0x61, 0x73, 0x74, 0x2d, 0x68, 0x61, 0x73,
	0x68, 0x2d, 0x6b, 0x65, 0x79, 0x2d, 0x76, 0x31,
}

// Hash defines a function that returns the sha256 checksum of the data passed in.
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// FastSum64 returns a non-cryptographic 64-bit fingerprint of the data.
func FastSum64(data []byte) uint64 {
	return highwayhash.Sum64(data, fastSumHashKey[:])
}

// FastSum256 returns a non-cryptographic 256-bit fingerprint of the data.
func FastSum256(data []byte) [32]byte {
	return highwayhash.Sum(data, fastSumHashKey[:])
}

// HashKeyed returns a highwayhash with a caller-provided 32-byte key.
func HashKeyed(key, data []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, errors.New("hash: highwayhash key must be 32 bytes")
	}
	sum := highwayhash.Sum(data, key)
	return sum[:], nil
}
