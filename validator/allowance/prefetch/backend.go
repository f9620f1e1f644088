// Package prefetch implements the forward-looking cache in front of the
// chain oracle. A producer keeps submitting upcoming blocks while worker
// tasks drain the queue and populate the backend, so that by the time the
// allowance ledger asks for a block its snapshots are already local.
package prefetch

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/forgenet/forge/config/params"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

// Kind enumerates the datum kinds cached per block.
type Kind string

const (
	// KindNeurons caches the neuron list.
	KindNeurons Kind = "neurons"
	// KindValidators caches the derived validator set.
	KindValidators Kind = "validators"
	// KindSubnetState caches the per-uid stake aggregates.
	KindSubnetState Kind = "subnet_state"
	// KindBlockTimestamp caches the block timestamp inherent.
	KindBlockTimestamp Kind = "block_timestamp"
)

// Kinds lists every cached datum kind; the producer submits one task per
// kind per block.
var Kinds = []Kind{KindNeurons, KindValidators, KindSubnetState, KindBlockTimestamp}

// Backend stores encoded blobs keyed by (kind, block). Implementations must
// be safe for concurrent use.
type Backend interface {
	Get(kind Kind, block int64) ([]byte, bool)
	Set(kind Kind, block int64, blob []byte)
}

func backendKey(kind Kind, block int64) string {
	return fmt.Sprintf("%s/%d", kind, block)
}

// MemoryBackend is an in-process backend on ristretto.
type MemoryBackend struct {
	cache *ristretto.Cache
}

// NewMemoryBackend sizes a ristretto cache for roughly a retention horizon
// of blocks across all kinds.
func NewMemoryBackend() (*MemoryBackend, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 16,
		MaxCost:     256 << 20, // 256 MiB of encoded snapshots
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not create ristretto cache")
	}
	return &MemoryBackend{cache: cache}, nil
}

// Get implements Backend.
func (m *MemoryBackend) Get(kind Kind, block int64) ([]byte, bool) {
	v, ok := m.cache.Get(backendKey(kind, block))
	if !ok {
		return nil, false
	}
	blob, ok := v.([]byte)
	return blob, ok
}

// Set implements Backend.
func (m *MemoryBackend) Set(kind Kind, block int64, blob []byte) {
	m.cache.Set(backendKey(kind, block), blob, int64(len(blob)))
	// Ristretto admits asynchronously; waiting keeps the producer's
	// submitted watermark truthful for readers right behind it.
	m.cache.Wait()
}

// SharedBackend is a TTL'd key-value backend with the contract of a store
// shared between a producer process and consumer-only processes. Blobs use
// the versioned encoding so any process can read them.
type SharedBackend struct {
	cache *gocache.Cache
}

// NewSharedBackend creates a TTL backend using the configured shared TTL.
func NewSharedBackend() *SharedBackend {
	ttl := params.ForgeNetworkConfig().SharedCacheTTL
	return &SharedBackend{cache: gocache.New(ttl, 2*ttl)}
}

// Get implements Backend.
func (s *SharedBackend) Get(kind Kind, block int64) ([]byte, bool) {
	v, ok := s.cache.Get(backendKey(kind, block))
	if !ok {
		return nil, false
	}
	blob, ok := v.([]byte)
	return blob, ok
}

// Set implements Backend.
func (s *SharedBackend) Set(kind Kind, block int64, blob []byte) {
	s.cache.Set(backendKey(kind, block), blob, gocache.DefaultExpiration)
}

var _ Backend = (*MemoryBackend)(nil)
var _ Backend = (*SharedBackend)(nil)
