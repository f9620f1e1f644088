package chain

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownBlock is returned when the lite node has pruned the
	// requested block's state.
	ErrUnknownBlock = errors.New("chain: block state unknown or discarded")
	// ErrArchiveNotConfigured is returned when a pruned read cannot fall
	// back because no archive endpoint was configured.
	ErrArchiveNotConfigured = errors.New("chain: archive endpoint not configured")
)

// Oracle is the typed, block-addressed read API over the chain source. All
// operations are idempotent and safe to retry.
type Oracle interface {
	// CurrentBlock returns chain head minus the reorg safety margin.
	CurrentBlock(ctx context.Context) (int64, error)
	// ListNeurons returns the subnet's neurons at a block.
	ListNeurons(ctx context.Context, block int64) ([]Neuron, error)
	// ListValidators returns neurons meeting the validator stake floor at a
	// block, highest stake first, capped to the validator set size.
	ListValidators(ctx context.Context, block int64) ([]Neuron, error)
	// SubnetState returns per-uid stake aggregates at a block.
	SubnetState(ctx context.Context, block int64) (*SubnetState, error)
	// BlockHash returns the hash of a block.
	BlockHash(ctx context.Context, block int64) (string, error)
	// BlockTimestamp returns the timestamp inherent of a block.
	BlockTimestamp(ctx context.Context, block int64) (time.Time, error)
	// ShieldedNeurons returns the neuron view through the DDoS-shield proxy,
	// independent of block.
	ShieldedNeurons(ctx context.Context) ([]Neuron, error)
	// OldestReachableBlock returns the oldest block whose state can still be
	// read: zero with an archive source, else current minus the lite
	// lookback.
	OldestReachableBlock(ctx context.Context) (int64, error)
}
