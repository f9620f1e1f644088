// Package chain exposes a typed, block-addressed read API over the subtensor
// chain: neurons, validator stakes, subnet state, block hashes and
// timestamps. All reads are idempotent and safe to retry; the canonical time
// axis of the validator is the block number.
package chain

import (
	"time"
)

// AxonInfo is a neuron's advertised endpoint. A zero IP means the neuron is
// not serving.
type AxonInfo struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

// Serving reports whether the axon is a reachable endpoint.
func (a AxonInfo) Serving() bool {
	return a.IP != "" && a.IP != "0.0.0.0" && a.Port != 0
}

// Neuron is a registered participant of the subnet at some block.
type Neuron struct {
	UID     uint16   `json:"uid"`
	Hotkey  string   `json:"hotkey"`
	Coldkey string   `json:"coldkey"`
	Axon    AxonInfo `json:"axon"`
	// Stake is the total stake in units (rao / 1e9).
	Stake float64 `json:"stake"`
}

// SubnetState carries per-uid aggregates read from the subtensor runtime API.
type SubnetState struct {
	TotalStake []float64 `json:"total_stake"`
}

// MetagraphSnapshot is the immutable view of the subnet at a single block.
// It is reproducible from the chain source and the block number alone, which
// makes it cacheable by block.
type MetagraphSnapshot struct {
	Block          int64     `json:"block"`
	BlockHash      string    `json:"block_hash"`
	UIDs           []uint16  `json:"uids"`
	Hotkeys        []string  `json:"hotkeys"`
	ServingHotkeys []string  `json:"serving_hotkeys"`
	TotalStake     []float64 `json:"total_stake"`
}

// BlockInfo pairs a block number with its hash and timestamp.
type BlockInfo struct {
	Number    int64     `json:"number"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}
