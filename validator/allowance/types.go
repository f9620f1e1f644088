// Package allowance maintains the per-miner executor-second budgets earned
// from the chain metagraph, and the reservation lifecycle that spends them
// against organic jobs. Balances are block-indexed: each block credits every
// serving miner per executor class, and cells older than the retention
// horizon are evicted.
package allowance

import (
	"time"
)

// ReservationState tracks a reservation through its lifecycle.
type ReservationState string

const (
	// StateActive is a live hold on allowance.
	StateActive ReservationState = "active"
	// StateSpent is a hold confirmed by a JobStartedReceipt. Terminal.
	StateSpent ReservationState = "spent"
	// StateReleased is a hold undone by the router. Terminal.
	StateReleased ReservationState = "released"
	// StateExpired is a preliminary hold that outlived its margin without a
	// confirming receipt. Terminal.
	StateExpired ReservationState = "expired"
)

// Cell is the executor-seconds a miner earned in one block for one executor
// class. Cells derive deterministically from metagraph snapshots.
type Cell struct {
	Block              int64   `json:"block"`
	MinerHotkey        string  `json:"miner_hotkey"`
	ValidatorHotkey    string  `json:"validator_hotkey"`
	ExecutorClass      string  `json:"executor_class"`
	Seconds            float64 `json:"seconds"`
	InvalidatedAtBlock int64   `json:"invalidated_at_block,omitempty"`
	// ReservationID is non-zero while a reservation holds this cell.
	ReservationID uint64 `json:"reservation_id,omitempty"`
}

// Invalidated reports whether the cell was struck from the ledger (e.g. the
// miner deregistered before the block finalized).
func (c *Cell) Invalidated() bool {
	return c.InvalidatedAtBlock != 0
}

// Reservation is a transient claim on allowance: preliminary while routing,
// confirmed once a JobStartedReceipt backs it.
type Reservation struct {
	ID            uint64           `json:"id"`
	JobUUID       string           `json:"job_uuid"`
	MinerHotkey   string           `json:"miner_hotkey"`
	ExecutorClass string           `json:"executor_class"`
	Seconds       float64          `json:"seconds"`
	State         ReservationState `json:"state"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
	// Blocks are the cells backing this reservation.
	Blocks []int64 `json:"blocks"`
}

// Live reports whether the reservation still holds allowance at the given
// instant.
func (r *Reservation) Live(at time.Time) bool {
	return r.State == StateActive && at.Before(r.ExpiresAt)
}
