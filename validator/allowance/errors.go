package allowance

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrReservationNotFound is returned when a reservation id is unknown.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrReservationAlreadySpent is returned on a second spend, or an undo
	// of a spent reservation.
	ErrReservationAlreadySpent = errors.New("reservation already spent")
	// ErrReservationNotActive is returned when spending a released or
	// expired reservation.
	ErrReservationNotActive = errors.New("reservation is not active")
	// ErrLocked is returned when another backfill holds the fetching lock
	// past the wait timeout.
	ErrLocked = errors.New("allowance fetching is locked by another worker")
)

// CannotReserveAllowance reports that one miner does not have enough
// unreserved allowance to cover a request.
type CannotReserveAllowance struct {
	MinerHotkey   string
	ExecutorClass string
	Required      float64
	Available     float64
}

func (e *CannotReserveAllowance) Error() string {
	return fmt.Sprintf(
		"cannot reserve %.1fs of %s allowance on miner %s, only %.1fs available",
		e.Required, e.ExecutorClass, e.MinerHotkey, e.Available,
	)
}

// NotEnoughAllowance reports that no candidate miner can cover a request. It
// carries the best figures seen across all candidates as a diagnostic:
// BestAvailable is the largest unreserved balance, BestUnspent the largest
// balance counting active holds that may still be released.
type NotEnoughAllowance struct {
	ExecutorClass string
	Required      float64
	BestAvailable float64
	BestUnspent   float64
}

func (e *NotEnoughAllowance) Error() string {
	return fmt.Sprintf(
		"no miner has %.1fs of %s allowance, best available %.1fs, best unspent %.1fs",
		e.Required, e.ExecutorClass, e.BestAvailable, e.BestUnspent,
	)
}
