package routing

import (
	"github.com/pkg/errors"
)

// ErrNoMinerForExecutorType means no miner advertises capacity for the
// requested executor class. The message is surfaced verbatim in the job's
// rejection comment.
var ErrNoMinerForExecutorType = errors.New("No executor for job request")

// ErrAllMinersBusy means every advertising miner is saturated with started
// jobs or holds a fresh preliminary reservation.
var ErrAllMinersBusy = errors.New("all miners for executor class are busy")
