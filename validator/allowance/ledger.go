package allowance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/forgenet/forge/config/params"
	"github.com/forgenet/forge/validator/chain"
	"github.com/forgenet/forge/validator/receipts"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/trailofbits/go-mutexasserts"
)

var log = logrus.WithField("prefix", "allowance")

// clockSkew is the tolerance applied when aligning receipt timestamps with
// reservation lifetimes.
const clockSkew = time.Minute

// Store is the persistence surface the ledger needs. *kv.Store satisfies it.
type Store interface {
	SaveCells(ctx context.Context, cells []*Cell) error
	CellsInWindow(ctx context.Context, minerHotkey, executorClass string, fromBlock, toBlock int64) ([]*Cell, error)
	UpdateCells(ctx context.Context, cells []*Cell) error
	HighestCellBlock(ctx context.Context) (int64, error)
	LowestCellBlock(ctx context.Context) (int64, error)
	EvictCellsBefore(ctx context.Context, block int64) (int, error)
	NextReservationID(ctx context.Context) (uint64, error)
	SaveReservation(ctx context.Context, r *Reservation) error
	Reservation(ctx context.Context, id uint64) (*Reservation, error)
	Reservations(ctx context.Context) ([]*Reservation, error)
}

// Capacity is a miner's declared online slot count for one executor class,
// taken from its latest manifest. The backfill uses it as the earning weight.
type Capacity struct {
	MinerHotkey   string
	ExecutorClass string
	OnlineCount   int
}

// Config holds ledger construction parameters.
type Config struct {
	Store           Store
	ValidatorHotkey string
	// Now overrides the clock in tests; nil means time.Now.
	Now func() time.Time
}

// Ledger books executor-seconds earned per (miner, executor class, block) and
// runs the reservation lifecycle over them. Mutations for one (miner, class)
// pair serialize on a striped lock; block backfill serializes process-wide on
// an advisory lock with a bounded wait.
type Ledger struct {
	store           Store
	validatorHotkey string
	now             func() time.Time

	stripesMu sync.Mutex
	stripes   map[string]*sync.Mutex

	// fetchSem is the AllowanceFetching advisory lock.
	fetchSem chan struct{}
}

// New constructs a ledger over the given store.
func New(cfg *Config) *Ledger {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		store:           cfg.Store,
		validatorHotkey: cfg.ValidatorHotkey,
		now:             now,
		stripes:         map[string]*sync.Mutex{},
		fetchSem:        make(chan struct{}, 1),
	}
}

func (l *Ledger) stripe(minerHotkey, executorClass string) *sync.Mutex {
	l.stripesMu.Lock()
	defer l.stripesMu.Unlock()
	key := minerHotkey + "\x00" + executorClass
	mu, ok := l.stripes[key]
	if !ok {
		mu = &sync.Mutex{}
		l.stripes[key] = mu
	}
	return mu
}

// window returns the retention window [from, to] anchored at the newest
// credited block.
func (l *Ledger) window(ctx context.Context) (int64, int64, error) {
	highest, err := l.store.HighestCellBlock(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, "could not read highest cell block")
	}
	from := highest - params.ForgeNetworkConfig().BlockExpiry + 1
	if from < 0 {
		from = 0
	}
	return from, highest, nil
}

// balanceLocked sums the window cells for one (miner, class). Requires the
// pair's stripe to be held: available excludes every claimed cell, unspent
// excludes only cells claimed by spent reservations.
func (l *Ledger) balanceLocked(ctx context.Context, minerHotkey, executorClass string) (available, unspent float64, free []*Cell, err error) {
	if !mutexasserts.MutexLocked(l.stripe(minerHotkey, executorClass)) {
		return 0, 0, nil, errors.New("allowance stripe must be locked")
	}
	from, to, err := l.window(ctx)
	if err != nil {
		return 0, 0, nil, err
	}
	cells, err := l.store.CellsInWindow(ctx, minerHotkey, executorClass, from, to)
	if err != nil {
		return 0, 0, nil, errors.Wrap(err, "could not read allowance cells")
	}
	spentIDs, err := l.spentReservationIDs(ctx)
	if err != nil {
		return 0, 0, nil, err
	}
	for _, c := range cells {
		if c.Invalidated() {
			continue
		}
		if c.ReservationID == 0 {
			available += c.Seconds
			unspent += c.Seconds
			free = append(free, c)
			continue
		}
		if !spentIDs[c.ReservationID] {
			unspent += c.Seconds
		}
	}
	return available, unspent, free, nil
}

func (l *Ledger) spentReservationIDs(ctx context.Context) (map[uint64]bool, error) {
	rs, err := l.store.Reservations(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not list reservations")
	}
	spent := map[uint64]bool{}
	for _, r := range rs {
		if r.State == StateSpent {
			spent[r.ID] = true
		}
	}
	return spent, nil
}

// Available returns the unreserved executor-seconds a miner currently holds
// for one executor class.
func (l *Ledger) Available(ctx context.Context, minerHotkey, executorClass string) (float64, error) {
	mu := l.stripe(minerHotkey, executorClass)
	mu.Lock()
	defer mu.Unlock()
	if err := l.expirePairLocked(ctx, minerHotkey, executorClass); err != nil {
		return 0, err
	}
	available, _, _, err := l.balanceLocked(ctx, minerHotkey, executorClass)
	return available, err
}

// Reserve places an active hold of the requested executor-seconds on a miner.
// The hold expires after the job's worst-case runtime plus a safety margin.
func (l *Ledger) Reserve(ctx context.Context, minerHotkey, executorClass, jobUUID string, seconds float64) (uint64, error) {
	ttl := time.Duration(seconds)*time.Second + params.ForgeNetworkConfig().ReservationMargin
	return l.ReserveFor(ctx, minerHotkey, executorClass, jobUUID, seconds, ttl)
}

// ReserveFor places a hold with an explicit lifetime. Routing uses it for
// preliminary reservations with the short T_prelim expiry.
func (l *Ledger) ReserveFor(ctx context.Context, minerHotkey, executorClass, jobUUID string, seconds float64, ttl time.Duration) (uint64, error) {
	mu := l.stripe(minerHotkey, executorClass)
	mu.Lock()
	defer mu.Unlock()

	if err := l.expirePairLocked(ctx, minerHotkey, executorClass); err != nil {
		return 0, err
	}
	available, _, free, err := l.balanceLocked(ctx, minerHotkey, executorClass)
	if err != nil {
		return 0, err
	}
	if seconds > available {
		return 0, &CannotReserveAllowance{
			MinerHotkey:   minerHotkey,
			ExecutorClass: executorClass,
			Required:      seconds,
			Available:     available,
		}
	}

	id, err := l.store.NextReservationID(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "could not allocate reservation id")
	}
	// Claim whole cells oldest-first until the request is covered. A claim
	// may overshoot by less than one cell; the overshoot frees on release.
	var claimed []*Cell
	var blocks []int64
	covered := 0.0
	for _, c := range free {
		if covered >= seconds {
			break
		}
		c.ReservationID = id
		claimed = append(claimed, c)
		blocks = append(blocks, c.Block)
		covered += c.Seconds
	}
	if err := l.store.UpdateCells(ctx, claimed); err != nil {
		return 0, errors.Wrap(err, "could not claim allowance cells")
	}
	now := l.now()
	r := &Reservation{
		ID:            id,
		JobUUID:       jobUUID,
		MinerHotkey:   minerHotkey,
		ExecutorClass: executorClass,
		Seconds:       seconds,
		State:         StateActive,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		Blocks:        blocks,
	}
	if err := l.store.SaveReservation(ctx, r); err != nil {
		return 0, errors.Wrap(err, "could not persist reservation")
	}
	log.WithFields(logrus.Fields{
		"reservationId": id,
		"miner":         minerHotkey,
		"executorClass": executorClass,
		"seconds":       seconds,
	}).Debug("Reserved allowance")
	return id, nil
}

// Spend confirms an active reservation against a JobStartedReceipt,
// transitioning it to spent exactly once. The receipt must be miner-signed
// for the reserved miner and class, and timestamped within the reservation's
// lifetime.
func (l *Ledger) Spend(ctx context.Context, id uint64, receipt *receipts.Receipt) error {
	r, err := l.store.Reservation(ctx, id)
	if err != nil {
		return errors.Wrap(err, "could not read reservation")
	}
	if r == nil {
		return ErrReservationNotFound
	}

	mu := l.stripe(r.MinerHotkey, r.ExecutorClass)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the stripe lock.
	r, err = l.store.Reservation(ctx, id)
	if err != nil {
		return errors.Wrap(err, "could not read reservation")
	}
	if r == nil {
		return ErrReservationNotFound
	}
	switch r.State {
	case StateActive:
	case StateSpent:
		return ErrReservationAlreadySpent
	default:
		return ErrReservationNotActive
	}
	if !r.Live(l.now()) {
		if err := l.expireLocked(ctx, r); err != nil {
			return err
		}
		return ErrReservationNotActive
	}

	if _, err := l.startedPayloadFor(receipt, r); err != nil {
		return err
	}

	r.State = StateSpent
	if err := l.store.SaveReservation(ctx, r); err != nil {
		return errors.Wrap(err, "could not persist spent reservation")
	}
	log.WithFields(logrus.Fields{
		"reservationId": id,
		"jobId":         r.JobUUID,
		"miner":         r.MinerHotkey,
	}).Debug("Spent allowance reservation")
	return nil
}

// startedPayloadFor validates that the receipt confirms this reservation.
func (l *Ledger) startedPayloadFor(receipt *receipts.Receipt, r *Reservation) (*receipts.JobStartedPayload, error) {
	if receipt.Kind != receipts.KindJobStarted {
		return nil, errors.Errorf("cannot spend against a %s", receipt.Kind)
	}
	if err := receipt.VerifyMiner(); err != nil {
		return nil, errors.Wrap(err, "spend receipt")
	}
	payload, err := receipt.Payload()
	if err != nil {
		return nil, err
	}
	p, ok := payload.(*receipts.JobStartedPayload)
	if !ok {
		return nil, errors.Errorf("unexpected payload type for %s", receipt.Kind)
	}
	common := p.Common()
	if common.MinerHotkey != r.MinerHotkey {
		return nil, errors.Errorf("receipt miner %s does not match reservation miner %s", common.MinerHotkey, r.MinerHotkey)
	}
	if common.ExecutorClass != r.ExecutorClass {
		return nil, errors.Errorf("receipt class %s does not match reservation class %s", common.ExecutorClass, r.ExecutorClass)
	}
	if r.JobUUID != "" && common.JobUUID != r.JobUUID {
		return nil, errors.Errorf("receipt job %s does not match reservation job %s", common.JobUUID, r.JobUUID)
	}
	if common.Timestamp.Before(r.CreatedAt.Add(-clockSkew)) || common.Timestamp.After(r.ExpiresAt.Add(clockSkew)) {
		return nil, errors.Errorf("receipt timestamp %s outside reservation lifetime", common.Timestamp)
	}
	return p, nil
}

// Undo releases an active reservation's hold. It is idempotent on released
// and expired reservations; a spent reservation cannot be undone.
func (l *Ledger) Undo(ctx context.Context, id uint64) error {
	r, err := l.store.Reservation(ctx, id)
	if err != nil {
		return errors.Wrap(err, "could not read reservation")
	}
	if r == nil {
		return ErrReservationNotFound
	}

	mu := l.stripe(r.MinerHotkey, r.ExecutorClass)
	mu.Lock()
	defer mu.Unlock()

	r, err = l.store.Reservation(ctx, id)
	if err != nil {
		return errors.Wrap(err, "could not read reservation")
	}
	if r == nil {
		return ErrReservationNotFound
	}
	switch r.State {
	case StateReleased, StateExpired:
		return nil
	case StateSpent:
		return ErrReservationAlreadySpent
	}
	if err := l.releaseCellsLocked(ctx, r); err != nil {
		return err
	}
	r.State = StateReleased
	if err := l.store.SaveReservation(ctx, r); err != nil {
		return errors.Wrap(err, "could not persist released reservation")
	}
	log.WithField("reservationId", id).Debug("Released allowance reservation")
	return nil
}

// releaseCellsLocked clears the reservation's claim from its backing cells.
func (l *Ledger) releaseCellsLocked(ctx context.Context, r *Reservation) error {
	if !mutexasserts.MutexLocked(l.stripe(r.MinerHotkey, r.ExecutorClass)) {
		return errors.New("allowance stripe must be locked")
	}
	if len(r.Blocks) == 0 {
		return nil
	}
	from, to := r.Blocks[0], r.Blocks[0]
	for _, b := range r.Blocks {
		if b < from {
			from = b
		}
		if b > to {
			to = b
		}
	}
	cells, err := l.store.CellsInWindow(ctx, r.MinerHotkey, r.ExecutorClass, from, to)
	if err != nil {
		return errors.Wrap(err, "could not read reserved cells")
	}
	var freed []*Cell
	for _, c := range cells {
		if c.ReservationID == r.ID {
			c.ReservationID = 0
			freed = append(freed, c)
		}
	}
	if len(freed) == 0 {
		return nil
	}
	return errors.Wrap(l.store.UpdateCells(ctx, freed), "could not release allowance cells")
}

// expireLocked finalizes one stale reservation, freeing its cells.
func (l *Ledger) expireLocked(ctx context.Context, r *Reservation) error {
	if err := l.releaseCellsLocked(ctx, r); err != nil {
		return err
	}
	r.State = StateExpired
	if err := l.store.SaveReservation(ctx, r); err != nil {
		return errors.Wrap(err, "could not persist expired reservation")
	}
	log.WithFields(logrus.Fields{
		"reservationId": r.ID,
		"jobId":         r.JobUUID,
		"miner":         r.MinerHotkey,
	}).Debug("Expired allowance reservation")
	return nil
}

// expirePairLocked sweeps stale active reservations for one (miner, class).
func (l *Ledger) expirePairLocked(ctx context.Context, minerHotkey, executorClass string) error {
	rs, err := l.store.Reservations(ctx)
	if err != nil {
		return errors.Wrap(err, "could not list reservations")
	}
	now := l.now()
	for _, r := range rs {
		if r.MinerHotkey != minerHotkey || r.ExecutorClass != executorClass {
			continue
		}
		if r.State == StateActive && !r.Live(now) {
			if err := l.expireLocked(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExpireStale finalizes every active reservation past its expiry, returning
// the count. Run it on a cadence so abandoned preliminary holds free up.
func (l *Ledger) ExpireStale(ctx context.Context) (int, error) {
	rs, err := l.store.Reservations(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "could not list reservations")
	}
	now := l.now()
	expired := 0
	for _, r := range rs {
		if r.State != StateActive || r.Live(now) {
			continue
		}
		mu := l.stripe(r.MinerHotkey, r.ExecutorClass)
		mu.Lock()
		fresh, err := l.store.Reservation(ctx, r.ID)
		if err == nil && fresh != nil && fresh.State == StateActive && !fresh.Live(now) {
			err = l.expireLocked(ctx, fresh)
			if err == nil {
				expired++
			}
		}
		mu.Unlock()
		if err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// FindBestMiner returns the candidate with the most available allowance that
// covers the request, ties broken by hotkey ascending. On failure it reports
// the best figures seen across all candidates.
func (l *Ledger) FindBestMiner(ctx context.Context, executorClass string, seconds float64, candidates []string, excluded map[string]bool) (string, error) {
	sorted := make([]string, 0, len(candidates))
	for _, hotkey := range candidates {
		if !excluded[hotkey] {
			sorted = append(sorted, hotkey)
		}
	}
	sort.Strings(sorted)

	best := ""
	bestSeconds := 0.0
	bestAvailable := 0.0
	bestUnspent := 0.0
	for _, hotkey := range sorted {
		mu := l.stripe(hotkey, executorClass)
		mu.Lock()
		err := l.expirePairLocked(ctx, hotkey, executorClass)
		var available, unspent float64
		if err == nil {
			available, unspent, _, err = l.balanceLocked(ctx, hotkey, executorClass)
		}
		mu.Unlock()
		if err != nil {
			return "", err
		}
		if available >= seconds && (best == "" || available > bestSeconds) {
			best = hotkey
			bestSeconds = available
		}
		if available > bestAvailable {
			bestAvailable = available
		}
		if unspent > bestUnspent {
			bestUnspent = unspent
		}
	}
	if best == "" {
		return "", &NotEnoughAllowance{
			ExecutorClass: executorClass,
			Required:      seconds,
			BestAvailable: bestAvailable,
			BestUnspent:   bestUnspent,
		}
	}
	return best, nil
}

// Backfill credits cells for every block since the last credited one, under
// the process-wide fetching lock. Each serving miner earns its online slot
// count times the block duration per executor class. Contenders that cannot
// take the lock within the wait timeout observe ErrLocked and no-op.
func (l *Ledger) Backfill(ctx context.Context, oracle chain.Oracle, capacities []Capacity) (int, error) {
	cfg := params.ForgeNetworkConfig()
	select {
	case l.fetchSem <- struct{}{}:
	case <-time.After(cfg.AdvisoryLockWaitTimeout):
		return 0, ErrLocked
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-l.fetchSem }()

	current, err := oracle.CurrentBlock(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "could not read current block")
	}
	highest, err := l.store.HighestCellBlock(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "could not read highest cell block")
	}
	oldest, err := oracle.OldestReachableBlock(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "could not read oldest reachable block")
	}
	start := highest + 1
	if floor := current - cfg.BlockExpiry + 1; start < floor {
		start = floor
	}
	if start < oldest {
		start = oldest
	}

	blockSeconds := cfg.BlockDuration().Seconds()
	credited := 0
	for b := start; b <= current; b++ {
		neurons, err := oracle.ListNeurons(ctx, b)
		if err != nil {
			return credited, errors.Wrapf(err, "could not list neurons at block %d", b)
		}
		serving := map[string]bool{}
		for _, n := range neurons {
			if n.Axon.Serving() {
				serving[n.Hotkey] = true
			}
		}
		var cells []*Cell
		for _, slot := range capacities {
			if slot.OnlineCount <= 0 || !serving[slot.MinerHotkey] {
				continue
			}
			cells = append(cells, &Cell{
				Block:           b,
				MinerHotkey:     slot.MinerHotkey,
				ValidatorHotkey: l.validatorHotkey,
				ExecutorClass:   slot.ExecutorClass,
				Seconds:         float64(slot.OnlineCount) * blockSeconds,
			})
		}
		if len(cells) > 0 {
			if err := l.store.SaveCells(ctx, cells); err != nil {
				return credited, errors.Wrapf(err, "could not save cells at block %d", b)
			}
		}
		credited++
	}

	if err := l.evict(ctx, current); err != nil {
		return credited, err
	}
	if credited > 0 {
		log.WithFields(logrus.Fields{
			"fromBlock": start,
			"toBlock":   current,
			"blocks":    credited,
		}).Info("Backfilled allowance cells")
	}
	return credited, nil
}

// evict drops cells that fell out of the retention window once the stale
// span crosses the eviction threshold, and finalizes reservations whose
// backing blocks are gone.
func (l *Ledger) evict(ctx context.Context, current int64) error {
	cfg := params.ForgeNetworkConfig()
	lowest, err := l.store.LowestCellBlock(ctx)
	if err != nil {
		return errors.Wrap(err, "could not read lowest cell block")
	}
	horizon := current - cfg.BlockExpiry + 1
	// Eviction is batched: cursoring the cell bucket on every backfill is
	// wasteful, so stale cells accumulate until the span crosses the
	// threshold.
	if lowest == 0 || current-lowest < cfg.BlockEvictionThreshold {
		return nil
	}
	evicted, err := l.store.EvictCellsBefore(ctx, horizon)
	if err != nil {
		return errors.Wrap(err, "could not evict allowance cells")
	}
	if evicted > 0 {
		log.WithFields(logrus.Fields{
			"beforeBlock": horizon,
			"cells":       evicted,
		}).Debug("Evicted expired allowance cells")
	}

	// Active reservations whose every backing block fell off the window can
	// no longer be spent; finalize them.
	rs, err := l.store.Reservations(ctx)
	if err != nil {
		return errors.Wrap(err, "could not list reservations")
	}
	for _, r := range rs {
		if r.State != StateActive {
			continue
		}
		stale := true
		for _, b := range r.Blocks {
			if b >= horizon {
				stale = false
				break
			}
		}
		if !stale {
			continue
		}
		mu := l.stripe(r.MinerHotkey, r.ExecutorClass)
		mu.Lock()
		err := l.expireLocked(ctx, r)
		mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
