// Package routing selects a miner for each organic job: it narrows the
// candidate set by manifest freshness, blacklist, busy capacity and
// preliminary reservations, then delegates the final pick to the allowance
// ledger and claims a preliminary reservation atomically with selection.
package routing

import (
	"context"
	"time"

	"github.com/forgenet/forge/config/dynamic"
	"github.com/forgenet/forge/config/params"
	"github.com/forgenet/forge/validator/allowance"
	"github.com/forgenet/forge/validator/chain"
	"github.com/forgenet/forge/validator/db/kv"
	"github.com/forgenet/forge/validator/receipts"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
)

var log = logrus.WithField("prefix", "routing")

// Store is the subset of the validator database the router reads and writes.
type Store interface {
	Miner(ctx context.Context, hotkey string) (*kv.Miner, error)
	Manifest(ctx context.Context, hotkey, executorClass string) (*kv.MinerManifest, error)
	ManifestsForClass(ctx context.Context, executorClass string) ([]*kv.MinerManifest, error)
	Blacklisted(ctx context.Context, hotkey string, at time.Time) (bool, error)
	SaveBlacklist(ctx context.Context, b *kv.MinerBlacklist) error
	ActiveStartedJobs(ctx context.Context, minerHotkey, executorClass string, at time.Time) ([]string, error)
	Receipt(ctx context.Context, jobUUID string, kind receipts.PayloadKind) (*receipts.Receipt, error)
	Reservations(ctx context.Context) ([]*allowance.Reservation, error)
	SaveSystemEvent(ctx context.Context, ev *kv.SystemEvent) error
}

// Ledger is the allowance operations the router depends on.
type Ledger interface {
	Reserve(ctx context.Context, minerHotkey, executorClass, jobUUID string, seconds float64) (uint64, error)
	FindBestMiner(ctx context.Context, executorClass string, seconds float64, candidates []string, excluded map[string]bool) (string, error)
	Undo(ctx context.Context, id uint64) error
}

// Config options for the router.
type Config struct {
	Store   Store
	Ledger  Ledger
	Oracle  chain.Oracle
	Dynamic *dynamic.Config
	Now     func() time.Time
}

// Router picks miners for organic jobs.
type Router struct {
	store  Store
	ledger Ledger
	oracle chain.Oracle
	dyn    *dynamic.Config
	now    func() time.Time
}

// New creates a router.
func New(cfg *Config) *Router {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		store:  cfg.Store,
		ledger: cfg.Ledger,
		oracle: cfg.Oracle,
		dyn:    cfg.Dynamic,
		now:    now,
	}
}

// Selection is the router's verdict for one job.
type Selection struct {
	Miner *kv.Miner
	// ReservationID backs the selection until a JobStartedReceipt confirms
	// it. Zero for the trusted miner.
	ReservationID uint64
	Trusted       bool
}

// PickMiner selects a miner able to run `seconds` of work on the given
// executor class and reserves allowance on it. Callers must Undo the
// reservation if the job never produces a JobStartedReceipt.
func (r *Router) PickMiner(ctx context.Context, executorClass, jobUUID string, seconds float64, trusted bool) (*Selection, error) {
	ctx, span := trace.StartSpan(ctx, "routing.PickMiner")
	defer span.End()

	if trusted && params.ForgeNetworkConfig().TrustedMinerKey != "" {
		selections.WithLabelValues("trusted").Inc()
		miner, err := r.store.Miner(ctx, params.ForgeNetworkConfig().TrustedMinerKey)
		if err != nil {
			return nil, err
		}
		if miner == nil {
			return nil, errors.Errorf("trusted miner %s is not known", params.ForgeNetworkConfig().TrustedMinerKey)
		}
		return &Selection{Miner: miner, Trusted: true}, nil
	}

	now := r.now()
	candidates, busy, err := r.candidates(ctx, executorClass, now)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		if busy > 0 {
			selections.WithLabelValues("all_busy").Inc()
			return nil, ErrAllMinersBusy
		}
		selections.WithLabelValues("no_miner").Inc()
		return nil, ErrNoMinerForExecutorType
	}

	hotkeys := make([]string, 0, len(candidates))
	for hk := range candidates {
		hotkeys = append(hotkeys, hk)
	}
	best, err := r.ledger.FindBestMiner(ctx, executorClass, seconds, hotkeys, nil)
	if err != nil {
		selections.WithLabelValues("not_enough_allowance").Inc()
		return nil, err
	}
	reservationID, err := r.ledger.Reserve(ctx, best, executorClass, jobUUID, seconds)
	if err != nil {
		selections.WithLabelValues("reserve_failed").Inc()
		return nil, err
	}
	selections.WithLabelValues("picked").Inc()
	log.WithFields(logrus.Fields{
		"job":           jobUUID,
		"miner":         best,
		"executorClass": executorClass,
		"seconds":       seconds,
		"reservation":   reservationID,
	}).Info("Selected miner for job")
	return &Selection{Miner: candidates[best], ReservationID: reservationID}, nil
}

// candidates returns the selectable miners keyed by hotkey, plus the number
// of miners dropped for being busy or preliminarily reserved.
func (r *Router) candidates(ctx context.Context, executorClass string, now time.Time) (map[string]*kv.Miner, int, error) {
	manifests, err := r.store.ManifestsForClass(ctx, executorClass)
	if err != nil {
		return nil, 0, err
	}
	maxAge := params.ForgeNetworkConfig().ManifestMaxAge
	reserved, err := r.preliminarilyReserved(ctx, executorClass, now)
	if err != nil {
		return nil, 0, err
	}

	out := make(map[string]*kv.Miner)
	busy := 0
	for _, m := range manifests {
		if m.OnlineCount <= 0 || now.Sub(m.CreatedAt) > maxAge {
			continue
		}
		entry := log.WithFields(logrus.Fields{
			"miner":         m.MinerHotkey,
			"executorClass": executorClass,
		})
		blacklisted, err := r.store.Blacklisted(ctx, m.MinerHotkey, now)
		if err != nil {
			return nil, 0, err
		}
		if blacklisted {
			entry.Debug("Skipping blacklisted miner")
			continue
		}
		miner, err := r.store.Miner(ctx, m.MinerHotkey)
		if err != nil {
			return nil, 0, err
		}
		if miner == nil || !miner.Serving() {
			entry.Debug("Skipping miner without a reachable endpoint")
			continue
		}
		active, err := r.store.ActiveStartedJobs(ctx, m.MinerHotkey, executorClass, now)
		if err != nil {
			return nil, 0, err
		}
		if len(active) >= m.OnlineCount {
			entry.WithField("activeJobs", len(active)).Debug("Skipping busy miner")
			busy++
			continue
		}
		if reserved[m.MinerHotkey] {
			entry.Debug("Skipping preliminarily reserved miner")
			busy++
			continue
		}
		out[m.MinerHotkey] = miner
	}
	return out, busy, nil
}

// preliminarilyReserved returns the miners holding a fresh preliminary
// reservation for the class. A reservation stops blocking selection once it
// ages past the routing window, expires, or its job produced a
// JobFinishedReceipt.
func (r *Router) preliminarilyReserved(ctx context.Context, executorClass string, now time.Time) (map[string]bool, error) {
	window := r.dyn.Duration(dynamic.RoutingPreliminaryReservationTimeSeconds)
	reservations, err := r.store.Reservations(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, res := range reservations {
		if res.ExecutorClass != executorClass || !res.Live(now) {
			continue
		}
		if now.Sub(res.CreatedAt) >= window {
			continue
		}
		finished, err := r.store.Receipt(ctx, res.JobUUID, receipts.KindJobFinished)
		if err != nil {
			return nil, err
		}
		if finished != nil {
			continue
		}
		out[res.MinerHotkey] = true
	}
	return out, nil
}

// Blacklist bars a miner from selection and records the decision in the
// audit log.
func (r *Router) Blacklist(ctx context.Context, minerHotkey, reason string, ttl time.Duration) error {
	now := r.now()
	if err := r.store.SaveBlacklist(ctx, &kv.MinerBlacklist{
		MinerHotkey: minerHotkey,
		Reason:      reason,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}); err != nil {
		return errors.Wrap(err, "could not save blacklist entry")
	}
	blacklistings.Inc()
	log.WithFields(logrus.Fields{
		"miner":  minerHotkey,
		"reason": reason,
		"until":  now.Add(ttl),
	}).Warn("Blacklisted miner")
	return r.store.SaveSystemEvent(ctx, &kv.SystemEvent{
		Type:            kv.EventMinerBlacklisted,
		Subtype:         reason,
		LongDescription: "Miner blacklisted: " + reason,
		Data: map[string]interface{}{
			"miner":      minerHotkey,
			"expires_at": now.Add(ttl).UTC().Format(time.RFC3339),
		},
	})
}
