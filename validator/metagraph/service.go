// Package metagraph keeps the validator's local view of the subnet current:
// it periodically snapshots the metagraph, upserts miner records from serving
// axons, and drives the background allowance backfill and eviction passes.
package metagraph

import (
	"context"
	"time"

	"github.com/forgenet/forge/async"
	"github.com/forgenet/forge/config/params"
	"github.com/forgenet/forge/validator/allowance"
	"github.com/forgenet/forge/validator/chain"
	"github.com/forgenet/forge/validator/db/kv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "metagraph")

// Store is the slice of the validator database the sync loops touch.
type Store interface {
	Miner(ctx context.Context, hotkey string) (*kv.Miner, error)
	SaveMiner(ctx context.Context, m *kv.Miner) error
	SaveMetagraphSnapshot(ctx context.Context, snap *chain.MetagraphSnapshot) error
	Manifests(ctx context.Context) ([]*kv.MinerManifest, error)
	PruneBlacklist(ctx context.Context, before time.Time) (int, error)
	SaveSystemEvent(ctx context.Context, ev *kv.SystemEvent) error
}

// Ledger is the allowance surface the backfill loop drives.
type Ledger interface {
	Backfill(ctx context.Context, oracle chain.Oracle, capacities []allowance.Capacity) (int, error)
	ExpireStale(ctx context.Context) (int, error)
}

// Config options for the metagraph service.
type Config struct {
	Oracle chain.Oracle
	Store  Store
	Ledger Ledger
	// Now is the clock source, defaulting to time.Now. Exposed for tests.
	Now func() time.Time
}

// Service runs the periodic metagraph sync and allowance maintenance loops.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	oracle chain.Oracle
	store  Store
	ledger Ledger
	now    func() time.Time

	runError error
}

// New creates the metagraph service.
func New(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		oracle: cfg.Oracle,
		store:  cfg.Store,
		ledger: cfg.Ledger,
		now:    now,
	}
}

// Start begins the periodic loops. An initial sync runs immediately so the
// validator does not route against a stale miner set after a restart.
func (s *Service) Start() {
	cfg := params.ForgeNetworkConfig()
	if err := s.Sync(s.ctx); err != nil {
		log.WithError(err).Error("Initial metagraph sync failed")
		s.runError = err
	}
	async.RunEvery(s.ctx, cfg.MetagraphSyncInterval, func() {
		if err := s.Sync(s.ctx); err != nil {
			log.WithError(err).Error("Metagraph sync failed")
		}
	})
	async.RunEvery(s.ctx, cfg.AllowanceBackfillInterval, func() {
		if err := s.Maintain(s.ctx); err != nil {
			log.WithError(err).Error("Allowance maintenance failed")
		}
	})
}

// Stop ends the periodic loops.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status returns the error of the initial sync, if any. A failed periodic
// pass is retried on the next tick and does not mark the service unhealthy.
func (s *Service) Status() error {
	return s.runError
}

// Sync reads the metagraph at the current block, stores an audit snapshot,
// and upserts a miner record for every neuron with a serving axon below the
// validator stake floor.
func (s *Service) Sync(ctx context.Context) error {
	if err := s.sync(ctx); err != nil {
		syncRuns.WithLabelValues("error").Inc()
		s.audit(ctx, kv.EventChainReadError, "METAGRAPH_SYNC", err)
		return err
	}
	syncRuns.WithLabelValues("ok").Inc()
	return nil
}

func (s *Service) sync(ctx context.Context) error {
	cfg := params.ForgeNetworkConfig()
	block, err := s.oracle.CurrentBlock(ctx)
	if err != nil {
		return errors.Wrap(err, "could not read current block")
	}
	neurons, err := s.oracle.ListNeurons(ctx, block)
	if err != nil {
		return errors.Wrapf(err, "could not list neurons at block %d", block)
	}
	hash, err := s.oracle.BlockHash(ctx, block)
	if err != nil {
		return errors.Wrapf(err, "could not read hash of block %d", block)
	}
	state, err := s.oracle.SubnetState(ctx, block)
	if err != nil {
		return errors.Wrapf(err, "could not read subnet state at block %d", block)
	}

	snap := &chain.MetagraphSnapshot{
		Block:      block,
		BlockHash:  hash,
		TotalStake: state.TotalStake,
	}
	miners := 0
	for _, n := range neurons {
		snap.UIDs = append(snap.UIDs, n.UID)
		snap.Hotkeys = append(snap.Hotkeys, n.Hotkey)
		if !n.Axon.Serving() {
			continue
		}
		snap.ServingHotkeys = append(snap.ServingHotkeys, n.Hotkey)
		if n.Stake >= cfg.MinValidatorStake {
			continue
		}
		miners++
		if err := s.upsertMiner(ctx, n, block); err != nil {
			return err
		}
	}
	if err := s.store.SaveMetagraphSnapshot(ctx, snap); err != nil {
		return errors.Wrapf(err, "could not save snapshot of block %d", block)
	}
	knownMiners.Set(float64(miners))
	log.WithFields(logrus.Fields{
		"block":   block,
		"neurons": len(neurons),
		"miners":  miners,
	}).Debug("Synced metagraph")
	return nil
}

func (s *Service) upsertMiner(ctx context.Context, n chain.Neuron, block int64) error {
	prev, err := s.store.Miner(ctx, n.Hotkey)
	if err != nil {
		return errors.Wrapf(err, "could not read miner %s", n.Hotkey)
	}
	if prev != nil && prev.Serving() && (prev.Address != n.Axon.IP || prev.Port != n.Axon.Port) {
		minerAddressChanges.Inc()
		log.WithFields(logrus.Fields{
			"miner":       n.Hotkey,
			"previousIP":  prev.Address,
			"currentIP":   n.Axon.IP,
			"currentPort": n.Axon.Port,
		}).Warn("Miner axon address changed")
	}
	return s.store.SaveMiner(ctx, &kv.Miner{
		Hotkey:        n.Hotkey,
		Address:       n.Axon.IP,
		Port:          n.Axon.Port,
		UID:           n.UID,
		LastSeenBlock: block,
		UpdatedAt:     s.now().UTC(),
	})
}

// Maintain runs one allowance maintenance pass: backfill cells for every
// fresh manifest, expire stale reservations, and prune expired blacklist
// entries. A backfill already held by another caller is skipped, not failed.
func (s *Service) Maintain(ctx context.Context) error {
	caps, err := s.capacities(ctx)
	if err != nil {
		return err
	}
	blocks, err := s.ledger.Backfill(ctx, s.oracle, caps)
	if err != nil {
		if errors.Is(err, allowance.ErrLocked) {
			log.Debug("Allowance backfill already in progress, skipping")
		} else {
			s.audit(ctx, kv.EventAllowanceError, "ALLOWANCE_BACKFILL", err)
			return errors.Wrap(err, "could not backfill allowance")
		}
	}
	backfilledBlocks.Add(float64(blocks))

	expired, err := s.ledger.ExpireStale(ctx)
	if err != nil {
		return errors.Wrap(err, "could not expire stale reservations")
	}
	if expired > 0 {
		log.WithField("reservations", expired).Info("Expired stale reservations")
	}
	pruned, err := s.store.PruneBlacklist(ctx, s.now().UTC())
	if err != nil {
		return errors.Wrap(err, "could not prune blacklist")
	}
	if pruned > 0 {
		log.WithField("entries", pruned).Debug("Pruned expired blacklist entries")
	}
	return nil
}

// capacities folds the stored manifests into per-miner per-class capacity,
// dropping manifests older than the freshness horizon.
func (s *Service) capacities(ctx context.Context) ([]allowance.Capacity, error) {
	cfg := params.ForgeNetworkConfig()
	manifests, err := s.store.Manifests(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not list manifests")
	}
	horizon := s.now().UTC().Add(-cfg.ManifestMaxAge)
	var caps []allowance.Capacity
	for _, m := range manifests {
		if m.CreatedAt.Before(horizon) {
			continue
		}
		caps = append(caps, allowance.Capacity{
			MinerHotkey:   m.MinerHotkey,
			ExecutorClass: m.ExecutorClass,
			OnlineCount:   m.OnlineCount,
		})
	}
	return caps, nil
}

func (s *Service) audit(ctx context.Context, eventType, subtype string, cause error) {
	ev := &kv.SystemEvent{
		Type:            eventType,
		Subtype:         subtype,
		LongDescription: cause.Error(),
		Timestamp:       s.now().UTC(),
	}
	if err := s.store.SaveSystemEvent(ctx, ev); err != nil {
		log.WithError(err).Error("Could not save system event")
	}
}
