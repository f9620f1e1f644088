package routing

import (
	"context"
	"time"

	"github.com/forgenet/forge/config/dynamic"
	"github.com/forgenet/forge/validator/receipts"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CheckBusyExcuse decides whether a miner's BUSY decline is legitimate. The
// attached receipts must prove the miner's declared capacity for the class
// was already committed to other validators when the job was requested:
// each excuse must verify, name the same miner and class, be organic, carry
// a timestamp no later than the job request, and be issued by a validator
// whose stake meets the configured floor. Distinct excused jobs must number
// at least the miner's online count.
func (r *Router) CheckBusyExcuse(ctx context.Context, minerHotkey, executorClass string, jobRequestTime time.Time, excuses []*receipts.Receipt) (bool, error) {
	manifest, err := r.store.Manifest(ctx, minerHotkey, executorClass)
	if err != nil {
		return false, err
	}
	if manifest == nil {
		excusesChecked.WithLabelValues("rejected").Inc()
		return false, nil
	}

	stakes, err := r.validatorStakes(ctx)
	if err != nil {
		return false, err
	}
	floor := r.dyn.Float(dynamic.MinimumValidatorStakeForExcuse)

	seen := make(map[string]bool)
	for _, excuse := range excuses {
		p, err := excuse.Payload()
		if err != nil {
			log.WithError(err).Debug("Discarding undecodable excuse receipt")
			continue
		}
		kind := p.Kind()
		if kind != receipts.KindJobStarted && kind != receipts.KindJobAccepted {
			continue
		}
		common := p.Common()
		if common.MinerHotkey != minerHotkey || common.ExecutorClass != executorClass {
			continue
		}
		if !common.IsOrganic {
			continue
		}
		if common.Timestamp.After(jobRequestTime) {
			continue
		}
		if stakes[common.ValidatorHotkey] < floor {
			continue
		}
		if err := excuse.Verify(); err != nil {
			log.WithError(err).WithField("job", common.JobUUID).Debug("Discarding excuse receipt with a bad signature")
			continue
		}
		seen[common.JobUUID] = true
	}

	excused := len(seen) >= manifest.OnlineCount
	verdict := "accepted"
	if !excused {
		verdict = "rejected"
	}
	excusesChecked.WithLabelValues(verdict).Inc()
	log.WithFields(logrus.Fields{
		"miner":         minerHotkey,
		"executorClass": executorClass,
		"validExcuses":  len(seen),
		"onlineCount":   manifest.OnlineCount,
		"excused":       excused,
	}).Info("Checked busy-decline excuses")
	return excused, nil
}

// validatorStakes maps validator hotkeys to stake at the current block.
func (r *Router) validatorStakes(ctx context.Context) (map[string]float64, error) {
	block, err := r.oracle.CurrentBlock(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not read current block")
	}
	validators, err := r.oracle.ListValidators(ctx, block)
	if err != nil {
		return nil, errors.Wrap(err, "could not list validators")
	}
	out := make(map[string]float64, len(validators))
	for _, v := range validators {
		out[v.Hotkey] = v.Stake
	}
	return out, nil
}
