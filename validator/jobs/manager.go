// Package jobs drives organic jobs from facilitator request to terminal
// status: it routes each job to a miner, negotiates the per-job miner
// protocol, emits ordered status updates, and writes the receipts that
// settle the job economically.
package jobs

import (
	"context"
	"time"

	"github.com/forgenet/forge/config/dynamic"
	"github.com/forgenet/forge/crypto/keys"
	"github.com/forgenet/forge/validator/db/kv"
	"github.com/forgenet/forge/validator/minerclient"
	"github.com/forgenet/forge/validator/protocol"
	"github.com/forgenet/forge/validator/receipts"
	"github.com/forgenet/forge/validator/routing"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "jobs")

// Conn is the per-job miner connection the driver speaks through.
type Conn interface {
	Send(ctx context.Context, msg protocol.Message) error
	Receive() <-chan protocol.Message
	Close() error
}

// Dialer opens a Conn to a miner.
type Dialer func(ctx context.Context, m *kv.Miner) (Conn, error)

// StatusSink receives ordered job status updates for the facilitator.
type StatusSink interface {
	SendStatus(update *protocol.JobStatusUpdate)
}

// Router picks miners and enforces the blacklist and excuse policies.
type Router interface {
	PickMiner(ctx context.Context, executorClass, jobUUID string, seconds float64, trusted bool) (*routing.Selection, error)
	CheckBusyExcuse(ctx context.Context, minerHotkey, executorClass string, jobRequestTime time.Time, excuses []*receipts.Receipt) (bool, error)
	Blacklist(ctx context.Context, minerHotkey, reason string, ttl time.Duration) error
}

// Ledger is the allowance operations a job settlement needs.
type Ledger interface {
	Spend(ctx context.Context, id uint64, receipt *receipts.Receipt) error
	Undo(ctx context.Context, id uint64) error
}

// Store is the subset of the validator database the driver writes.
type Store interface {
	SaveOrganicJob(ctx context.Context, j *kv.OrganicJob) error
	OrganicJob(ctx context.Context, uuid string) (*kv.OrganicJob, error)
	SaveReceipts(ctx context.Context, page receipts.PageID, rs []*receipts.Receipt) (int, error)
	SaveSystemEvent(ctx context.Context, ev *kv.SystemEvent) error
}

// VolumeChecker pre-validates a job's volume spec before dispatch.
type VolumeChecker interface {
	Validate(ctx context.Context, v *protocol.Volume) error
}

// Config options for the job manager.
type Config struct {
	Store   Store
	Router  Router
	Ledger  Ledger
	Sink    StatusSink
	Signer  *keys.Keypair
	Dynamic *dynamic.Config
	// Dialer defaults to the minerclient websocket transport.
	Dialer Dialer
	// Volumes is optional; nil skips pre-flight volume checks.
	Volumes VolumeChecker
	Now     func() time.Time
}

// Manager accepts facilitator job traffic and runs one driver per job.
type Manager struct {
	store  Store
	router Router
	ledger Ledger
	sink   StatusSink
	signer *keys.Keypair
	dyn    *dynamic.Config
	dial   Dialer
	vols   VolumeChecker
	now    func() time.Time
}

// NewManager creates a job manager.
func NewManager(cfg *Config) *Manager {
	dial := cfg.Dialer
	if dial == nil {
		signer := cfg.Signer
		dial = func(ctx context.Context, m *kv.Miner) (Conn, error) {
			return minerclient.Connect(ctx, m.Address, m.Port, m.Hotkey, signer)
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:  cfg.Store,
		router: cfg.Router,
		ledger: cfg.Ledger,
		sink:   cfg.Sink,
		signer: cfg.Signer,
		dyn:    cfg.Dynamic,
		dial:   dial,
		vols:   cfg.Volumes,
		now:    now,
	}
}

// HandleJobRequest drives one organic job to a terminal state. It blocks for
// the life of the job; the facilitator service dispatches it on its own
// goroutine.
func (m *Manager) HandleJobRequest(ctx context.Context, req *protocol.V2JobRequest) {
	jobsStarted.Inc()
	start := m.now()
	d := &driver{m: m, req: req, requestedAt: start}
	d.run(ctx)
	jobDuration.Observe(m.now().Sub(start).Seconds())
}

// HandleJobCheated blacklists the miner that ran a forged job. It touches
// only the audit record; the job's state machine has long terminated.
func (m *Manager) HandleJobCheated(ctx context.Context, req *protocol.V0JobCheated) {
	job, err := m.store.OrganicJob(ctx, req.JobUUID)
	if err != nil {
		log.WithError(err).WithField("job", req.JobUUID).Error("Could not load cheated job")
		return
	}
	if job == nil {
		log.WithField("job", req.JobUUID).Warn("Cheated report for an unknown job")
		return
	}
	job.Cheated = true
	job.UpdatedAt = m.now()
	if err := m.store.SaveOrganicJob(ctx, job); err != nil {
		log.WithError(err).WithField("job", req.JobUUID).Error("Could not mark job cheated")
	}
	ttl := m.dyn.Duration(dynamic.JobCheatedBlacklistTimeSeconds)
	if err := m.router.Blacklist(ctx, job.MinerHotkey, "JOB_CHEATED", ttl); err != nil {
		log.WithError(err).WithField("miner", job.MinerHotkey).Error("Could not blacklist cheating miner")
	}
}

// requestedSeconds is the executor time a job asks for: the sum of its stage
// limits, or the configured total job timeout when no limits are given.
func (m *Manager) requestedSeconds(req *protocol.V2JobRequest) float64 {
	total := req.DownloadTimeLimit + req.ExecutionTimeLimit + req.UploadTimeLimit
	if total > 0 {
		return float64(total)
	}
	return m.dyn.Float(dynamic.OrganicJobTimeout)
}
