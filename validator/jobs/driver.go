package jobs

import (
	"context"
	"time"

	"github.com/forgenet/forge/config/dynamic"
	"github.com/forgenet/forge/validator/db/kv"
	"github.com/forgenet/forge/validator/protocol"
	"github.com/forgenet/forge/validator/receipts"
	"github.com/forgenet/forge/validator/routing"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
)

// FailureReason classifies a job failure 1:1 with status comments and audit
// events.
type FailureReason string

const (
	ReasonMinerConnectionFailed     FailureReason = "MINER_CONNECTION_FAILED"
	ReasonInitialResponseTimedOut   FailureReason = "INITIAL_RESPONSE_TIMED_OUT"
	ReasonJobDeclined               FailureReason = "JOB_DECLINED"
	ReasonExecutorReadinessTimedOut FailureReason = "EXECUTOR_READINESS_RESPONSE_TIMED_OUT"
	ReasonStreamingJobReadyTimedOut FailureReason = "STREAMING_JOB_READY_TIMED_OUT"
	ReasonExecutorFailed            FailureReason = "EXECUTOR_FAILED"
	ReasonFinalResponseTimedOut     FailureReason = "FINAL_RESPONSE_TIMED_OUT"
	ReasonJobFailed                 FailureReason = "JOB_FAILED"
	// ReasonHuggingfaceDownload sub-classifies JOB_FAILED when the miner
	// could not fetch a huggingface volume.
	ReasonHuggingfaceDownload FailureReason = "HUGGINGFACE_DOWNLOAD"
)

var (
	errAwaitTimeout     = errors.New("timed out waiting for miner message")
	errConnectionClosed = errors.New("miner connection closed")
)

// driver owns one job from dispatch to terminal state.
type driver struct {
	m           *Manager
	req         *protocol.V2JobRequest
	requestedAt time.Time

	sel     *routing.Selection
	conn    Conn
	started *receipts.Receipt
	// minerReceiptSig is the miner's countersignature over the started
	// receipt payload, delivered with the accept message.
	minerReceiptSig string
	spent           bool
	lastMinerMsg    protocol.Message
}

func (d *driver) run(ctx context.Context) {
	ctx, span := trace.StartSpan(ctx, "jobs.driver.run")
	defer span.End()
	entry := log.WithFields(logrus.Fields{
		"job":           d.req.UUID,
		"executorClass": d.req.ExecutorClass,
	})

	d.emit(protocol.StatusReceived, "Job received by validator", nil)

	if d.m.vols != nil && d.req.Volume != nil {
		if err := d.m.vols.Validate(ctx, d.req.Volume); err != nil {
			entry.WithError(err).Warn("Rejecting job with an invalid volume")
			d.reject("Volume rejected: " + err.Error())
			return
		}
	}

	seconds := d.m.requestedSeconds(d.req)
	sel, err := d.m.router.PickMiner(ctx, d.req.ExecutorClass, d.req.UUID, seconds, d.req.OnTrustedMiner)
	if err != nil {
		entry.WithError(err).Warn("Could not route job")
		d.audit(ctx, "JOB_NOT_ROUTED", err.Error())
		d.reject(err.Error())
		return
	}
	d.sel = sel
	entry = entry.WithField("miner", sel.Miner.Hotkey)
	d.saveJob(ctx, protocol.StatusReceived, "")

	// The whole job is bounded by a wall clock from dispatch.
	total := d.m.dyn.Duration(dynamic.OrganicJobTimeout)
	ctx, cancel := context.WithDeadline(ctx, d.requestedAt.Add(total))
	defer cancel()

	if !sel.Trusted {
		started, err := receipts.Build(&receipts.JobStartedPayload{
			PayloadFields: receipts.PayloadFields{
				JobUUID:         d.req.UUID,
				MinerHotkey:     sel.Miner.Hotkey,
				ValidatorHotkey: d.m.signer.Address(),
				Timestamp:       d.m.now(),
				ExecutorClass:   d.req.ExecutorClass,
				IsOrganic:       true,
			},
			TTL: int64(seconds),
		}, d.m.signer)
		if err != nil {
			entry.WithError(err).Error("Could not sign job started receipt")
			d.fail(ctx, ReasonJobFailed, "could not sign job started receipt", nil, false)
			return
		}
		d.started = started
	}

	conn, err := d.m.dial(ctx, sel.Miner)
	if err != nil {
		entry.WithError(err).Warn("Could not connect to miner")
		d.fail(ctx, ReasonMinerConnectionFailed, "could not connect to miner", nil, true)
		return
	}
	d.conn = conn
	defer func() {
		if err := conn.Close(); err != nil {
			entry.WithError(err).Debug("Could not close miner connection")
		}
	}()

	initial := &protocol.V0InitialJobRequest{
		UUID:           d.req.UUID,
		ExecutorClass:  d.req.ExecutorClass,
		DockerImage:    d.req.DockerImage,
		TimeoutSeconds: int64(seconds),
		VolumeInfo:     d.req.Volume,
	}
	if d.started != nil {
		initial.JobStartedReceiptPayload = d.started.RawPayload
		initial.JobStartedReceiptSignature = d.started.ValidatorSignature
	}
	if err := conn.Send(ctx, initial); err != nil {
		entry.WithError(err).Warn("Could not send initial job request")
		d.fail(ctx, ReasonMinerConnectionFailed, "could not send initial job request", nil, true)
		return
	}

	// SENT: wait for the miner's verdict.
	initialTimeout := d.m.dyn.Duration(dynamic.OrganicJobInitialResponseTimeout)
	msg, err := d.await(ctx, initialTimeout)
	if err != nil {
		d.failAwait(ctx, err, ReasonInitialResponseTimedOut, "timed out waiting for initial response")
		return
	}
	switch m := msg.(type) {
	case *protocol.V0AcceptJobRequest:
		d.minerReceiptSig = m.JobStartedReceiptSignature
	case *protocol.V0DeclineJobRequest:
		d.handleDecline(ctx, m)
		return
	case *protocol.V0ExecutorFailedRequest:
		d.fail(ctx, ReasonExecutorFailed, "executor failed: "+m.Details, nil, true)
		return
	default:
		d.fail(ctx, ReasonJobDeclined, "unexpected initial response "+msg.MessageType(), nil, true)
		return
	}
	d.saveAcceptedReceipt(ctx)
	d.emit(protocol.StatusAccepted, "Miner accepted job", nil)

	// ACCEPTED: wait for an executor.
	readyTimeout := d.m.dyn.Duration(dynamic.OrganicJobExecutorReadyTimeout)
	msg, err = d.await(ctx, readyTimeout)
	if err != nil {
		d.failAwait(ctx, err, ReasonExecutorReadinessTimedOut, "timed out waiting for executor readiness")
		return
	}
	switch m := msg.(type) {
	case *protocol.V0ExecutorReadyRequest:
	case *protocol.V0ExecutorFailedRequest:
		d.fail(ctx, ReasonExecutorFailed, "executor failed: "+m.Details, nil, true)
		return
	default:
		d.fail(ctx, ReasonExecutorFailed, "unexpected readiness response "+msg.MessageType(), nil, true)
		return
	}
	d.confirmSpend(ctx)
	d.emit(protocol.StatusExecutorReady, "Miner executor is ready", nil)

	// READY: hand over the full job.
	if err := conn.Send(ctx, &protocol.V0JobRequest{
		UUID:         d.req.UUID,
		DockerImage:  d.req.DockerImage,
		Args:         d.req.Args,
		Env:          d.req.Env,
		UseGPU:       d.req.UseGPU,
		Volume:       d.req.Volume,
		OutputUpload: d.req.OutputUpload,
		ArtifactsDir: d.req.ArtifactsDir,
	}); err != nil {
		entry.WithError(err).Warn("Could not send job request")
		d.fail(ctx, ReasonMinerConnectionFailed, "could not send job request", nil, true)
		return
	}

	// RUNNING: volumes must come up within the readiness bound.
	msg, err = d.await(ctx, readyTimeout)
	if err != nil {
		d.failAwait(ctx, err, ReasonStreamingJobReadyTimedOut, "timed out waiting for volumes")
		return
	}
	switch m := msg.(type) {
	case *protocol.V0VolumesReadyRequest:
	case *protocol.V0JobFailedRequest:
		d.failJob(ctx, m)
		return
	case *protocol.V0ExecutorFailedRequest:
		d.fail(ctx, ReasonExecutorFailed, "executor failed: "+m.Details, nil, true)
		return
	default:
		d.fail(ctx, ReasonJobFailed, "unexpected volume response "+msg.MessageType(), nil, true)
		return
	}
	d.emit(protocol.StatusVolumesReady, "Miner volumes are ready", nil)

	// VOLUMES_READY → DONE → COMPLETED, all bounded by the total deadline.
	for {
		msg, err = d.await(ctx, total)
		if err != nil {
			d.failAwait(ctx, err, ReasonFinalResponseTimedOut, "timed out waiting for final response")
			return
		}
		switch m := msg.(type) {
		case *protocol.V0ExecutionDoneRequest:
			continue
		case *protocol.V0JobFinishedRequest:
			d.complete(ctx, m)
			return
		case *protocol.V0JobFailedRequest:
			d.failJob(ctx, m)
			return
		default:
			entry.WithField("messageType", msg.MessageType()).Debug("Ignoring unexpected miner message")
		}
	}
}

// await returns the next miner message within the timeout. Miner protocol
// messages for other jobs do not exist on a per-job connection, so every
// frame belongs to this driver.
func (d *driver) await(ctx context.Context, timeout time.Duration) (protocol.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-d.conn.Receive():
		if !ok {
			return nil, errConnectionClosed
		}
		d.lastMinerMsg = msg
		return msg, nil
	case <-timer.C:
		return nil, errAwaitTimeout
	case <-ctx.Done():
		return nil, errAwaitTimeout
	}
}

// failAwait maps an await error to the stage's failure reason, or to a
// connection failure when the miner hung up.
func (d *driver) failAwait(ctx context.Context, err error, reason FailureReason, comment string) {
	if errors.Is(err, errConnectionClosed) {
		d.fail(ctx, ReasonMinerConnectionFailed, "miner connection closed", nil, true)
		return
	}
	d.fail(ctx, reason, comment, nil, true)
}

func (d *driver) handleDecline(ctx context.Context, decline *protocol.V0DeclineJobRequest) {
	entry := log.WithFields(logrus.Fields{
		"job":    d.req.UUID,
		"miner":  d.sel.Miner.Hotkey,
		"reason": decline.Reason,
	})
	if decline.Reason != protocol.DeclineBusy {
		entry.Info("Miner declined job")
		d.undoReservation(ctx)
		d.audit(ctx, string(ReasonJobDeclined), "Miner declined job: "+string(decline.Reason))
		d.rejectTerminal(ctx, "Miner declined job: "+string(decline.Reason))
		return
	}

	excused, err := d.m.router.CheckBusyExcuse(ctx, d.sel.Miner.Hotkey, d.req.ExecutorClass, d.requestedAt, decline.Receipts)
	if err != nil {
		entry.WithError(err).Error("Could not validate busy excuses")
		excused = false
	}
	d.undoReservation(ctx)
	if excused {
		entry.Info("Miner excused a busy decline")
		d.rejectTerminal(ctx, "Miner properly excused job")
		return
	}
	entry.Warn("Miner failed to excuse a busy decline")
	ttl := d.m.dyn.Duration(dynamic.JobFailureBlacklistTimeSeconds)
	if err := d.m.router.Blacklist(ctx, d.sel.Miner.Hotkey, string(ReasonJobDeclined), ttl); err != nil {
		entry.WithError(err).Error("Could not blacklist miner")
	}
	d.audit(ctx, string(ReasonJobDeclined), "Miner failed to excuse job")
	d.rejectTerminal(ctx, "Miner failed to excuse job")
}

// confirmSpend settles the preliminary reservation against the
// countersigned JobStartedReceipt.
func (d *driver) confirmSpend(ctx context.Context) {
	if d.sel.Trusted || d.started == nil {
		return
	}
	entry := log.WithFields(logrus.Fields{"job": d.req.UUID, "miner": d.sel.Miner.Hotkey})
	if d.minerReceiptSig == "" {
		entry.Warn("Miner did not countersign the started receipt")
		d.audit(ctx, "MISSING_STARTED_RECEIPT", "Miner did not countersign the started receipt")
		return
	}
	receipt := &receipts.Receipt{
		Kind:               receipts.KindJobStarted,
		RawPayload:         d.started.RawPayload,
		ValidatorSignature: d.started.ValidatorSignature,
		MinerSignature:     d.minerReceiptSig,
	}
	if _, err := d.m.store.SaveReceipts(ctx, receipts.PageAt(d.m.now()), []*receipts.Receipt{receipt}); err != nil {
		entry.WithError(err).Error("Could not persist started receipt")
	}
	if err := d.m.ledger.Spend(ctx, d.sel.ReservationID, receipt); err != nil {
		entry.WithError(err).Error("Could not spend reservation")
		d.audit(ctx, "SPEND_FAILED", "Could not spend reservation: "+err.Error())
		return
	}
	d.spent = true
}

func (d *driver) saveAcceptedReceipt(ctx context.Context) {
	if d.sel.Trusted {
		return
	}
	accepted, err := receipts.Build(&receipts.JobAcceptedPayload{
		PayloadFields: receipts.PayloadFields{
			JobUUID:         d.req.UUID,
			MinerHotkey:     d.sel.Miner.Hotkey,
			ValidatorHotkey: d.m.signer.Address(),
			Timestamp:       d.m.now(),
			ExecutorClass:   d.req.ExecutorClass,
			IsOrganic:       true,
		},
		TimeAccepted: d.m.now(),
		TTL:          int64(d.m.requestedSeconds(d.req)),
	}, d.m.signer)
	if err != nil {
		log.WithError(err).WithField("job", d.req.UUID).Error("Could not sign accepted receipt")
		return
	}
	if _, err := d.m.store.SaveReceipts(ctx, receipts.PageAt(d.m.now()), []*receipts.Receipt{accepted}); err != nil {
		log.WithError(err).WithField("job", d.req.UUID).Error("Could not persist accepted receipt")
	}
}

func (d *driver) complete(ctx context.Context, finished *protocol.V0JobFinishedRequest) {
	if !d.sel.Trusted {
		receipt, err := receipts.Build(&receipts.JobFinishedPayload{
			PayloadFields: receipts.PayloadFields{
				JobUUID:         d.req.UUID,
				MinerHotkey:     d.sel.Miner.Hotkey,
				ValidatorHotkey: d.m.signer.Address(),
				Timestamp:       d.m.now(),
				ExecutorClass:   d.req.ExecutorClass,
				IsOrganic:       true,
			},
			TimeStarted: d.requestedAt,
			TimeTookUs:  d.m.now().Sub(d.requestedAt).Microseconds(),
		}, d.m.signer)
		if err != nil {
			log.WithError(err).WithField("job", d.req.UUID).Error("Could not sign finished receipt")
		} else if _, err := d.m.store.SaveReceipts(ctx, receipts.PageAt(d.m.now()), []*receipts.Receipt{receipt}); err != nil {
			log.WithError(err).WithField("job", d.req.UUID).Error("Could not persist finished receipt")
		}
	}
	d.emit(protocol.StatusCompleted, "Job completed", &protocol.MinerResponse{
		MessageType: finished.MessageType(),
		Stdout:      finished.Stdout,
		Stderr:      finished.Stderr,
		Artifacts:   finished.Artifacts,
	})
	job := &kv.OrganicJob{
		UUID:           d.req.UUID,
		MinerHotkey:    d.sel.Miner.Hotkey,
		ExecutorClass:  d.req.ExecutorClass,
		Status:         protocol.StatusCompleted,
		Comment:        "Job completed",
		Stdout:         finished.Stdout,
		Stderr:         finished.Stderr,
		ArtifactsDir:   d.req.ArtifactsDir,
		OnTrustedMiner: d.sel.Trusted,
		CreatedAt:      d.requestedAt,
		UpdatedAt:      d.m.now(),
	}
	if err := d.m.store.SaveOrganicJob(ctx, job); err != nil {
		log.WithError(err).WithField("job", d.req.UUID).Error("Could not persist completed job")
	}
	jobsFinished.WithLabelValues("completed").Inc()
	log.WithFields(logrus.Fields{"job": d.req.UUID, "miner": d.sel.Miner.Hotkey}).Info("Job completed")
}

// failJob maps a V0JobFailed message to a terminal failure, classifying
// huggingface download errors separately.
func (d *driver) failJob(ctx context.Context, failed *protocol.V0JobFailedRequest) {
	reason := ReasonJobFailed
	if failed.ErrorType == protocol.ErrHuggingfaceDownload {
		reason = ReasonHuggingfaceDownload
	}
	comment := "Job failed on miner"
	if failed.ErrorDetail != "" {
		comment += ": " + failed.ErrorDetail
	}
	d.fail(ctx, reason, comment, &protocol.MinerResponse{
		MessageType: failed.MessageType(),
		Stdout:      failed.Stdout,
		Stderr:      failed.Stderr,
	}, true)
}

func (d *driver) fail(ctx context.Context, reason FailureReason, comment string, resp *protocol.MinerResponse, blacklist bool) {
	d.undoReservation(ctx)
	if blacklist && d.sel != nil && !d.sel.Trusted {
		ttl := d.m.dyn.Duration(dynamic.JobFailureBlacklistTimeSeconds)
		if err := d.m.router.Blacklist(ctx, d.sel.Miner.Hotkey, string(reason), ttl); err != nil {
			log.WithError(err).WithField("miner", d.sel.Miner.Hotkey).Error("Could not blacklist miner")
		}
	}
	d.audit(ctx, string(reason), comment)
	d.emit(protocol.StatusFailed, comment, resp)
	d.saveTerminal(ctx, protocol.StatusFailed, comment, resp)
	jobFailures.WithLabelValues(string(reason)).Inc()
	jobsFinished.WithLabelValues("failed").Inc()
}

// reject terminates a job that never reached a miner.
func (d *driver) reject(comment string) {
	d.emit(protocol.StatusRejected, comment, nil)
	jobsFinished.WithLabelValues("rejected").Inc()
}

// rejectTerminal terminates a routed job with a rejected status.
func (d *driver) rejectTerminal(ctx context.Context, comment string) {
	d.emit(protocol.StatusRejected, comment, nil)
	d.saveTerminal(ctx, protocol.StatusRejected, comment, nil)
	jobsFinished.WithLabelValues("rejected").Inc()
}

func (d *driver) undoReservation(ctx context.Context) {
	if d.sel == nil || d.sel.Trusted || d.sel.ReservationID == 0 || d.spent {
		return
	}
	if err := d.m.ledger.Undo(ctx, d.sel.ReservationID); err != nil {
		log.WithError(err).WithField("job", d.req.UUID).Error("Could not release reservation")
	}
}

func (d *driver) emit(status, comment string, resp *protocol.MinerResponse) {
	d.m.sink.SendStatus(&protocol.JobStatusUpdate{
		UUID:   d.req.UUID,
		Status: status,
		Metadata: &protocol.StatusMetadata{
			Comment:       comment,
			MinerResponse: resp,
		},
	})
}

func (d *driver) saveJob(ctx context.Context, status, comment string) {
	job := &kv.OrganicJob{
		UUID:           d.req.UUID,
		MinerHotkey:    d.sel.Miner.Hotkey,
		ExecutorClass:  d.req.ExecutorClass,
		Status:         status,
		Comment:        comment,
		ArtifactsDir:   d.req.ArtifactsDir,
		OnTrustedMiner: d.sel.Trusted,
		CreatedAt:      d.requestedAt,
		UpdatedAt:      d.m.now(),
	}
	if err := d.m.store.SaveOrganicJob(ctx, job); err != nil {
		log.WithError(err).WithField("job", d.req.UUID).Error("Could not persist job")
	}
}

func (d *driver) saveTerminal(ctx context.Context, status, comment string, resp *protocol.MinerResponse) {
	job := &kv.OrganicJob{
		UUID:           d.req.UUID,
		MinerHotkey:    d.sel.Miner.Hotkey,
		ExecutorClass:  d.req.ExecutorClass,
		Status:         status,
		Comment:        comment,
		ArtifactsDir:   d.req.ArtifactsDir,
		OnTrustedMiner: d.sel.Trusted,
		CreatedAt:      d.requestedAt,
		UpdatedAt:      d.m.now(),
	}
	if resp != nil {
		job.Stdout = resp.Stdout
		job.Stderr = resp.Stderr
	}
	if err := d.m.store.SaveOrganicJob(ctx, job); err != nil {
		log.WithError(err).WithField("job", d.req.UUID).Error("Could not persist job")
	}
}

// audit writes a job failure event unless events for trusted-miner jobs are
// disabled.
func (d *driver) audit(ctx context.Context, subtype, description string) {
	if d.sel != nil && d.sel.Trusted && d.m.dyn.Bool(dynamic.DisableTrustedOrganicJobEvents) {
		return
	}
	data := map[string]interface{}{"job": d.req.UUID}
	if d.sel != nil {
		data["miner"] = d.sel.Miner.Hotkey
	}
	if err := d.m.store.SaveSystemEvent(ctx, &kv.SystemEvent{
		Type:            kv.EventOrganicJobFailure,
		Subtype:         subtype,
		LongDescription: description,
		Data:            data,
	}); err != nil {
		log.WithError(err).WithField("job", d.req.UUID).Error("Could not record job failure event")
	}
}
