// Package receipts defines the signed ledger entries miners and validators
// exchange about job lifecycles, plus page arithmetic for the pull-based
// replication of miner receipt stores. Receipts are the authoritative
// economic log: a JobStartedReceipt confirms an allowance spend, a
// JobFinishedReceipt releases a miner for re-selection, and accepted
// receipts from other validators serve as busy excuses.
package receipts

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PayloadKind discriminates receipt payload variants on the wire.
type PayloadKind string

const (
	// KindJobStarted marks the miner-side start of a job.
	KindJobStarted PayloadKind = "JobStartedReceipt"
	// KindJobAccepted marks a validator handing a job to a miner.
	KindJobAccepted PayloadKind = "JobAcceptedReceipt"
	// KindJobFinished marks a completed job with its final score.
	KindJobFinished PayloadKind = "JobFinishedReceipt"
)

// Payload is the signable content common to every receipt kind.
type Payload interface {
	Kind() PayloadKind
	Common() *PayloadFields
}

// PayloadFields are shared by all receipt payloads.
type PayloadFields struct {
	JobUUID         string    `json:"job_uuid"`
	MinerHotkey     string    `json:"miner_hotkey"`
	ValidatorHotkey string    `json:"validator_hotkey"`
	Timestamp       time.Time `json:"timestamp"`
	ExecutorClass   string    `json:"executor_class"`
	IsOrganic       bool      `json:"is_organic"`
}

// JobStartedPayload records that a miner began executing a job. Its TTL
// bounds how long the receipt counts against the miner's busy capacity.
type JobStartedPayload struct {
	PayloadFields
	TTL int64 `json:"ttl"`
}

// Kind implements Payload.
func (*JobStartedPayload) Kind() PayloadKind { return KindJobStarted }

// Common implements Payload.
func (p *JobStartedPayload) Common() *PayloadFields { return &p.PayloadFields }

// Active reports whether the receipt still counts against busy capacity at
// the given instant.
func (p *JobStartedPayload) Active(at time.Time) bool {
	return at.Before(p.Timestamp.Add(time.Duration(p.TTL) * time.Second))
}

// JobAcceptedPayload records that a validator assigned a job to the miner.
type JobAcceptedPayload struct {
	PayloadFields
	TimeAccepted time.Time `json:"time_accepted"`
	TTL          int64     `json:"ttl"`
}

// Kind implements Payload.
func (*JobAcceptedPayload) Kind() PayloadKind { return KindJobAccepted }

// Common implements Payload.
func (p *JobAcceptedPayload) Common() *PayloadFields { return &p.PayloadFields }

// JobFinishedPayload records job completion and the miner's scored result.
type JobFinishedPayload struct {
	PayloadFields
	TimeStarted time.Time `json:"time_started"`
	TimeTookUs  int64     `json:"time_took_us"`
	ScoreStr    string    `json:"score_str"`
}

// Kind implements Payload.
func (*JobFinishedPayload) Kind() PayloadKind { return KindJobFinished }

// Common implements Payload.
func (p *JobFinishedPayload) Common() *PayloadFields { return &p.PayloadFields }

// Receipt is the dual-signed envelope around a payload.
type Receipt struct {
	Kind               PayloadKind `json:"receipt_type"`
	RawPayload         []byte      `json:"payload"`
	ValidatorSignature string      `json:"validator_signature"`
	MinerSignature     string      `json:"miner_signature"`

	payload Payload
}

// Payload returns the decoded payload, parsing it on first use.
func (r *Receipt) Payload() (Payload, error) {
	if r.payload != nil {
		return r.payload, nil
	}
	var p Payload
	switch r.Kind {
	case KindJobStarted:
		p = &JobStartedPayload{}
	case KindJobAccepted:
		p = &JobAcceptedPayload{}
	case KindJobFinished:
		p = &JobFinishedPayload{}
	default:
		return nil, errors.Errorf("unknown receipt type %q", r.Kind)
	}
	if err := json.Unmarshal(r.RawPayload, p); err != nil {
		return nil, errors.Wrapf(err, "could not decode %s payload", r.Kind)
	}
	r.payload = p
	return p, nil
}

// JobUUID returns the payload's job uuid, or empty on a corrupt payload.
func (r *Receipt) JobUUID() string {
	p, err := r.Payload()
	if err != nil {
		return ""
	}
	return p.Common().JobUUID
}
