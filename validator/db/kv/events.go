package kv

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

// SystemEvent is an audit log entry. Every failure path of the validator
// writes one.
type SystemEvent struct {
	ID              uint64                 `json:"id"`
	Type            string                 `json:"type"`
	Subtype         string                 `json:"subtype"`
	LongDescription string                 `json:"long_description"`
	Data            map[string]interface{} `json:"data,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// Well-known system event types.
const (
	EventMinerBlacklisted      = "MINER_BLACKLISTED"
	EventOrganicJobFailure     = "ORGANIC_JOB_FAILURE"
	EventReceiptTransferError  = "RECEIPT_TRANSFER_ERROR"
	EventAllowanceError        = "ALLOWANCE_ERROR"
	EventChainReadError        = "CHAIN_READ_ERROR"
	EventFacilitatorConnection = "FACILITATOR_CONNECTION"
	EventConfigurationError    = "CONFIGURATION_ERROR"
)

// SaveSystemEvent appends an audit event, assigning it a sequence id.
func (s *Store) SaveSystemEvent(ctx context.Context, ev *SystemEvent) error {
	_, span := trace.StartSpan(ctx, "ValidatorDB.SaveSystemEvent")
	defer span.End()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return s.update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(systemEventsBucket)
		id, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		ev.ID = id
		enc, err := encode(ev)
		if err != nil {
			return err
		}
		return bkt.Put(uint64Key(id), enc)
	})
}

// SystemEvents returns events filtered by type; an empty type matches all.
// Events come back in insertion order.
func (s *Store) SystemEvents(ctx context.Context, eventType string, limit int) ([]*SystemEvent, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.SystemEvents")
	defer span.End()
	var out []*SystemEvent
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(systemEventsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			ev := &SystemEvent{}
			if err := decode(v, ev); err != nil {
				return err
			}
			if eventType != "" && ev.Type != eventType {
				continue
			}
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}
