package kv

import (
	"context"
	"time"

	"github.com/forgenet/forge/validator/chain"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

// SaveMetagraphSnapshot persists a snapshot keyed by block for audit.
func (s *Store) SaveMetagraphSnapshot(ctx context.Context, snap *chain.MetagraphSnapshot) error {
	_, span := trace.StartSpan(ctx, "ValidatorDB.SaveMetagraphSnapshot")
	defer span.End()
	enc, err := encode(snap)
	if err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(metagraphBucket).Put(int64Key(snap.Block), enc)
	})
}

// MetagraphSnapshot returns the snapshot stored at a block, or nil.
func (s *Store) MetagraphSnapshot(ctx context.Context, block int64) (*chain.MetagraphSnapshot, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.MetagraphSnapshot")
	defer span.End()
	var snap *chain.MetagraphSnapshot
	err := s.view(func(tx *bolt.Tx) error {
		enc := tx.Bucket(metagraphBucket).Get(int64Key(block))
		if enc == nil {
			return nil
		}
		snap = &chain.MetagraphSnapshot{}
		return decode(enc, snap)
	})
	return snap, err
}

// Cycle is a span of blocks aligning synthetic-job batches.
type Cycle struct {
	Start int64 `json:"start"`
	Stop  int64 `json:"stop"`
}

// SyntheticJobBatch groups the manifests declared in one validation round.
type SyntheticJobBatch struct {
	ID        uint64    `json:"id"`
	Block     int64     `json:"block"`
	Cycle     Cycle     `json:"cycle"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveCycle records a cycle keyed by its start block.
func (s *Store) SaveCycle(ctx context.Context, c *Cycle) error {
	_, span := trace.StartSpan(ctx, "ValidatorDB.SaveCycle")
	defer span.End()
	enc, err := encode(c)
	if err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(cyclesBucket).Put(int64Key(c.Start), enc)
	})
}

// CycleContaining returns the latest cycle whose start is at or before the
// block, or nil.
func (s *Store) CycleContaining(ctx context.Context, block int64) (*Cycle, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.CycleContaining")
	defer span.End()
	var out *Cycle
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(cyclesBucket).Cursor()
		k, v := c.Seek(int64Key(block))
		if k == nil || keyToInt64(k[:8]) > block {
			k, v = c.Prev()
		}
		if k == nil {
			return nil
		}
		cyc := &Cycle{}
		if err := decode(v, cyc); err != nil {
			return err
		}
		if cyc.Start <= block && block < cyc.Stop {
			out = cyc
		}
		return nil
	})
	return out, err
}

// SaveBatch records a synthetic-job batch, assigning an id if absent.
func (s *Store) SaveBatch(ctx context.Context, b *SyntheticJobBatch) error {
	_, span := trace.StartSpan(ctx, "ValidatorDB.SaveBatch")
	defer span.End()
	return s.update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(batchesBucket)
		if b.ID == 0 {
			id, err := bkt.NextSequence()
			if err != nil {
				return err
			}
			b.ID = id
		}
		enc, err := encode(b)
		if err != nil {
			return err
		}
		return bkt.Put(uint64Key(b.ID), enc)
	})
}

// LatestBatch returns the most recent synthetic-job batch, or nil.
func (s *Store) LatestBatch(ctx context.Context) (*SyntheticJobBatch, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.LatestBatch")
	defer span.End()
	var out *SyntheticJobBatch
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(batchesBucket).Cursor()
		_, v := c.Last()
		if v == nil {
			return nil
		}
		out = &SyntheticJobBatch{}
		return decode(v, out)
	})
	return out, err
}
