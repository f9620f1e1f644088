package kv

import (
	"bytes"
	"context"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

// Miner is a known worker on the subnet, discovered from the metagraph.
type Miner struct {
	Hotkey        string    `json:"hotkey"`
	Address       string    `json:"address"`
	Port          uint16    `json:"port"`
	UID           uint16    `json:"uid"`
	LastSeenBlock int64     `json:"last_seen_block"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Serving reports whether the miner advertises a reachable endpoint.
func (m *Miner) Serving() bool {
	return m.Address != "" && m.Port != 0
}

// MinerManifest is a miner's declared capacity for one executor class,
// captured per synthetic-job batch.
type MinerManifest struct {
	MinerHotkey   string    `json:"miner_hotkey"`
	ExecutorClass string    `json:"executor_class"`
	ExecutorCount int       `json:"executor_count"`
	OnlineCount   int       `json:"online_count"`
	BatchID       uint64    `json:"batch_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// MinerBlacklist bars a miner from selection until it expires.
type MinerBlacklist struct {
	MinerHotkey string    `json:"miner_hotkey"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SaveMiner upserts a miner record.
func (s *Store) SaveMiner(ctx context.Context, m *Miner) error {
	_, span := trace.StartSpan(ctx, "ValidatorDB.SaveMiner")
	defer span.End()
	enc, err := encode(m)
	if err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(minersBucket).Put([]byte(m.Hotkey), enc)
	})
}

// Miner returns the miner record for a hotkey, or nil if unknown.
func (s *Store) Miner(ctx context.Context, hotkey string) (*Miner, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.Miner")
	defer span.End()
	var m *Miner
	err := s.view(func(tx *bolt.Tx) error {
		enc := tx.Bucket(minersBucket).Get([]byte(hotkey))
		if enc == nil {
			return nil
		}
		m = &Miner{}
		return decode(enc, m)
	})
	return m, err
}

// Miners returns every known miner.
func (s *Store) Miners(ctx context.Context) ([]*Miner, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.Miners")
	defer span.End()
	var out []*Miner
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(minersBucket).ForEach(func(_, v []byte) error {
			m := &Miner{}
			if err := decode(v, m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// SaveManifest upserts a miner's manifest for one executor class.
func (s *Store) SaveManifest(ctx context.Context, m *MinerManifest) error {
	_, span := trace.StartSpan(ctx, "ValidatorDB.SaveManifest")
	defer span.End()
	enc, err := encode(m)
	if err != nil {
		return err
	}
	key := compositeKey([]byte(m.MinerHotkey), []byte(m.ExecutorClass))
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(manifestsBucket).Put(key, enc)
	})
}

// Manifest returns a miner's latest manifest for an executor class, or nil.
func (s *Store) Manifest(ctx context.Context, hotkey, executorClass string) (*MinerManifest, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.Manifest")
	defer span.End()
	var m *MinerManifest
	key := compositeKey([]byte(hotkey), []byte(executorClass))
	err := s.view(func(tx *bolt.Tx) error {
		enc := tx.Bucket(manifestsBucket).Get(key)
		if enc == nil {
			return nil
		}
		m = &MinerManifest{}
		return decode(enc, m)
	})
	return m, err
}

// ManifestsForClass returns the latest manifest of every miner for the given
// executor class.
func (s *Store) ManifestsForClass(ctx context.Context, executorClass string) ([]*MinerManifest, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.ManifestsForClass")
	defer span.End()
	suffix := append([]byte{keySeparator}, []byte(executorClass)...)
	var out []*MinerManifest
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(manifestsBucket).ForEach(func(k, v []byte) error {
			if !bytes.HasSuffix(k, suffix) {
				return nil
			}
			m := &MinerManifest{}
			if err := decode(v, m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// Manifests returns the latest manifest of every (miner, executor class)
// pair.
func (s *Store) Manifests(ctx context.Context) ([]*MinerManifest, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.Manifests")
	defer span.End()
	var out []*MinerManifest
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(manifestsBucket).ForEach(func(_, v []byte) error {
			m := &MinerManifest{}
			if err := decode(v, m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// SaveBlacklist records a miner blacklisting, replacing any previous entry.
func (s *Store) SaveBlacklist(ctx context.Context, b *MinerBlacklist) error {
	_, span := trace.StartSpan(ctx, "ValidatorDB.SaveBlacklist")
	defer span.End()
	enc, err := encode(b)
	if err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(blacklistBucket).Put([]byte(b.MinerHotkey), enc)
	})
}

// Blacklisted reports whether the miner has an unexpired blacklist entry at
// the given instant. Expired entries are ignored, not deleted; the eviction
// pass removes them.
func (s *Store) Blacklisted(ctx context.Context, hotkey string, at time.Time) (bool, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.Blacklisted")
	defer span.End()
	var blacklisted bool
	err := s.view(func(tx *bolt.Tx) error {
		enc := tx.Bucket(blacklistBucket).Get([]byte(hotkey))
		if enc == nil {
			return nil
		}
		b := &MinerBlacklist{}
		if err := decode(enc, b); err != nil {
			return err
		}
		blacklisted = at.Before(b.ExpiresAt)
		return nil
	})
	return blacklisted, err
}

// PruneBlacklist deletes entries that expired before the given instant.
func (s *Store) PruneBlacklist(ctx context.Context, before time.Time) (int, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.PruneBlacklist")
	defer span.End()
	pruned := 0
	err := s.update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(blacklistBucket)
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			b := &MinerBlacklist{}
			if err := decode(v, b); err != nil {
				return err
			}
			if b.ExpiresAt.Before(before) {
				if err := c.Delete(); err != nil {
					return err
				}
				pruned++
			}
		}
		return nil
	})
	return pruned, err
}
