package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/forgenet/forge/validator/receipts"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

// SaveReceipts persists a batch of verified receipts, deduplicating by
// (job_uuid, receipt_type). It returns how many were newly inserted.
func (s *Store) SaveReceipts(ctx context.Context, page receipts.PageID, rs []*receipts.Receipt) (int, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.SaveReceipts")
	defer span.End()
	inserted := 0
	err := s.update(func(tx *bolt.Tx) error {
		main := tx.Bucket(receiptsBucket)
		pages := tx.Bucket(receiptPagesBucket)
		byMiner := tx.Bucket(receiptsByMinerBucket)
		for _, r := range rs {
			p, err := r.Payload()
			if err != nil {
				return err
			}
			key := compositeKey([]byte(p.Common().JobUUID), []byte(r.Kind))
			if main.Get(key) != nil {
				continue
			}
			enc, err := encode(r)
			if err != nil {
				return err
			}
			if err := main.Put(key, enc); err != nil {
				return err
			}
			if err := pages.Put(compositeKey(int64Key(page), key), nil); err != nil {
				return err
			}
			minerKey := compositeKey([]byte(p.Common().MinerHotkey), []byte(r.Kind), []byte(p.Common().JobUUID))
			if err := byMiner.Put(minerKey, key); err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	return inserted, err
}

// Receipt returns the stored receipt for a job uuid and kind, or nil.
func (s *Store) Receipt(ctx context.Context, jobUUID string, kind receipts.PayloadKind) (*receipts.Receipt, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.Receipt")
	defer span.End()
	var out *receipts.Receipt
	key := compositeKey([]byte(jobUUID), []byte(kind))
	err := s.view(func(tx *bolt.Tx) error {
		enc := tx.Bucket(receiptsBucket).Get(key)
		if enc == nil {
			return nil
		}
		out = &receipts.Receipt{}
		return decode(enc, out)
	})
	return out, err
}

// MinerReceipts returns all stored receipts of one kind for a miner.
func (s *Store) MinerReceipts(ctx context.Context, minerHotkey string, kind receipts.PayloadKind) ([]*receipts.Receipt, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.MinerReceipts")
	defer span.End()
	prefix := append(compositeKey([]byte(minerHotkey), []byte(kind)), keySeparator)
	var out []*receipts.Receipt
	err := s.view(func(tx *bolt.Tx) error {
		main := tx.Bucket(receiptsBucket)
		c := tx.Bucket(receiptsByMinerBucket).Cursor()
		for k, ref := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, ref = c.Next() {
			enc := main.Get(ref)
			if enc == nil {
				continue
			}
			r := &receipts.Receipt{}
			if err := decode(enc, r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// ActiveStartedJobs returns, per executor class, the uuids of jobs whose
// JobStartedReceipt is still inside its TTL at the given instant and which
// have no JobFinishedReceipt. These jobs occupy miner executors.
func (s *Store) ActiveStartedJobs(ctx context.Context, minerHotkey, executorClass string, at time.Time) ([]string, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.ActiveStartedJobs")
	defer span.End()
	started, err := s.MinerReceipts(ctx, minerHotkey, receipts.KindJobStarted)
	if err != nil {
		return nil, err
	}
	var uuids []string
	err = s.view(func(tx *bolt.Tx) error {
		main := tx.Bucket(receiptsBucket)
		for _, r := range started {
			p, err := r.Payload()
			if err != nil {
				return err
			}
			sp, ok := p.(*receipts.JobStartedPayload)
			if !ok || sp.ExecutorClass != executorClass || !sp.Active(at) {
				continue
			}
			finishedKey := compositeKey([]byte(sp.JobUUID), []byte(receipts.KindJobFinished))
			if main.Get(finishedKey) != nil {
				continue
			}
			uuids = append(uuids, sp.JobUUID)
		}
		return nil
	})
	return uuids, err
}

// ReceiptsOnPage returns all receipts indexed under a page.
func (s *Store) ReceiptsOnPage(ctx context.Context, page receipts.PageID) ([]*receipts.Receipt, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.ReceiptsOnPage")
	defer span.End()
	prefix := append(int64Key(int64(page)), keySeparator)
	var out []*receipts.Receipt
	err := s.view(func(tx *bolt.Tx) error {
		main := tx.Bucket(receiptsBucket)
		c := tx.Bucket(receiptPagesBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			enc := main.Get(k[len(prefix):])
			if enc == nil {
				continue
			}
			r := &receipts.Receipt{}
			if err := decode(enc, r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// TransferCheckpoint returns the byte offset already fetched for a
// (miner, page), or zero if the page has not been pulled yet.
func (s *Store) TransferCheckpoint(ctx context.Context, minerHotkey string, page receipts.PageID) (int64, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.TransferCheckpoint")
	defer span.End()
	var offset int64
	key := compositeKey([]byte(minerHotkey), int64Key(int64(page)))
	err := s.view(func(tx *bolt.Tx) error {
		enc := tx.Bucket(checkpointsBucket).Get(key)
		if len(enc) == 8 {
			offset = int64(binary.BigEndian.Uint64(enc))
		}
		return nil
	})
	return offset, err
}

// SaveTransferCheckpoint records the byte offset fetched for a (miner, page).
func (s *Store) SaveTransferCheckpoint(ctx context.Context, minerHotkey string, page receipts.PageID, offset int64) error {
	_, span := trace.StartSpan(ctx, "ValidatorDB.SaveTransferCheckpoint")
	defer span.End()
	key := compositeKey([]byte(minerHotkey), int64Key(int64(page)))
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointsBucket).Put(key, uint64Key(uint64(offset)))
	})
}
