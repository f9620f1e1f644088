package kv

import (
	"bytes"
	"context"

	"github.com/forgenet/forge/validator/allowance"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

// cell keys sort by block first so eviction can cursor from the oldest.
func cellKey(c *allowance.Cell) []byte {
	return compositeKey(int64Key(c.Block), []byte(c.MinerHotkey), []byte(c.ExecutorClass))
}

// SaveCells writes a batch of allowance cells in one transaction.
func (s *Store) SaveCells(ctx context.Context, cells []*allowance.Cell) error {
	_, span := trace.StartSpan(ctx, "ValidatorDB.SaveCells")
	defer span.End()
	return s.update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(allowanceCellsBucket)
		for _, c := range cells {
			enc, err := encode(c)
			if err != nil {
				return err
			}
			if err := bkt.Put(cellKey(c), enc); err != nil {
				return err
			}
		}
		return nil
	})
}

// CellsInWindow returns all cells for (miner, class) in [fromBlock, toBlock],
// oldest first.
func (s *Store) CellsInWindow(ctx context.Context, minerHotkey, executorClass string, fromBlock, toBlock int64) ([]*allowance.Cell, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.CellsInWindow")
	defer span.End()
	var out []*allowance.Cell
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(allowanceCellsBucket).Cursor()
		for k, v := c.Seek(int64Key(fromBlock)); k != nil; k, v = c.Next() {
			if keyToInt64(k[:8]) > toBlock {
				break
			}
			cell := &allowance.Cell{}
			if err := decode(v, cell); err != nil {
				return err
			}
			if cell.MinerHotkey != minerHotkey || cell.ExecutorClass != executorClass {
				continue
			}
			out = append(out, cell)
		}
		return nil
	})
	return out, err
}

// UpdateCells overwrites cells in place, used to link or unlink reservations.
func (s *Store) UpdateCells(ctx context.Context, cells []*allowance.Cell) error {
	return s.SaveCells(ctx, cells)
}

// HighestCellBlock returns the newest block with any cells, or zero when the
// ledger is empty.
func (s *Store) HighestCellBlock(ctx context.Context) (int64, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.HighestCellBlock")
	defer span.End()
	var highest int64
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(allowanceCellsBucket).Cursor()
		k, _ := c.Last()
		if k != nil {
			highest = keyToInt64(k[:8])
		}
		return nil
	})
	return highest, err
}

// LowestCellBlock returns the oldest block with any cells, or zero when the
// ledger is empty.
func (s *Store) LowestCellBlock(ctx context.Context) (int64, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.LowestCellBlock")
	defer span.End()
	var lowest int64
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(allowanceCellsBucket).Cursor()
		k, _ := c.First()
		if k != nil {
			lowest = keyToInt64(k[:8])
		}
		return nil
	})
	return lowest, err
}

// EvictCellsBefore removes all cells older than the given block, returning
// the eviction count.
func (s *Store) EvictCellsBefore(ctx context.Context, block int64) (int, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.EvictCellsBefore")
	defer span.End()
	evicted := 0
	limit := int64Key(block)
	err := s.update(func(tx *bolt.Tx) error {
		c := tx.Bucket(allowanceCellsBucket).Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k[:8], limit) < 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			evicted++
		}
		return nil
	})
	return evicted, err
}

// NextReservationID allocates a monotonically increasing reservation id.
func (s *Store) NextReservationID(ctx context.Context) (uint64, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.NextReservationID")
	defer span.End()
	var id uint64
	err := s.update(func(tx *bolt.Tx) error {
		var err error
		id, err = tx.Bucket(reservationsBucket).NextSequence()
		return err
	})
	return id, err
}

// SaveReservation upserts a reservation.
func (s *Store) SaveReservation(ctx context.Context, r *allowance.Reservation) error {
	_, span := trace.StartSpan(ctx, "ValidatorDB.SaveReservation")
	defer span.End()
	enc, err := encode(r)
	if err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(reservationsBucket).Put(uint64Key(r.ID), enc)
	})
}

// Reservation returns a reservation by id, or nil if unknown.
func (s *Store) Reservation(ctx context.Context, id uint64) (*allowance.Reservation, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.Reservation")
	defer span.End()
	var out *allowance.Reservation
	err := s.view(func(tx *bolt.Tx) error {
		enc := tx.Bucket(reservationsBucket).Get(uint64Key(id))
		if enc == nil {
			return nil
		}
		out = &allowance.Reservation{}
		return decode(enc, out)
	})
	return out, err
}

// Reservations returns every stored reservation.
func (s *Store) Reservations(ctx context.Context) ([]*allowance.Reservation, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.Reservations")
	defer span.End()
	var out []*allowance.Reservation
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(reservationsBucket).ForEach(func(_, v []byte) error {
			r := &allowance.Reservation{}
			if err := decode(v, r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// DeleteReservation removes a reservation record.
func (s *Store) DeleteReservation(ctx context.Context, id uint64) error {
	_, span := trace.StartSpan(ctx, "ValidatorDB.DeleteReservation")
	defer span.End()
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(reservationsBucket).Delete(uint64Key(id))
	})
}
