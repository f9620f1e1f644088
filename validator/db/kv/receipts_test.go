package kv

import (
	"context"
	"testing"
	"time"

	"github.com/forgenet/forge/crypto/keys"
	"github.com/forgenet/forge/validator/allowance"
	"github.com/forgenet/forge/validator/receipts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedReceipt(t *testing.T, signer *keys.Keypair, jobUUID, miner, class string, ts time.Time, ttl int64) *receipts.Receipt {
	t.Helper()
	r, err := receipts.Build(&receipts.JobStartedPayload{
		PayloadFields: receipts.PayloadFields{
			JobUUID:         jobUUID,
			MinerHotkey:     miner,
			ValidatorHotkey: signer.Address(),
			Timestamp:       ts,
			ExecutorClass:   class,
			IsOrganic:       true,
		},
		TTL: ttl,
	}, signer)
	require.NoError(t, err)
	return r
}

func finishedReceipt(t *testing.T, signer *keys.Keypair, jobUUID, miner string) *receipts.Receipt {
	t.Helper()
	r, err := receipts.Build(&receipts.JobFinishedPayload{
		PayloadFields: receipts.PayloadFields{
			JobUUID:         jobUUID,
			MinerHotkey:     miner,
			ValidatorHotkey: signer.Address(),
			Timestamp:       time.Now().UTC(),
			ExecutorClass:   "default",
		},
	}, signer)
	require.NoError(t, err)
	return r
}

func TestSaveReceipts_DedupeByJobAndKind(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	signer, err := keys.Generate()
	require.NoError(t, err)

	r := startedReceipt(t, signer, "u1", "hk1", "default", time.Now(), 60)
	n, err := db.SaveReceipts(ctx, 100, []*receipts.Receipt{r, r})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Same (job, kind) arriving on a later page is still a duplicate.
	n, err = db.SaveReceipts(ctx, 101, []*receipts.Receipt{r})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := db.Receipt(ctx, "u1", receipts.KindJobStarted)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, got.Verify())
}

func TestActiveStartedJobs(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	signer, err := keys.Generate()
	require.NoError(t, err)
	now := time.Now().UTC()

	rs := []*receipts.Receipt{
		startedReceipt(t, signer, "live", "hk1", "default", now, 60),
		startedReceipt(t, signer, "stale", "hk1", "default", now.Add(-2*time.Minute), 60),
		startedReceipt(t, signer, "other-class", "hk1", "llm", now, 60),
		startedReceipt(t, signer, "done", "hk1", "default", now, 60),
		finishedReceipt(t, signer, "done", "hk1"),
		startedReceipt(t, signer, "other-miner", "hk2", "default", now, 60),
	}
	_, err = db.SaveReceipts(ctx, 100, rs)
	require.NoError(t, err)

	uuids, err := db.ActiveStartedJobs(ctx, "hk1", "default", now)
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, uuids)
}

func TestReceiptsOnPage(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	signer, err := keys.Generate()
	require.NoError(t, err)

	_, err = db.SaveReceipts(ctx, 7, []*receipts.Receipt{
		startedReceipt(t, signer, "a", "hk1", "default", time.Now(), 60),
	})
	require.NoError(t, err)
	_, err = db.SaveReceipts(ctx, 8, []*receipts.Receipt{
		startedReceipt(t, signer, "b", "hk1", "default", time.Now(), 60),
	})
	require.NoError(t, err)

	on7, err := db.ReceiptsOnPage(ctx, 7)
	require.NoError(t, err)
	require.Len(t, on7, 1)
	assert.Equal(t, "a", on7[0].JobUUID())
}

func TestTransferCheckpoints(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	off, err := db.TransferCheckpoint(ctx, "hk1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)

	require.NoError(t, db.SaveTransferCheckpoint(ctx, "hk1", 5, 4096))
	off, err = db.TransferCheckpoint(ctx, "hk1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), off)
}

func TestAllowanceCells_WindowAndEviction(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	var cells []*allowance.Cell
	for b := int64(10); b <= 14; b++ {
		cells = append(cells, &allowance.Cell{
			Block: b, MinerHotkey: "hk1", ExecutorClass: "default", Seconds: 12,
		})
	}
	cells = append(cells, &allowance.Cell{Block: 12, MinerHotkey: "hk2", ExecutorClass: "default", Seconds: 12})
	require.NoError(t, db.SaveCells(ctx, cells))

	window, err := db.CellsInWindow(ctx, "hk1", "default", 11, 13)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, int64(11), window[0].Block)

	highest, err := db.HighestCellBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(14), highest)

	evicted, err := db.EvictCellsBefore(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)
}

func TestReservations_CRUD(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	id, err := db.NextReservationID(ctx)
	require.NoError(t, err)
	r := &allowance.Reservation{
		ID: id, JobUUID: "u1", MinerHotkey: "hk1", ExecutorClass: "default",
		Seconds: 60, State: allowance.StateActive,
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, db.SaveReservation(ctx, r))

	got, err := db.Reservation(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, allowance.StateActive, got.State)

	all, err := db.Reservations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, db.DeleteReservation(ctx, id))
	gone, err := db.Reservation(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, gone)
}
