package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDB(t *testing.T) *Store {
	db, err := NewKVStore(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func TestMiners_SaveAndGet(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	m := &Miner{Hotkey: "hk1", Address: "1.2.3.4", Port: 8000, UID: 7, LastSeenBlock: 100}
	require.NoError(t, db.SaveMiner(ctx, m))

	got, err := db.Miner(ctx, "hk1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint16(7), got.UID)
	assert.True(t, got.Serving())

	missing, err := db.Miner(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := db.Miners(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestManifests_LatestPerClass(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveManifest(ctx, &MinerManifest{
		MinerHotkey: "hk1", ExecutorClass: "default", ExecutorCount: 5, OnlineCount: 4, CreatedAt: time.Now(),
	}))
	require.NoError(t, db.SaveManifest(ctx, &MinerManifest{
		MinerHotkey: "hk1", ExecutorClass: "default", ExecutorCount: 5, OnlineCount: 5, CreatedAt: time.Now(),
	}))
	require.NoError(t, db.SaveManifest(ctx, &MinerManifest{
		MinerHotkey: "hk2", ExecutorClass: "llm", ExecutorCount: 1, OnlineCount: 1, CreatedAt: time.Now(),
	}))

	// Upsert keeps only the latest per (miner, class).
	m, err := db.Manifest(ctx, "hk1", "default")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 5, m.OnlineCount)

	forClass, err := db.ManifestsForClass(ctx, "default")
	require.NoError(t, err)
	require.Len(t, forClass, 1)
	assert.Equal(t, "hk1", forClass[0].MinerHotkey)
}

func TestBlacklist_ExpiryHonored(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.SaveBlacklist(ctx, &MinerBlacklist{
		MinerHotkey: "hk1", Reason: "failed to excuse", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, db.SaveBlacklist(ctx, &MinerBlacklist{
		MinerHotkey: "hk2", Reason: "old", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-15 * time.Minute),
	}))

	live, err := db.Blacklisted(ctx, "hk1", now)
	require.NoError(t, err)
	assert.True(t, live)

	expired, err := db.Blacklisted(ctx, "hk2", now)
	require.NoError(t, err)
	assert.False(t, expired)

	pruned, err := db.PruneBlacklist(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}

func TestOrganicJobs_RoundTrip(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	j := &OrganicJob{UUID: "u1", MinerHotkey: "hk1", ExecutorClass: "default", Status: "completed"}
	require.NoError(t, db.SaveOrganicJob(ctx, j))

	got, err := db.OrganicJob(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "completed", got.Status)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestSystemEvents_OrderAndFilter(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, db.SaveSystemEvent(ctx, &SystemEvent{
			Type: EventMinerBlacklisted, Subtype: "JOB_FAILED", LongDescription: "x",
		}))
	}
	require.NoError(t, db.SaveSystemEvent(ctx, &SystemEvent{Type: EventChainReadError}))

	evs, err := db.SystemEvents(ctx, EventMinerBlacklisted, 2)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	// Newest first.
	assert.Greater(t, evs[0].ID, evs[1].ID)

	all, err := db.SystemEvents(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestBackup_CopiesData(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	require.NoError(t, db.SaveMiner(ctx, &Miner{Hotkey: "hk1"}))
	require.NoError(t, db.Backup(ctx, t.TempDir(), true))
}

func TestClearDB(t *testing.T) {
	db, err := NewKVStore(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, db.SaveMiner(context.Background(), &Miner{Hotkey: "hk1"}))
	require.NoError(t, db.ClearDB())
}
