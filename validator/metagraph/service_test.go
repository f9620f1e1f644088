package metagraph_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgenet/forge/config/params"
	"github.com/forgenet/forge/validator/allowance"
	"github.com/forgenet/forge/validator/chain"
	"github.com/forgenet/forge/validator/db/kv"
	dbtest "github.com/forgenet/forge/validator/db/testing"
	"github.com/forgenet/forge/validator/metagraph"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOracle struct {
	mu      sync.Mutex
	current int64
	neurons []chain.Neuron
	// currentErr makes every CurrentBlock call fail when set.
	currentErr error
}

func (f *stubOracle) CurrentBlock(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.currentErr
}

func (f *stubOracle) ListNeurons(_ context.Context, _ int64) ([]chain.Neuron, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.neurons, nil
}

func (f *stubOracle) ListValidators(_ context.Context, _ int64) ([]chain.Neuron, error) {
	return nil, nil
}

func (f *stubOracle) SubnetState(_ context.Context, _ int64) (*chain.SubnetState, error) {
	return &chain.SubnetState{TotalStake: []float64{5000, 10}}, nil
}

func (f *stubOracle) BlockHash(_ context.Context, block int64) (string, error) {
	return "0xhash", nil
}

func (f *stubOracle) BlockTimestamp(_ context.Context, block int64) (time.Time, error) {
	return time.Unix(block*12, 0).UTC(), nil
}

func (f *stubOracle) ShieldedNeurons(_ context.Context) ([]chain.Neuron, error) {
	return nil, nil
}

func (f *stubOracle) OldestReachableBlock(_ context.Context) (int64, error) {
	return 0, nil
}

func setupService(t *testing.T, oracle *stubOracle) (*metagraph.Service, *kv.Store) {
	params.SetupTestConfigCleanup(t)
	db := dbtest.SetupDB(t)
	ledger := allowance.New(&allowance.Config{
		Store:           db,
		ValidatorHotkey: "validator-hotkey",
	})
	s := metagraph.New(context.Background(), &metagraph.Config{
		Oracle: oracle,
		Store:  db,
		Ledger: ledger,
	})
	return s, db
}

func TestSync_SavesSnapshotAndUpsertsMiners(t *testing.T) {
	oracle := &stubOracle{
		current: 42,
		neurons: []chain.Neuron{
			{UID: 0, Hotkey: "validator", Stake: 5000, Axon: chain.AxonInfo{IP: "10.0.0.1", Port: 9000}},
			{UID: 1, Hotkey: "miner-a", Stake: 10, Axon: chain.AxonInfo{IP: "10.0.0.2", Port: 8000}},
			{UID: 2, Hotkey: "miner-offline", Stake: 0},
		},
	}
	s, db := setupService(t, oracle)
	ctx := context.Background()

	require.NoError(t, s.Sync(ctx))

	snap, err := db.MetagraphSnapshot(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "0xhash", snap.BlockHash)
	assert.Equal(t, []string{"validator", "miner-a", "miner-offline"}, snap.Hotkeys)
	assert.Equal(t, []string{"validator", "miner-a"}, snap.ServingHotkeys)

	m, err := db.Miner(ctx, "miner-a")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "10.0.0.2", m.Address)
	assert.Equal(t, uint16(8000), m.Port)
	assert.Equal(t, uint16(1), m.UID)
	assert.Equal(t, int64(42), m.LastSeenBlock)

	// Stake above the validator floor is not a miner, and a silent axon has
	// nothing to dial.
	for _, hotkey := range []string{"validator", "miner-offline"} {
		m, err := db.Miner(ctx, hotkey)
		require.NoError(t, err)
		assert.Nil(t, m)
	}
}

func TestSync_UpdatesChangedMinerAddress(t *testing.T) {
	oracle := &stubOracle{
		current: 50,
		neurons: []chain.Neuron{
			{UID: 1, Hotkey: "miner-a", Stake: 10, Axon: chain.AxonInfo{IP: "10.0.0.9", Port: 8100}},
		},
	}
	s, db := setupService(t, oracle)
	ctx := context.Background()
	require.NoError(t, db.SaveMiner(ctx, &kv.Miner{
		Hotkey:        "miner-a",
		Address:       "10.0.0.2",
		Port:          8000,
		UID:           1,
		LastSeenBlock: 40,
	}))

	require.NoError(t, s.Sync(ctx))

	m, err := db.Miner(ctx, "miner-a")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "10.0.0.9", m.Address)
	assert.Equal(t, uint16(8100), m.Port)
	assert.Equal(t, int64(50), m.LastSeenBlock)
}

func TestSync_AuditsChainReadError(t *testing.T) {
	oracle := &stubOracle{currentErr: errors.New("ws: connection refused")}
	s, db := setupService(t, oracle)
	ctx := context.Background()

	err := s.Sync(ctx)
	require.ErrorContains(t, err, "could not read current block")

	events, err := db.SystemEvents(ctx, kv.EventChainReadError, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "METAGRAPH_SYNC", events[0].Subtype)
	assert.Contains(t, events[0].LongDescription, "connection refused")
}

func TestMaintain_BackfillsFreshManifests(t *testing.T) {
	oracle := &stubOracle{
		current: 5,
		neurons: []chain.Neuron{
			{UID: 1, Hotkey: "miner-a", Stake: 10, Axon: chain.AxonInfo{IP: "10.0.0.2", Port: 8000}},
			{UID: 2, Hotkey: "miner-stale", Stake: 10, Axon: chain.AxonInfo{IP: "10.0.0.3", Port: 8000}},
		},
	}
	s, db := setupService(t, oracle)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, db.SaveManifest(ctx, &kv.MinerManifest{
		MinerHotkey:   "miner-a",
		ExecutorClass: "always_on.gpu-24gb",
		ExecutorCount: 4,
		OnlineCount:   4,
		CreatedAt:     now,
	}))
	// Older than the manifest freshness horizon, so it must not mint cells.
	require.NoError(t, db.SaveManifest(ctx, &kv.MinerManifest{
		MinerHotkey:   "miner-stale",
		ExecutorClass: "always_on.gpu-24gb",
		ExecutorCount: 2,
		OnlineCount:   2,
		CreatedAt:     now.Add(-params.ForgeNetworkConfig().ManifestMaxAge - time.Hour),
	}))

	require.NoError(t, s.Maintain(ctx))

	highest, err := db.HighestCellBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), highest)

	fresh, err := db.CellsInWindow(ctx, "miner-a", "always_on.gpu-24gb", 0, 5)
	require.NoError(t, err)
	assert.NotEmpty(t, fresh)
	stale, err := db.CellsInWindow(ctx, "miner-stale", "always_on.gpu-24gb", 0, 5)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestMaintain_PrunesExpiredBlacklist(t *testing.T) {
	oracle := &stubOracle{current: 5}
	s, db := setupService(t, oracle)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, db.SaveBlacklist(ctx, &kv.MinerBlacklist{
		MinerHotkey: "miner-a",
		Reason:      "JOB_FAILED",
		CreatedAt:   now.Add(-2 * time.Hour),
		ExpiresAt:   now.Add(-time.Hour),
	}))

	require.NoError(t, s.Maintain(ctx))

	pruned, err := db.PruneBlacklist(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, pruned)
}
