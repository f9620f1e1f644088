package prefetch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgenet/forge/config/params"
	"github.com/forgenet/forge/validator/chain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOracle struct {
	mu          sync.Mutex
	current     int64
	neuronCalls map[int64]int
}

func newFakeOracle(current int64) *fakeOracle {
	return &fakeOracle{current: current, neuronCalls: map[int64]int{}}
}

func (f *fakeOracle) setCurrent(b int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = b
}

func (f *fakeOracle) neuronCallsFor(b int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.neuronCalls[b]
}

func (f *fakeOracle) CurrentBlock(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeOracle) ListNeurons(_ context.Context, block int64) ([]chain.Neuron, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.neuronCalls[block]++
	return []chain.Neuron{{UID: 1, Hotkey: "hk", Stake: float64(block)}}, nil
}

func (f *fakeOracle) ListValidators(_ context.Context, block int64) ([]chain.Neuron, error) {
	return []chain.Neuron{{UID: 2, Hotkey: "vk", Stake: 2000}}, nil
}

func (f *fakeOracle) SubnetState(_ context.Context, block int64) (*chain.SubnetState, error) {
	return &chain.SubnetState{TotalStake: []float64{float64(block)}}, nil
}

func (f *fakeOracle) BlockHash(_ context.Context, block int64) (string, error) {
	return "0xhash", nil
}

func (f *fakeOracle) BlockTimestamp(_ context.Context, block int64) (time.Time, error) {
	return time.Unix(block*12, 0).UTC(), nil
}

func (f *fakeOracle) ShieldedNeurons(_ context.Context) ([]chain.Neuron, error) {
	return nil, nil
}

func (f *fakeOracle) OldestReachableBlock(_ context.Context) (int64, error) {
	return 0, nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPrefetch_SteadyStateServesFromCache(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	oracle := newFakeOracle(100)
	backend, err := NewMemoryBackend()
	require.NoError(t, err)

	// Misses must surface: every read below has to be a cache hit.
	c := New(&Config{Backend: backend, Oracle: oracle, ThrowOnCacheMiss: true, Workers: 4})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	// Advance the chain; the producer should keep up to CacheAhead ahead of
	// demand.
	oracle.setCurrent(105)
	waitFor(t, func() bool {
		_, submitted := c.Watermarks()
		return submitted >= 105
	}, "producer did not advance")
	waitFor(t, func() bool {
		for b := int64(101); b <= 105; b++ {
			for _, kind := range Kinds {
				if _, ok := backend.Get(kind, b); !ok {
					return false
				}
			}
		}
		return true
	}, "workers did not populate blocks 101..105")

	for b := int64(101); b <= 105; b++ {
		neurons, err := c.ListNeurons(context.Background(), b)
		require.NoError(t, err, "block %d should be prefetched", b)
		require.Len(t, neurons, 1)
		assert.Equal(t, float64(b), neurons[0].Stake)

		ts, err := c.BlockTimestamp(context.Background(), b)
		require.NoError(t, err)
		assert.Equal(t, time.Unix(b*12, 0).UTC(), ts)

		state, err := c.SubnetState(context.Background(), b)
		require.NoError(t, err)
		assert.Equal(t, []float64{float64(b)}, state.TotalStake)
	}
}

func TestPrefetch_FreshnessGate(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	oracle := newFakeOracle(100)
	backend, err := NewMemoryBackend()
	require.NoError(t, err)

	c := New(&Config{Backend: backend, Oracle: oracle, Workers: 2})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	// The chain head never moves: the producer must not submit blocks the
	// chain does not have, no matter how long it runs.
	time.Sleep(600 * time.Millisecond)
	_, submitted := c.Watermarks()
	assert.Equal(t, int64(100), submitted)
	assert.Equal(t, 0, oracle.neuronCallsFor(101))
}

func TestConsumerOnly_MissFallsThroughAndPopulates(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	oracle := newFakeOracle(100)
	backend, err := NewMemoryBackend()
	require.NoError(t, err)

	c := New(&Config{Backend: backend, Oracle: oracle, DisableWorkers: true})
	require.NoError(t, c.Start(context.Background()))

	_, err = c.ListNeurons(context.Background(), 50)
	require.NoError(t, err)
	_, err = c.ListNeurons(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, oracle.neuronCallsFor(50), "second read should hit the populated cache")
}

func TestConsumerOnly_ThrowOnCacheMiss(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	oracle := newFakeOracle(100)
	backend, err := NewMemoryBackend()
	require.NoError(t, err)

	c := New(&Config{Backend: backend, Oracle: oracle, DisableWorkers: true, ThrowOnCacheMiss: true})
	require.NoError(t, c.Start(context.Background()))

	_, err = c.ListNeurons(context.Background(), 50)
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Equal(t, 0, oracle.neuronCallsFor(50))
}

func TestSharedBackend_RoundTrip(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	b := NewSharedBackend()
	blob, err := encodeBlob(KindSubnetState, &chain.SubnetState{TotalStake: []float64{1, 2}})
	require.NoError(t, err)
	b.Set(KindSubnetState, 7, blob)

	got, ok := b.Get(KindSubnetState, 7)
	require.True(t, ok)
	state := &chain.SubnetState{}
	require.NoError(t, decodeBlob(KindSubnetState, got, state))
	assert.Equal(t, []float64{1, 2}, state.TotalStake)
}

func TestCodec_RejectsWrongKind(t *testing.T) {
	blob, err := encodeBlob(KindNeurons, []chain.Neuron{})
	require.NoError(t, err)
	var out []chain.Neuron
	require.ErrorContains(t, decodeBlob(KindValidators, blob, &out), "kind tag")
}

func TestStop_Drains(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	oracle := newFakeOracle(100)
	backend, err := NewMemoryBackend()
	require.NoError(t, err)

	c := New(&Config{Backend: backend, Oracle: oracle, Workers: 4})
	require.NoError(t, c.Start(context.Background()))
	oracle.setCurrent(200)

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not drain workers")
	}
}
