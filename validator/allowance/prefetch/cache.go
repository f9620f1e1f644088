package prefetch

import (
	"context"
	"sync"
	"time"

	"github.com/forgenet/forge/config/params"
	"github.com/forgenet/forge/validator/chain"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "prefetch")

// ErrCacheMiss is returned on a miss when the cache was asked not to fall
// through to the chain source.
var ErrCacheMiss = errors.New("prefetch: cache miss")

const (
	producerPollInterval = 200 * time.Millisecond
	workerErrorSleep     = time.Second
)

type task struct {
	kind  Kind
	block int64
}

// Cache is a prefetching view over the chain oracle. It implements
// chain.Oracle: block-addressed reads are served from the backend, and a
// producer keeps the backend ahead of consumer demand.
type Cache struct {
	backend Backend
	// oracle serves consumer-side fallthrough and watermark reads.
	oracle chain.Oracle
	// newWorkerOracle builds the per-worker oracle handles.
	newWorkerOracle func() (chain.Oracle, error)

	throwOnCacheMiss bool
	workers          int
	runWorkers       bool

	queue chan task
	quit  chan struct{}
	wg    sync.WaitGroup

	mu               sync.Mutex
	highestRequested int64
	highestSubmitted int64
}

// Config for the prefetch cache.
type Config struct {
	Backend Backend
	// Oracle is the consumer-side chain handle.
	Oracle chain.Oracle
	// NewWorkerOracle builds a dedicated handle per worker; nil reuses
	// Oracle for every worker.
	NewWorkerOracle func() (chain.Oracle, error)
	// ThrowOnCacheMiss makes misses return ErrCacheMiss instead of falling
	// through to the oracle.
	ThrowOnCacheMiss bool
	// Workers overrides the configured worker count when positive.
	Workers int
	// DisableWorkers makes this a consumer-only cache: no producer, no
	// workers, reads still hit the (possibly shared) backend.
	DisableWorkers bool
}

// New constructs the cache. Call Start to launch the producer and workers.
func New(cfg *Config) *Cache {
	workers := cfg.Workers
	if workers <= 0 {
		workers = params.ForgeNetworkConfig().PrefetchWorkers
	}
	newWorker := cfg.NewWorkerOracle
	if newWorker == nil {
		newWorker = func() (chain.Oracle, error) { return cfg.Oracle, nil }
	}
	return &Cache{
		backend:          cfg.Backend,
		oracle:           cfg.Oracle,
		newWorkerOracle:  newWorker,
		throwOnCacheMiss: cfg.ThrowOnCacheMiss,
		workers:          workers,
		runWorkers:       !cfg.DisableWorkers,
		queue:            make(chan task, workers*len(Kinds)),
		quit:             make(chan struct{}),
	}
}

// Start launches the producer and worker tasks.
func (c *Cache) Start(ctx context.Context) error {
	if !c.runWorkers {
		return nil
	}
	current, err := c.oracle.CurrentBlock(ctx)
	if err != nil {
		return errors.Wrap(err, "could not read current block")
	}
	c.mu.Lock()
	c.highestRequested = current
	c.highestSubmitted = current
	c.mu.Unlock()

	for i := 0; i < c.workers; i++ {
		workerOracle, err := c.newWorkerOracle()
		if err != nil {
			return errors.Wrap(err, "could not build worker oracle")
		}
		c.wg.Add(1)
		go c.worker(workerOracle)
	}
	c.wg.Add(1)
	go c.producer()
	return nil
}

// Stop signals the closing flag and waits for the producer and workers to
// drain.
func (c *Cache) Stop() {
	close(c.quit)
	c.wg.Wait()
}

// producer advances highestSubmitted while demand is close enough and the
// chain actually has the block. The current block is re-read on every
// iteration: if initial watermarks ever exceed the chain head, the producer
// idles instead of submitting blocks that may never arrive.
func (c *Cache) producer() {
	defer c.wg.Done()
	defer close(c.queue)
	cacheAhead := params.ForgeNetworkConfig().CacheAhead
	for {
		select {
		case <-c.quit:
			return
		case <-time.After(producerPollInterval):
		}
		current, err := c.oracle.CurrentBlock(context.Background())
		if err != nil {
			log.WithError(err).Debug("Producer could not read current block")
			continue
		}
		for {
			c.mu.Lock()
			next := c.highestSubmitted + 1
			ok := c.highestSubmitted-c.highestRequested < cacheAhead && c.highestSubmitted < current
			if ok {
				c.highestSubmitted = next
			}
			c.mu.Unlock()
			if !ok {
				break
			}
			for _, kind := range Kinds {
				select {
				case c.queue <- task{kind: kind, block: next}:
				case <-c.quit:
					return
				}
			}
		}
	}
}

func (c *Cache) worker(oracle chain.Oracle) {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case t, ok := <-c.queue:
			if !ok {
				return
			}
			if err := c.fetch(oracle, t); err != nil {
				if errors.Is(err, chain.ErrArchiveNotConfigured) {
					// The block fell off the lite node before we got to it;
					// nothing a retry can do.
					continue
				}
				log.WithError(err).WithFields(logrus.Fields{
					"kind":  t.kind,
					"block": t.block,
				}).Warn("Prefetch task failed")
				select {
				case <-time.After(workerErrorSleep):
				case <-c.quit:
					return
				}
			}
		}
	}
}

func (c *Cache) fetch(oracle chain.Oracle, t task) error {
	ctx := context.Background()
	var v interface{}
	var err error
	switch t.kind {
	case KindNeurons:
		v, err = oracle.ListNeurons(ctx, t.block)
	case KindValidators:
		v, err = oracle.ListValidators(ctx, t.block)
	case KindSubnetState:
		v, err = oracle.SubnetState(ctx, t.block)
	case KindBlockTimestamp:
		v, err = oracle.BlockTimestamp(ctx, t.block)
	default:
		return errors.Errorf("unknown datum kind %q", t.kind)
	}
	if err != nil {
		return err
	}
	blob, err := encodeBlob(t.kind, v)
	if err != nil {
		return err
	}
	c.backend.Set(t.kind, t.block, blob)
	return nil
}

// noteRequested nudges the producer's demand watermark.
func (c *Cache) noteRequested(block int64) {
	c.mu.Lock()
	if block > c.highestRequested {
		c.highestRequested = block
	}
	c.mu.Unlock()
}

// Watermarks returns (highestRequested, highestSubmitted) for monitoring.
func (c *Cache) Watermarks() (int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highestRequested, c.highestSubmitted
}

func (c *Cache) cached(ctx context.Context, kind Kind, block int64, dst interface{},
	fall func(context.Context) (interface{}, error)) (bool, error) {
	c.noteRequested(block)
	if blob, ok := c.backend.Get(kind, block); ok {
		if err := decodeBlob(kind, blob, dst); err == nil {
			return true, nil
		}
		// A corrupt blob is treated as a miss and overwritten below.
		log.WithFields(logrus.Fields{"kind": kind, "block": block}).Warn("Discarding corrupt cache blob")
	}
	if c.throwOnCacheMiss {
		return false, errors.Wrapf(ErrCacheMiss, "%s at block %d", kind, block)
	}
	v, err := fall(ctx)
	if err != nil {
		return false, err
	}
	blob, err := encodeBlob(kind, v)
	if err != nil {
		return false, err
	}
	c.backend.Set(kind, block, blob)
	return false, decodeBlob(kind, blob, dst)
}

// CurrentBlock implements chain.Oracle; head reads always pass through.
func (c *Cache) CurrentBlock(ctx context.Context) (int64, error) {
	return c.oracle.CurrentBlock(ctx)
}

// ListNeurons implements chain.Oracle.
func (c *Cache) ListNeurons(ctx context.Context, block int64) ([]chain.Neuron, error) {
	var out []chain.Neuron
	_, err := c.cached(ctx, KindNeurons, block, &out, func(ctx context.Context) (interface{}, error) {
		return c.oracle.ListNeurons(ctx, block)
	})
	return out, err
}

// ListValidators implements chain.Oracle.
func (c *Cache) ListValidators(ctx context.Context, block int64) ([]chain.Neuron, error) {
	var out []chain.Neuron
	_, err := c.cached(ctx, KindValidators, block, &out, func(ctx context.Context) (interface{}, error) {
		return c.oracle.ListValidators(ctx, block)
	})
	return out, err
}

// SubnetState implements chain.Oracle.
func (c *Cache) SubnetState(ctx context.Context, block int64) (*chain.SubnetState, error) {
	out := &chain.SubnetState{}
	_, err := c.cached(ctx, KindSubnetState, block, out, func(ctx context.Context) (interface{}, error) {
		return c.oracle.SubnetState(ctx, block)
	})
	return out, err
}

// BlockTimestamp implements chain.Oracle.
func (c *Cache) BlockTimestamp(ctx context.Context, block int64) (time.Time, error) {
	var out time.Time
	_, err := c.cached(ctx, KindBlockTimestamp, block, &out, func(ctx context.Context) (interface{}, error) {
		return c.oracle.BlockTimestamp(ctx, block)
	})
	return out, err
}

// BlockHash implements chain.Oracle; hashes are memoized by the client.
func (c *Cache) BlockHash(ctx context.Context, block int64) (string, error) {
	return c.oracle.BlockHash(ctx, block)
}

// ShieldedNeurons implements chain.Oracle; the shield view is not block
// addressed, so it never caches.
func (c *Cache) ShieldedNeurons(ctx context.Context) ([]chain.Neuron, error) {
	return c.oracle.ShieldedNeurons(ctx)
}

// OldestReachableBlock implements chain.Oracle.
func (c *Cache) OldestReachableBlock(ctx context.Context) (int64, error) {
	return c.oracle.OldestReachableBlock(ctx)
}

var _ chain.Oracle = (*Cache)(nil)
