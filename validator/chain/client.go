package chain

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/forgenet/forge/config/features"
	"github.com/forgenet/forge/config/params"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
)

var log = logrus.WithField("prefix", "chain")

const memoCacheSize = 4096

// Subtensor RPC methods consumed by the validator.
const (
	methodGetHeader      = "chain_getHeader"
	methodGetBlockHash   = "chain_getBlockHash"
	methodGetBlock       = "chain_getBlock"
	methodNeuronsLite    = "neuronInfo_getNeuronsLite"
	methodSubnetState    = "subnetInfo_getSubnetState"
)

// Client reads subnet state over subtensor JSON-RPC. A lite endpoint serves
// recent blocks; reads of pruned state transparently retry against the
// archive endpoint when one is configured.
type Client struct {
	lite    *gethrpc.Client
	archive *gethrpc.Client
	shield  *shieldClient

	// Hash and timestamp lookups are immutable per block, so memoize them.
	hashMemo *lru.Cache
	tsMemo   *lru.Cache
}

// Config for dialing the chain source.
type Config struct {
	// LiteEndpoint is the websocket or http url of the pruned node.
	LiteEndpoint string
	// ArchiveEndpoint optionally serves full history.
	ArchiveEndpoint string
	// ShieldEndpoint optionally serves the DDoS-shielded neuron view.
	ShieldEndpoint string
}

// NewClient dials the configured endpoints.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg.LiteEndpoint == "" {
		return nil, errors.New("chain: lite endpoint is required")
	}
	lite, err := gethrpc.DialContext(ctx, cfg.LiteEndpoint)
	if err != nil {
		return nil, errors.Wrap(err, "could not dial lite endpoint")
	}
	c := &Client{lite: lite}
	if cfg.ArchiveEndpoint != "" {
		archive, err := gethrpc.DialContext(ctx, cfg.ArchiveEndpoint)
		if err != nil {
			lite.Close()
			return nil, errors.Wrap(err, "could not dial archive endpoint")
		}
		c.archive = archive
	}
	if cfg.ShieldEndpoint != "" {
		c.shield = newShieldClient(cfg.ShieldEndpoint)
	}
	c.hashMemo, err = lru.New(memoCacheSize)
	if err != nil {
		return nil, err
	}
	c.tsMemo, err = lru.New(memoCacheSize)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Close releases both rpc connections.
func (c *Client) Close() {
	c.lite.Close()
	if c.archive != nil {
		c.archive.Close()
	}
}

// HasArchive reports whether an archive endpoint is configured.
func (c *Client) HasArchive() bool {
	return c.archive != nil
}

// isUnknownBlock classifies a node error as pruned-state.
func isUnknownBlock(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UnknownBlock") ||
		strings.Contains(msg, "State already discarded")
}

// call performs one rpc with the configured per-read timeout and bounded
// exponential backoff. Pruned-state errors are not retried here; the caller
// decides whether to fall back to the archive.
func (c *Client) call(ctx context.Context, conn *gethrpc.Client, result interface{}, method string, args ...interface{}) error {
	cfg := params.ForgeNetworkConfig()
	backoff := cfg.ChainBackoffMin
	var err error
	for attempt := 0; attempt < cfg.ChainReadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > cfg.ChainBackoffMax {
				backoff = cfg.ChainBackoffMax
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.ChainReadTimeout)
		err = conn.CallContext(callCtx, result, method, args...)
		cancel()
		if err == nil {
			return nil
		}
		if isUnknownBlock(err) {
			return errors.Wrap(ErrUnknownBlock, err.Error())
		}
		log.WithError(err).WithFields(logrus.Fields{
			"method":  method,
			"attempt": attempt + 1,
		}).Debug("Chain read failed")
	}
	return errors.Wrapf(err, "chain read %s failed after %d attempts", method, cfg.ChainReadRetries)
}

// callWithFallback runs the read against the lite node and retries once
// against the archive if the state was pruned.
func (c *Client) callWithFallback(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	err := c.call(ctx, c.lite, result, method, args...)
	if !errors.Is(err, ErrUnknownBlock) {
		return err
	}
	if c.archive == nil || features.Get().DisableArchiveFallback {
		return errors.Wrap(ErrArchiveNotConfigured, err.Error())
	}
	log.WithField("method", method).Debug("Lite state pruned, falling back to archive")
	return c.call(ctx, c.archive, result, method, args...)
}

type headerResult struct {
	Number string `json:"number"`
}

type blockResult struct {
	Block struct {
		Extrinsics []string `json:"extrinsics"`
	} `json:"block"`
}

// CurrentBlock returns chain head minus the reorg safety margin.
func (c *Client) CurrentBlock(ctx context.Context) (int64, error) {
	ctx, span := trace.StartSpan(ctx, "chain.CurrentBlock")
	defer span.End()
	var head headerResult
	if err := c.call(ctx, c.lite, &head, methodGetHeader); err != nil {
		return 0, err
	}
	n, err := parseHexNumber(head.Number)
	if err != nil {
		return 0, err
	}
	return n - params.ForgeNetworkConfig().ReorgSafetyMargin, nil
}

// BlockHash returns the hash of a block.
func (c *Client) BlockHash(ctx context.Context, block int64) (string, error) {
	ctx, span := trace.StartSpan(ctx, "chain.BlockHash")
	defer span.End()
	if h, ok := c.hashMemo.Get(block); ok {
		return h.(string), nil
	}
	var hash string
	if err := c.callWithFallback(ctx, &hash, methodGetBlockHash, block); err != nil {
		return "", err
	}
	if hash == "" {
		return "", errors.Wrapf(ErrUnknownBlock, "no hash for block %d", block)
	}
	c.hashMemo.Add(block, hash)
	return hash, nil
}

// BlockTimestamp returns the timestamp inherent of a block.
func (c *Client) BlockTimestamp(ctx context.Context, block int64) (time.Time, error) {
	ctx, span := trace.StartSpan(ctx, "chain.BlockTimestamp")
	defer span.End()
	if ts, ok := c.tsMemo.Get(block); ok {
		return ts.(time.Time), nil
	}
	hash, err := c.BlockHash(ctx, block)
	if err != nil {
		return time.Time{}, err
	}
	var blk blockResult
	if err := c.callWithFallback(ctx, &blk, methodGetBlock, hash); err != nil {
		return time.Time{}, err
	}
	if len(blk.Block.Extrinsics) == 0 {
		return time.Time{}, errors.Errorf("block %d carries no extrinsics", block)
	}
	ts, err := decodeTimestampExtrinsic(blk.Block.Extrinsics[0])
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "block %d", block)
	}
	c.tsMemo.Add(block, ts)
	return ts, nil
}

// ListNeurons returns the subnet's neurons at a block.
func (c *Client) ListNeurons(ctx context.Context, block int64) ([]Neuron, error) {
	ctx, span := trace.StartSpan(ctx, "chain.ListNeurons")
	defer span.End()
	hash, err := c.BlockHash(ctx, block)
	if err != nil {
		return nil, err
	}
	var raw string
	netuid := params.ForgeNetworkConfig().NetUID
	if err := c.callWithFallback(ctx, &raw, methodNeuronsLite, netuid, hash); err != nil {
		return nil, err
	}
	return decodeNeurons(raw)
}

// SubnetState returns per-uid stake aggregates at a block.
func (c *Client) SubnetState(ctx context.Context, block int64) (*SubnetState, error) {
	ctx, span := trace.StartSpan(ctx, "chain.SubnetState")
	defer span.End()
	hash, err := c.BlockHash(ctx, block)
	if err != nil {
		return nil, err
	}
	var raw string
	netuid := params.ForgeNetworkConfig().NetUID
	if err := c.callWithFallback(ctx, &raw, methodSubnetState, netuid, hash); err != nil {
		return nil, err
	}
	return decodeSubnetState(raw)
}

// ListValidators derives the validator set at a block: neurons whose
// subnet-state stake clears the floor, highest stake first, capped to the
// configured set size. Ties break by hotkey so the set is deterministic.
func (c *Client) ListValidators(ctx context.Context, block int64) ([]Neuron, error) {
	ctx, span := trace.StartSpan(ctx, "chain.ListValidators")
	defer span.End()
	neurons, err := c.ListNeurons(ctx, block)
	if err != nil {
		return nil, err
	}
	state, err := c.SubnetState(ctx, block)
	if err != nil {
		return nil, err
	}
	cfg := params.ForgeNetworkConfig()
	var validators []Neuron
	for _, n := range neurons {
		if int(n.UID) < len(state.TotalStake) {
			n.Stake = state.TotalStake[n.UID]
		}
		if n.Stake >= cfg.MinValidatorStake {
			validators = append(validators, n)
		}
	}
	sort.Slice(validators, func(i, j int) bool {
		if validators[i].Stake != validators[j].Stake {
			return validators[i].Stake > validators[j].Stake
		}
		return validators[i].Hotkey < validators[j].Hotkey
	})
	if len(validators) > cfg.MaxValidatorCount {
		validators = validators[:cfg.MaxValidatorCount]
	}
	return validators, nil
}

// ShieldedNeurons returns the neuron view through the shield proxy.
func (c *Client) ShieldedNeurons(ctx context.Context) ([]Neuron, error) {
	ctx, span := trace.StartSpan(ctx, "chain.ShieldedNeurons")
	defer span.End()
	if c.shield == nil {
		return nil, errors.New("chain: shield endpoint not configured")
	}
	return c.shield.Neurons(ctx)
}

// OldestReachableBlock returns the oldest block with readable state.
func (c *Client) OldestReachableBlock(ctx context.Context) (int64, error) {
	if c.archive != nil {
		return 0, nil
	}
	current, err := c.CurrentBlock(ctx)
	if err != nil {
		return 0, err
	}
	oldest := current - params.ForgeNetworkConfig().LiteLookback
	if oldest < 0 {
		oldest = 0
	}
	return oldest, nil
}

// Snapshot assembles the immutable metagraph view at a block.
func (c *Client) Snapshot(ctx context.Context, block int64) (*MetagraphSnapshot, error) {
	ctx, span := trace.StartSpan(ctx, "chain.Snapshot")
	defer span.End()
	hash, err := c.BlockHash(ctx, block)
	if err != nil {
		return nil, err
	}
	neurons, err := c.ListNeurons(ctx, block)
	if err != nil {
		return nil, err
	}
	state, err := c.SubnetState(ctx, block)
	if err != nil {
		return nil, err
	}
	snap := &MetagraphSnapshot{
		Block:      block,
		BlockHash:  hash,
		TotalStake: state.TotalStake,
	}
	for _, n := range neurons {
		snap.UIDs = append(snap.UIDs, n.UID)
		snap.Hotkeys = append(snap.Hotkeys, n.Hotkey)
		if n.Axon.Serving() {
			snap.ServingHotkeys = append(snap.ServingHotkeys, n.Hotkey)
		}
	}
	return snap, nil
}

func parseHexNumber(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad block number %q", s)
	}
	return n, nil
}
