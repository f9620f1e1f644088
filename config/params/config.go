// Package params defines important constants that are essential to the forge
// validator: chain cadence, allowance accounting windows, receipt paging and
// artifact transfer limits.
package params

import (
	"time"
)

// ForgeConfig contains constant configs for a validator to participate in a
// compute subnet. Values tagged with `yaml` may be overridden by a chain
// config file; the rest are operational constants.
type ForgeConfig struct {
	ConfigName string `yaml:"CONFIG_NAME" spec:"true"`

	// Chain cadence.
	NetUID            uint16        `yaml:"NET_UID" spec:"true"`
	SecondsPerBlock   uint64        `yaml:"SECONDS_PER_BLOCK" spec:"true"`
	ReorgSafetyMargin int64         `yaml:"REORG_SAFETY_MARGIN" spec:"true"`
	LiteLookback      int64         `yaml:"LITE_LOOKBACK" spec:"true"`
	ChainReadTimeout  time.Duration `yaml:"CHAIN_READ_TIMEOUT" spec:"true"`
	ChainReadRetries  int           `yaml:"CHAIN_READ_RETRIES" spec:"true"`
	ChainBackoffMin   time.Duration
	ChainBackoffMax   time.Duration

	// Validator set.
	MinValidatorStake float64 `yaml:"MIN_VALIDATOR_STAKE" spec:"true"`
	MaxValidatorCount int     `yaml:"MAX_VALIDATOR_COUNT" spec:"true"`

	// Prefetch cache.
	CacheAhead      int64 `yaml:"CACHE_AHEAD" spec:"true"`
	PrefetchWorkers int   `yaml:"PREFETCH_WORKERS" spec:"true"`
	SharedCacheTTL  time.Duration

	// Allowance accounting.
	CycleLength             int64 `yaml:"CYCLE_LENGTH" spec:"true"`
	BlockExpiry             int64 `yaml:"BLOCK_EXPIRY" spec:"true"`
	BlockEvictionThreshold  int64 `yaml:"BLOCK_EVICTION_THRESHOLD" spec:"true"`
	ReservationMargin       time.Duration
	MaxJobRunTime           time.Duration
	AdvisoryLockWaitTimeout time.Duration

	// Receipt pages.
	PageDuration        time.Duration `yaml:"PAGE_DURATION" spec:"true"`
	ActivePages         int64         `yaml:"ACTIVE_PAGES" spec:"true"`
	CatchUpCutoff       time.Duration
	OnceConcurrency     int64
	CatchUpConcurrency  int64
	KeepUpConcurrency   int64
	TransferTimeout     time.Duration
	KeepUpTimeout       time.Duration
	KillSwitchRecheck   time.Duration
	ReceiptSignaturePay int

	// Receipts.
	StartedReceiptTTL time.Duration
	ManifestMaxAge    time.Duration

	// Facilitator link.
	HeartbeatInterval     time.Duration
	ReconnectBackoffMin   time.Duration
	ReconnectBackoffSteps int

	// Background maintenance.
	MetagraphSyncInterval     time.Duration
	AllowanceBackfillInterval time.Duration

	// Artifacts.
	MaxVolumeSizeBytes   int64
	MaxNumberOfFiles     int
	MaxConcurrentUploads int64
	OutputUploadTimeout  time.Duration
	OutputUploadRetries  int
	OutputUploadBackoff  time.Duration

	// Key material.
	HotkeyFileName  string
	SS58Prefix      uint16 `yaml:"SS58_PREFIX" spec:"true"`
	RAOPerUnit      float64
	TrustedMinerKey string
}

// BlockDuration returns the chain cadence as a duration.
func (c *ForgeConfig) BlockDuration() time.Duration {
	return time.Duration(c.SecondsPerBlock) * time.Second
}

// RetentionHorizon is the number of blocks after which allowance cells are
// finalized and evicted.
func (c *ForgeConfig) RetentionHorizon() int64 {
	return c.BlockEvictionThreshold
}

// MainnetConfig returns the configuration for the production compute subnet.
func MainnetConfig() *ForgeConfig {
	return mainnetForgeConfig
}

var mainnetForgeConfig = &ForgeConfig{
	ConfigName: "mainnet",

	NetUID:            12,
	SecondsPerBlock:   12,
	ReorgSafetyMargin: 5,
	LiteLookback:      200,
	ChainReadTimeout:  30 * time.Second,
	ChainReadRetries:  3,
	ChainBackoffMin:   100 * time.Millisecond,
	ChainBackoffMax:   800 * time.Millisecond,

	MinValidatorStake: 1000,
	MaxValidatorCount: 24,

	CacheAhead:      10,
	PrefetchWorkers: 10,
	SharedCacheTTL:  10 * time.Minute,

	CycleLength:             722,
	BlockExpiry:             722,
	BlockEvictionThreshold:  361 * 4 * 3 / 2, // 1.5 cycles of 4 tempos
	ReservationMargin:       100 * time.Second,
	MaxJobRunTime:           time.Hour,
	AdvisoryLockWaitTimeout: 5 * time.Second,

	PageDuration:        time.Hour,
	ActivePages:         2,
	CatchUpCutoff:       5 * time.Hour,
	OnceConcurrency:     50,
	CatchUpConcurrency:  10,
	KeepUpConcurrency:   50,
	TransferTimeout:     3 * time.Second,
	KeepUpTimeout:       time.Second,
	KillSwitchRecheck:   60 * time.Second,
	ReceiptSignaturePay: 4,

	StartedReceiptTTL: 60 * time.Second,
	ManifestMaxAge:    4 * time.Hour,

	HeartbeatInterval:     60 * time.Second,
	ReconnectBackoffMin:   time.Second,
	ReconnectBackoffSteps: 5,

	MetagraphSyncInterval:     2 * time.Minute,
	AllowanceBackfillInterval: time.Minute,

	MaxVolumeSizeBytes:   2 << 30,
	MaxNumberOfFiles:     1000,
	MaxConcurrentUploads: 3,
	OutputUploadTimeout:  300 * time.Second,
	OutputUploadRetries:  3,
	OutputUploadBackoff:  time.Second,

	HotkeyFileName:  "hotkey.json",
	SS58Prefix:      42,
	RAOPerUnit:      1e9,
	TrustedMinerKey: "trusted",
}
