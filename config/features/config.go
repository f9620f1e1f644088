// Package features defines toggles for forge validator behaviour that is not
// yet (or no longer) enabled by default. Flags here are wired through the CLI
// and consulted with features.Get().
package features

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "flags")

// Flags is a struct to represent which features the client will perform on
// runtime.
type Flags struct {
	// DisableArchiveFallback turns off transparent retries against the
	// archive chain endpoint on pruned-block reads.
	DisableArchiveFallback bool
	// EnableSharedPrefetchCache publishes prefetched chain data to the
	// shared TTL cache so a consumer-only process can read it.
	EnableSharedPrefetchCache bool
	// DisableReceiptTransfer disables the receipt transfer daemon entirely,
	// regardless of the dynamic kill switch.
	DisableReceiptTransfer bool
	// EnableVerboseSigVerification logs every receipt signature
	// verification failure at debug level.
	EnableVerboseSigVerification bool
}

var featureConfig *Flags
var featureConfigLock sync.RWMutex

// Get retrieves feature config.
func Get() *Flags {
	featureConfigLock.RLock()
	defer featureConfigLock.RUnlock()
	if featureConfig == nil {
		return &Flags{}
	}
	return featureConfig
}

// Init sets the global config equal to the config that is passed in.
func Init(c *Flags) {
	featureConfigLock.Lock()
	defer featureConfigLock.Unlock()
	featureConfig = c
}

// InitWithReset sets the global config and returns a function that resets it
// to the previous value, for use in tests.
func InitWithReset(c *Flags) func() {
	var prevConfig Flags
	if featureConfig != nil {
		prevConfig = *featureConfig
	} else {
		prevConfig = Flags{}
	}
	resetFunc := func() {
		Init(&prevConfig)
	}
	Init(c)
	return resetFunc
}

func logEnabled(flag cli.DocGenerationFlag) {
	var name string
	if len(flag.Names()) > 0 {
		name = flag.Names()[0]
	}
	log.WithField(name, flag.GetUsage()).Warn(enabledFeatureFlag)
}

// ConfigureValidator sets the global config based on what flags are enabled
// for the validator client.
func ConfigureValidator(ctx *cli.Context) {
	cfg := &Flags{}
	if ctx.Bool(disableArchiveFallback.Name) {
		logEnabled(disableArchiveFallback)
		cfg.DisableArchiveFallback = true
	}
	if ctx.Bool(enableSharedPrefetchCache.Name) {
		logEnabled(enableSharedPrefetchCache)
		cfg.EnableSharedPrefetchCache = true
	}
	if ctx.Bool(disableReceiptTransfer.Name) {
		logEnabled(disableReceiptTransfer)
		cfg.DisableReceiptTransfer = true
	}
	if ctx.Bool(enableVerboseSigVerification.Name) {
		logEnabled(enableVerboseSigVerification)
		cfg.EnableVerboseSigVerification = true
	}
	Init(cfg)
}
