package features

import (
	"github.com/urfave/cli/v2"
)

const enabledFeatureFlag = "Enabled feature flag"

var (
	disableArchiveFallback = &cli.BoolFlag{
		Name:  "disable-archive-fallback",
		Usage: "Disables falling back to the archive chain endpoint when the lite node has pruned a block",
	}
	enableSharedPrefetchCache = &cli.BoolFlag{
		Name:  "enable-shared-prefetch-cache",
		Usage: "Publishes prefetched chain data into the shared TTL cache for consumer-only processes",
	}
	disableReceiptTransfer = &cli.BoolFlag{
		Name:  "disable-receipt-transfer",
		Usage: "Disables the receipt transfer daemon regardless of dynamic configuration",
	}
	enableVerboseSigVerification = &cli.BoolFlag{
		Name:  "enable-verbose-sig-verification",
		Usage: "Logs every receipt signature verification failure at debug level",
	}
)

// ValidatorFlags contains a list of all the feature flags that apply to the
// validator client.
var ValidatorFlags = []cli.Flag{
	disableArchiveFallback,
	enableSharedPrefetchCache,
	disableReceiptTransfer,
	enableVerboseSigVerification,
}
