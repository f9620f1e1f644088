// Package flags contains all configuration runtime flags for
// the validator service.
package flags

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/urfave/cli/v2"
)

const (
	// WalletDefaultDirName is the directory under datadir holding the
	// encrypted hotkey.
	WalletDefaultDirName = "forge-wallet"
	// AuthTokenFileName is the ops API bearer token file.
	AuthTokenFileName = "auth-token"
)

var (
	// Chain flags.

	// SubtensorEndpointFlag is the websocket url of the pruned subtensor node.
	SubtensorEndpointFlag = &cli.StringFlag{
		Name:  "subtensor-endpoint",
		Usage: "Websocket endpoint of the subtensor lite node",
		Value: "wss://entrypoint-finney.opentensor.ai:443",
	}
	// ArchiveEndpointFlag optionally points at a full-history node.
	ArchiveEndpointFlag = &cli.StringFlag{
		Name:  "subtensor-archive-endpoint",
		Usage: "Optional websocket endpoint of an archive subtensor node, used when the lite node has pruned a requested block",
	}
	// ShieldEndpointFlag optionally points at the DDoS-shield neuron proxy.
	ShieldEndpointFlag = &cli.StringFlag{
		Name:  "shield-endpoint",
		Usage: "Optional endpoint of the DDoS-shield proxy serving the shielded neuron view",
	}

	// Facilitator flags.

	// FacilitatorURLFlag is the websocket url of the facilitator.
	FacilitatorURLFlag = &cli.StringFlag{
		Name:  "facilitator-url",
		Usage: "Websocket endpoint of the facilitator",
		Value: "wss://facilitator.forgenet.io/ws/v0/",
	}

	// Wallet flags.

	// WalletDirFlag is the directory containing the encrypted hotkey file.
	WalletDirFlag = &cli.StringFlag{
		Name:  "wallet-dir",
		Usage: "Path to a wallet directory on-disk for the validator hotkey",
		Value: filepath.Join(DefaultDataDir(), WalletDefaultDirName),
	}
	// WalletPasswordFileFlag reads the hotkey passphrase from a file.
	WalletPasswordFileFlag = &cli.StringFlag{
		Name:  "wallet-password-file",
		Usage: "Path to a plain-text, .txt file containing the wallet passphrase",
	}

	// Trusted miner flags.

	// TrustedMinerAddressFlag is the address of the operator's own trusted miner.
	TrustedMinerAddressFlag = &cli.StringFlag{
		Name:  "trusted-miner-address",
		Usage: "IP or hostname of the trusted miner used for cheated-job re-runs",
	}
	// TrustedMinerPortFlag is the port of the trusted miner.
	TrustedMinerPortFlag = &cli.IntFlag{
		Name:  "trusted-miner-port",
		Usage: "Port of the trusted miner",
		Value: 8000,
	}

	// Database flags.

	// DataDirFlag defines a path on disk for the validator databases.
	DataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the databases and keystore",
		Value: DefaultDataDir(),
	}
	// ClearDB prompts for confirmation before purging the database.
	ClearDB = &cli.BoolFlag{
		Name:  "clear-db",
		Usage: "Prompt for confirmation on purging data from the database",
	}
	// ForceClearDB purges the database without confirmation.
	ForceClearDB = &cli.BoolFlag{
		Name:  "force-clear-db",
		Usage: "Clear any data from the database without confirmation",
	}
	// BackupWebhookOutputDir is where webhook-triggered backups land.
	BackupWebhookOutputDir = &cli.StringFlag{
		Name:  "db-backup-output-dir",
		Usage: "Output directory for db backups",
	}

	// Dynamic config flags.

	// DynamicConfigFileFlag points at the yaml override file for runtime
	// tunables. The file is watched and hot-reloaded.
	DynamicConfigFileFlag = &cli.StringFlag{
		Name:  "dynamic-config-file",
		Usage: "Path to a yaml file overriding dynamic config defaults, hot-reloaded on change",
	}

	// Jobs flags.

	// ArtifactsDirFlag is the scratch directory for job volume downloads.
	ArtifactsDirFlag = &cli.StringFlag{
		Name:  "artifacts-dir",
		Usage: "Directory for downloaded job volumes and staged outputs",
	}

	// Monitoring flags.

	// DisableMonitoringFlag disables the prometheus service.
	DisableMonitoringFlag = &cli.BoolFlag{
		Name:  "disable-monitoring",
		Usage: "Disable monitoring service",
	}
	// MonitoringHostFlag defines the host the prometheus server listens on.
	MonitoringHostFlag = &cli.StringFlag{
		Name:  "monitoring-host",
		Usage: "Host used for listening and responding metrics for prometheus",
		Value: "127.0.0.1",
	}
	// MonitoringPortFlag defines the http port used to serve prometheus metrics.
	MonitoringPortFlag = &cli.IntFlag{
		Name:  "monitoring-port",
		Usage: "Port used to listening and respond metrics for prometheus",
		Value: 8081,
	}

	// Ops API flags.

	// EnableOpsAPIFlag enables the operator HTTP API.
	EnableOpsAPIFlag = &cli.BoolFlag{
		Name:  "ops",
		Usage: "Enables the operator HTTP API",
	}
	// OpsHostFlag defines the host on which the ops API listens.
	OpsHostFlag = &cli.StringFlag{
		Name:  "ops-host",
		Usage: "Host on which the ops API listens",
		Value: "127.0.0.1",
	}
	// OpsPortFlag defines the ops API port.
	OpsPortFlag = &cli.IntFlag{
		Name:  "ops-port",
		Usage: "Port exposed by the ops API",
		Value: 7000,
	}
	// AuthTokenPathFlag overrides the ops API bearer token file location.
	AuthTokenPathFlag = &cli.StringFlag{
		Name:  "auth-token-path",
		Usage: "Path to the ops API auth token file, defaults to <wallet-dir>/auth-token",
	}
	// OpsAllowedOriginsFlag defines CORS origins for the ops API.
	OpsAllowedOriginsFlag = &cli.StringFlag{
		Name:  "ops-cors-domains",
		Usage: "Comma separated list of domains from which to accept cross origin ops API requests",
		Value: "http://localhost:3000",
	}

	// Tracing flags.

	// EnableTracingFlag enables opencensus request tracing.
	EnableTracingFlag = &cli.BoolFlag{
		Name:  "enable-tracing",
		Usage: "Enable request tracing",
	}
	// TracingProcessNameFlag tags traces with a process name.
	TracingProcessNameFlag = &cli.StringFlag{
		Name:  "tracing-process-name",
		Usage: "The name to apply to tracing tag \"process_name\"",
	}
	// TracingEndpointFlag defines the jaeger collector endpoint.
	TracingEndpointFlag = &cli.StringFlag{
		Name:  "tracing-endpoint",
		Usage: "Tracing endpoint defines where the validator sends traces",
		Value: "http://127.0.0.1:14268/api/traces",
	}
	// TraceSampleFractionFlag defines the fraction of traces sampled.
	TraceSampleFractionFlag = &cli.Float64Flag{
		Name:  "trace-sample-fraction",
		Usage: "Indicate what fraction of validator operations are sampled for tracing",
		Value: 0.20,
	}

	// Log flags.

	// VerbosityFlag defines the logrus level.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info=default, warn, error, fatal, panic)",
		Value: "info",
	}
	// LogFormat specifies the log output encoding.
	LogFormat = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Specify log formatting. Supports: text, json, fluentd",
		Value: "text",
	}
	// LogFileName specifies a file to write logs to in addition to stdout.
	LogFileName = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Specify log file name, relative or absolute",
	}
)

// DefaultDataDir places the data folder in a platform-appropriate location
// under the user's home dir. Returns empty when no home dir can be found, to
// be handled by the caller.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Forge")
	case "windows":
		return filepath.Join(home, "AppData", "Local", "Forge")
	default:
		return filepath.Join(home, ".forge")
	}
}
