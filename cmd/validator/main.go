// Package main defines the forge validator client entry point.
package main

import (
	"fmt"
	"os"
	"runtime"

	dbcommands "github.com/forgenet/forge/cmd/validator/db"
	"github.com/forgenet/forge/cmd/validator/keys"
	receiptcommands "github.com/forgenet/forge/cmd/validator/receipts"
	"github.com/forgenet/forge/config/features"
	"github.com/forgenet/forge/runtime/debug"
	"github.com/forgenet/forge/runtime/logging"
	"github.com/forgenet/forge/runtime/prereqs"
	"github.com/forgenet/forge/runtime/version"
	"github.com/forgenet/forge/validator/flags"
	"github.com/forgenet/forge/validator/node"
	joonix "github.com/joonix/log"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var log = logrus.WithField("prefix", "main")

func startNode(ctx *cli.Context) error {
	validator, err := node.NewValidatorClient(ctx)
	if err != nil {
		return err
	}
	validator.Start()
	return nil
}

var appFlags = []cli.Flag{
	flags.SubtensorEndpointFlag,
	flags.ArchiveEndpointFlag,
	flags.ShieldEndpointFlag,
	flags.FacilitatorURLFlag,
	flags.WalletDirFlag,
	flags.WalletPasswordFileFlag,
	flags.TrustedMinerAddressFlag,
	flags.TrustedMinerPortFlag,
	flags.DataDirFlag,
	flags.ClearDB,
	flags.ForceClearDB,
	flags.BackupWebhookOutputDir,
	flags.DynamicConfigFileFlag,
	flags.ArtifactsDirFlag,
	flags.DisableMonitoringFlag,
	flags.MonitoringHostFlag,
	flags.MonitoringPortFlag,
	flags.EnableOpsAPIFlag,
	flags.OpsHostFlag,
	flags.OpsPortFlag,
	flags.AuthTokenPathFlag,
	flags.OpsAllowedOriginsFlag,
	flags.EnableTracingFlag,
	flags.TracingProcessNameFlag,
	flags.TracingEndpointFlag,
	flags.TraceSampleFractionFlag,
	flags.VerbosityFlag,
	flags.LogFormat,
	flags.LogFileName,
}

func init() {
	appFlags = append(appFlags, features.ValidatorFlags...)
	appFlags = append(appFlags, debug.Flags...)
}

func main() {
	app := &cli.App{
		Name:    "validator",
		Usage:   "launches a forge compute subnet validator client that routes organic jobs to miners and settles allowance",
		Version: version.GetVersion(),
		Action:  startNode,
		Commands: []*cli.Command{
			keys.Commands,
			receiptcommands.Commands,
			dbcommands.Commands,
		},
		Flags: appFlags,
		Before: func(ctx *cli.Context) error {
			format := ctx.String(flags.LogFormat.Name)
			switch format {
			case "text":
				formatter := new(prefixed.TextFormatter)
				formatter.TimestampFormat = "2006-01-02 15:04:05"
				formatter.FullTimestamp = true
				// If persistent log files are written - we disable the log messages coloring because
				// the colors are ANSI codes and seen as Gibberish in the log files.
				formatter.DisableColors = ctx.String(flags.LogFileName.Name) != ""
				logrus.SetFormatter(formatter)
			case "fluentd":
				f := joonix.NewFormatter()
				logrus.SetFormatter(f)
			case "json":
				logrus.SetFormatter(&logrus.JSONFormatter{})
			default:
				return fmt.Errorf("unknown log format %s", format)
			}

			if logFileName := ctx.String(flags.LogFileName.Name); logFileName != "" {
				if err := logging.ConfigurePersistentLogging(logFileName); err != nil {
					log.WithError(err).Error("Failed to configuring logging to disk.")
				}
			}

			runtime.GOMAXPROCS(runtime.NumCPU())
			prereqs.WarnIfPlatformNotSupported(ctx.Context)
			return debug.Setup(ctx)
		},
		After: func(ctx *cli.Context) error {
			debug.Exit(ctx)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
