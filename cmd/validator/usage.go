// This code was adapted from https://github.com/ethereum/go-ethereum/blob/master/cmd/geth/usage.go
package main

import (
	"io"
	"sort"

	"github.com/forgenet/forge/config/features"
	"github.com/forgenet/forge/runtime/debug"
	"github.com/forgenet/forge/validator/flags"
	"github.com/urfave/cli/v2"
)

var appHelpTemplate = `NAME:
   {{.App.Name}} - {{.App.Usage}}
USAGE:
   {{.App.HelpName}} [options]{{if .App.Commands}} command [command options]{{end}} {{if .App.ArgsUsage}}{{.App.ArgsUsage}}{{else}}[arguments...]{{end}}
   {{if .App.Version}}
AUTHOR:
   {{range .App.Authors}}{{ . }}{{end}}
   {{end}}{{if .App.Commands}}
GLOBAL OPTIONS:
   {{range .App.Commands}}{{join .Names ", "}}{{ "\t" }}{{.Usage}}
   {{end}}{{end}}{{if .FlagGroups}}
{{range .FlagGroups}}{{.Name}} OPTIONS:
   {{range .Flags}}{{.}}
   {{end}}
{{end}}{{end}}{{if .App.Copyright }}
COPYRIGHT:
   {{.App.Copyright}}
VERSION:
   {{.App.Version}}
   {{end}}{{if len .App.Authors}}
   {{end}}
`

type flagGroup struct {
	Name  string
	Flags []cli.Flag
}

var appHelpFlagGroups = []flagGroup{
	{
		Name: "cmd",
		Flags: []cli.Flag{
			flags.DataDirFlag,
			flags.VerbosityFlag,
			flags.EnableTracingFlag,
			flags.TracingProcessNameFlag,
			flags.TracingEndpointFlag,
			flags.TraceSampleFractionFlag,
			flags.MonitoringHostFlag,
			flags.MonitoringPortFlag,
			flags.DisableMonitoringFlag,
			flags.ForceClearDB,
			flags.ClearDB,
			flags.BackupWebhookOutputDir,
		},
	},
	{
		Name:  "debug",
		Flags: debug.Flags,
	},
	{
		Name: "validator",
		Flags: []cli.Flag{
			flags.SubtensorEndpointFlag,
			flags.ArchiveEndpointFlag,
			flags.ShieldEndpointFlag,
			flags.FacilitatorURLFlag,
			flags.WalletDirFlag,
			flags.WalletPasswordFileFlag,
			flags.TrustedMinerAddressFlag,
			flags.TrustedMinerPortFlag,
			flags.DynamicConfigFileFlag,
			flags.ArtifactsDirFlag,
			flags.EnableOpsAPIFlag,
			flags.OpsHostFlag,
			flags.OpsPortFlag,
			flags.AuthTokenPathFlag,
			flags.OpsAllowedOriginsFlag,
		},
	},
	{
		Name: "log",
		Flags: []cli.Flag{
			flags.LogFormat,
			flags.LogFileName,
		},
	},
	{
		Name:  "features",
		Flags: features.ValidatorFlags,
	},
}

func init() {
	cli.AppHelpTemplate = appHelpTemplate

	type helpData struct {
		App        interface{}
		FlagGroups []flagGroup
	}

	originalHelpPrinter := cli.HelpPrinter
	cli.HelpPrinter = func(w io.Writer, tmpl string, data interface{}) {
		if tmpl == appHelpTemplate {
			for _, group := range appHelpFlagGroups {
				sort.Sort(cli.FlagsByName(group.Flags))
			}
			originalHelpPrinter(w, tmpl, helpData{data, appHelpFlagGroups})
		} else {
			originalHelpPrinter(w, tmpl, data)
		}
	}
}
