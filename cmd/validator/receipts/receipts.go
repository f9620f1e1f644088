// Package receipts defines the receipt maintenance subcommands, currently a
// one-shot receipt transfer sweep against the locally known miners.
package receipts

import (
	"fmt"
	"time"

	"github.com/forgenet/forge/config/dynamic"
	"github.com/forgenet/forge/validator/db/kv"
	"github.com/forgenet/forge/validator/flags"
	"github.com/forgenet/forge/validator/receipts/transfer"
	ansi "github.com/k0kubun/go-ansi"
	"github.com/pkg/errors"
	progressbar "github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "receipts")

// Commands for receipt maintenance.
var Commands = &cli.Command{
	Name:     "receipts",
	Category: "receipts",
	Usage:    "defines commands for maintaining the local receipt store",
	Subcommands: []*cli.Command{
		{
			Name:  "transfer-once",
			Usage: "runs a single receipt transfer sweep over all known miners and exits",
			Flags: []cli.Flag{
				flags.DataDirFlag,
				flags.DynamicConfigFileFlag,
			},
			Action: transferOnce,
		},
	},
}

func transferOnce(cliCtx *cli.Context) error {
	ctx := cliCtx.Context
	store, err := kv.NewKVStore(ctx, cliCtx.String(flags.DataDirFlag.Name), &kv.Config{})
	if err != nil {
		return errors.Wrap(err, "could not open validator database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Error("Could not close validator database")
		}
	}()

	dyn := dynamic.New()
	if path := cliCtx.String(flags.DynamicConfigFileFlag.Name); path != "" {
		dyn, err = dynamic.NewFromFile(path)
		if err != nil {
			return errors.Wrap(err, "could not load dynamic config")
		}
	}

	svc := transfer.New(&transfer.Config{Store: store, Dynamic: dyn})

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(ansi.NewAnsiStdout()),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetDescription("Transferring receipts"),
		progressbar.OptionSpinnerType(14),
	)
	type result struct {
		stats transfer.Stats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := svc.RunOnce(ctx)
		done <- result{stats: stats, err: err}
	}()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	var res result
wait:
	for {
		select {
		case res = <-done:
			break wait
		case <-ticker.C:
			if err := bar.Add(1); err != nil {
				log.WithError(err).Debug("Could not advance progress bar")
			}
		}
	}
	if err := bar.Finish(); err != nil {
		log.WithError(err).Debug("Could not finish progress bar")
	}
	if res.err != nil {
		return errors.Wrap(res.err, "receipt transfer sweep failed")
	}
	fmt.Printf(
		"\nInserted %d receipts from %d lines (%d parse errors, %d page failures)\n",
		res.stats.Inserted, res.stats.Lines, res.stats.ParseErrors, res.stats.Failures,
	)
	return nil
}
