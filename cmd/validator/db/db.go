// Package db defines offline database maintenance subcommands.
package db

import (
	"github.com/forgenet/forge/validator/db/kv"
	"github.com/forgenet/forge/validator/flags"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "db")

var permissionOverrideFlag = &cli.BoolFlag{
	Name:  "permission-override",
	Usage: "Writes the backup file with 0600 permissions instead of read-only",
}

// Commands for database maintenance.
var Commands = &cli.Command{
	Name:     "db",
	Category: "db",
	Usage:    "defines commands for interacting with the validator database",
	Subcommands: []*cli.Command{
		{
			Name:  "backup",
			Usage: "takes a hot backup of the validator database",
			Flags: []cli.Flag{
				flags.DataDirFlag,
				flags.BackupWebhookOutputDir,
				permissionOverrideFlag,
			},
			Action: backupDB,
		},
	},
}

func backupDB(cliCtx *cli.Context) error {
	ctx := cliCtx.Context
	dataDir := cliCtx.String(flags.DataDirFlag.Name)
	outputDir := cliCtx.String(flags.BackupWebhookOutputDir.Name)
	if outputDir == "" {
		outputDir = dataDir
	}
	store, err := kv.NewKVStore(ctx, dataDir, &kv.Config{})
	if err != nil {
		return errors.Wrap(err, "could not open validator database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Error("Could not close validator database")
		}
	}()
	if err := store.Backup(ctx, outputDir, cliCtx.Bool(permissionOverrideFlag.Name)); err != nil {
		return errors.Wrap(err, "could not back up validator database")
	}
	log.WithField("outputDir", outputDir).Info("Database backup complete")
	return nil
}
