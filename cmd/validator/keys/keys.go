// Package keys defines the hotkey management subcommands: generating a fresh
// mnemonic-backed hotkey, recovering one from a mnemonic, and showing the
// ss58 address of the stored key.
package keys

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgenet/forge/config/params"
	"github.com/forgenet/forge/crypto/keystore"
	"github.com/forgenet/forge/validator/flags"
	"github.com/logrusorgru/aurora"
	"github.com/manifoldco/promptui"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "keys")

var au = aurora.NewAurora(true)

// Commands for hotkey management.
var Commands = &cli.Command{
	Name:     "keys",
	Category: "keys",
	Usage:    "defines commands for managing the validator hotkey",
	Subcommands: []*cli.Command{
		{
			Name:  "generate",
			Usage: "generates a new hotkey from a fresh bip39 mnemonic and stores it encrypted",
			Flags: []cli.Flag{
				flags.WalletDirFlag,
				flags.WalletPasswordFileFlag,
			},
			Action: generateKey,
		},
		{
			Name:  "recover",
			Usage: "recovers a hotkey from an existing bip39 mnemonic",
			Flags: []cli.Flag{
				flags.WalletDirFlag,
				flags.WalletPasswordFileFlag,
			},
			Action: recoverKey,
		},
		{
			Name:  "show",
			Usage: "prints the ss58 address of the stored hotkey",
			Flags: []cli.Flag{
				flags.WalletDirFlag,
				flags.WalletPasswordFileFlag,
			},
			Action: showKey,
		},
	},
}

func keyPath(cliCtx *cli.Context) string {
	return filepath.Join(cliCtx.String(flags.WalletDirFlag.Name), params.ForgeNetworkConfig().HotkeyFileName)
}

func generateKey(cliCtx *cli.Context) error {
	path := keyPath(cliCtx)
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("a hotkey already exists at %s, move it away first", path)
	}
	passphrase, err := passphraseForWrite(cliCtx)
	if err != nil {
		return err
	}
	mnemonic, err := keystore.GenerateMnemonic()
	if err != nil {
		return err
	}
	kp, err := keystore.KeypairFromMnemonic(mnemonic, "")
	if err != nil {
		return err
	}
	if err := keystore.StoreKey(path, kp, passphrase); err != nil {
		return err
	}
	fmt.Println(au.Bold(au.Red("Write down the mnemonic below and store it somewhere safe. It is the only way to recover your hotkey.")))
	fmt.Printf("\n%s\n\n", au.BrightCyan(mnemonic))
	fmt.Printf("Hotkey address: %s\n", au.Green(kp.Address()))
	log.WithField("path", path).Info("Stored encrypted hotkey")
	return nil
}

func recoverKey(cliCtx *cli.Context) error {
	path := keyPath(cliCtx)
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("a hotkey already exists at %s, move it away first", path)
	}
	prompt := promptui.Prompt{
		Label: "Enter your bip39 mnemonic",
		Validate: func(input string) error {
			if len(strings.Fields(input)) < 12 {
				return errors.New("mnemonic must have at least 12 words")
			}
			return nil
		},
	}
	mnemonic, err := prompt.Run()
	if err != nil {
		return errors.Wrap(err, "could not read mnemonic")
	}
	kp, err := keystore.KeypairFromMnemonic(strings.TrimSpace(mnemonic), "")
	if err != nil {
		return err
	}
	passphrase, err := passphraseForWrite(cliCtx)
	if err != nil {
		return err
	}
	if err := keystore.StoreKey(path, kp, passphrase); err != nil {
		return err
	}
	fmt.Printf("Recovered hotkey address: %s\n", au.Green(kp.Address()))
	log.WithField("path", path).Info("Stored encrypted hotkey")
	return nil
}

func showKey(cliCtx *cli.Context) error {
	passphrase, err := readPassphrase(cliCtx, "Wallet password")
	if err != nil {
		return err
	}
	kp, err := keystore.LoadKey(keyPath(cliCtx), passphrase)
	if err != nil {
		return err
	}
	fmt.Printf("Hotkey address: %s\n", au.Green(kp.Address()))
	return nil
}

// passphraseForWrite prompts twice and requires both entries to match, unless
// a password file is given.
func passphraseForWrite(cliCtx *cli.Context) (string, error) {
	if cliCtx.String(flags.WalletPasswordFileFlag.Name) != "" {
		return readPassphrase(cliCtx, "")
	}
	passphrase, err := readPassphrase(cliCtx, "New wallet password")
	if err != nil {
		return "", err
	}
	confirm := promptui.Prompt{Label: "Confirm wallet password", Mask: '*'}
	again, err := confirm.Run()
	if err != nil {
		return "", errors.Wrap(err, "could not confirm password")
	}
	if passphrase != again {
		return "", errors.New("passwords do not match")
	}
	return passphrase, nil
}

func readPassphrase(cliCtx *cli.Context, label string) (string, error) {
	if path := cliCtx.String(flags.WalletPasswordFileFlag.Name); path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return "", errors.Wrap(err, "could not read wallet password file")
		}
		return strings.TrimSpace(string(data)), nil
	}
	prompt := promptui.Prompt{
		Label: label,
		Mask:  '*',
		Validate: func(input string) error {
			if len(input) < 8 {
				return errors.New("password must be at least 8 characters")
			}
			return nil
		},
	}
	passphrase, err := prompt.Run()
	if err != nil {
		return "", errors.Wrap(err, "could not read password")
	}
	return passphrase, nil
}
