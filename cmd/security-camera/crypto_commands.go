package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/mecam/internal/crypto"
)

func newDecryptCommand(ctx *commandContext) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "decrypt <file.enc>",
		Short: "Decrypt a recording with the configured key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			src := args[0]
			dst := output
			if dst == "" {
				dst = strings.TrimSuffix(src, crypto.EncryptedExt)
				if dst == src {
					dst = src + ".dec"
				}
			}

			sealer, err := crypto.NewStage(provider, logger).Sealer()
			if err != nil {
				return err
			}
			if err := sealer.DecryptFile(src, dst); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Decrypted %s -> %s\n", filepath.Base(src), dst)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination path (default: input without .enc)")
	return cmd
}

func newKeygenCommand(ctx *commandContext) *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the storage key if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if printOnly {
				key, err := crypto.GenerateMasterKey()
				if err != nil {
					return err
				}
				fmt.Fprintln(out, key)
				return nil
			}

			provider, _, err := ctx.ensure()
			if err != nil {
				return err
			}
			enc := provider.Current().Encryption
			if enc.Passphrase != "" {
				fmt.Fprintf(out, "Passphrase mode: key is derived with the salt at %s\n", enc.SaltPath)
				_, err := crypto.DeriveKey(enc.Passphrase, enc.SaltPath)
				return err
			}
			if _, err := crypto.LoadOrCreateKey(enc.KeyPath); err != nil {
				return err
			}
			fmt.Fprintf(out, "Storage key ready at %s. Back it up: recordings cannot be decrypted without it.\n", enc.KeyPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "Print a fresh random key instead of touching the key file")
	return cmd
}
