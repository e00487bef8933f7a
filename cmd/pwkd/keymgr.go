package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pwk.dev/kernel/internal/crypto"
	"pwk.dev/kernel/internal/identity"
	"pwk.dev/kernel/internal/policy"
)

// newKeymgrCmd covers the device identity seed's lifecycle. There is
// nothing to wrap/unwrap here since the seed itself, not a derived key, is
// the thing at rest on disk, so genseed/verify-pubkey cover the device
// seed's whole lifecycle.
func newKeymgrCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "keymgr", Short: "device-seed lifecycle tooling"}
	cmd.AddCommand(newKeymgrGenseedCmd(), newKeymgrVerifyPubkeyCmd(root))
	return cmd
}

func newKeymgrGenseedCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "genseed",
		Short: "generate a fresh 256-bit device seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("missing required flag: --out")
			}
			seed, err := crypto.RandomBytes(32)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
				return fmt.Errorf("create seed parent dir: %w", err)
			}
			if err := os.WriteFile(out, seed, 0o600); err != nil {
				return fmt.Errorf("write seed: %w", err)
			}
			fmt.Println("OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output seed file path")
	return cmd
}

func newKeymgrVerifyPubkeyCmd(root *rootFlags) *cobra.Command {
	var seedPath, expectedHex string
	cmd := &cobra.Command{
		Use:   "verify-pubkey",
		Short: "print the device public key derived from a seed, optionally checking it against an expected value",
		RunE: func(cmd *cobra.Command, args []string) error {
			if seedPath == "" {
				return fmt.Errorf("missing required flag: --seed")
			}
			seed, err := os.ReadFile(seedPath)
			if err != nil {
				return fmt.Errorf("read seed: %w", err)
			}
			ruleset, err := policy.Load(filepath.Join(root.dataDir, "policy.json"))
			if err != nil {
				return fmt.Errorf("load policy.json: %w", err)
			}
			k, err := identity.New(ruleset.RulesetID, ruleset.KernelVersion, seed)
			if err != nil {
				return err
			}
			got := k.DevicePublicKeyHex()
			if expectedHex != "" {
				if _, err := hex.DecodeString(expectedHex); err != nil {
					return fmt.Errorf("expected-pubkey-hex: %w", err)
				}
				if expectedHex != got {
					return fmt.Errorf("expected pubkey mismatch: expected=%s computed=%s", expectedHex, got)
				}
			}
			fmt.Println(got)
			return nil
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "device seed file path")
	cmd.Flags().StringVar(&expectedHex, "expected-pubkey-hex", "", "optional expected device public key (hex)")
	return cmd
}
