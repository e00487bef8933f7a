package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pwk.dev/kernel/internal/token"
)

func newVaultCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "vault", Short: "evidence vault: write and read sealed media envelopes"}
	cmd.AddCommand(newVaultWriteCmd(root), newVaultReadCmd(root))
	return cmd
}

func newVaultWriteCmd(root *rootFlags) *cobra.Command {
	var inPath string
	var bucketStart uint64
	cmd := &cobra.Command{
		Use:   "write",
		Short: "seal a plaintext file into the vault under a given bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if inPath == "" {
				return fmt.Errorf("missing required flag: --in")
			}
			env, err := openKernelEnv(root.dataDir)
			if err != nil {
				return err
			}
			defer env.close()

			plaintext, err := os.ReadFile(inPath)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			if bucketStart == 0 {
				bucketStart = env.currentBucket()
			}
			envelopeID, err := env.vault.Write(plaintext, bucketStart)
			if err != nil {
				return err
			}
			fmt.Println(envelopeID)
			return nil
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "path to the plaintext media file to seal")
	cmd.Flags().Uint64Var(&bucketStart, "bucket", 0, "time bucket the media belongs to (defaults to the current bucket)")
	return cmd
}

func newVaultReadCmd(root *rootFlags) *cobra.Command {
	var envelopeID, tokenJSON, outPath string
	cmd := &cobra.Command{
		Use:   "read",
		Short: "decrypt a vault envelope using an authorized break-glass token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envelopeID == "" || tokenJSON == "" || outPath == "" {
				return fmt.Errorf("missing required flags: --envelope-id --token-json --out")
			}
			env, err := openKernelEnv(root.dataDir)
			if err != nil {
				return err
			}
			defer env.close()

			var tok token.Token
			if err := json.Unmarshal([]byte(tokenJSON), &tok); err != nil {
				return fmt.Errorf("parse token json: %w", err)
			}

			plaintext, err := env.vault.Read(envelopeID, tok, env.currentBucket())
			if err != nil {
				return err
			}
			if err := env.quorum.NotifyConsumed(tok.TokenID, fmt.Sprintf("vault:%s", envelopeID)); err != nil {
				env.logger.Warn().Err(err).Msg("vault read succeeded but break-glass consumed-notice failed")
			}
			if err := os.WriteFile(outPath, plaintext, 0o600); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			fmt.Println("OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&envelopeID, "envelope-id", "", "envelope id to decrypt")
	cmd.Flags().StringVar(&tokenJSON, "token-json", "", "authorized break-glass token, JSON")
	cmd.Flags().StringVar(&outPath, "out", "", "path to write the recovered plaintext")
	return cmd
}
