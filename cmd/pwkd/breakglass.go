package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newBreakGlassCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "breakglass", Short: "break-glass quorum: request, approve, and inspect authorization"}
	cmd.AddCommand(
		newBreakGlassRequestCmd(root),
		newBreakGlassApproveCmd(root),
		newBreakGlassStatusCmd(root),
	)
	return cmd
}

func newBreakGlassRequestCmd(root *rootFlags) *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "request",
		Short: `open a break-glass request for a subject ("vault:<envelope_id>" or "export:<from>-<to>")`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("missing required flag: --subject")
			}
			env, err := openKernelEnv(root.dataDir)
			if err != nil {
				return err
			}
			defer env.close()

			req, err := env.quorum.Request(subject, env.currentBucket())
			if err != nil {
				return err
			}
			fmt.Printf("request_id=%s expires_bucket=%d\n", req.RequestID, req.ExpiresBucket)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", `subject string, e.g. "vault:<envelope_id>" or "export:1700000000-1700003600"`)
	return cmd
}

func newBreakGlassApproveCmd(root *rootFlags) *cobra.Command {
	var requestID, trusteePubHex, signatureHex string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "record one trustee's approval of a break-glass request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestID == "" || trusteePubHex == "" || signatureHex == "" {
				return fmt.Errorf("missing required flags: --request-id --trustee-pubkey-hex --signature-hex")
			}
			pub, err := hex.DecodeString(trusteePubHex)
			if err != nil {
				return fmt.Errorf("trustee-pubkey-hex: %w", err)
			}
			sig, err := hex.DecodeString(signatureHex)
			if err != nil {
				return fmt.Errorf("signature-hex: %w", err)
			}

			env, err := openKernelEnv(root.dataDir)
			if err != nil {
				return err
			}
			defer env.close()

			req, err := env.quorum.Approve(requestID, pub, sig, env.currentBucket())
			if err != nil {
				return err
			}
			fmt.Printf("state=%s approvals=%d\n", req.State, len(req.Approvals))
			if req.Token != nil {
				tokenJSON, mErr := json.Marshal(req.Token)
				if mErr != nil {
					return mErr
				}
				fmt.Println(string(tokenJSON))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&requestID, "request-id", "", "break-glass request id")
	cmd.Flags().StringVar(&trusteePubHex, "trustee-pubkey-hex", "", "approving trustee's ed25519 public key (hex)")
	cmd.Flags().StringVar(&signatureHex, "signature-hex", "", `signature over H("pwk:bg-req" || request_id) (hex)`)
	return cmd
}

func newBreakGlassStatusCmd(root *rootFlags) *cobra.Command {
	var requestID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print a break-glass request's current state and transition history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestID == "" {
				return fmt.Errorf("missing required flag: --request-id")
			}
			env, err := openKernelEnv(root.dataDir)
			if err != nil {
				return err
			}
			defer env.close()

			req, ok := env.quorum.Snapshot(requestID)
			if !ok {
				return fmt.Errorf("unknown break-glass request %s", requestID)
			}
			fmt.Printf("state=%s approvals=%d expires_bucket=%d\n", req.State, len(req.Approvals), req.ExpiresBucket)

			history, err := env.quorum.History(requestID)
			if err != nil {
				return err
			}
			for _, t := range history {
				fmt.Printf("  %s\n", t.Kind)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&requestID, "request-id", "", "break-glass request id")
	return cmd
}
