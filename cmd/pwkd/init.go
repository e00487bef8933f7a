package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pwk.dev/kernel/internal/crypto"
	"pwk.dev/kernel/internal/policy"
)

type initFlags struct {
	rulesetID      string
	kernelVersion  string
	bindAddr       string
	trusteePubKeys []string
	quorumThresh   int
}

func newInitCmd(root *rootFlags) *cobra.Command {
	flags := &initFlags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "bootstrap a new data directory: device seed, config.toml, policy.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(root.dataDir, flags)
		},
	}
	cmd.Flags().StringVar(&flags.rulesetID, "ruleset-id", "baseline", "ruleset_id to stamp into this deployment's events")
	cmd.Flags().StringVar(&flags.kernelVersion, "kernel-version", "1.0.0", "kernel_version to stamp into this deployment's events")
	cmd.Flags().StringVar(&flags.bindAddr, "bind-addr", "127.0.0.1:7117", "loopback bind address for the Event API")
	cmd.Flags().StringArrayVar(&flags.trusteePubKeys, "trustee-pubkey-hex", nil, "a break-glass trustee's ed25519 public key (hex); repeat for each trustee")
	cmd.Flags().IntVar(&flags.quorumThresh, "quorum-threshold", 0, "number of trustee approvals required (defaults to all trustees)")
	return cmd
}

func runInit(dataDir string, flags *initFlags) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	seedPath := filepath.Join(dataDir, deviceSeedFileName)
	if _, err := os.Stat(seedPath); err == nil {
		return fmt.Errorf("refusing to overwrite existing device seed at %s", seedPath)
	}
	seed, err := crypto.RandomBytes(32)
	if err != nil {
		return err
	}
	if err := os.WriteFile(seedPath, seed, 0o600); err != nil {
		return fmt.Errorf("write device seed: %w", err)
	}

	daemonCfg := policy.DefaultDaemonConfig()
	daemonCfg.DataDir = dataDir
	daemonCfg.BindAddr = flags.bindAddr
	daemonCfg.BreakGlassDropDir = filepath.Join(dataDir, "breakglass", "dropbox")
	if err := writeDaemonConfigTOML(filepath.Join(dataDir, "config.toml"), daemonCfg); err != nil {
		return err
	}

	if len(flags.trusteePubKeys) == 0 {
		return fmt.Errorf("at least one --trustee-pubkey-hex is required: break-glass quorum has no valid all-zero-trustee configuration")
	}
	threshold := flags.quorumThresh
	if threshold == 0 {
		threshold = len(flags.trusteePubKeys)
	}
	if threshold < 1 || threshold > len(flags.trusteePubKeys) {
		return fmt.Errorf("quorum threshold %d invalid for %d trustees", threshold, len(flags.trusteePubKeys))
	}

	ruleset := policy.RulesetPolicy{
		RulesetID:          flags.rulesetID,
		KernelVersion:      flags.kernelVersion,
		AllowedBucketSizes: []uint32{600},
		CryptoSuite:        crypto.SuiteClassical,
		Quorum: policy.QuorumPolicy{
			TrusteePubKeysHex: flags.trusteePubKeys,
			Threshold:         threshold,
			ValidityWindow:    12,
		},
		StallTimeoutS:     600,
		MaxEventsPerBatch: 500,
		JitterS:           300,
		JitterStepS:       60,
	}
	if err := ruleset.Validate(); err != nil {
		return fmt.Errorf("generated policy.json is invalid: %w", err)
	}
	if err := writeRulesetPolicyJSON(filepath.Join(dataDir, "policy.json"), ruleset); err != nil {
		return err
	}

	if err := os.MkdirAll(daemonCfg.BreakGlassDropDir, 0o700); err != nil {
		return fmt.Errorf("create breakglass drop dir: %w", err)
	}

	fmt.Printf("initialized kernel data directory at %s\n", dataDir)
	return nil
}
