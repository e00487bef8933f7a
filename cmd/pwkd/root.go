package main

import (
	"github.com/spf13/cobra"

	"pwk.dev/kernel/internal/policy"
)

// rootFlags are the flags every subcommand needs to locate a deployment: a
// single data directory holding config.toml, policy.json, the device seed,
// and every on-disk component.
type rootFlags struct {
	dataDir string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "pwkd",
		Short:         "Privacy Witness Kernel daemon and operator CLI",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&flags.dataDir, "datadir", policy.DefaultDataDir(), "kernel data directory")

	cmd.AddCommand(
		newInitCmd(flags),
		newDaemonCmd(flags),
		newVerifyCmd(flags),
		newKeymgrCmd(flags),
		newExportCmd(flags),
		newBreakGlassCmd(flags),
		newVaultCmd(flags),
	)
	return cmd
}
