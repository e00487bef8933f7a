package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pwk.dev/kernel/internal/crypto"
)

func newVerifyCmd(root *rootFlags) *cobra.Command {
	var fromSeq uint64
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "walk the sealed log from a given seq and report the first divergence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(root.dataDir, fromSeq)
		},
	}
	cmd.Flags().Uint64Var(&fromSeq, "from-seq", 0, "sequence number to start verification from")
	return cmd
}

func runVerify(dataDir string, fromSeq uint64) error {
	env, err := openKernelEnv(dataDir)
	if err != nil {
		return err
	}
	defer env.close()

	pub := env.kernel.PublicKey()
	divergence, err := env.log.Verify(fromSeq, func(digest crypto.Digest, sig []byte) bool {
		return crypto.Verify(pub, digest, sig)
	})
	if err != nil {
		return err
	}
	if divergence != nil {
		fmt.Printf("DIVERGED at seq=%d: %s\n", divergence.Seq, divergence.Reason)
		return fmt.Errorf("chain verification failed")
	}
	fmt.Println("OK")
	return nil
}
