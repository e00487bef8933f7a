// Command pwkd is the Privacy Witness Kernel daemon and operator CLI: it
// runs the loopback Event API (daemon start) and exposes the verify,
// export, break-glass, vault, and key-management tooling a deployment
// needs around that daemon.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
