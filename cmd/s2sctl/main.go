// Command s2sctl is a thin CLI wrapper over the s2s client: it wires a
// Config from flags, opens one transaction, sends one packet whose
// payload is read from stdin or a file, and reports the TransactionResult. It exists
// to exercise the core end to end, not to add behavior of its own.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/myelnet/s2s/cmd/s2sctl/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	root := cli.New()
	if err := root.ParseAndRun(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "s2sctl:", err)
		os.Exit(1)
	}
}
