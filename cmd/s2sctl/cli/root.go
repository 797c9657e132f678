package cli

import (
	"context"
	"flag"

	"github.com/peterbourgon/ff/v3/ffcli"
)

// New builds the s2sctl root command with its subcommands wired in,
// root-plus-subcommands style.
func New() *ffcli.Command {
	rootFlagSet := flag.NewFlagSet("s2sctl", flag.ExitOnError)

	return &ffcli.Command{
		Name:       "s2sctl",
		ShortUsage: "s2sctl <subcommand> [flags]",
		ShortHelp:  "Drive an S2S client transfer from the command line",
		FlagSet:    rootFlagSet,
		Subcommands: []*ffcli.Command{
			newSendCmd(),
		},
		Exec: func(ctx context.Context, args []string) error {
			return flag.ErrHelp
		},
	}
}
