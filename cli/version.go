package cli

import (
	"fmt"
)

import (
	"github.com/spf13/cobra"
)

// set at build time with -ldflags "-X github.com/bdeggleston/epaxos/cli.Version=..."
var Version = "dev"

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// doesn't need a config
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "epaxos %v\n", Version)
			return err
		},
	}
}
