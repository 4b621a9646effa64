package cli

import (
	"fmt"
)

import (
	"github.com/bdeggleston/epaxos/config"
)

import (
	logging "github.com/op/go-logging"
	"github.com/spf13/cobra"
)

// global flags, and the configuration they resolve to
type RootOptions struct {
	ConfigPath string
	LogLevel   string

	Config *config.Config
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "epaxos",
		Short: "Egalitarian Paxos replication",
		Long: `A leaderless state machine replication engine.

Replicas agree on the order of interfering commands with the
Egalitarian Paxos protocol, and apply them to a key value store.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a yaml config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level, overrides the config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// loads the config file, applies flag overrides, and sets up logging
func (o *RootOptions) load(cmd *cobra.Command) error {
	c := config.Default()
	if o.ConfigPath != "" {
		var err error
		if c, err = config.Load(o.ConfigPath); err != nil {
			return err
		}
	}
	if o.LogLevel != "" {
		if _, err := logging.LogLevel(o.LogLevel); err != nil {
			return fmt.Errorf("invalid log level %q", o.LogLevel)
		}
		c.LogLevel = o.LogLevel
	}
	o.Config = c
	SetupLogging(cmd.ErrOrStderr(), c.Level())
	return nil
}
