package cli

import (
	"fmt"
	"os"
	"path/filepath"
)

import (
	"github.com/bdeggleston/epaxos/maelstrom"
	"github.com/bdeggleston/epaxos/node"
	"github.com/bdeggleston/epaxos/storage"
)

import (
	"github.com/spf13/cobra"
)

type ServeOptions struct {
	*RootOptions
	DataDir string
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a replica speaking the maelstrom protocol",
		Long: `Run a replica that reads maelstrom messages from stdin, and
writes them to stdout. The replica learns its id and peers from the
init message, and serves the lin-kv workload.

Example:
  maelstrom test -w lin-kv --bin ./epaxos serve --node-count 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "directory for sqlite instance databases, overrides the config file")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	c := opts.Config
	if opts.DataDir != "" {
		c.Storage.DataDir = opts.DataDir
	}

	stats, closeStats, err := c.NewStatter()
	if err != nil {
		return err
	}
	defer closeStats()

	nodeOpts := maelstrom.DefaultOptions()
	nodeOpts.Consensus = c.ToConsensus()
	nodeOpts.RequestTimeout = c.Timeouts.Request
	nodeOpts.TickInterval = c.Timeouts.Tick
	nodeOpts.Stats = stats

	var persister *storage.SQLitePersister
	if dataDir := c.Storage.DataDir; dataDir != "" {
		nodeOpts.Persistence = func(id node.NodeId) (maelstrom.Storage, error) {
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return nil, err
			}
			p, err := storage.Open(filepath.Join(dataDir, fmt.Sprintf("%v.db", id)))
			if err != nil {
				return nil, err
			}
			logger.Infof("Opened instance database for %v in %v", id, dataDir)
			persister = p
			return p, nil
		}
	}

	n := maelstrom.NewNode(cmd.OutOrStdout(), nodeOpts)
	logger.Info("Waiting for maelstrom init")
	err = n.Run(cmd.Context(), cmd.InOrStdin())
	n.Wait()
	n.Close()
	if persister != nil {
		if closeErr := persister.Close(); closeErr != nil {
			logger.Errorf("Error closing instance database: %v", closeErr)
		}
	}
	return err
}
