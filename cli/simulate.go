package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

import (
	"github.com/bdeggleston/epaxos/cluster"
	"github.com/bdeggleston/epaxos/config"
	"github.com/bdeggleston/epaxos/consensus"
	"github.com/bdeggleston/epaxos/kvstore"
)

import (
	"github.com/spf13/cobra"
)

type SimulateOptions struct {
	*RootOptions
	Replicas    int
	Commands    int
	Keys        int
	DropRate    float64
	Concurrency int
	Seed        int64
	Timeout     time.Duration
	DataDir     string
}

func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a workload against an in-process cluster",
		Long: `Start an in-process cluster connected by a simulated network,
run a random read, write and compare-and-set workload against it, and
check that every replica executed the same writes in the same order.

Example:
  epaxos simulate --replicas 5 --commands 1000 --drop-rate 0.05`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			return runSimulate(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.Replicas, "replicas", "n", 5, "number of replicas")
	flags.IntVar(&opts.Commands, "commands", 500, "number of commands to run")
	flags.IntVar(&opts.Keys, "keys", 10, "number of distinct keys")
	flags.Float64Var(&opts.DropRate, "drop-rate", 0, "probability that a message is lost")
	flags.IntVar(&opts.Concurrency, "concurrency", 10, "number of concurrent clients")
	flags.Int64Var(&opts.Seed, "seed", 1, "random seed for the workload and network")
	flags.DurationVar(&opts.Timeout, "timeout", time.Minute, "how long to wait for the cluster to converge")
	flags.StringVar(&opts.DataDir, "data-dir", "", "persist replica logs to sqlite databases in this directory")

	return cmd
}

func (o *SimulateOptions) validate() error {
	if err := config.ValidateClusterSize(o.Replicas); err != nil {
		return err
	}
	switch {
	case o.Commands < 0:
		return fmt.Errorf("commands must not be negative")
	case o.Keys < 1:
		return fmt.Errorf("keys must be at least 1")
	case o.Concurrency < 1:
		return fmt.Errorf("concurrency must be at least 1")
	case o.DropRate < 0 || o.DropRate >= 1:
		return fmt.Errorf("drop-rate must be in [0, 1)")
	case o.Timeout <= 0:
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

type simulationResult struct {
	succeeded int64
	rejected  int64
	failed    int64
}

func runSimulate(ctx context.Context, out io.Writer, opts *SimulateOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	stats, closeStats, err := opts.Config.NewStatter()
	if err != nil {
		return err
	}
	defer closeStats()

	if opts.DataDir != "" {
		if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
			return err
		}
	}

	clusterOpts := cluster.DefaultOptions()
	clusterOpts.Size = opts.Replicas
	clusterOpts.Consensus = opts.Config.ToConsensus()
	clusterOpts.DropRate = opts.DropRate
	clusterOpts.Seed = opts.Seed
	clusterOpts.DataDir = opts.DataDir
	clusterOpts.TickInterval = opts.Config.Timeouts.Tick
	clusterOpts.Stats = stats

	c, err := cluster.NewCluster(clusterOpts)
	if err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	start := time.Now()
	result := runWorkload(ctx, c, opts)
	logger.Infof("Workload finished in %v", time.Since(start))

	// let everything that was lost in flight get recovered
	c.Network().SetDropRate(0)
	c.Network().Heal()
	convergeCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := c.Barrier(convergeCtx); err != nil {
		return err
	}
	convergeErr := c.WaitForConvergence(convergeCtx)

	sent, dropped := c.Network().Stats()
	fmt.Fprintf(out, "replicas:   %v\n", opts.Replicas)
	fmt.Fprintf(out, "commands:   %v succeeded, %v rejected, %v failed\n", result.succeeded, result.rejected, result.failed)
	fmt.Fprintf(out, "messages:   %v sent, %v dropped\n", sent, dropped)
	fmt.Fprintf(out, "elapsed:    %v\n", time.Since(start).Round(time.Millisecond))
	if convergeErr != nil {
		fmt.Fprintf(out, "histories:  DIVERGED\n")
		return convergeErr
	}
	fmt.Fprintf(out, "histories:  consistent\n")
	return nil
}

// runs opts.Commands random commands through random replicas
func runWorkload(ctx context.Context, c *cluster.Cluster, opts *SimulateOptions) simulationResult {
	var result simulationResult
	var remaining = int64(opts.Commands)
	var wg sync.WaitGroup

	for w := 0; w < opts.Concurrency; w++ {
		wg.Add(1)
		go func(r *rand.Rand) {
			defer wg.Done()
			for atomic.AddInt64(&remaining, -1) >= 0 {
				n := c.Node(r.Intn(c.Size()))
				cmd := randomCommand(r, opts.Keys)
				reqCtx, cancel := context.WithTimeout(ctx, opts.Config.Timeouts.Request)
				_, err := n.Execute(reqCtx, cmd)
				cancel()

				var keyErr *kvstore.KeyError
				var preconditionErr *kvstore.PreconditionError
				switch {
				case err == nil:
					atomic.AddInt64(&result.succeeded, 1)
				case errors.As(err, &keyErr), errors.As(err, &preconditionErr):
					atomic.AddInt64(&result.rejected, 1)
				default:
					logger.Debugf("Command %v on %v failed: %v", cmd, n.GetId(), err)
					atomic.AddInt64(&result.failed, 1)
				}
			}
		}(rand.New(rand.NewSource(opts.Seed + int64(w))))
	}
	wg.Wait()
	return result
}

func randomCommand(r *rand.Rand, keys int) *consensus.Command {
	key := fmt.Sprintf("k%v", r.Intn(keys))
	switch n := r.Intn(10); {
	case n < 4:
		return consensus.NewCommand(kvstore.GET, []string{key}, nil, true)
	case n < 8:
		return consensus.NewCommand(kvstore.SET, []string{key}, []string{fmt.Sprint(r.Intn(5))}, false)
	default:
		from, to := fmt.Sprint(r.Intn(5)), fmt.Sprint(r.Intn(5))
		return consensus.NewCommand(kvstore.CAS, []string{key}, []string{from, to}, false)
	}
}
