package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

import (
	"github.com/bdeggleston/epaxos/consensus"
	"github.com/bdeggleston/epaxos/node"
)

import (
	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// this replica's id. Maelstrom assigns it at init when empty
	NodeID string `yaml:"node_id"`

	// every replica in the cluster, including this one. Maelstrom
	// assigns them at init when empty
	Replicas []string `yaml:"replicas"`

	Epoch      uint32 `yaml:"epoch"`
	Thrifty    bool   `yaml:"thrifty"`
	MaxResends int    `yaml:"max_resends"`

	Timeouts Timeouts `yaml:"timeouts"`
	Statsd   Statsd   `yaml:"statsd"`
	Storage  Storage  `yaml:"storage"`

	LogLevel string `yaml:"log_level"`
}

type Timeouts struct {
	PreAccept       time.Duration `yaml:"preaccept"`
	Accept          time.Duration `yaml:"accept"`
	Prepare         time.Duration `yaml:"prepare"`
	Commit          time.Duration `yaml:"commit"`
	Execute         time.Duration `yaml:"execute"`
	ExecuteInterval time.Duration `yaml:"execute_interval"`
	Backoff         time.Duration `yaml:"backoff"`

	// how long clients wait for a command to execute
	Request time.Duration `yaml:"request"`

	// how often replicas check for timed out phases
	Tick time.Duration `yaml:"tick"`
}

type Statsd struct {
	// host:port of the statsd server, stats are discarded when empty
	Address string `yaml:"address"`
	Prefix  string `yaml:"prefix"`
}

type Storage struct {
	// directory of the sqlite instance databases,
	// instances are only kept in memory when empty
	DataDir string `yaml:"data_dir"`
}

func Default() *Config {
	defaults := consensus.DefaultConfig()
	return &Config{
		Epoch:      defaults.Epoch,
		Thrifty:    defaults.Thrifty,
		MaxResends: defaults.MaxResends,
		Timeouts: Timeouts{
			PreAccept:       defaults.PreAcceptTimeout,
			Accept:          defaults.AcceptTimeout,
			Prepare:         defaults.PrepareTimeout,
			Commit:          defaults.CommitTimeout,
			Execute:         defaults.ExecuteTimeout,
			ExecuteInterval: defaults.ExecuteInterval,
			Backoff:         defaults.Backoff,
			Request:         time.Second,
			Tick:            10 * time.Millisecond,
		},
		Statsd:   Statsd{Prefix: "epaxos"},
		LogLevel: "INFO",
	}
}

// reads the yaml file at path over the defaults. Unknown fields are errors
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	c := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(b))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if _, err := logging.LogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.MaxResends < 0 {
		return fmt.Errorf("max_resends can't be negative")
	}

	timeouts := map[string]time.Duration{
		"preaccept":        c.Timeouts.PreAccept,
		"accept":           c.Timeouts.Accept,
		"prepare":          c.Timeouts.Prepare,
		"commit":           c.Timeouts.Commit,
		"execute":          c.Timeouts.Execute,
		"execute_interval": c.Timeouts.ExecuteInterval,
		"backoff":          c.Timeouts.Backoff,
		"request":          c.Timeouts.Request,
		"tick":             c.Timeouts.Tick,
	}
	for name, timeout := range timeouts {
		if timeout <= 0 {
			return fmt.Errorf("timeouts.%v must be positive, got %v", name, timeout)
		}
	}

	if len(c.Replicas) == 0 {
		return nil
	}
	if err := ValidateClusterSize(len(c.Replicas)); err != nil {
		return err
	}
	ids := c.ReplicaIds()
	if err := node.ValidateIds(ids); err != nil {
		return err
	}
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required when replicas are listed")
	}
	for _, id := range ids {
		if id == node.NodeId(c.NodeID) {
			return nil
		}
	}
	return fmt.Errorf("node_id %v is not in the replica list", c.NodeID)
}

// clusters tolerate f failures with 2f+1 replicas
func ValidateClusterSize(size int) error {
	if size < 3 || size%2 == 0 {
		return fmt.Errorf("cluster size must be odd and at least 3, got %v", size)
	}
	return nil
}

func (c *Config) ReplicaIds() []node.NodeId {
	ids := make([]node.NodeId, len(c.Replicas))
	for i, replica := range c.Replicas {
		ids[i] = node.NodeId(replica)
	}
	return ids
}

func (c *Config) ToConsensus() consensus.Config {
	return consensus.Config{
		Epoch:            c.Epoch,
		Thrifty:          c.Thrifty,
		PreAcceptTimeout: c.Timeouts.PreAccept,
		AcceptTimeout:    c.Timeouts.Accept,
		PrepareTimeout:   c.Timeouts.Prepare,
		MaxResends:       c.MaxResends,
		CommitTimeout:    c.Timeouts.Commit,
		ExecuteTimeout:   c.Timeouts.Execute,
		ExecuteInterval:  c.Timeouts.ExecuteInterval,
		Backoff:          c.Timeouts.Backoff,
	}
}

func (c *Config) Level() logging.Level {
	level, err := logging.LogLevel(c.LogLevel)
	if err != nil {
		return logging.INFO
	}
	return level
}

// returns a statsd client for the configured address, or a
// statter that discards everything when there isn't one.
// The returned close function must be called on shutdown
func (c *Config) NewStatter() (consensus.Statter, func() error, error) {
	if c.Statsd.Address == "" {
		return consensus.NewNoopStatter(), func() error { return nil }, nil
	}
	client, err := statsd.NewClientWithConfig(&statsd.ClientConfig{
		Address: c.Statsd.Address,
		Prefix:  c.Statsd.Prefix,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create statsd client: %w", err)
	}
	return client, client.Close, nil
}

func (c *Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("Config{%v}", err)
	}
	return string(b)
}
