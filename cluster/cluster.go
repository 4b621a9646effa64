package cluster

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

import (
	"github.com/bdeggleston/epaxos/consensus"
	"github.com/bdeggleston/epaxos/kvstore"
	"github.com/bdeggleston/epaxos/node"
	"github.com/bdeggleston/epaxos/storage"
	"github.com/bdeggleston/epaxos/store"
)

type Options struct {
	// number of replicas
	Size int

	Consensus consensus.Config

	// probability that any message is lost
	DropRate float64

	// seeds message drops
	Seed int64

	// when set, each node persists its log to a
	// sqlite database in this directory
	DataDir string

	TickInterval time.Duration

	Stats consensus.Statter
}

func DefaultOptions() Options {
	return Options{
		Size:         3,
		Consensus:    consensus.DefaultConfig(),
		Seed:         1,
		TickInterval: 10 * time.Millisecond,
	}
}

// persistence a node can be restarted from
type nodePersister interface {
	consensus.ExecutionPersister
	LoadInstances() ([]*consensus.InstanceRecord, error)
	LoadValues() (map[string][]byte, error)
	Close() error
}

// keeps the latest record of each instance, and
// the values executed instances wrote, in memory
type memoryPersister struct {
	lock    sync.Mutex
	records map[consensus.InstanceID]*consensus.InstanceRecord
	values  map[string][]byte
}

var _ nodePersister = &memoryPersister{}

func newMemoryPersister() *memoryPersister {
	return &memoryPersister{
		records: make(map[consensus.InstanceID]*consensus.InstanceRecord),
		values:  make(map[string][]byte),
	}
}

func (p *memoryPersister) PersistInstance(record *consensus.InstanceRecord) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.records[record.ID] = record
	return nil
}

func (p *memoryPersister) PersistExecution(record *consensus.InstanceRecord, values map[string][]byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.records[record.ID] = record
	for key, value := range values {
		p.values[key] = value
	}
	return nil
}

func (p *memoryPersister) LoadValues() (map[string][]byte, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	values := make(map[string][]byte, len(p.values))
	for key, value := range p.values {
		values[key] = value
	}
	return values, nil
}

func (p *memoryPersister) LoadInstances() ([]*consensus.InstanceRecord, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	records := make([]*consensus.InstanceRecord, 0, len(p.records))
	for _, record := range p.records {
		records = append(records, record)
	}
	return records, nil
}

func (p *memoryPersister) Close() error { return nil }

// a set of in process replicas connected by a Network
type Cluster struct {
	opts       Options
	ids        []node.NodeId
	network    *Network
	nodes      []*Node
	persisters []nodePersister
	started    bool
}

func NewCluster(opts Options) (*Cluster, error) {
	if opts.Size < 1 {
		return nil, fmt.Errorf("cluster size must be positive, got %v", opts.Size)
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultOptions().TickInterval
	}
	c := &Cluster{
		opts:       opts,
		ids:        make([]node.NodeId, opts.Size),
		network:    NewNetwork(opts.DropRate, opts.Seed),
		nodes:      make([]*Node, opts.Size),
		persisters: make([]nodePersister, opts.Size),
	}
	for i := range c.ids {
		c.ids[i] = node.NodeId(fmt.Sprintf("n%v", i+1))
	}
	for i := range c.ids {
		persister, err := c.openPersister(i)
		if err != nil {
			c.closePersisters()
			return nil, err
		}
		c.persisters[i] = persister
		if c.nodes[i], err = c.newNode(i, nil); err != nil {
			c.closePersisters()
			return nil, err
		}
	}
	return c, nil
}

func (c *Cluster) openPersister(i int) (nodePersister, error) {
	if c.opts.DataDir == "" {
		return newMemoryPersister(), nil
	}
	return storage.Open(filepath.Join(c.opts.DataDir, fmt.Sprintf("%v.db", c.ids[i])))
}

func (c *Cluster) closePersisters() {
	for _, persister := range c.persisters {
		if persister == nil {
			continue
		}
		if err := persister.Close(); err != nil {
			logger.Errorf("Error closing persister: %v", err)
		}
	}
}

func (c *Cluster) newNode(i int, restored *Snapshot) (*Node, error) {
	return NewNode(c.ids[i], c.ids, c.network, c.opts.Consensus, c.persisters[i], restored, c.opts.Stats)
}

func (c *Cluster) Start() {
	for _, n := range c.nodes {
		n.Start(c.opts.TickInterval)
	}
	c.started = true
}

func (c *Cluster) Stop() {
	if c.started {
		for _, n := range c.nodes {
			n.Stop()
		}
		c.started = false
	}
	c.closePersisters()
}

func (c *Cluster) Size() int { return len(c.nodes) }

func (c *Cluster) Node(i int) *Node { return c.nodes[i] }

func (c *Cluster) Nodes() []*Node { return c.nodes }

func (c *Cluster) Network() *Network { return c.network }

func (c *Cluster) Ids() []node.NodeId { return c.ids }

// stops the node, and starts a new one from its persisted log and
// values. Executed instances aren't applied again, the new node only
// executes what was committed but not executed before the restart
func (c *Cluster) Restart(i int) error {
	previous := c.nodes[i]
	previous.Stop()

	persister := c.persisters[i]
	if c.opts.DataDir != "" {
		if err := persister.Close(); err != nil {
			return err
		}
		var err error
		if persister, err = c.openPersister(i); err != nil {
			return err
		}
		c.persisters[i] = persister
	}
	records, err := persister.LoadInstances()
	if err != nil {
		return err
	}
	values, err := persister.LoadValues()
	if err != nil {
		return err
	}
	n, err := c.newNode(i, &Snapshot{Records: records, Values: values, History: previous.History()})
	if err != nil {
		return err
	}
	c.nodes[i] = n
	if c.started {
		n.Start(c.opts.TickInterval)
	}
	logger.Infof("Restarted node %v with %v instances and %v values", c.ids[i], len(records), len(values))
	return nil
}

// returns each node's per key write history
func (c *Cluster) Histories() map[string]map[string][]string {
	histories := make(map[string]map[string][]string, len(c.nodes))
	for _, n := range c.nodes {
		histories[string(n.GetId())] = n.History()
	}
	return histories
}

// checks that interfering writes were applied in the same
// order everywhere
func (c *Cluster) Verify() error {
	return CompareHistories(c.Histories())
}

// true if every node has committed and executed everything it knows
// about, applied the same number of writes to each key, and holds
// the same values
func (c *Cluster) converged() bool {
	if !c.storesEqual() {
		return false
	}
	var expected map[string][]string
	for _, n := range c.nodes {
		log := n.Manager().Log()
		if log.UncommittedCount() > 0 || log.PendingCount() > 0 {
			return false
		}
		history := n.History()
		if expected == nil {
			expected = history
			continue
		}
		if len(history) != len(expected) {
			return false
		}
		for key, entries := range history {
			if len(entries) != len(expected[key]) {
				return false
			}
		}
	}
	return true
}

// compares the serialized contents of every node's store
func (c *Cluster) storesEqual() bool {
	var expected map[string][]byte
	for _, n := range c.nodes {
		values, err := store.SnapshotAll(n.Store())
		if err != nil {
			logger.Warningf("Failed reading the store of %v: %v", n.GetId(), err)
			return false
		}
		if expected == nil {
			expected = values
			continue
		}
		if len(values) != len(expected) {
			return false
		}
		for key, value := range values {
			if !bytes.Equal(value, expected[key]) {
				return false
			}
		}
	}
	return true
}

// waits until every node has executed the same commands, then
// checks their execution order
func (c *Cluster) WaitForConvergence(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !c.converged() {
		select {
		case <-ctx.Done():
			if err := c.Verify(); err != nil {
				return err
			}
			return fmt.Errorf("cluster didn't converge: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return c.Verify()
}

// runs a barrier through every node. A barrier interferes with every
// command, so once it executes, each node has executed everything
// committed before it
func (c *Cluster) Barrier(ctx context.Context) error {
	for _, n := range c.nodes {
		if _, err := n.Execute(ctx, consensus.NewCommand(kvstore.BARRIER, nil, nil, false)); err != nil {
			return fmt.Errorf("barrier on %v: %w", n.GetId(), err)
		}
	}
	return nil
}
