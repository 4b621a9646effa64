package cluster

import (
	"context"
	"sync"
	"time"
)

import (
	"github.com/bdeggleston/epaxos/consensus"
	"github.com/bdeggleston/epaxos/message"
	"github.com/bdeggleston/epaxos/node"
	"github.com/bdeggleston/epaxos/store"
)

import (
	logging "github.com/op/go-logging"
)

var logger = logging.MustGetLogger("cluster")

// a replica running in process: a consensus manager and executor
// applying commands to a kv store, fed by a network inbox
type Node struct {
	id       node.NodeId
	manager  *consensus.Manager
	executor *consensus.Executor
	store    *recordingStore
	network  *Network
	inbox    <-chan message.Message

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// what a restarted node picks up from the node it replaces
type Snapshot struct {
	Records []*consensus.InstanceRecord

	// serialized values written by executed instances
	Values map[string][]byte

	// writes applied before the restart, kept
	// so histories can still be compared
	History map[string][]string
}

// creates a node and registers it with the network. A restored node
// loads the snapshot's values into its store and its records into its
// log. Committed records that weren't executed run once it starts
func NewNode(
	id node.NodeId,
	replicas []node.NodeId,
	network *Network,
	config consensus.Config,
	persister consensus.Persister,
	restored *Snapshot,
	stats consensus.Statter,
) (*Node, error) {
	state := newRecordingStore()
	log := consensus.NewInstanceLog(persister)
	if restored != nil {
		if err := store.Restore(state, restored.Values); err != nil {
			return nil, err
		}
		state.seed(restored.History)
		log.Load(restored.Records)
	}
	manager, err := consensus.NewManager(id, replicas, log, network.Transport(id), config, stats)
	if err != nil {
		return nil, err
	}
	if err := state.Start(); err != nil {
		return nil, err
	}
	return &Node{
		id:       id,
		manager:  manager,
		executor: consensus.NewExecutor(manager, state, stats),
		store:    state,
		network:  network,
		inbox:    network.Register(id),
	}, nil
}

func (n *Node) GetId() node.NodeId { return n.id }

func (n *Node) Manager() *consensus.Manager { return n.manager }

func (n *Node) Store() store.Store { return n.store }

// returns the order writes were applied to each key
func (n *Node) History() map[string][]string { return n.store.history() }

// starts the message, tick and execution loops
func (n *Node) Start(tickInterval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		n.receive(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.manager.Start(ctx, tickInterval)
	}()
	go func() {
		defer n.wg.Done()
		n.executor.Start(ctx)
	}()
	logger.Infof("Started node %v", n.id)
}

func (n *Node) receive(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.inbox:
			if err := n.manager.HandleMessage(msg); err != nil {
				logger.Warningf("Node %v failed handling %T: %v", n.id, msg, err)
			}
		}
	}
}

// stops the node's loops, and fails waiting clients
func (n *Node) Stop() {
	n.network.Unregister(n.id)
	n.manager.Stop()
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	if err := n.store.Stop(); err != nil {
		logger.Warningf("Node %v failed stopping its store: %v", n.id, err)
	}
	logger.Infof("Stopped node %v", n.id)
}

// proposes the command and waits for its result
func (n *Node) Execute(ctx context.Context, cmd *consensus.Command) (store.Value, error) {
	return n.manager.Execute(ctx, cmd)
}
