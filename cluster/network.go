package cluster

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
)

import (
	"github.com/bdeggleston/epaxos/consensus"
	"github.com/bdeggleston/epaxos/message"
	"github.com/bdeggleston/epaxos/node"
)

const inboxSize = 4096

// an in process, unreliable network between replicas. Every message
// goes through the wire codec, and messages can be lost to partitions,
// random drops, or full inboxes
type Network struct {
	lock        sync.RWMutex
	inboxes     map[node.NodeId]chan message.Message
	partitioned map[node.NodeId]bool
	dropRate    float64
	rand        *rand.Rand
	randLock    sync.Mutex

	sent    int64
	dropped int64
}

func NewNetwork(dropRate float64, seed int64) *Network {
	return &Network{
		inboxes:     make(map[node.NodeId]chan message.Message),
		partitioned: make(map[node.NodeId]bool),
		dropRate:    dropRate,
		rand:        rand.New(rand.NewSource(seed)),
	}
}

// creates the inbox for the given node, replacing
// any previous one
func (n *Network) Register(id node.NodeId) <-chan message.Message {
	n.lock.Lock()
	defer n.lock.Unlock()
	inbox := make(chan message.Message, inboxSize)
	n.inboxes[id] = inbox
	return inbox
}

// removes the node's inbox, messages sent
// to it are dropped until it registers again
func (n *Network) Unregister(id node.NodeId) {
	n.lock.Lock()
	defer n.lock.Unlock()
	delete(n.inboxes, id)
}

func (n *Network) Partition(ids ...node.NodeId) {
	n.lock.Lock()
	defer n.lock.Unlock()
	for _, id := range ids {
		n.partitioned[id] = true
	}
	logger.Infof("Partitioned %v", ids)
}

func (n *Network) Heal() {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.partitioned = make(map[node.NodeId]bool)
	logger.Info("Healed network partitions")
}

func (n *Network) SetDropRate(rate float64) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.dropRate = rate
}

// returns the number of messages sent, and the number dropped
func (n *Network) Stats() (int64, int64) {
	return atomic.LoadInt64(&n.sent), atomic.LoadInt64(&n.dropped)
}

func (n *Network) shouldDrop(rate float64) bool {
	if rate <= 0 {
		return false
	}
	n.randLock.Lock()
	defer n.randLock.Unlock()
	return n.rand.Float64() < rate
}

func (n *Network) send(from, to node.NodeId, src message.Message) error {
	b, err := message.Encode(src)
	if err != nil {
		return err
	}
	msg, err := message.Decode(b)
	if err != nil {
		return err
	}
	atomic.AddInt64(&n.sent, 1)

	n.lock.RLock()
	inbox := n.inboxes[to]
	partitioned := n.partitioned[from] || n.partitioned[to]
	rate := n.dropRate
	n.lock.RUnlock()

	if inbox == nil || partitioned || n.shouldDrop(rate) {
		atomic.AddInt64(&n.dropped, 1)
		return nil
	}
	select {
	case inbox <- msg:
	default:
		atomic.AddInt64(&n.dropped, 1)
		logger.Warningf("Inbox for %v is full, dropping %T", to, msg)
	}
	return nil
}

// returns the transport a node sends its messages with
func (n *Network) Transport(from node.NodeId) consensus.Transport {
	return &transport{network: n, from: from}
}

type transport struct {
	network *Network
	from    node.NodeId
}

func (t *transport) Send(to node.NodeId, msg message.Message) error {
	if err := t.network.send(t.from, to, msg); err != nil {
		return fmt.Errorf("send %T from %v to %v: %w", msg, t.from, to, err)
	}
	return nil
}
