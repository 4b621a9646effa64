package consensus

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

import (
	"github.com/bdeggleston/epaxos/kvstore"
	"github.com/bdeggleston/epaxos/message"
	"github.com/bdeggleston/epaxos/node"
	"github.com/bdeggleston/epaxos/store"
)

import (
	"github.com/cactus/go-statsd-client/v5/statsd"
	gocheck "gopkg.in/check.v1"
)

// a message waiting in the mock network
type mockMessage struct {
	from node.NodeId
	to   node.NodeId
	msg  message.Message
}

// queues messages between managers, and only delivers
// them when a test asks it to
type mockNetwork struct {
	lock        sync.Mutex
	managers    map[node.NodeId]*Manager
	queue       []mockMessage
	partitioned map[node.NodeId]bool
	sent        []mockMessage
	rand        *rand.Rand
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{
		managers:    make(map[node.NodeId]*Manager),
		partitioned: make(map[node.NodeId]bool),
		rand:        rand.New(rand.NewSource(1)),
	}
}

type mockTransport struct {
	network *mockNetwork
	from    node.NodeId
}

// every message is round tripped through the wire codec
func (t *mockTransport) Send(to node.NodeId, src message.Message) error {
	b, err := message.Encode(src)
	if err != nil {
		return err
	}
	dst, err := message.Decode(b)
	if err != nil {
		return err
	}
	t.network.lock.Lock()
	defer t.network.lock.Unlock()
	msg := mockMessage{from: t.from, to: to, msg: dst}
	t.network.queue = append(t.network.queue, msg)
	t.network.sent = append(t.network.sent, msg)
	return nil
}

func (n *mockNetwork) transport(id node.NodeId) *mockTransport {
	return &mockTransport{network: n, from: id}
}

func (n *mockNetwork) partition(ids ...node.NodeId) {
	n.lock.Lock()
	defer n.lock.Unlock()
	for _, id := range ids {
		n.partitioned[id] = true
	}
}

func (n *mockNetwork) heal() {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.partitioned = make(map[node.NodeId]bool)
}

func (n *mockNetwork) pop(filter func(mockMessage) bool) (mockMessage, bool) {
	n.lock.Lock()
	defer n.lock.Unlock()
	for i, msg := range n.queue {
		if filter == nil || filter(msg) {
			n.queue = append(n.queue[:i], n.queue[i+1:]...)
			return msg, true
		}
	}
	return mockMessage{}, false
}

// pops a random queued message
func (n *mockNetwork) popRandom() (mockMessage, bool) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if len(n.queue) == 0 {
		return mockMessage{}, false
	}
	i := n.rand.Intn(len(n.queue))
	msg := n.queue[i]
	n.queue = append(n.queue[:i], n.queue[i+1:]...)
	return msg, true
}

func (n *mockNetwork) handle(msg mockMessage) {
	n.lock.Lock()
	dropped := n.partitioned[msg.from] || n.partitioned[msg.to]
	manager := n.managers[msg.to]
	n.lock.Unlock()
	if dropped || manager == nil {
		return
	}
	if err := manager.HandleMessage(msg.msg); err != nil {
		panic(fmt.Sprintf("error handling %T: %v", msg.msg, err))
	}
}

// delivers queued messages matching the filter, including the ones
// they cause to be sent, until there are none left. Returns the
// number of messages delivered
func (n *mockNetwork) deliver(filter func(mockMessage) bool) int {
	delivered := 0
	for i := 0; i < 100000; i++ {
		msg, ok := n.pop(filter)
		if !ok {
			return delivered
		}
		n.handle(msg)
		delivered++
	}
	panic("message delivery didn't converge")
}

func (n *mockNetwork) deliverAll() int {
	return n.deliver(nil)
}

// drops queued messages matching the filter
func (n *mockNetwork) drop(filter func(mockMessage) bool) int {
	n.lock.Lock()
	defer n.lock.Unlock()
	kept := make([]mockMessage, 0, len(n.queue))
	dropped := 0
	for _, msg := range n.queue {
		if filter(msg) {
			dropped++
		} else {
			kept = append(kept, msg)
		}
	}
	n.queue = kept
	return dropped
}

func (n *mockNetwork) queued(filter func(mockMessage) bool) []mockMessage {
	n.lock.Lock()
	defer n.lock.Unlock()
	matched := make([]mockMessage, 0)
	for _, msg := range n.queue {
		if filter == nil || filter(msg) {
			matched = append(matched, msg)
		}
	}
	return matched
}

func (n *mockNetwork) countSent(filter func(mockMessage) bool) int {
	n.lock.Lock()
	defer n.lock.Unlock()
	count := 0
	for _, msg := range n.sent {
		if filter(msg) {
			count++
		}
	}
	return count
}

func isType(mtype uint32) func(mockMessage) bool {
	return func(msg mockMessage) bool { return msg.msg.GetType() == mtype }
}

func toNode(id node.NodeId) func(mockMessage) bool {
	return func(msg mockMessage) bool { return msg.to == id }
}

func fromNode(id node.NodeId) func(mockMessage) bool {
	return func(msg mockMessage) bool { return msg.from == id }
}

func allOf(filters ...func(mockMessage) bool) func(mockMessage) bool {
	return func(msg mockMessage) bool {
		for _, f := range filters {
			if !f(msg) {
				return false
			}
		}
		return true
	}
}

func anyOf(filters ...func(mockMessage) bool) func(mockMessage) bool {
	return func(msg mockMessage) bool {
		for _, f := range filters {
			if f(msg) {
				return true
			}
		}
		return false
	}
}

func not(filter func(mockMessage) bool) func(mockMessage) bool {
	return func(msg mockMessage) bool { return !filter(msg) }
}

// manually advanced clock
type mockClock struct {
	lock sync.Mutex
	now  time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *mockClock) advance(d time.Duration) time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// kv store that records the instructions applied to it
type mockStore struct {
	*kvstore.KVStore
	lock         sync.Mutex
	instructions []store.Instruction
}

var _ store.Store = &mockStore{}

func newMockStore() *mockStore {
	return &mockStore{KVStore: kvstore.NewKVStore()}
}

func (s *mockStore) ExecuteInstruction(instruction store.Instruction) (store.Value, error) {
	s.lock.Lock()
	s.instructions = append(s.instructions, instruction)
	s.lock.Unlock()
	return s.KVStore.ExecuteInstruction(instruction)
}

// returns the args of the applied instructions
// that touched the given key
func (s *mockStore) history(key string) []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	values := make([]string, 0)
	for _, instruction := range s.instructions {
		for _, k := range instruction.Keys {
			if k == key {
				values = append(values, instruction.Args...)
			}
		}
	}
	return values
}

// records persisted instance records, and the
// values executed instances wrote, in memory
type mockPersister struct {
	lock    sync.Mutex
	records map[InstanceID]*InstanceRecord
	values  map[string][]byte
	writes  int

	// writes that lowered an instance's ballot
	ballotRegressions int
}

func newMockPersister() *mockPersister {
	return &mockPersister{
		records: make(map[InstanceID]*InstanceRecord),
		values:  make(map[string][]byte),
	}
}

var _ ExecutionPersister = &mockPersister{}

func (p *mockPersister) PersistInstance(record *InstanceRecord) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if previous, exists := p.records[record.ID]; exists && record.Ballot.Less(previous.Ballot) {
		p.ballotRegressions++
	}
	p.records[record.ID] = record
	p.writes++
	return nil
}

func (p *mockPersister) PersistExecution(record *InstanceRecord, values map[string][]byte) error {
	if err := p.PersistInstance(record); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	for key, b := range values {
		p.values[key] = b
	}
	return nil
}

// returns a store holding the persisted values
func (p *mockPersister) loadStore(c *gocheck.C) *mockStore {
	p.lock.Lock()
	defer p.lock.Unlock()
	state := newMockStore()
	c.Assert(store.Restore(state, p.values), gocheck.IsNil)
	return state
}

func (p *mockPersister) loadRecords() []*InstanceRecord {
	p.lock.Lock()
	defer p.lock.Unlock()
	records := make([]*InstanceRecord, 0, len(p.records))
	for _, record := range p.records {
		records = append(records, record)
	}
	return records
}

// implements the statter interface
// used for testing things were called internally
// guages and timers only keep the most recent value
type mockStatter struct {
	mutex    sync.RWMutex
	counters map[string]int64
	timers   map[string]int64
	guages   map[string]int64
}

var _ Statter = &mockStatter{}

func newMockStatter() *mockStatter {
	return &mockStatter{
		counters: make(map[string]int64),
		timers:   make(map[string]int64),
		guages:   make(map[string]int64),
	}
}

func (s *mockStatter) Inc(stat string, value int64, rate float32, tags ...statsd.Tag) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.counters[stat] += value
	return nil
}

func (s *mockStatter) Gauge(stat string, value int64, rate float32, tags ...statsd.Tag) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.guages[stat] = value
	return nil
}

func (s *mockStatter) Timing(stat string, delta int64, rate float32, tags ...statsd.Tag) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.timers[stat] = delta
	return nil
}

func (s *mockStatter) counter(stat string) int64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.counters[stat]
}
