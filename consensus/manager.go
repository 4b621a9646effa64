package consensus

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

import (
	"github.com/bdeggleston/epaxos/message"
	"github.com/bdeggleston/epaxos/node"
	"github.com/bdeggleston/epaxos/store"
)

import (
	"github.com/google/uuid"
)

// the result of applying a command to the state machine
type ExecuteResult struct {
	Value store.Value
	Err   error
}

// a message waiting to be sent once locks are released
type envelope struct {
	to  node.NodeId
	msg message.Message
}

type outbox []envelope

// replica level manager for consensus operations
type Manager struct {
	statsRecorder

	id       node.NodeId
	replicas []node.NodeId
	peers    []node.NodeId
	quorum   Quorum
	config   Config

	log       *InstanceLog
	transport Transport

	// guards the fields below. Acquired after instance locks
	lock sync.Mutex

	// instances with an outstanding tracker
	active InstanceIDSet

	// command id -> client waiting on its result
	waiters map[uuid.UUID]chan ExecuteResult

	// instance id -> id of the command this replica proposed in it
	proposed map[InstanceID]uuid.UUID

	rand    *rand.Rand
	stopped bool

	// signaled when an instance is committed
	commitNotify chan struct{}

	now func() time.Time
}

func NewManager(id node.NodeId, replicas []node.NodeId, log *InstanceLog, transport Transport, config Config, stats Statter) (*Manager, error) {
	if err := node.ValidateIds(replicas); err != nil {
		return nil, err
	}
	peers := make([]node.NodeId, 0, len(replicas))
	found := false
	for _, replica := range replicas {
		if replica == id {
			found = true
		} else {
			peers = append(peers, replica)
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %v is not in the replica set", ErrUnknownReplica, id)
	}
	if stats == nil {
		stats = NewNoopStatter()
	}
	if log == nil {
		log = NewInstanceLog(nil)
	}

	sorted := make([]node.NodeId, len(replicas))
	copy(sorted, replicas)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return &Manager{
		statsRecorder: statsRecorder{stats: stats},
		id:            id,
		replicas:      sorted,
		peers:         peers,
		quorum:        NewQuorum(len(replicas)),
		config:        config,
		log:           log,
		transport:     transport,
		active:        NewSizedInstanceIDSet(0),
		waiters:       make(map[uuid.UUID]chan ExecuteResult),
		proposed:      make(map[InstanceID]uuid.UUID),
		rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
		commitNotify:  make(chan struct{}, 1),
		now:           time.Now,
	}, nil
}

func (m *Manager) GetLocalID() node.NodeId {
	return m.id
}

func (m *Manager) Replicas() []node.NodeId {
	return m.replicas
}

func (m *Manager) Quorum() Quorum {
	return m.quorum
}

func (m *Manager) Log() *InstanceLog {
	return m.log
}

// returns the channel signaled when instances are committed
func (m *Manager) CommitNotifications() <-chan struct{} {
	return m.commitNotify
}

func (m *Manager) notifyCommit() {
	select {
	case m.commitNotify <- struct{}{}:
	default:
	}
}

func (m *Manager) send(out outbox) {
	for _, env := range out {
		if err := m.transport.Send(env.to, env.msg); err != nil {
			m.statsInc("message.send.error", 1)
			logger.Warningf("Error sending %T to %v: %v", env.msg, env.to, err)
		}
	}
}

// returns a random duration between d and 2d
func (m *Manager) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	return d + time.Duration(m.rand.Int63n(int64(d)))
}

// returns n randomly selected peers
func (m *Manager) selectPeers(n int) []node.NodeId {
	if n >= len(m.peers) {
		return m.peers
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	selected := make([]node.NodeId, 0, n)
	for _, i := range m.rand.Perm(len(m.peers))[:n] {
		selected = append(selected, m.peers[i])
	}
	return selected
}

// sets the given tracker on the instance, and marks the
// instance as having outstanding requests. The caller must
// hold the instance lock
func (m *Manager) setTrackerUnsafe(instance *Instance, t *tracker) {
	instance.tracker = t
	m.lock.Lock()
	defer m.lock.Unlock()
	if t != nil {
		m.active.Add(instance.ID)
	} else {
		m.active.Remove(instance.ID)
	}
}

// resets the time this replica will wait before
// recovering an uncommitted instance
func (m *Manager) touchUnsafe(instance *Instance) {
	instance.commitTimeout = m.now().Add(m.jitter(m.config.CommitTimeout))
}

// ----------- message dispatch -----------

func (m *Manager) HandleMessage(msg message.Message) error {
	m.lock.Lock()
	stopped := m.stopped
	m.lock.Unlock()
	if stopped {
		return ErrManagerStopped
	}

	switch msg := msg.(type) {
	case *PreAcceptRequest:
		m.HandlePreAccept(msg)
	case *PreAcceptResponse:
		m.HandlePreAcceptResponse(msg)
	case *AcceptRequest:
		m.HandleAccept(msg)
	case *AcceptResponse:
		m.HandleAcceptResponse(msg)
	case *CommitRequest:
		m.HandleCommit(msg)
	case *PrepareRequest:
		m.HandlePrepare(msg)
	case *PrepareResponse:
		m.HandlePrepareResponse(msg)
	case *TryPreAcceptRequest:
		m.HandleTryPreAccept(msg)
	case *TryPreAcceptResponse:
		m.HandleTryPreAcceptResponse(msg)
	default:
		return fmt.Errorf("Unhandled message type: %T", msg)
	}
	return nil
}

// ----------- client api -----------

// starts agreement on the given command in a new instance
// led by this replica, and returns the instance's id
func (m *Manager) ProposeCommand(cmd *Command) (InstanceID, error) {
	m.lock.Lock()
	stopped := m.stopped
	m.lock.Unlock()
	if stopped {
		return InstanceID{}, ErrManagerStopped
	}

	m.statsInc("propose.count", 1)
	instance := m.log.Next(m.id)
	if cmd != nil {
		m.lock.Lock()
		m.proposed[instance.ID] = cmd.ID
		m.lock.Unlock()
	}

	instance.lock.Lock()
	ballot := InitialBallot(m.config.Epoch, m.id)
	out, err := m.startPreAcceptUnsafe(instance, ballot, cmd, 0, nil)
	instance.lock.Unlock()
	m.send(out)

	if err != nil {
		return instance.ID, err
	}
	logger.Debugf("Proposed %v in instance %v", cmd, instance.ID)
	return instance.ID, nil
}

// proposes the command and waits for the state machine result
func (m *Manager) Execute(ctx context.Context, cmd *Command) (store.Value, error) {
	if cmd == nil {
		return nil, fmt.Errorf("cannot execute a nil command")
	}
	resultChan := make(chan ExecuteResult, 1)
	m.lock.Lock()
	m.waiters[cmd.ID] = resultChan
	m.lock.Unlock()

	removeWaiter := func() {
		m.lock.Lock()
		delete(m.waiters, cmd.ID)
		m.lock.Unlock()
	}

	id, err := m.ProposeCommand(cmd)
	if err != nil {
		removeWaiter()
		return nil, err
	}

	select {
	case result := <-resultChan:
		return result.Value, result.Err
	case <-ctx.Done():
		removeWaiter()
		m.statsInc("execute.timeout.count", 1)
		return nil, NewTimeoutError("timed out waiting on instance %v: %v", id, ctx.Err())
	}
}

// delivers a command result to a waiting client
func (m *Manager) reportResult(cmdID uuid.UUID, result ExecuteResult) {
	m.lock.Lock()
	resultChan, exists := m.waiters[cmdID]
	delete(m.waiters, cmdID)
	m.lock.Unlock()
	if exists {
		resultChan <- result
	}
}

// called by the executor once a command has been applied
func (m *Manager) commandExecuted(instance *Instance, cmd *Command, value store.Value, err error) {
	if cmd == nil {
		return
	}
	m.lock.Lock()
	delete(m.proposed, instance.ID)
	m.lock.Unlock()
	m.reportResult(cmd.ID, ExecuteResult{Value: value, Err: err})
}

// fails pending clients and rejects further work
func (m *Manager) Stop() {
	m.lock.Lock()
	m.stopped = true
	waiters := m.waiters
	m.waiters = make(map[uuid.UUID]chan ExecuteResult)
	m.lock.Unlock()

	for _, resultChan := range waiters {
		resultChan <- ExecuteResult{Err: ErrManagerStopped}
	}
}

// ----------- timeouts -----------

// drives phase timeouts and recovery of stalled instances
func (m *Manager) Tick(now time.Time) {
	m.lock.Lock()
	if m.stopped {
		m.lock.Unlock()
		return
	}
	active := m.active.List()
	m.lock.Unlock()

	for _, id := range active {
		instance := m.log.Get(id)
		if instance == nil {
			continue
		}
		instance.lock.Lock()
		out := m.tickInstanceUnsafe(instance, now)
		instance.lock.Unlock()
		m.send(out)
	}

	for _, id := range m.log.uncommittedIDs() {
		instance := m.log.Get(id)
		if instance == nil {
			continue
		}
		instance.lock.Lock()
		var out outbox
		if instance.tracker == nil && !instance.isCommitted() && now.After(instance.commitTimeout) {
			m.statsInc("commit.timeout.count", 1)
			logger.Infof("Commit timeout for instance %v, starting recovery", id)
			out = m.startPrepareUnsafe(instance)
		}
		instance.lock.Unlock()
		m.send(out)
	}
}

// calls Tick every interval until the context is cancelled
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Tick(now)
		}
	}
}

func (m *Manager) tickInstanceUnsafe(instance *Instance, now time.Time) outbox {
	t := instance.tracker
	if t == nil || instance.isCommitted() {
		m.setTrackerUnsafe(instance, nil)
		return nil
	}
	if t.phase != PHASE_BACKOFF && m.supersededUnsafe(instance, t) {
		return nil
	}
	if now.Before(t.deadline) {
		return nil
	}

	switch t.phase {
	case PHASE_BACKOFF:
		return m.startPrepareUnsafe(instance)
	case PHASE_PREACCEPT:
		// the fast path didn't complete in time, fall back
		// on the slow path if a quorum replied
		if m.quorum.HasSlowQuorum(len(t.replies) + 1) {
			m.statsInc("preaccept.timeout.slow.count", 1)
			seq, deps := m.mergePreAcceptAttributesUnsafe(instance, t)
			out, err := m.startAcceptUnsafe(instance, t.ballot, instance.Command, seq, deps)
			if err != nil {
				logger.Errorf("Error starting accept for %v: %v", instance.ID, err)
			}
			return out
		}
	}

	if t.attempts < m.config.MaxResends {
		return m.resendUnsafe(instance, t, now)
	}
	m.statsInc(fmt.Sprintf("%v.timeout.count", t.phase), 1)
	logger.Infof("%v timeout for instance %v, starting recovery", t.phase, instance.ID)
	return m.startPrepareUnsafe(instance)
}

// resends the current phase's request to every replica
// that hasn't replied yet
func (m *Manager) resendUnsafe(instance *Instance, t *tracker, now time.Time) outbox {
	t.attempts++
	m.statsInc(fmt.Sprintf("%v.message.resend.count", t.phase), 1)

	var msg message.Message
	var timeout time.Duration
	header := messageHeader{From: m.id, ID: instance.ID, Ballot: t.ballot}
	switch t.phase {
	case PHASE_PREACCEPT:
		msg = &PreAcceptRequest{messageHeader: header, instanceAttributes: newAttributes(instance)}
		timeout = m.config.PreAcceptTimeout
	case PHASE_ACCEPT:
		msg = &AcceptRequest{messageHeader: header, instanceAttributes: newAttributes(instance)}
		timeout = m.config.AcceptTimeout
	case PHASE_PREPARE:
		msg = &PrepareRequest{messageHeader: header}
		timeout = m.config.PrepareTimeout
	case PHASE_TRYPREACCEPT:
		msg = &TryPreAcceptRequest{messageHeader: header, instanceAttributes: recordAttributes(t.candidate)}
		timeout = m.config.PrepareTimeout
	default:
		return nil
	}
	t.deadline = now.Add(timeout)

	out := make(outbox, 0, len(m.peers))
	for _, replica := range t.nonResponders(m.peers) {
		if t.phase == PHASE_TRYPREACCEPT && (t.preaccepted[replica] || replica == instance.ID.ReplicaID) {
			continue
		}
		t.sentTo[replica] = true
		out = append(out, envelope{to: replica, msg: msg})
	}
	logger.Debugf("Resending %v for %v to %v replicas", t.phase, instance.ID, len(out))
	return out
}

// puts the instance into a randomized backoff before
// trying to recover it with a higher ballot
func (m *Manager) backoffUnsafe(instance *Instance, seen Ballot) error {
	m.statsInc("ballot.rejected.count", 1)
	logger.Infof("Ballot rejected for %v, backing off. Higher ballot: %v", instance.ID, seen)
	deadline := m.now().Add(m.jitter(m.config.Backoff))
	m.setTrackerUnsafe(instance, newTracker(PHASE_BACKOFF, seen, deadline))
	if seen.Less(instance.Ballot) || seen == instance.Ballot {
		return nil
	}
	// remember the ballot so the next one is higher
	return m.log.update(instance, func(i *Instance) {
		i.Ballot = seen
	})
}

// true if the instance has been promised to a ballot other
// than the tracker's, meaning another replica took over
func (m *Manager) supersededUnsafe(instance *Instance, t *tracker) bool {
	if instance.Ballot != t.ballot {
		m.statsInc("tracker.superseded.count", 1)
		logger.Debugf("Tracker for %v at %v superseded by %v", instance.ID, t.ballot, instance.Ballot)
		m.setTrackerUnsafe(instance, nil)
		return true
	}
	return false
}

// returns the instance and its tracker if the message belongs to
// the tracker's phase. The returned instance is locked if it isn't nil
func (m *Manager) trackedInstance(msg InstanceMessage, p phase) (*Instance, *tracker) {
	instance := m.log.Get(msg.GetInstanceID())
	if instance == nil {
		return nil, nil
	}
	instance.lock.Lock()
	t := instance.tracker
	if t == nil || t.phase != p {
		m.statsInc(fmt.Sprintf("%v.message.response.discarded", p), 1)
		instance.lock.Unlock()
		return nil, nil
	}
	return instance, t
}
