package consensus

import (
	"context"
	"sort"
	"sync"
	"time"
)

import (
	"github.com/bdeggleston/epaxos/store"
)

// applies committed instances to the state machine in dependency order
type Executor struct {
	statsRecorder

	manager *Manager
	log     *InstanceLog
	store   store.Store
	config  Config

	// one execution pass at a time
	lock sync.Mutex

	// uncommitted instances blocking execution, and
	// when they were first seen blocking
	blockedSince map[InstanceID]time.Time

	now func() time.Time
}

func NewExecutor(manager *Manager, stateMachine store.Store, stats Statter) *Executor {
	if stats == nil {
		stats = NewNoopStatter()
	}
	return &Executor{
		statsRecorder: statsRecorder{stats: stats},
		manager:       manager,
		log:           manager.log,
		store:         stateMachine,
		config:        manager.config,
		blockedSince:  make(map[InstanceID]time.Time),
		now:           time.Now,
	}
}

// an instance in the transient dependency graph
type execNode struct {
	instance *Instance
	id       InstanceID
	command  *Command
	seq      uint64

	// arena indices of committed dependencies
	edges []int

	// dependencies that aren't committed yet
	blockers []InstanceID
}

// sorts the strongly connected subgraph components
type execNodeSorter []*execNode

func (s execNodeSorter) Len() int      { return len(s) }
func (s execNodeSorter) Swap(x, y int) { s[x], s[y] = s[y], s[x] }

// orders by seq, then replica id and instance number
func (s execNodeSorter) Less(x, y int) bool {
	if s[x].seq != s[y].seq {
		return s[x].seq < s[y].seq
	}
	return s[x].id.Less(s[y].id)
}

// builds the dependency graph of committed, unexecuted instances from
// a consistent snapshot of the log. Returns the graph, and the ids of
// dependencies this replica has never seen
func (e *Executor) buildGraph() ([]*execNode, []InstanceID) {
	e.log.lock.RLock()
	defer e.log.lock.RUnlock()

	ids := e.log.pending.Sorted()
	nodes := make([]*execNode, len(ids))
	index := make(map[InstanceID]int, len(ids))
	for i, id := range ids {
		instance := e.log.getUnsafe(id)
		nodes[i] = &execNode{instance: instance, id: id, command: instance.Command, seq: instance.Seq}
		index[id] = i
	}

	var missing []InstanceID
	for _, n := range nodes {
		for _, dep := range n.instance.Deps.Sorted() {
			if i, exists := index[dep]; exists {
				n.edges = append(n.edges, i)
				continue
			}
			instance := e.log.getUnsafe(dep)
			switch {
			case instance == nil:
				missing = append(missing, dep)
				n.blockers = append(n.blockers, dep)
			case instance.Status == INSTANCE_EXECUTED:
			default:
				n.blockers = append(n.blockers, dep)
			}
		}
	}
	return nodes, missing
}

// executes every committed instance whose dependencies are all
// committed, and returns the number of instances executed
func (e *Executor) ExecutePass(now time.Time) (int, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	start := time.Now()
	defer e.statsTiming("execute.pass.time", start)
	e.statsInc("execute.pass.count", 1)

	nodes, missing := e.buildGraph()
	for _, id := range missing {
		// materialize referenced instances, so they can be recovered
		e.log.GetOrCreate(id)
	}
	e.statsGauge("execute.pending", int64(len(nodes)))
	if len(nodes) == 0 {
		e.updateBlockers(nil, now)
		return 0, nil
	}

	components := stronglyConnectedComponents(len(nodes), func(v int) []int { return nodes[v].edges })

	// components come out with dependencies first, so a
	// component's dependencies are resolved before it's visited
	blocked := make([]bool, len(nodes))
	blockers := make(map[InstanceID]bool)
	executed := 0
	for _, component := range components {
		isBlocked := false
		for _, v := range component {
			if len(nodes[v].blockers) > 0 {
				isBlocked = true
				for _, id := range nodes[v].blockers {
					blockers[id] = true
				}
			}
			for _, w := range nodes[v].edges {
				if blocked[w] {
					isBlocked = true
				}
			}
		}
		if isBlocked {
			e.statsInc("execute.component.blocked.count", 1)
			for _, v := range component {
				blocked[v] = true
			}
			continue
		}

		members := make(execNodeSorter, len(component))
		for i, v := range component {
			members[i] = nodes[v]
		}
		sort.Sort(members)
		for _, n := range members {
			if err := e.executeInstance(n); err != nil {
				return executed, err
			}
			executed++
		}
	}

	e.updateBlockers(blockers, now)
	return executed, nil
}

// applies a single instance to the state machine, then marks it executed
func (e *Executor) executeInstance(n *execNode) error {
	var value store.Value
	var err error
	if n.command != nil {
		applyStart := time.Now()
		value, err = e.store.ExecuteInstruction(n.command.Instruction())
		e.statsTiming("execute.instance.apply.time", applyStart)
		e.statsInc("execute.instance.apply.count", 1)
	} else {
		e.statsInc("execute.instance.noop.count", 1)
	}

	// if the written values can't be read, the instance is left
	// committed on disk, and applied again after a restart
	var values map[string][]byte
	var snapErr error
	if n.command != nil && e.log.persistsValues() && e.store.IsWriteCommand(n.command.Op) {
		values, snapErr = store.Snapshot(e.store, n.command.Keys)
	}

	instance := n.instance
	instance.lock.Lock()
	updateErr := e.log.markExecuted(instance, values, snapErr == nil)
	instance.lock.Unlock()
	if snapErr != nil {
		updateErr = snapErr
	}
	logger.Debugf("Executed instance %v: %v", n.id, n.command)

	e.manager.commandExecuted(instance, n.command, value, err)
	if updateErr != nil {
		logger.Errorf("Error persisting execution of %v: %v", n.id, updateErr)
		return updateErr
	}
	return nil
}

// tracks how long uncommitted instances have been blocking
// execution, and asks the manager to recover the ones that
// have been blocking too long
func (e *Executor) updateBlockers(blockers map[InstanceID]bool, now time.Time) {
	for id := range e.blockedSince {
		if !blockers[id] {
			delete(e.blockedSince, id)
		}
	}

	var stalled []InstanceID
	for id := range blockers {
		since, exists := e.blockedSince[id]
		if !exists {
			e.blockedSince[id] = now
			continue
		}
		if now.Sub(since) >= e.config.ExecuteTimeout {
			stalled = append(stalled, id)
			e.blockedSince[id] = now
		}
	}
	sortInstanceIDs(stalled)
	for _, id := range stalled {
		e.statsInc("execute.timeout.recover.count", 1)
		logger.Infof("Execution blocked on %v, starting recovery", id)
		e.manager.Recover(id)
	}
}

// runs execution passes on commit notifications, and every
// ExecuteInterval, until the context is cancelled
func (e *Executor) Start(ctx context.Context) {
	interval := e.config.ExecuteInterval
	if interval <= 0 {
		interval = DefaultConfig().ExecuteInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.manager.CommitNotifications():
		}
		if _, err := e.ExecutePass(e.now()); err != nil {
			logger.Errorf("Execution pass failed: %v", err)
		}
	}
}
