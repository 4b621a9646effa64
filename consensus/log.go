package consensus

import (
	"sync"
)

import (
	"github.com/bdeggleston/epaxos/node"
)

// stores instance records as they change. PersistInstance is called
// with the log lock held, so records reach the persister in the order
// the changes were made
type Persister interface {
	PersistInstance(record *InstanceRecord) error
}

// a persister that also stores the state machine values an executed
// instance wrote, in the same write as its executed record. A replica
// restarting from it restores the values before loading the records,
// so nothing that was executed is applied twice
type ExecutionPersister interface {
	Persister
	PersistExecution(record *InstanceRecord, values map[string][]byte) error
}

// per replica rows of instance slots. Slots are never deleted, and
// rows may contain nil gaps for instances that haven't been seen yet
type InstanceLog struct {
	lock sync.RWMutex

	rows map[node.NodeId][]*Instance

	// key -> instances whose commands touch the key
	keys map[string]InstanceIDSet

	// instances with barrier commands
	barriers InstanceIDSet

	// preaccepted and accepted instances
	uncommitted InstanceIDSet

	// committed instances waiting on execution
	pending InstanceIDSet

	// every instance in a row up to and including
	// the watermark has been executed
	executed map[node.NodeId]uint64

	persister Persister
}

func NewInstanceLog(persister Persister) *InstanceLog {
	return &InstanceLog{
		rows:        make(map[node.NodeId][]*Instance),
		keys:        make(map[string]InstanceIDSet),
		barriers:    NewSizedInstanceIDSet(0),
		uncommitted: NewSizedInstanceIDSet(0),
		pending:     NewSizedInstanceIDSet(0),
		executed:    make(map[node.NodeId]uint64),
		persister:   persister,
	}
}

func (l *InstanceLog) getUnsafe(id InstanceID) *Instance {
	row := l.rows[id.ReplicaID]
	if id.Number == 0 || id.Number > uint64(len(row)) {
		return nil
	}
	return row[id.Number-1]
}

func (l *InstanceLog) setUnsafe(instance *Instance) {
	id := instance.ID
	row := l.rows[id.ReplicaID]
	for uint64(len(row)) < id.Number {
		row = append(row, nil)
	}
	row[id.Number-1] = instance
	l.rows[id.ReplicaID] = row
}

// returns the instance with the given id, or nil
// if this replica hasn't seen it yet
func (l *InstanceLog) Get(id InstanceID) *Instance {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.getUnsafe(id)
}

// returns the instance with the given id, creating an empty
// slot for it if it doesn't exist. The returned bool is true
// if the instance already existed
func (l *InstanceLog) GetOrCreate(id InstanceID) (*Instance, bool) {
	if instance := l.Get(id); instance != nil {
		return instance, true
	}

	l.lock.Lock()
	defer l.lock.Unlock()
	if instance := l.getUnsafe(id); instance != nil {
		return instance, true
	}
	instance := newInstance(id)
	l.setUnsafe(instance)
	return instance, false
}

// allocates the next instance in the given replica's row
func (l *InstanceLog) Next(replica node.NodeId) *Instance {
	l.lock.Lock()
	defer l.lock.Unlock()
	id := NewInstanceID(replica, uint64(len(l.rows[replica])+1))
	instance := newInstance(id)
	l.setUnsafe(instance)
	return instance
}

// the number of slots in the given replica's row
func (l *InstanceLog) RowLength(replica node.NodeId) uint64 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return uint64(len(l.rows[replica]))
}

func (l *InstanceLog) ExecutedWatermark(replica node.NodeId) uint64 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.executed[replica]
}

// applies changes to an instance. The caller must hold the
// instance lock, fn is run with the log lock held, and the
// resulting record is sent to the persister
func (l *InstanceLog) update(instance *Instance, fn func(*Instance)) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	oldCommand := instance.Command
	oldStatus := instance.Status
	fn(instance)

	if oldCommand != instance.Command {
		l.unindexUnsafe(instance.ID, oldCommand)
		l.indexUnsafe(instance.ID, instance.Command)
	}
	if oldStatus != instance.Status {
		l.trackStatusUnsafe(instance)
	}
	if l.persister != nil {
		return l.persister.PersistInstance(instance.record())
	}
	return nil
}

// true if executed instances are persisted along with the values they wrote
func (l *InstanceLog) persistsValues() bool {
	_, ok := l.persister.(ExecutionPersister)
	return ok
}

// marks a committed instance executed. The caller must hold the
// instance lock. Values are the serialized state machine values
// the instance wrote, and are only used by an ExecutionPersister
func (l *InstanceLog) markExecuted(instance *Instance, values map[string][]byte, persist bool) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	instance.setStatus(INSTANCE_EXECUTED)
	l.trackStatusUnsafe(instance)
	if !persist {
		return nil
	}
	switch p := l.persister.(type) {
	case nil:
		return nil
	case ExecutionPersister:
		return p.PersistExecution(instance.record(), values)
	default:
		return p.PersistInstance(instance.record())
	}
}

func (l *InstanceLog) indexUnsafe(id InstanceID, cmd *Command) {
	if cmd == nil {
		return
	}
	if cmd.IsBarrier() {
		l.barriers.Add(id)
		return
	}
	for _, key := range cmd.Keys {
		ids, exists := l.keys[key]
		if !exists {
			ids = NewSizedInstanceIDSet(1)
			l.keys[key] = ids
		}
		ids.Add(id)
	}
}

func (l *InstanceLog) unindexUnsafe(id InstanceID, cmd *Command) {
	if cmd == nil {
		return
	}
	if cmd.IsBarrier() {
		l.barriers.Remove(id)
		return
	}
	for _, key := range cmd.Keys {
		if ids, exists := l.keys[key]; exists {
			ids.Remove(id)
		}
	}
}

func (l *InstanceLog) trackStatusUnsafe(instance *Instance) {
	id := instance.ID
	switch instance.Status {
	case INSTANCE_PREACCEPTED, INSTANCE_ACCEPTED:
		l.uncommitted.Add(id)
	case INSTANCE_COMMITTED:
		l.uncommitted.Remove(id)
		l.pending.Add(id)
	case INSTANCE_EXECUTED:
		l.uncommitted.Remove(id)
		l.pending.Remove(id)
		l.advanceWatermarkUnsafe(id.ReplicaID)
	}
}

func (l *InstanceLog) advanceWatermarkUnsafe(replica node.NodeId) {
	row := l.rows[replica]
	w := l.executed[replica]
	for w < uint64(len(row)) {
		next := row[w]
		if next == nil || next.Status != INSTANCE_EXECUTED {
			break
		}
		w++
	}
	l.executed[replica] = w
}

// returns the instances that might interfere with the given command
func (l *InstanceLog) candidatesUnsafe(cmd *Command) []*Instance {
	var candidates []*Instance
	if cmd.IsBarrier() {
		for _, row := range l.rows {
			for _, instance := range row {
				if instance != nil {
					candidates = append(candidates, instance)
				}
			}
		}
		return candidates
	}

	ids := l.barriers.Copy()
	for _, key := range cmd.Keys {
		ids.Combine(l.keys[key])
	}
	candidates = make([]*Instance, 0, len(ids))
	for id := range ids {
		if instance := l.getUnsafe(id); instance != nil {
			candidates = append(candidates, instance)
		}
	}
	return candidates
}

// computes the seq and deps for the given command from the
// instances currently in the log. Instances reachable through the
// committed deps of a dep with a higher (seq, id) are left out, since
// executing the dep will already order them
func (l *InstanceLog) attributesUnsafe(cmd *Command, self InstanceID) (uint64, InstanceIDSet) {
	deps := NewSizedInstanceIDSet(0)
	if cmd == nil {
		return 0, deps
	}

	var seq uint64
	interfering := make([]*Instance, 0)
	for _, instance := range l.candidatesUnsafe(cmd) {
		if instance.ID == self || instance.Status == INSTANCE_NONE {
			continue
		}
		if !Interferes(cmd, instance.Command) {
			continue
		}
		if instance.Seq >= seq {
			seq = instance.Seq + 1
		}
		interfering = append(interfering, instance)
		deps.Add(instance.ID)
	}
	if seq == 0 {
		seq = 1
	}

	for _, covering := range interfering {
		if !covering.isCommitted() {
			continue
		}
		for id := range covering.Deps {
			if !deps.Contains(id) {
				continue
			}
			covered := l.getUnsafe(id)
			if covered != nil && attributesLess(covered, covering) {
				delete(deps, id)
			}
		}
	}
	return seq, deps
}

// orders instances by seq, then id
func attributesLess(a, b *Instance) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID.Less(b.ID)
}

// computes the seq and deps of a new command
func (l *InstanceLog) attributes(cmd *Command, self InstanceID) (uint64, InstanceIDSet) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.attributesUnsafe(cmd, self)
}

// returns true if depending on the given deps already orders
// the given instance after id
func (l *InstanceLog) coveredUnsafe(id InstanceID, deps InstanceIDSet) bool {
	if deps.Contains(id) {
		return true
	}
	for dep := range deps {
		instance := l.getUnsafe(dep)
		if instance != nil && instance.isCommitted() && instance.Deps.Contains(id) {
			return true
		}
	}
	return false
}

// merges the seq and deps a leader proposed with the ones computed
// from the local log. Returns the merged attributes, and true if the
// local log contributed anything
func (l *InstanceLog) mergeAttributesUnsafe(cmd *Command, self InstanceID, seq uint64, deps InstanceIDSet) (uint64, InstanceIDSet, bool) {
	localSeq, localDeps := l.attributesUnsafe(cmd, self)
	changed := false
	mergedDeps := deps.Copy()
	for id := range localDeps {
		if !l.coveredUnsafe(id, deps) {
			mergedDeps.Add(id)
			changed = true
		}
	}
	if cmd != nil && localSeq > seq {
		seq = localSeq
		changed = true
	}
	return seq, mergedDeps, changed
}

func (l *InstanceLog) mergeAttributes(cmd *Command, self InstanceID, seq uint64, deps InstanceIDSet) (uint64, InstanceIDSet, bool) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.mergeAttributesUnsafe(cmd, self, seq, deps)
}

// returns the first instance that conflicts with the given
// attributes: an interfering instance that isn't ordered
// relative to them in either direction
func (l *InstanceLog) findConflictUnsafe(cmd *Command, self InstanceID, deps InstanceIDSet) *Instance {
	if cmd == nil {
		return nil
	}
	for _, instance := range l.candidatesUnsafe(cmd) {
		if instance.ID == self || instance.Status == INSTANCE_NONE {
			continue
		}
		if !Interferes(cmd, instance.Command) {
			continue
		}
		if l.coveredUnsafe(instance.ID, deps) || instance.Deps.Contains(self) {
			continue
		}
		return instance
	}
	return nil
}

func (l *InstanceLog) findConflict(cmd *Command, self InstanceID, deps InstanceIDSet) *Instance {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.findConflictUnsafe(cmd, self, deps)
}

// returns the ids of preaccepted and accepted instances
func (l *InstanceLog) uncommittedIDs() []InstanceID {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.uncommitted.List()
}

// returns the number of instances that haven't been committed
func (l *InstanceLog) UncommittedCount() int {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return len(l.uncommitted)
}

// returns the number of committed instances waiting on execution
func (l *InstanceLog) PendingCount() int {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return len(l.pending)
}

// returns a snapshot of every instance in the log, ordered by id
func (l *InstanceLog) Records() []*InstanceRecord {
	l.lock.RLock()
	defer l.lock.RUnlock()
	ids := make([]InstanceID, 0)
	for _, row := range l.rows {
		for _, instance := range row {
			if instance != nil {
				ids = append(ids, instance.ID)
			}
		}
	}
	sortInstanceIDs(ids)
	records := make([]*InstanceRecord, len(ids))
	for i, id := range ids {
		records[i] = l.getUnsafe(id).record()
	}
	return records
}

// rebuilds the log from persisted records. Executed instances stay
// executed and are never applied again, so the state machine must
// already hold their effects, restored from the values saved by an
// ExecutionPersister. Committed instances are executed once the
// executor runs
func (l *InstanceLog) Load(records []*InstanceRecord) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, record := range records {
		instance := newInstance(record.ID)
		instance.Command = record.Command
		instance.Seq = record.Seq
		instance.Deps = NewInstanceIDSet(record.Deps)
		instance.Ballot = record.Ballot
		instance.AcceptedBallot = record.AcceptedBallot
		instance.Status = record.Status
		instance.LeaderMatch = record.LeaderMatch

		if existing := l.getUnsafe(record.ID); existing != nil {
			l.unindexUnsafe(existing.ID, existing.Command)
			l.uncommitted.Remove(existing.ID)
			l.pending.Remove(existing.ID)
		}
		l.setUnsafe(instance)
		l.indexUnsafe(instance.ID, instance.Command)
		l.trackStatusUnsafe(instance)
	}

	// records may arrive in any order
	for replica := range l.rows {
		l.advanceWatermarkUnsafe(replica)
	}
	logger.Infof("Loaded %v instance records", len(records))
}
