package consensus

import (
	"time"
)

// sets the instance as committed with the given attributes. If
// broadcast is true, commit messages for the other replicas are
// returned. The caller must hold the instance lock
func (m *Manager) commitUnsafe(instance *Instance, cmd *Command, seq uint64, deps InstanceIDSet, broadcast bool) outbox {
	m.setTrackerUnsafe(instance, nil)

	if instance.isCommitted() {
		if !cmd.Equal(instance.Command) || seq != instance.Seq || !deps.Equal(instance.Deps) {
			m.statsInc("commit.conflict.count", 1)
			logger.Criticalf(
				"Conflicting commit for %v. committed: %v/%v/%v, received: %v/%v/%v",
				instance.ID, instance.Command, instance.Seq, instance.Deps, cmd, seq, deps,
			)
		}
		return nil
	}

	start := time.Now()
	defer m.statsTiming("commit.instance.time", start)
	m.statsInc("commit.instance.count", 1)

	err := m.log.update(instance, func(i *Instance) {
		i.Command = cmd
		i.Seq = seq
		i.Deps = deps.Copy()
		i.Deps.Remove(i.ID)
		i.setStatus(INSTANCE_COMMITTED)
	})
	if err != nil {
		m.statsInc("commit.instance.error", 1)
		logger.Errorf("Error persisting commit for %v: %v", instance.ID, err)
	}
	logger.Debugf("Commit: success for instance %v", instance.ID)

	m.checkDroppedUnsafe(instance)
	m.notifyCommit()

	if !broadcast {
		return nil
	}
	return m.commitMessagesUnsafe(instance)
}

// fails the client waiting on this instance if it
// was committed with a different command
func (m *Manager) checkDroppedUnsafe(instance *Instance) {
	m.lock.Lock()
	expected, exists := m.proposed[instance.ID]
	if exists && (instance.Command == nil || instance.Command.ID != expected) {
		delete(m.proposed, instance.ID)
	} else {
		exists = false
	}
	m.lock.Unlock()

	if exists {
		m.statsInc("commit.dropped.count", 1)
		logger.Infof("Command %v dropped from instance %v", expected, instance.ID)
		m.reportResult(expected, ExecuteResult{Err: ErrCommandDropped})
	}
}

// returns commit messages for every other replica
func (m *Manager) commitMessagesUnsafe(instance *Instance) outbox {
	msg := &CommitRequest{
		messageHeader:      messageHeader{From: m.id, ID: instance.ID, Ballot: instance.Ballot},
		instanceAttributes: newAttributes(instance),
	}
	out := make(outbox, 0, len(m.peers))
	for _, replica := range m.peers {
		out = append(out, envelope{to: replica, msg: msg})
	}
	m.statsInc("commit.message.send.count", int64(len(out)))
	return out
}

// handles a commit message from a command leader or recoverer
func (m *Manager) HandleCommit(request *CommitRequest) {
	m.statsInc("commit.message.received.count", 1)
	start := time.Now()
	defer m.statsTiming("commit.message.response.time", start)

	instance, _ := m.log.GetOrCreate(request.ID)
	instance.lock.Lock()
	out := m.commitUnsafe(instance, request.Command, request.Seq, NewInstanceIDSet(request.Deps), false)
	instance.lock.Unlock()
	m.send(out)
}
