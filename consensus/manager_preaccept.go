package consensus

import (
	"time"
)

// true if the ballot is the one the instance's
// original leader proposed with
func isInitialBallot(ballot Ballot, id InstanceID) bool {
	return ballot.Counter == 0 && ballot.ReplicaID == id.ReplicaID
}

// sets the given instance to preaccepted with attributes computed
// from the local log, merged with the given base attributes, and
// sends preaccept requests to the replicas. The caller must hold
// the instance lock
func (m *Manager) startPreAcceptUnsafe(instance *Instance, ballot Ballot, cmd *Command, baseSeq uint64, baseDeps InstanceIDSet) (outbox, error) {
	start := time.Now()
	defer m.statsTiming("preaccept.phase.time", start)
	m.statsInc("preaccept.phase.count", 1)

	err := m.log.update(instance, func(i *Instance) {
		seq, deps := m.log.attributesUnsafe(cmd, i.ID)
		if baseSeq > seq {
			seq = baseSeq
		}
		deps.Combine(baseDeps)
		deps.Remove(i.ID)
		i.Command = cmd
		i.Seq = seq
		i.Deps = deps
		i.Ballot = ballot
		i.AcceptedBallot = ballot
		i.LeaderMatch = isInitialBallot(ballot, i.ID)
		i.setStatus(INSTANCE_PREACCEPTED)
	})
	if err != nil {
		m.statsInc("preaccept.instance.error", 1)
		logger.Errorf("Error persisting preaccept for %v: %v", instance.ID, err)
		return nil, err
	}
	m.touchUnsafe(instance)

	t := newTracker(PHASE_PREACCEPT, ballot, m.now().Add(m.config.PreAcceptTimeout))
	targets := m.peers
	if m.config.Thrifty {
		targets = m.selectPeers(m.quorum.FastQuorumSize() - 1)
	}
	msg := &PreAcceptRequest{
		messageHeader:      messageHeader{From: m.id, ID: instance.ID, Ballot: ballot},
		instanceAttributes: newAttributes(instance),
	}
	out := make(outbox, 0, len(targets))
	for _, replica := range targets {
		logger.Debugf("Preaccept: Sending message to node %v for instance %v", replica, instance.ID)
		t.sentTo[replica] = true
		out = append(out, envelope{to: replica, msg: msg})
	}
	m.statsInc("preaccept.message.send.count", int64(len(out)))
	m.setTrackerUnsafe(instance, t)

	// a single replica is its own quorum
	return append(out, m.checkPreAcceptUnsafe(instance, t)...), nil
}

// merges the attributes from the preaccept responses with the
// local instance's attributes
func (m *Manager) mergePreAcceptAttributesUnsafe(instance *Instance, t *tracker) (uint64, InstanceIDSet) {
	seq := instance.Seq
	deps := instance.Deps.Copy()
	for _, reply := range t.replies {
		response := reply.(*PreAcceptResponse)
		if response.Seq > seq {
			seq = response.Seq
		}
		deps.Add(response.Deps...)
	}
	deps.Remove(instance.ID)
	logger.Debugf("Merged preaccept attributes from %v responses for %v", len(t.replies), instance.ID)
	return seq, deps
}

// decides if the leader can commit on the fast path, needs
// to run an accept phase, or should wait for more replies
func (m *Manager) checkPreAcceptUnsafe(instance *Instance, t *tracker) outbox {
	if m.supersededUnsafe(instance, t) {
		return nil
	}

	numReceived := len(t.replies) + 1 // this node counts as a response
	fastPath := m.id == instance.ID.ReplicaID && isInitialBallot(t.ballot, instance.ID)
	if fastPath {
		for _, reply := range t.replies {
			if reply.(*PreAcceptResponse).Changed {
				fastPath = false
				break
			}
		}
	}

	if fastPath && m.quorum.HasFastQuorum(numReceived) {
		m.statsInc("commit.fast.count", 1)
		logger.Debugf("Fast path quorum received for %v", instance.ID)
		return m.commitUnsafe(instance, instance.Command, instance.Seq, instance.Deps, true)
	}

	// more replies could still complete the fast path
	if fastPath && m.quorum.HasFastQuorum(len(t.sentTo)+1) {
		return nil
	}

	if m.quorum.HasSlowQuorum(numReceived) {
		m.statsInc("preaccept.slow.count", 1)
		logger.Debugf("Slow path required for %v", instance.ID)
		seq, deps := m.mergePreAcceptAttributesUnsafe(instance, t)
		out, err := m.startAcceptUnsafe(instance, t.ballot, instance.Command, seq, deps)
		if err != nil {
			logger.Errorf("Error starting accept phase for %v: %v", instance.ID, err)
		}
		return out
	}
	return nil
}

// handles a preaccept message from the command leader for an instance
// this executes the replica preaccept phase for the given instance
func (m *Manager) HandlePreAccept(request *PreAcceptRequest) {
	m.statsInc("preaccept.message.received.count", 1)
	start := time.Now()
	defer m.statsTiming("preaccept.message.response.time", start)

	logger.Debugf("PreAccept message received for %v, ballot: %v", request.ID, request.Ballot)

	instance, _ := m.log.GetOrCreate(request.ID)
	instance.lock.Lock()
	reply, err := m.preAcceptReplyUnsafe(instance, request)
	instance.lock.Unlock()

	if err != nil {
		m.statsInc("preaccept.message.response.error", 1)
		logger.Warningf("Error processing PreAccept message for %v: %v", request.ID, err)
		return
	}
	m.send(outbox{{to: request.From, msg: reply}})
}

func (m *Manager) preAcceptReplyUnsafe(instance *Instance, request *PreAcceptRequest) (*PreAcceptResponse, error) {
	header := messageHeader{From: m.id, ID: instance.ID, Ballot: instance.Ballot}

	if instance.isCommitted() {
		m.statsInc("preaccept.message.response.committed", 1)
		return &PreAcceptResponse{
			messageHeader:      header,
			Accepted:           true,
			Committed:          true,
			instanceAttributes: newAttributes(instance),
		}, nil
	}

	// ignore lower ballots, and preaccepts at a ballot
	// that has already moved on to the accept phase
	stale := request.Ballot.Less(instance.Ballot)
	if instance.Status == INSTANCE_ACCEPTED && !instance.AcceptedBallot.Less(request.Ballot) {
		stale = true
	}
	if stale {
		m.statsInc("preaccept.message.response.rejected", 1)
		logger.Infof("PreAccept message for %v rejected, %v >= %v", request.ID, instance.Ballot, request.Ballot)
		return &PreAcceptResponse{messageHeader: header, Accepted: false}, nil
	}

	changed := false
	err := m.log.update(instance, func(i *Instance) {
		var seq uint64
		var deps InstanceIDSet
		seq, deps, changed = m.log.mergeAttributesUnsafe(request.Command, i.ID, request.Seq, NewInstanceIDSet(request.Deps))
		i.Command = request.Command
		i.Seq = seq
		i.Deps = deps
		i.Ballot = request.Ballot
		i.AcceptedBallot = request.Ballot
		i.LeaderMatch = !changed && isInitialBallot(request.Ballot, i.ID)
		i.setStatus(INSTANCE_PREACCEPTED)
	})
	if err != nil {
		return nil, err
	}
	m.touchUnsafe(instance)

	if changed {
		m.statsInc("preaccept.message.response.changed", 1)
	}
	header.Ballot = instance.Ballot
	logger.Debugf("PreAccept message replied for %v, changed: %v", request.ID, changed)
	return &PreAcceptResponse{
		messageHeader:      header,
		Accepted:           true,
		Changed:            changed,
		instanceAttributes: newAttributes(instance),
	}, nil
}

func (m *Manager) HandlePreAcceptResponse(response *PreAcceptResponse) {
	m.statsInc("preaccept.message.response.received", 1)
	instance, t := m.trackedInstance(response, PHASE_PREACCEPT)
	if instance == nil {
		return
	}

	var out outbox
	switch {
	case response.Committed:
		out = m.commitUnsafe(instance, response.Command, response.Seq, NewInstanceIDSet(response.Deps), true)
	case !response.Accepted:
		if t.ballot.Less(response.Ballot) {
			m.statsInc("preaccept.message.send.rejected", 1)
			if err := m.backoffUnsafe(instance, response.Ballot); err != nil {
				logger.Errorf("Error recording ballot for %v: %v", instance.ID, err)
			}
		}
	case response.Ballot != t.ballot:
		m.statsInc("preaccept.message.response.discarded", 1)
	case t.addReply(response):
		logger.Debugf("PreAccept response received from %v for %v", response.From, instance.ID)
		out = m.checkPreAcceptUnsafe(instance, t)
	}
	instance.lock.Unlock()
	m.send(out)
}
