package consensus

import (
	"time"
)

// sets the given instance as accepted at the given ballot and
// sends accept requests to the replicas. The caller must hold
// the instance lock
func (m *Manager) startAcceptUnsafe(instance *Instance, ballot Ballot, cmd *Command, seq uint64, deps InstanceIDSet) (outbox, error) {
	start := time.Now()
	defer m.statsTiming("accept.phase.time", start)
	m.statsInc("accept.phase.count", 1)

	err := m.log.update(instance, func(i *Instance) {
		i.Command = cmd
		i.Seq = seq
		i.Deps = deps.Copy()
		i.Ballot = ballot
		i.AcceptedBallot = ballot
		i.setStatus(INSTANCE_ACCEPTED)
	})
	if err != nil {
		m.statsInc("accept.instance.error", 1)
		logger.Errorf("Error persisting accept for %v: %v", instance.ID, err)
		return nil, err
	}
	m.touchUnsafe(instance)

	t := newTracker(PHASE_ACCEPT, ballot, m.now().Add(m.config.AcceptTimeout))
	targets := m.peers
	if m.config.Thrifty {
		targets = m.selectPeers(m.quorum.SlowQuorumSize() - 1)
	}
	msg := &AcceptRequest{
		messageHeader:      messageHeader{From: m.id, ID: instance.ID, Ballot: ballot},
		instanceAttributes: newAttributes(instance),
	}
	out := make(outbox, 0, len(targets))
	for _, replica := range targets {
		t.sentTo[replica] = true
		out = append(out, envelope{to: replica, msg: msg})
	}
	m.statsInc("accept.message.send.count", int64(len(out)))
	m.setTrackerUnsafe(instance, t)

	logger.Debugf("Accept phase started for %v at %v", instance.ID, ballot)
	return append(out, m.checkAcceptUnsafe(instance, t)...), nil
}

func (m *Manager) checkAcceptUnsafe(instance *Instance, t *tracker) outbox {
	if m.supersededUnsafe(instance, t) {
		return nil
	}
	if m.quorum.HasSlowQuorum(len(t.replies) + 1) {
		m.statsInc("commit.slow.count", 1)
		logger.Debugf("Accept quorum received for %v", instance.ID)
		return m.commitUnsafe(instance, instance.Command, instance.Seq, instance.Deps, true)
	}
	return nil
}

// handles an accept message from the command leader, or a recoverer
func (m *Manager) HandleAccept(request *AcceptRequest) {
	m.statsInc("accept.message.received.count", 1)
	start := time.Now()
	defer m.statsTiming("accept.message.response.time", start)

	instance, _ := m.log.GetOrCreate(request.ID)
	instance.lock.Lock()
	reply, err := m.acceptReplyUnsafe(instance, request)
	instance.lock.Unlock()

	if err != nil {
		m.statsInc("accept.message.response.error", 1)
		logger.Warningf("Error processing Accept message for %v: %v", request.ID, err)
		return
	}
	m.send(outbox{{to: request.From, msg: reply}})
}

func (m *Manager) acceptReplyUnsafe(instance *Instance, request *AcceptRequest) (*AcceptResponse, error) {
	header := messageHeader{From: m.id, ID: instance.ID, Ballot: instance.Ballot}

	if instance.isCommitted() {
		m.statsInc("accept.message.response.committed", 1)
		return &AcceptResponse{
			messageHeader:      header,
			Accepted:           true,
			Committed:          true,
			instanceAttributes: newAttributes(instance),
		}, nil
	}

	if request.Ballot.Less(instance.Ballot) {
		m.statsInc("accept.message.response.rejected", 1)
		logger.Infof("Accept message for %v rejected, %v > %v", request.ID, instance.Ballot, request.Ballot)
		return &AcceptResponse{messageHeader: header, Accepted: false}, nil
	}

	err := m.log.update(instance, func(i *Instance) {
		i.Command = request.Command
		i.Seq = request.Seq
		i.Deps = NewInstanceIDSet(request.Deps)
		i.Ballot = request.Ballot
		i.AcceptedBallot = request.Ballot
		i.setStatus(INSTANCE_ACCEPTED)
	})
	if err != nil {
		return nil, err
	}
	m.touchUnsafe(instance)

	header.Ballot = instance.Ballot
	return &AcceptResponse{messageHeader: header, Accepted: true}, nil
}

func (m *Manager) HandleAcceptResponse(response *AcceptResponse) {
	m.statsInc("accept.message.response.received", 1)
	instance, t := m.trackedInstance(response, PHASE_ACCEPT)
	if instance == nil {
		return
	}

	var out outbox
	switch {
	case response.Committed:
		out = m.commitUnsafe(instance, response.Command, response.Seq, NewInstanceIDSet(response.Deps), true)
	case !response.Accepted:
		if t.ballot.Less(response.Ballot) {
			m.statsInc("accept.message.send.rejected", 1)
			if err := m.backoffUnsafe(instance, response.Ballot); err != nil {
				logger.Errorf("Error recording ballot for %v: %v", instance.ID, err)
			}
		}
	case response.Ballot != t.ballot:
		m.statsInc("accept.message.response.discarded", 1)
	case t.addReply(response):
		out = m.checkAcceptUnsafe(instance, t)
	}
	instance.lock.Unlock()
	m.send(out)
}
