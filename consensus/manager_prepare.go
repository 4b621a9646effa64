package consensus

import (
	"time"
)

import (
	"github.com/bdeggleston/epaxos/node"
)

func recordAttributes(record *InstanceRecord) instanceAttributes {
	return instanceAttributes{
		Command: record.Command,
		Seq:     record.Seq,
		Deps:    record.Deps,
	}
}

// returns the instance's record, or nil if
// this replica knows nothing about it
func recordOrNil(instance *Instance) *InstanceRecord {
	if instance.Status == INSTANCE_NONE {
		return nil
	}
	return instance.record()
}

// starts recovery of the given instance, unless this replica
// is already running a phase for it. Committed instances have
// their commits rebroadcast
func (m *Manager) Recover(id InstanceID) {
	instance, _ := m.log.GetOrCreate(id)
	instance.lock.Lock()
	var out outbox
	if instance.isCommitted() {
		m.statsInc("prepare.committed.count", 1)
		out = m.commitMessagesUnsafe(instance)
	} else if instance.tracker == nil {
		out = m.startPrepareUnsafe(instance)
	}
	instance.lock.Unlock()
	m.send(out)
}

// promises a ballot higher than any seen for the instance,
// and asks the other replicas for their records of it. The
// caller must hold the instance lock
func (m *Manager) startPrepareUnsafe(instance *Instance) outbox {
	if instance.isCommitted() {
		m.setTrackerUnsafe(instance, nil)
		return m.commitMessagesUnsafe(instance)
	}

	start := time.Now()
	defer m.statsTiming("prepare.phase.time", start)
	m.statsInc("prepare.phase.count", 1)

	ballot := instance.Ballot
	if t := instance.tracker; t != nil {
		ballot = maxBallot(ballot, t.ballot)
	}
	if ballot.Epoch < m.config.Epoch {
		ballot = Ballot{Epoch: m.config.Epoch}
	}
	ballot = ballot.Next(m.id)

	err := m.log.update(instance, func(i *Instance) {
		i.Ballot = ballot
	})
	if err != nil {
		m.statsInc("prepare.instance.error", 1)
		logger.Errorf("Error persisting prepare ballot for %v: %v", instance.ID, err)
		return nil
	}
	m.touchUnsafe(instance)
	logger.Infof("Prepare phase started for %v at %v", instance.ID, ballot)

	t := newTracker(PHASE_PREPARE, ballot, m.now().Add(m.config.PrepareTimeout))
	t.addReply(&PrepareResponse{
		messageHeader: messageHeader{From: m.id, ID: instance.ID, Ballot: ballot},
		Accepted:      true,
		Record:        recordOrNil(instance),
	})

	msg := &PrepareRequest{messageHeader: messageHeader{From: m.id, ID: instance.ID, Ballot: ballot}}
	out := make(outbox, 0, len(m.peers))
	for _, replica := range m.peers {
		t.sentTo[replica] = true
		out = append(out, envelope{to: replica, msg: msg})
	}
	m.statsInc("prepare.message.send.count", int64(len(out)))
	m.setTrackerUnsafe(instance, t)

	return append(out, m.checkPrepareUnsafe(instance, t)...)
}

func (m *Manager) checkPrepareUnsafe(instance *Instance, t *tracker) outbox {
	if m.supersededUnsafe(instance, t) {
		return nil
	}
	if !m.quorum.HasSlowQuorum(len(t.replies)) {
		return nil
	}
	return managerAnalyzePrepareResponses(m, instance, t)
}

// a group of replicas holding identical preaccepted
// records from the instance's initial ballot
type recordGroup struct {
	record  *InstanceRecord
	members []node.NodeId
}

// picks the value to recover from a quorum of prepare responses
// assigned to var for testing
var managerAnalyzePrepareResponses = func(m *Manager, instance *Instance, t *tracker) outbox {
	leader := instance.ID.ReplicaID
	ballot := t.ballot

	var accepted *InstanceRecord
	var latest *InstanceRecord
	var leaderRecord *InstanceRecord
	groups := make([]*recordGroup, 0)

	// iterate in replica order so the outcome doesn't
	// depend on map ordering
	for _, replica := range m.replicas {
		reply, exists := t.replies[replica]
		if !exists {
			continue
		}
		record := reply.(*PrepareResponse).Record
		if record == nil {
			continue
		}

		if record.Status >= INSTANCE_COMMITTED {
			m.statsInc("prepare.outcome.committed", 1)
			return m.commitUnsafe(instance, record.Command, record.Seq, NewInstanceIDSet(record.Deps), true)
		}
		if record.Status == INSTANCE_ACCEPTED {
			if accepted == nil || accepted.AcceptedBallot.Less(record.AcceptedBallot) {
				accepted = record
			}
		}
		if latest == nil || latest.AcceptedBallot.Less(record.AcceptedBallot) {
			latest = record
		}
		if replica == leader {
			leaderRecord = record
			continue
		}

		if record.Status == INSTANCE_PREACCEPTED && record.LeaderMatch && isInitialBallot(record.AcceptedBallot, instance.ID) {
			matched := false
			for _, group := range groups {
				if group.record.attributesEqual(record) {
					group.members = append(group.members, replica)
					matched = true
					break
				}
			}
			if !matched {
				groups = append(groups, &recordGroup{record: record, members: []node.NodeId{replica}})
			}
		}
	}

	startAccept := func(record *InstanceRecord) outbox {
		var cmd *Command
		var seq uint64
		deps := NewSizedInstanceIDSet(0)
		if record != nil {
			cmd = record.Command
			seq = record.Seq
			deps = NewInstanceIDSet(record.Deps)
		}
		out, err := m.startAcceptUnsafe(instance, ballot, cmd, seq, deps)
		if err != nil {
			logger.Errorf("Error starting accept for %v: %v", instance.ID, err)
		}
		return out
	}
	startPreAccept := func(record *InstanceRecord) outbox {
		out, err := m.startPreAcceptUnsafe(instance, ballot, record.Command, record.Seq, NewInstanceIDSet(record.Deps))
		if err != nil {
			logger.Errorf("Error starting preaccept for %v: %v", instance.ID, err)
		}
		return out
	}

	if accepted != nil {
		m.statsInc("prepare.outcome.accepted", 1)
		logger.Infof("Prepare for %v found accepted record at %v", instance.ID, accepted.AcceptedBallot)
		return startAccept(accepted)
	}

	// the leader never reached the accept phase, or it would
	// have an accepted record, so no fast path commit happened
	if leaderRecord != nil {
		m.statsInc("prepare.outcome.leader", 1)
		logger.Infof("Prepare for %v found leader record, restarting preaccept", instance.ID)
		return startPreAccept(leaderRecord)
	}

	var best *recordGroup
	for _, group := range groups {
		if best == nil || len(group.members) > len(best.members) {
			best = group
		}
	}
	if best != nil && len(best.members) >= m.quorum.RecoveryAcceptThreshold() {
		m.statsInc("prepare.outcome.preaccepted", 1)
		logger.Infof("Prepare for %v found %v matching preaccepted records", instance.ID, len(best.members))
		return startAccept(best.record)
	}
	if best != nil && len(best.members) >= m.quorum.RecoveryTryPreAcceptThreshold() {
		m.statsInc("prepare.outcome.trypreaccept", 1)
		return m.startTryPreAcceptUnsafe(instance, ballot, best.record, best.members)
	}

	if latest != nil {
		m.statsInc("prepare.outcome.restart", 1)
		logger.Infof("Prepare for %v restarting preaccept with %v", instance.ID, latest.Command)
		return startPreAccept(latest)
	}

	m.statsInc("prepare.outcome.noop", 1)
	logger.Infof("Prepare for %v found no records, committing no-op", instance.ID)
	return startAccept(nil)
}

// handles a prepare message from a replica recovering an instance
func (m *Manager) HandlePrepare(request *PrepareRequest) {
	m.statsInc("prepare.message.received.count", 1)
	start := time.Now()
	defer m.statsTiming("prepare.message.response.time", start)

	instance, _ := m.log.GetOrCreate(request.ID)
	instance.lock.Lock()
	reply, err := m.prepareReplyUnsafe(instance, request)
	instance.lock.Unlock()

	if err != nil {
		m.statsInc("prepare.message.response.error", 1)
		logger.Warningf("Error processing Prepare message for %v: %v", request.ID, err)
		return
	}
	m.send(outbox{{to: request.From, msg: reply}})
}

func (m *Manager) prepareReplyUnsafe(instance *Instance, request *PrepareRequest) (*PrepareResponse, error) {
	header := messageHeader{From: m.id, ID: instance.ID, Ballot: instance.Ballot}

	if instance.isCommitted() {
		return &PrepareResponse{messageHeader: header, Accepted: true, Record: instance.record()}, nil
	}

	if request.Ballot.Less(instance.Ballot) {
		m.statsInc("prepare.message.response.rejected", 1)
		logger.Infof("Prepare message for %v rejected, %v > %v", request.ID, instance.Ballot, request.Ballot)
		return &PrepareResponse{messageHeader: header, Accepted: false}, nil
	}

	if instance.Ballot != request.Ballot {
		err := m.log.update(instance, func(i *Instance) {
			i.Ballot = request.Ballot
		})
		if err != nil {
			return nil, err
		}
	}
	m.touchUnsafe(instance)

	header.Ballot = instance.Ballot
	return &PrepareResponse{messageHeader: header, Accepted: true, Record: recordOrNil(instance)}, nil
}

func (m *Manager) HandlePrepareResponse(response *PrepareResponse) {
	m.statsInc("prepare.message.response.received", 1)
	instance, t := m.trackedInstance(response, PHASE_PREPARE)
	if instance == nil {
		return
	}

	var out outbox
	switch {
	case response.Record != nil && response.Record.Status >= INSTANCE_COMMITTED:
		m.statsInc("prepare.outcome.committed", 1)
		record := response.Record
		out = m.commitUnsafe(instance, record.Command, record.Seq, NewInstanceIDSet(record.Deps), true)
	case !response.Accepted:
		if t.ballot.Less(response.Ballot) {
			m.statsInc("prepare.message.send.rejected", 1)
			if err := m.backoffUnsafe(instance, response.Ballot); err != nil {
				logger.Errorf("Error recording ballot for %v: %v", instance.ID, err)
			}
		}
	case response.Ballot != t.ballot:
		m.statsInc("prepare.message.response.discarded", 1)
	case t.addReply(response):
		out = m.checkPrepareUnsafe(instance, t)
	}
	instance.lock.Unlock()
	m.send(out)
}

// ----------- try preaccept -----------

// asks the replicas that didn't report the candidate attributes to
// preaccept them, unless they know of a conflicting instance
func (m *Manager) startTryPreAcceptUnsafe(instance *Instance, ballot Ballot, candidate *InstanceRecord, preaccepted []node.NodeId) outbox {
	m.statsInc("trypreaccept.phase.count", 1)
	logger.Infof("TryPreAccept phase started for %v at %v", instance.ID, ballot)

	t := newTracker(PHASE_TRYPREACCEPT, ballot, m.now().Add(m.config.PrepareTimeout))
	t.candidate = candidate
	t.preaccepted = make(map[node.NodeId]bool, len(preaccepted))
	for _, replica := range preaccepted {
		t.preaccepted[replica] = true
	}

	if !t.preaccepted[m.id] {
		conflict, committed, err := m.tryPreAcceptLocalUnsafe(instance, ballot, candidate)
		if err != nil {
			logger.Errorf("Error persisting try preaccept for %v: %v", instance.ID, err)
			return nil
		}
		if conflict {
			m.setTrackerUnsafe(instance, t)
			return m.tryPreAcceptConflictUnsafe(instance, t, committed)
		}
		t.preaccepted[m.id] = true
	}
	if len(t.preaccepted) >= m.quorum.RecoveryAcceptThreshold() {
		return m.tryPreAcceptSucceededUnsafe(instance, t)
	}

	msg := &TryPreAcceptRequest{
		messageHeader:      messageHeader{From: m.id, ID: instance.ID, Ballot: ballot},
		instanceAttributes: recordAttributes(candidate),
	}
	out := make(outbox, 0, len(m.peers))
	for _, replica := range m.peers {
		if t.preaccepted[replica] || replica == instance.ID.ReplicaID {
			continue
		}
		t.sentTo[replica] = true
		out = append(out, envelope{to: replica, msg: msg})
	}
	m.setTrackerUnsafe(instance, t)
	if len(out) == 0 {
		return m.tryPreAcceptFailedUnsafe(instance, t)
	}
	return out
}

// checks the local log for conflicts with the candidate, and
// preaccepts it if there are none. Returns true if there was
// a conflict, and whether the conflicting instance is committed
func (m *Manager) tryPreAcceptLocalUnsafe(instance *Instance, ballot Ballot, candidate *InstanceRecord) (bool, bool, error) {
	conflict := false
	committed := false
	err := m.log.update(instance, func(i *Instance) {
		i.Ballot = maxBallot(i.Ballot, ballot)
		deps := NewInstanceIDSet(candidate.Deps)
		if c := m.log.findConflictUnsafe(candidate.Command, i.ID, deps); c != nil {
			conflict = true
			committed = c.isCommitted()
			logger.Debugf("TryPreAccept for %v conflicts with %v", i.ID, c.ID)
			return
		}
		i.Command = candidate.Command
		i.Seq = candidate.Seq
		i.Deps = deps
		i.AcceptedBallot = ballot
		i.LeaderMatch = false
		i.setStatus(INSTANCE_PREACCEPTED)
	})
	return conflict, committed, err
}

// enough replicas hold the candidate, so it's safe to accept it
func (m *Manager) tryPreAcceptSucceededUnsafe(instance *Instance, t *tracker) outbox {
	m.statsInc("trypreaccept.outcome.accept", 1)
	candidate := t.candidate
	out, err := m.startAcceptUnsafe(instance, t.ballot, candidate.Command, candidate.Seq, NewInstanceIDSet(candidate.Deps))
	if err != nil {
		logger.Errorf("Error starting accept for %v: %v", instance.ID, err)
	}
	return out
}

// the candidate can't have been committed on the fast
// path, so start over with its command
func (m *Manager) tryPreAcceptFailedUnsafe(instance *Instance, t *tracker) outbox {
	m.statsInc("trypreaccept.outcome.restart", 1)
	candidate := t.candidate
	out, err := m.startPreAcceptUnsafe(instance, t.ballot, candidate.Command, candidate.Seq, NewInstanceIDSet(candidate.Deps))
	if err != nil {
		logger.Errorf("Error starting preaccept for %v: %v", instance.ID, err)
	}
	return out
}

func (m *Manager) tryPreAcceptConflictUnsafe(instance *Instance, t *tracker, committed bool) outbox {
	if committed {
		return m.tryPreAcceptFailedUnsafe(instance, t)
	}
	// wait for the conflicting instance to make progress
	m.statsInc("trypreaccept.outcome.deferred", 1)
	if err := m.backoffUnsafe(instance, t.ballot); err != nil {
		logger.Errorf("Error deferring recovery of %v: %v", instance.ID, err)
	}
	return nil
}

// handles a try preaccept message from a replica recovering an instance
func (m *Manager) HandleTryPreAccept(request *TryPreAcceptRequest) {
	m.statsInc("trypreaccept.message.received.count", 1)

	instance, _ := m.log.GetOrCreate(request.ID)
	instance.lock.Lock()
	reply, err := m.tryPreAcceptReplyUnsafe(instance, request)
	instance.lock.Unlock()

	if err != nil {
		m.statsInc("trypreaccept.message.response.error", 1)
		logger.Warningf("Error processing TryPreAccept message for %v: %v", request.ID, err)
		return
	}
	m.send(outbox{{to: request.From, msg: reply}})
}

func (m *Manager) tryPreAcceptReplyUnsafe(instance *Instance, request *TryPreAcceptRequest) (*TryPreAcceptResponse, error) {
	header := messageHeader{From: m.id, ID: instance.ID, Ballot: instance.Ballot}

	if instance.isCommitted() {
		return &TryPreAcceptResponse{
			messageHeader:     header,
			HasConflict:       true,
			ConflictID:        instance.ID,
			ConflictCommitted: true,
		}, nil
	}

	if request.Ballot.Less(instance.Ballot) {
		m.statsInc("trypreaccept.message.response.rejected", 1)
		return &TryPreAcceptResponse{messageHeader: header}, nil
	}

	candidate := &InstanceRecord{ID: request.ID, Command: request.Command, Seq: request.Seq, Deps: request.Deps}
	var conflictID InstanceID
	conflict := false
	committed := false
	err := m.log.update(instance, func(i *Instance) {
		i.Ballot = request.Ballot
		deps := NewInstanceIDSet(candidate.Deps)
		if c := m.log.findConflictUnsafe(candidate.Command, i.ID, deps); c != nil {
			conflict = true
			conflictID = c.ID
			committed = c.isCommitted()
			return
		}
		i.Command = candidate.Command
		i.Seq = candidate.Seq
		i.Deps = deps
		i.AcceptedBallot = request.Ballot
		i.LeaderMatch = false
		i.setStatus(INSTANCE_PREACCEPTED)
	})
	if err != nil {
		return nil, err
	}
	m.touchUnsafe(instance)

	header.Ballot = instance.Ballot
	return &TryPreAcceptResponse{
		messageHeader:     header,
		Accepted:          !conflict,
		HasConflict:       conflict,
		ConflictID:        conflictID,
		ConflictCommitted: committed,
	}, nil
}

func (m *Manager) HandleTryPreAcceptResponse(response *TryPreAcceptResponse) {
	m.statsInc("trypreaccept.message.response.received", 1)
	instance, t := m.trackedInstance(response, PHASE_TRYPREACCEPT)
	if instance == nil {
		return
	}

	selfCommitted := response.HasConflict && response.ConflictCommitted && response.ConflictID == instance.ID
	var out outbox
	switch {
	case !response.Accepted && !response.HasConflict:
		if t.ballot.Less(response.Ballot) {
			m.statsInc("trypreaccept.message.send.rejected", 1)
			if err := m.backoffUnsafe(instance, response.Ballot); err != nil {
				logger.Errorf("Error recording ballot for %v: %v", instance.ID, err)
			}
		}
	case response.Ballot != t.ballot && !selfCommitted:
		m.statsInc("trypreaccept.message.response.discarded", 1)
	case m.supersededUnsafe(instance, t):
	case !t.addReply(response):
	case response.Accepted:
		t.preaccepted[response.From] = true
		if len(t.preaccepted) >= m.quorum.RecoveryAcceptThreshold() {
			out = m.tryPreAcceptSucceededUnsafe(instance, t)
		} else if len(t.replies) >= len(t.sentTo) {
			out = m.tryPreAcceptFailedUnsafe(instance, t)
		}
	default:
		out = m.tryPreAcceptConflictUnsafe(instance, t, response.ConflictCommitted)
	}
	instance.lock.Unlock()
	m.send(out)
}
