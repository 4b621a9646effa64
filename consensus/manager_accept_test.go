package consensus

import (
	gocheck "gopkg.in/check.v1"
)

type AcceptTest struct {
	baseReplicaTest
}

var _ = gocheck.Suite(&AcceptTest{})

// two interfering commands proposed concurrently at different
// replicas both take the slow path, and every replica executes
// them in the same order
func (s *AcceptTest) TestConcurrentInterfering(c *gocheck.C) {
	id0, err := s.managers[0].ProposeCommand(setCmd("x", "a"))
	c.Assert(err, gocheck.IsNil)
	id1, err := s.managers[1].ProposeCommand(setCmd("x", "b"))
	c.Assert(err, gocheck.IsNil)

	s.network.deliverAll()

	record0 := s.checkCommitted(c, id0)
	record1 := s.checkCommitted(c, id1)
	c.Check(record0.Deps, gocheck.DeepEquals, []InstanceID{id1})
	c.Check(record1.Deps, gocheck.DeepEquals, []InstanceID{id0})
	c.Check(s.stats[0].counter("commit.slow.count"), gocheck.Equals, int64(1))
	c.Check(s.stats[1].counter("commit.slow.count"), gocheck.Equals, int64(1))

	s.executeAll(c)
	for i := range s.stores {
		c.Check(s.stores[i].history("x"), gocheck.DeepEquals, []string{"a", "b"}, gocheck.Commentf("replica %v", s.ids[i]))
	}
}

func (s *AcceptTest) TestReplicaAccepts(c *gocheck.C) {
	id := NewInstanceID(s.ids[0], 1)
	setInstance(s.managers[1].log, id, setCmd("x", "1"), 1, nil, INSTANCE_PREACCEPTED)

	ballot := InitialBallot(0, s.ids[0]).Next(s.ids[2])
	dep := NewInstanceID(s.ids[3], 1)
	s.managers[1].HandleAccept(&AcceptRequest{
		messageHeader:      messageHeader{From: s.ids[2], ID: id, Ballot: ballot},
		instanceAttributes: instanceAttributes{Command: setCmd("x", "2"), Seq: 5, Deps: []InstanceID{dep}},
	})

	instance := s.instance(c, 1, id)
	c.Check(instance.Status, gocheck.Equals, INSTANCE_ACCEPTED)
	c.Check(instance.Seq, gocheck.Equals, uint64(5))
	c.Check(instance.Deps.Sorted(), gocheck.DeepEquals, []InstanceID{dep})
	c.Check(instance.Ballot, gocheck.Equals, ballot)
	c.Check(instance.AcceptedBallot, gocheck.Equals, ballot)

	replies := s.network.queued(isType(MSG_ACCEPT_RESPONSE))
	c.Assert(replies, gocheck.HasLen, 1)
	c.Check(replies[0].to, gocheck.Equals, s.ids[2])
	c.Check(replies[0].msg.(*AcceptResponse).Accepted, gocheck.Equals, true)
}

func (s *AcceptTest) TestStaleBallotRejected(c *gocheck.C) {
	id := NewInstanceID(s.ids[0], 1)
	higher := InitialBallot(0, s.ids[0]).Next(s.ids[3])
	s.managers[1].HandlePrepare(&PrepareRequest{messageHeader: messageHeader{From: s.ids[3], ID: id, Ballot: higher}})

	s.managers[1].HandleAccept(&AcceptRequest{
		messageHeader:      messageHeader{From: s.ids[0], ID: id, Ballot: InitialBallot(0, s.ids[0])},
		instanceAttributes: instanceAttributes{Command: setCmd("x", "2"), Seq: 1},
	})

	instance := s.instance(c, 1, id)
	c.Check(instance.Status, gocheck.Equals, INSTANCE_NONE)
	replies := s.network.queued(isType(MSG_ACCEPT_RESPONSE))
	c.Assert(replies, gocheck.HasLen, 1)
	reply := replies[0].msg.(*AcceptResponse)
	c.Check(reply.Accepted, gocheck.Equals, false)
	c.Check(reply.Ballot, gocheck.Equals, higher)
}

// preaccepts for a ballot the replica already accepted at are stale
func (s *AcceptTest) TestPreAcceptAfterAcceptRejected(c *gocheck.C) {
	id := NewInstanceID(s.ids[0], 1)
	ballot := InitialBallot(0, s.ids[0])
	header := messageHeader{From: s.ids[0], ID: id, Ballot: ballot}
	attrs := instanceAttributes{Command: setCmd("x", "2"), Seq: 1}
	s.managers[1].HandleAccept(&AcceptRequest{messageHeader: header, instanceAttributes: attrs})
	s.managers[1].HandlePreAccept(&PreAcceptRequest{messageHeader: header, instanceAttributes: attrs})

	c.Check(s.instance(c, 1, id).Status, gocheck.Equals, INSTANCE_ACCEPTED)
	replies := s.network.queued(isType(MSG_PREACCEPT_RESPONSE))
	c.Assert(replies, gocheck.HasLen, 1)
	c.Check(replies[0].msg.(*PreAcceptResponse).Accepted, gocheck.Equals, false)
}

func (s *AcceptTest) TestCommittedReply(c *gocheck.C) {
	id := NewInstanceID(s.ids[0], 1)
	cmd := setCmd("x", "1")
	setInstance(s.managers[1].log, id, cmd, 3, nil, INSTANCE_COMMITTED)

	s.managers[1].HandleAccept(&AcceptRequest{
		messageHeader:      messageHeader{From: s.ids[2], ID: id, Ballot: InitialBallot(0, s.ids[0]).Next(s.ids[2])},
		instanceAttributes: instanceAttributes{Command: nil, Seq: 0},
	})

	instance := s.instance(c, 1, id)
	c.Check(instance.Status, gocheck.Equals, INSTANCE_COMMITTED)
	c.Check(instance.Command.Equal(cmd), gocheck.Equals, true)
	replies := s.network.queued(isType(MSG_ACCEPT_RESPONSE))
	c.Assert(replies, gocheck.HasLen, 1)
	reply := replies[0].msg.(*AcceptResponse)
	c.Check(reply.Committed, gocheck.Equals, true)
	c.Check(reply.Seq, gocheck.Equals, uint64(3))
	c.Check(reply.Command.Equal(cmd), gocheck.Equals, true)
}

// commits are idempotent, and a committed instance never changes
func (s *AcceptTest) TestRecommit(c *gocheck.C) {
	id := NewInstanceID(s.ids[0], 1)
	cmd := setCmd("x", "1")
	header := messageHeader{From: s.ids[0], ID: id, Ballot: InitialBallot(0, s.ids[0])}
	commit := &CommitRequest{messageHeader: header, instanceAttributes: instanceAttributes{Command: cmd, Seq: 2}}
	s.managers[1].HandleCommit(commit)
	s.managers[1].HandleCommit(commit)
	c.Check(s.stats[1].counter("commit.instance.count"), gocheck.Equals, int64(1))
	c.Check(s.stats[1].counter("commit.conflict.count"), gocheck.Equals, int64(0))

	s.managers[1].HandleCommit(&CommitRequest{messageHeader: header, instanceAttributes: instanceAttributes{Command: nil, Seq: 2}})
	c.Check(s.stats[1].counter("commit.conflict.count"), gocheck.Equals, int64(1))
	instance := s.instance(c, 1, id)
	c.Check(instance.Command.Equal(cmd), gocheck.Equals, true)
}
