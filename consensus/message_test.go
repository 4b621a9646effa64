package consensus

import (
	"github.com/bdeggleston/epaxos/message"
)

import (
	gocheck "gopkg.in/check.v1"
)

type MessageTest struct{}

var _ = gocheck.Suite(&MessageTest{})

func roundTrip(c *gocheck.C, src message.Message) message.Message {
	b, err := message.Encode(src)
	c.Assert(err, gocheck.IsNil)
	dst, err := message.Decode(b)
	c.Assert(err, gocheck.IsNil)
	c.Assert(dst.GetType(), gocheck.Equals, src.GetType())
	return dst
}

func (s *MessageTest) TestPreAcceptResponse(c *gocheck.C) {
	src := &PreAcceptResponse{
		messageHeader: messageHeader{From: "b", ID: NewInstanceID("a", 4), Ballot: InitialBallot(2, "a")},
		Accepted:      true,
		Changed:       true,
		instanceAttributes: instanceAttributes{
			Command: setCmd("x", "1"),
			Seq:     3,
			Deps:    []InstanceID{NewInstanceID("b", 1), NewInstanceID("c", 2)},
		},
	}
	dst := roundTrip(c, src).(*PreAcceptResponse)
	c.Check(dst.messageHeader, gocheck.Equals, src.messageHeader)
	c.Check(dst.Accepted, gocheck.Equals, true)
	c.Check(dst.Changed, gocheck.Equals, true)
	c.Check(dst.Committed, gocheck.Equals, false)
	c.Check(dst.Command.Equal(src.Command), gocheck.Equals, true)
	c.Check(dst.Seq, gocheck.Equals, uint64(3))
	c.Check(dst.Deps, gocheck.DeepEquals, src.Deps)
}

func (s *MessageTest) TestPrepareResponse(c *gocheck.C) {
	record := &InstanceRecord{
		ID:             NewInstanceID("a", 1),
		Seq:            2,
		Deps:           []InstanceID{NewInstanceID("b", 1)},
		Ballot:         InitialBallot(0, "a").Next("c"),
		AcceptedBallot: InitialBallot(0, "a"),
		Status:         INSTANCE_PREACCEPTED,
		LeaderMatch:    true,
	}
	src := &PrepareResponse{
		messageHeader: messageHeader{From: "b", ID: record.ID, Ballot: record.Ballot},
		Accepted:      true,
		Record:        record,
	}
	dst := roundTrip(c, src).(*PrepareResponse)
	c.Assert(dst.Record, gocheck.NotNil)
	c.Check(dst.Record.attributesEqual(record), gocheck.Equals, true)
	c.Check(dst.Record.Command, gocheck.IsNil)
	c.Check(dst.Record.AcceptedBallot, gocheck.Equals, record.AcceptedBallot)
	c.Check(dst.Record.LeaderMatch, gocheck.Equals, true)

	// replicas that never saw the instance have no record
	src.Record = nil
	dst = roundTrip(c, src).(*PrepareResponse)
	c.Check(dst.Record, gocheck.IsNil)
}

func (s *MessageTest) TestTryPreAcceptResponse(c *gocheck.C) {
	src := &TryPreAcceptResponse{
		messageHeader:     messageHeader{From: "b", ID: NewInstanceID("a", 1), Ballot: InitialBallot(0, "a").Next("c")},
		HasConflict:       true,
		ConflictID:        NewInstanceID("d", 7),
		ConflictCommitted: true,
	}
	dst := roundTrip(c, src).(*TryPreAcceptResponse)
	c.Check(*dst, gocheck.DeepEquals, *src)
}
