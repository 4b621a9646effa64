package consensus

import (
	"context"
	"time"
)

import (
	"github.com/bdeggleston/epaxos/kvstore"
)

import (
	gocheck "gopkg.in/check.v1"
)

type ExecuteTest struct {
	baseReplicaTest
}

var _ = gocheck.Suite(&ExecuteTest{})

func (s *ExecuteTest) pass(c *gocheck.C, replica int) int {
	executed, err := s.executors[replica].ExecutePass(s.clock.Now())
	c.Assert(err, gocheck.IsNil)
	return executed
}

func (s *ExecuteTest) TestDependencyOrder(c *gocheck.C) {
	log := s.managers[0].log
	first := NewInstanceID(s.ids[0], 1)
	second := NewInstanceID(s.ids[1], 1)
	setInstance(log, second, setCmd("x", "2"), 2, []InstanceID{first}, INSTANCE_COMMITTED)
	setInstance(log, first, setCmd("x", "1"), 1, nil, INSTANCE_COMMITTED)

	c.Check(s.pass(c, 0), gocheck.Equals, 2)
	c.Check(s.stores[0].history("x"), gocheck.DeepEquals, []string{"1", "2"})
	c.Check(log.Get(first).Status, gocheck.Equals, INSTANCE_EXECUTED)
	c.Check(log.Get(second).Status, gocheck.Equals, INSTANCE_EXECUTED)
	c.Check(log.ExecutedWatermark(s.ids[0]), gocheck.Equals, uint64(1))
	c.Check(log.ExecutedWatermark(s.ids[1]), gocheck.Equals, uint64(1))

	// nothing left to do
	c.Check(s.pass(c, 0), gocheck.Equals, 0)
}

func (s *ExecuteTest) TestCycleOrderedBySeq(c *gocheck.C) {
	log := s.managers[0].log
	a := NewInstanceID(s.ids[0], 1)
	b := NewInstanceID(s.ids[1], 1)
	setInstance(log, a, setCmd("x", "a"), 2, []InstanceID{b}, INSTANCE_COMMITTED)
	setInstance(log, b, setCmd("x", "b"), 1, []InstanceID{a}, INSTANCE_COMMITTED)

	c.Check(s.pass(c, 0), gocheck.Equals, 2)
	c.Check(s.stores[0].history("x"), gocheck.DeepEquals, []string{"b", "a"})
}

func (s *ExecuteTest) TestCycleTieBrokenByID(c *gocheck.C) {
	log := s.managers[0].log
	a := NewInstanceID(s.ids[0], 1)
	b := NewInstanceID(s.ids[1], 1)
	setInstance(log, b, setCmd("x", "b"), 3, []InstanceID{a}, INSTANCE_COMMITTED)
	setInstance(log, a, setCmd("x", "a"), 3, []InstanceID{b}, INSTANCE_COMMITTED)

	c.Check(s.pass(c, 0), gocheck.Equals, 2)
	c.Check(s.stores[0].history("x"), gocheck.DeepEquals, []string{"a", "b"})
}

func (s *ExecuteTest) TestExecutedDepsDontBlock(c *gocheck.C) {
	log := s.managers[0].log
	first := NewInstanceID(s.ids[0], 1)
	setInstance(log, first, setCmd("x", "1"), 1, nil, INSTANCE_COMMITTED)
	c.Check(s.pass(c, 0), gocheck.Equals, 1)

	setInstance(log, NewInstanceID(s.ids[0], 2), setCmd("x", "2"), 2, []InstanceID{first}, INSTANCE_COMMITTED)
	c.Check(s.pass(c, 0), gocheck.Equals, 1)
	c.Check(s.stores[0].history("x"), gocheck.DeepEquals, []string{"1", "2"})
	c.Check(log.ExecutedWatermark(s.ids[0]), gocheck.Equals, uint64(2))
}

// committed instances that depend on uncommitted ones wait, along
// with everything depending on them. After the execute timeout
// the blocking instance is recovered
func (s *ExecuteTest) TestBlockedByUncommitted(c *gocheck.C) {
	log := s.managers[0].log
	blocked := NewInstanceID(s.ids[0], 1)
	independent := NewInstanceID(s.ids[0], 2)
	transitive := NewInstanceID(s.ids[0], 3)
	blocker := NewInstanceID(s.ids[1], 1)
	setInstance(log, blocker, setCmd("x", "b"), 1, nil, INSTANCE_PREACCEPTED)
	setInstance(log, blocked, setCmd("x", "1"), 2, []InstanceID{blocker}, INSTANCE_COMMITTED)
	setInstance(log, independent, setCmd("y", "1"), 1, nil, INSTANCE_COMMITTED)
	setInstance(log, transitive, setCmd("x", "3"), 3, []InstanceID{blocked}, INSTANCE_COMMITTED)

	c.Check(s.pass(c, 0), gocheck.Equals, 1)
	c.Check(s.stores[0].history("y"), gocheck.DeepEquals, []string{"1"})
	c.Check(s.stores[0].history("x"), gocheck.HasLen, 0)
	c.Check(s.stats[0].counter("execute.component.blocked.count"), gocheck.Equals, int64(2))

	s.clock.advance(s.config.ExecuteTimeout - time.Millisecond)
	c.Check(s.pass(c, 0), gocheck.Equals, 0)
	c.Check(s.stats[0].counter("execute.timeout.recover.count"), gocheck.Equals, int64(0))

	s.clock.advance(2 * time.Millisecond)
	c.Check(s.pass(c, 0), gocheck.Equals, 0)
	c.Check(s.stats[0].counter("execute.timeout.recover.count"), gocheck.Equals, int64(1))
	c.Check(log.Get(blocker).tracker.phase, gocheck.Equals, PHASE_PREPARE)

	s.network.deliverAll()
	c.Check(log.Get(blocker), statusAtLeast, INSTANCE_COMMITTED)
	c.Check(s.pass(c, 0), gocheck.Equals, 3)
	c.Check(s.stores[0].history("x"), gocheck.HasLen, 3)
	c.Check(log.PendingCount(), gocheck.Equals, 0)
}

// deps this replica has never seen are added to the log, so they can
// be recovered
func (s *ExecuteTest) TestMissingDependency(c *gocheck.C) {
	log := s.managers[0].log
	missing := NewInstanceID(s.ids[3], 2)
	setInstance(log, NewInstanceID(s.ids[0], 1), setCmd("x", "1"), 2, []InstanceID{missing}, INSTANCE_COMMITTED)

	c.Check(s.pass(c, 0), gocheck.Equals, 0)
	c.Assert(log.Get(missing), gocheck.NotNil)
	c.Check(log.Get(missing).Status, gocheck.Equals, INSTANCE_NONE)

	s.clock.advance(s.config.ExecuteTimeout)
	c.Check(s.pass(c, 0), gocheck.Equals, 0)
	s.network.deliverAll()

	// nobody had it, so it's a noop
	c.Check(log.Get(missing).Status, gocheck.Equals, INSTANCE_COMMITTED)
	c.Check(log.Get(missing).Command, gocheck.IsNil)
	c.Check(s.pass(c, 0), gocheck.Equals, 2)
	c.Check(s.stores[0].history("x"), gocheck.DeepEquals, []string{"1"})
}

// a restarted replica keeps its executed instances executed,
// and doesn't apply them to the state machine again
func (s *ExecuteTest) TestRestartSkipsExecuted(c *gocheck.C) {
	for i := 0; i < 10; i++ {
		replica := i % s.numNodes
		_, err := s.managers[replica].ProposeCommand(setCmd([]string{"x", "y", "z"}[i%3], string(rune('a'+i))))
		c.Assert(err, gocheck.IsNil)
		if i%2 == 1 {
			s.network.deliverAll()
		}
	}
	s.network.deliverAll()
	s.executeAll(c)

	state := s.stores[0]
	applied := len(state.instructions)
	c.Assert(applied, gocheck.Equals, 10)

	s.restartReplica(c, 0, state)
	log := s.managers[0].log
	c.Check(log.PendingCount(), gocheck.Equals, 0)
	c.Check(log.UncommittedCount(), gocheck.Equals, 0)
	for _, id := range s.ids {
		c.Check(log.ExecutedWatermark(id), gocheck.Equals, log.RowLength(id), gocheck.Commentf("row %v", id))
	}

	c.Check(s.pass(c, 0), gocheck.Equals, 0)
	c.Check(state.instructions, gocheck.HasLen, applied)
	for _, key := range []string{"x", "y", "z"} {
		c.Check(state.history(key), gocheck.DeepEquals, s.stores[1].history(key), gocheck.Commentf("key %v", key))
	}

	// new proposals continue the row
	id, err := s.managers[0].ProposeCommand(setCmd("x", "new"))
	c.Assert(err, gocheck.IsNil)
	c.Check(id.Number, gocheck.Equals, uint64(3))
}

// committed instances that weren't executed before a restart are
// executed once, in order, against the values executed instances wrote
func (s *ExecuteTest) TestRestartExecutesCommitted(c *gocheck.C) {
	log := s.managers[0].log
	first := NewInstanceID(s.ids[0], 1)
	second := NewInstanceID(s.ids[1], 1)
	third := NewInstanceID(s.ids[2], 1)

	setInstance(log, first, setCmd("x", "1"), 1, nil, INSTANCE_COMMITTED)
	c.Assert(s.pass(c, 0), gocheck.Equals, 1)
	setInstance(log, third, NewCommand(kvstore.CAS, []string{"x"}, []string{"2", "3"}, false), 3, []InstanceID{second}, INSTANCE_COMMITTED)
	setInstance(log, second, NewCommand(kvstore.CAS, []string{"x"}, []string{"1", "2"}, false), 2, []InstanceID{first}, INSTANCE_COMMITTED)

	// the store is rebuilt from what was persisted
	state := s.persisters[0].loadStore(c)
	value, err := state.GetRawKey("x")
	c.Assert(err, gocheck.IsNil)
	c.Check(value.Equal(kvstore.NewString("1")), gocheck.Equals, true)

	s.restartReplica(c, 0, state)
	log = s.managers[0].log
	c.Check(log.Get(first).Status, gocheck.Equals, INSTANCE_EXECUTED)
	c.Check(log.PendingCount(), gocheck.Equals, 2)

	c.Check(s.pass(c, 0), gocheck.Equals, 2)
	c.Check(state.history("x"), gocheck.DeepEquals, []string{"1", "2", "2", "3"})
	c.Check(state.instructions, gocheck.HasLen, 2)
	value, err = state.GetRawKey("x")
	c.Assert(err, gocheck.IsNil)
	c.Check(value.Equal(kvstore.NewString("3")), gocheck.Equals, true)

	c.Check(s.pass(c, 0), gocheck.Equals, 0)
	c.Check(state.instructions, gocheck.HasLen, 2)

	// a second restart finds everything executed
	s.restartReplica(c, 0, s.persisters[0].loadStore(c))
	c.Check(s.managers[0].log.PendingCount(), gocheck.Equals, 0)
	value, err = s.stores[0].GetRawKey("x")
	c.Assert(err, gocheck.IsNil)
	c.Check(value.Equal(kvstore.NewString("3")), gocheck.Equals, true)
}

func (s *ExecuteTest) TestStart(c *gocheck.C) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.executors[2].Start(ctx)

	_, err := s.managers[0].ProposeCommand(setCmd("x", "1"))
	c.Assert(err, gocheck.IsNil)
	s.network.deliverAll()

	deadline := time.Now().Add(5 * time.Second)
	for len(s.stores[2].history("x")) == 0 {
		c.Assert(time.Now().Before(deadline), gocheck.Equals, true, gocheck.Commentf("command wasn't executed"))
		time.Sleep(time.Millisecond)
	}
	c.Check(s.stores[2].history("x"), gocheck.DeepEquals, []string{"1"})
}
