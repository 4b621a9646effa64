package consensus

import (
	"fmt"
	"math/rand"
	"time"
)

import (
	gocheck "gopkg.in/check.v1"
)

// proposes interfering commands from every replica while messages
// are delivered in random order and some are lost, then checks that
// every replica executed each key's commands in the same order
type SafetyTest struct {
	baseReplicaTest
}

var _ = gocheck.Suite(&SafetyTest{})

func (s *SafetyTest) allCommitted() bool {
	ids := s.knownIDs()
	for _, manager := range s.managers {
		for _, id := range ids {
			instance := manager.log.Get(id)
			if instance == nil {
				return false
			}
			instance.lock.Lock()
			committed := instance.isCommitted()
			instance.lock.Unlock()
			if !committed {
				return false
			}
		}
	}
	return true
}

// returns every instance id in any replica's log
func (s *SafetyTest) knownIDs() []InstanceID {
	known := NewInstanceIDSet(nil)
	for _, manager := range s.managers {
		for _, record := range manager.log.Records() {
			known.Add(record.ID)
		}
	}
	return known.Sorted()
}

// recovers instances each replica hasn't committed
func (s *SafetyTest) recoverMissing() {
	ids := s.knownIDs()
	for _, manager := range s.managers {
		for _, id := range ids {
			instance := manager.log.Get(id)
			if instance != nil {
				instance.lock.Lock()
				busy := instance.isCommitted() || instance.tracker != nil
				instance.lock.Unlock()
				if busy {
					continue
				}
			}
			manager.Recover(id)
		}
	}
}

func (s *SafetyTest) run(c *gocheck.C, seed int64, proposals int, dropRate float64) {
	rng := rand.New(rand.NewSource(seed))
	s.network.rand = rand.New(rand.NewSource(seed))
	keys := []string{"a", "b", "c"}

	for i := 0; i < proposals; i++ {
		replica := rng.Intn(s.numNodes)
		var cmd *Command
		switch rng.Intn(10) {
		case 0:
			cmd = barrierCmd()
		case 1:
			cmd = getCmd(keys[rng.Intn(len(keys))])
		default:
			cmd = setCmd(keys[rng.Intn(len(keys))], fmt.Sprintf("%v", i))
		}
		_, err := s.managers[replica].ProposeCommand(cmd)
		c.Assert(err, gocheck.IsNil)

		for j := rng.Intn(20); j > 0; j-- {
			msg, ok := s.network.popRandom()
			if !ok {
				break
			}
			if rng.Float64() < dropRate {
				continue
			}
			s.network.handle(msg)
		}
		if rng.Intn(5) == 0 {
			s.clock.advance(time.Duration(rng.Intn(300)) * time.Millisecond)
			s.tick()
		}
	}

	for round := 0; !s.allCommitted(); round++ {
		c.Assert(round < 50, gocheck.Equals, true, gocheck.Commentf("instances didn't commit"))
		s.advance(2 * s.config.CommitTimeout)
		s.recoverMissing()
		s.network.deliverAll()
	}

	for pass := 0; pass < 3; pass++ {
		s.executeAll(c)
	}

	for i, manager := range s.managers {
		c.Check(manager.log.PendingCount(), gocheck.Equals, 0)
		c.Check(s.stats[i].counter("commit.conflict.count"), gocheck.Equals, int64(0))
		c.Check(s.persisters[i].ballotRegressions, gocheck.Equals, 0)
	}
	for _, key := range keys {
		expected := s.stores[0].history(key)
		for i := 1; i < s.numNodes; i++ {
			c.Check(s.stores[i].history(key), gocheck.DeepEquals, expected, gocheck.Commentf("key %v on %v", key, s.ids[i]))
		}
	}
}

func (s *SafetyTest) TestReliableNetwork(c *gocheck.C) {
	s.run(c, 1, 100, 0)
}

func (s *SafetyTest) TestLossyNetwork(c *gocheck.C) {
	for seed := int64(2); seed < 5; seed++ {
		s.SetUpTest(c)
		s.run(c, seed, 100, 0.1)
	}
}
