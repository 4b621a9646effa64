package consensus

import (
	gocheck "gopkg.in/check.v1"
)

type QuorumTest struct{}

var _ = gocheck.Suite(&QuorumTest{})

func (s *QuorumTest) TestSizes(c *gocheck.C) {
	cases := []struct {
		n, f, fast, slow, accept, try int
	}{
		{1, 0, 1, 1, 0, 1},
		{3, 1, 2, 2, 1, 1},
		{5, 2, 4, 3, 2, 2},
		{7, 3, 5, 4, 3, 2},
		{9, 4, 7, 5, 4, 3},
	}
	for _, tc := range cases {
		q := NewQuorum(tc.n)
		comment := gocheck.Commentf("N=%v", tc.n)
		c.Check(q.F, gocheck.Equals, tc.f, comment)
		c.Check(q.FastQuorumSize(), gocheck.Equals, tc.fast, comment)
		c.Check(q.SlowQuorumSize(), gocheck.Equals, tc.slow, comment)
		c.Check(q.RecoveryAcceptThreshold(), gocheck.Equals, tc.accept, comment)
		c.Check(q.RecoveryTryPreAcceptThreshold(), gocheck.Equals, tc.try, comment)
	}
}

// any fast quorum and slow quorum must intersect in
// more than half of the fast quorum minus the leader
func (s *QuorumTest) TestIntersection(c *gocheck.C) {
	for n := 3; n <= 15; n += 2 {
		q := NewQuorum(n)
		c.Check(q.FastQuorumSize()+q.SlowQuorumSize() > n, gocheck.Equals, true)
		c.Check(2*q.SlowQuorumSize() > n, gocheck.Equals, true)
		c.Check(q.FastQuorumSize() <= n, gocheck.Equals, true)
	}
}

func (s *QuorumTest) TestPredicates(c *gocheck.C) {
	q := NewQuorum(5)
	c.Check(q.HasFastQuorum(3), gocheck.Equals, false)
	c.Check(q.HasFastQuorum(4), gocheck.Equals, true)
	c.Check(q.HasSlowQuorum(2), gocheck.Equals, false)
	c.Check(q.HasSlowQuorum(3), gocheck.Equals, true)
}
