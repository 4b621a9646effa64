package consensus

// quorum sizes for a replica set of N = 2F+1 replicas.
// All sizes include the replica running the phase
type Quorum struct {
	N int
	F int
}

func NewQuorum(numReplicas int) Quorum {
	return Quorum{N: numReplicas, F: (numReplicas - 1) / 2}
}

// F + ⌈(F+1)/2⌉
func (q Quorum) FastQuorumSize() int {
	return q.F + (q.F+2)/2
}

func (q Quorum) SlowQuorumSize() int {
	return q.F + 1
}

func (q Quorum) HasFastQuorum(n int) bool {
	return n >= q.FastQuorumSize()
}

func (q Quorum) HasSlowQuorum(n int) bool {
	return n >= q.SlowQuorumSize()
}

// the number of matching preaccepted records from replicas
// other than the leader a recoverer needs to see before it can
// accept the leader's original attributes. With the leader's own
// record they make a slow quorum
func (q Quorum) RecoveryAcceptThreshold() int {
	return q.N / 2
}

// the minimum number of matching preaccepted records a recovery
// quorum could contain if the instance committed on the fast path.
// Below RecoveryAcceptThreshold these need a try-preaccept round
func (q Quorum) RecoveryTryPreAcceptThreshold() int {
	return q.FastQuorumSize() - q.F
}
