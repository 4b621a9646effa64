package consensus

import (
	"time"
)

import (
	"github.com/bdeggleston/epaxos/node"
)

type phase int

const (
	PHASE_PREACCEPT = phase(iota)
	PHASE_ACCEPT
	PHASE_PREPARE
	PHASE_TRYPREACCEPT

	// waiting to retry recovery after a ballot rejection
	PHASE_BACKOFF
)

func (p phase) String() string {
	switch p {
	case PHASE_PREACCEPT:
		return "preaccept"
	case PHASE_ACCEPT:
		return "accept"
	case PHASE_PREPARE:
		return "prepare"
	case PHASE_TRYPREACCEPT:
		return "trypreaccept"
	case PHASE_BACKOFF:
		return "backoff"
	}
	return "unknown"
}

// outstanding requests for the phase an instance is running
// on this replica. Replies that don't match the tracker's phase
// and ballot are discarded
type tracker struct {
	phase  phase
	ballot Ballot

	// replicas a request was sent to
	sentTo map[node.NodeId]bool

	// replies keyed by sender, for prepare
	// this includes the local record
	replies map[node.NodeId]InstanceMessage

	// when the phase times out
	deadline time.Time

	// number of times the requests were resent
	attempts int

	// try preaccept state. The candidate attributes,
	// and the replicas known to have preaccepted them
	candidate   *InstanceRecord
	preaccepted map[node.NodeId]bool
}

func newTracker(p phase, ballot Ballot, deadline time.Time) *tracker {
	return &tracker{
		phase:    p,
		ballot:   ballot,
		sentTo:   make(map[node.NodeId]bool),
		replies:  make(map[node.NodeId]InstanceMessage),
		deadline: deadline,
	}
}

// returns the replicas in the given list that haven't replied
func (t *tracker) nonResponders(replicas []node.NodeId) []node.NodeId {
	targets := make([]node.NodeId, 0, len(replicas))
	for _, replica := range replicas {
		if _, replied := t.replies[replica]; !replied {
			targets = append(targets, replica)
		}
	}
	return targets
}

// records a reply, returns false if the sender already replied
func (t *tracker) addReply(msg InstanceMessage) bool {
	if _, exists := t.replies[msg.GetSender()]; exists {
		return false
	}
	t.replies[msg.GetSender()] = msg
	return true
}
