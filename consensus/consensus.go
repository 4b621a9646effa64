/*
Egalitarian paxos replication engine

http://www.pdl.cmu.edu/PDL-FTP/associated/CMU-PDL-12-108.pdf
http://sigops.org/sosp/sosp13/papers/p358-moraru.pdf
*/
package consensus

import (
	"time"
)

import (
	"github.com/bdeggleston/epaxos/message"
	"github.com/bdeggleston/epaxos/node"
)

import (
	logging "github.com/op/go-logging"
)

var logger = logging.MustGetLogger("consensus")

// sends a message to a peer. Delivery is at-least-once at best,
// messages may be dropped, reordered, or duplicated
type Transport interface {
	Send(to node.NodeId, msg message.Message) error
}

// protocol timing and behavior
type Config struct {
	// the ballot epoch this replica proposes with
	Epoch uint32

	// only send preaccept/accept messages to the
	// minimum number of replicas needed for a quorum
	Thrifty bool

	// how long to wait for phase replies
	// before resending to non responders
	PreAcceptTimeout time.Duration
	AcceptTimeout    time.Duration
	PrepareTimeout   time.Duration

	// number of times a phase message is resent at
	// the same ballot before escalating to prepare
	MaxResends int

	// how long an uncommitted instance can sit idle
	// before this replica tries to recover it
	CommitTimeout time.Duration

	// how long a committed instance can be blocked
	// from execution before its blockers are recovered
	ExecuteTimeout time.Duration

	// how often the executor runs without a commit notification
	ExecuteInterval time.Duration

	// base delay before retrying after a rejected ballot,
	// actual delay is randomized between Backoff and 2*Backoff
	Backoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Epoch:            0,
		Thrifty:          false,
		PreAcceptTimeout: 500 * time.Millisecond,
		AcceptTimeout:    500 * time.Millisecond,
		PrepareTimeout:   500 * time.Millisecond,
		MaxResends:       2,
		CommitTimeout:    2 * time.Second,
		ExecuteTimeout:   1 * time.Second,
		ExecuteInterval:  50 * time.Millisecond,
		Backoff:          100 * time.Millisecond,
	}
}
