package consensus

import (
	"bufio"
	"fmt"
	"strings"
)

import (
	"github.com/bdeggleston/epaxos/node"
	"github.com/bdeggleston/epaxos/serializer"
)

// ballots are totally ordered by epoch, then counter,
// then replica id
type Ballot struct {
	Epoch     uint32
	Counter   uint32
	ReplicaID node.NodeId
}

// the ballot an instance leader proposes with
func InitialBallot(epoch uint32, leader node.NodeId) Ballot {
	return Ballot{Epoch: epoch, Counter: 0, ReplicaID: leader}
}

// returns -1, 0, or 1 if b is less than, equal to,
// or greater than o
func (b Ballot) Compare(o Ballot) int {
	switch {
	case b.Epoch != o.Epoch:
		if b.Epoch < o.Epoch {
			return -1
		}
		return 1
	case b.Counter != o.Counter:
		if b.Counter < o.Counter {
			return -1
		}
		return 1
	default:
		return strings.Compare(string(b.ReplicaID), string(o.ReplicaID))
	}
}

func (b Ballot) Less(o Ballot) bool {
	return b.Compare(o) < 0
}

func (b Ballot) IsZero() bool {
	return b == Ballot{}
}

// returns the smallest ballot owned by the given
// replica that's greater than b
func (b Ballot) Next(replica node.NodeId) Ballot {
	return Ballot{Epoch: b.Epoch, Counter: b.Counter + 1, ReplicaID: replica}
}

// returns the greater of the two ballots
func maxBallot(a, b Ballot) Ballot {
	if a.Less(b) {
		return b
	}
	return a
}

func (b Ballot) String() string {
	return fmt.Sprintf("%v.%v.%v", b.Epoch, b.Counter, b.ReplicaID)
}

func writeBallot(buf *bufio.Writer, b Ballot) error {
	if err := serializer.WriteUint32(buf, b.Epoch); err != nil {
		return err
	}
	if err := serializer.WriteUint32(buf, b.Counter); err != nil {
		return err
	}
	return serializer.WriteFieldString(buf, string(b.ReplicaID))
}

func readBallot(buf *bufio.Reader) (Ballot, error) {
	b := Ballot{}
	var err error
	if b.Epoch, err = serializer.ReadUint32(buf); err != nil {
		return b, err
	}
	if b.Counter, err = serializer.ReadUint32(buf); err != nil {
		return b, err
	}
	id, err := serializer.ReadFieldString(buf)
	if err != nil {
		return b, err
	}
	b.ReplicaID = node.NodeId(id)
	return b, nil
}
