package consensus

import (
	"bufio"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

import (
	"github.com/bdeggleston/epaxos/node"
	"github.com/bdeggleston/epaxos/serializer"
)

type InstanceStatus byte

const (
	INSTANCE_NONE = InstanceStatus(iota)
	INSTANCE_PREACCEPTED
	INSTANCE_ACCEPTED
	INSTANCE_COMMITTED
	INSTANCE_EXECUTED
)

func (s InstanceStatus) String() string {
	switch s {
	case INSTANCE_NONE:
		return "NONE"
	case INSTANCE_PREACCEPTED:
		return "PREACCEPTED"
	case INSTANCE_ACCEPTED:
		return "ACCEPTED"
	case INSTANCE_COMMITTED:
		return "COMMITTED"
	case INSTANCE_EXECUTED:
		return "EXECUTED"
	}
	return fmt.Sprintf("InstanceStatus(%d)", byte(s))
}

// legal status transitions. Accepted can go back to preaccepted
// when a higher ballot recovery restarts the preaccept phase
var statusTransitions = map[InstanceStatus][]InstanceStatus{
	INSTANCE_NONE:        {INSTANCE_PREACCEPTED, INSTANCE_ACCEPTED, INSTANCE_COMMITTED},
	INSTANCE_PREACCEPTED: {INSTANCE_PREACCEPTED, INSTANCE_ACCEPTED, INSTANCE_COMMITTED},
	INSTANCE_ACCEPTED:    {INSTANCE_PREACCEPTED, INSTANCE_ACCEPTED, INSTANCE_COMMITTED},
	INSTANCE_COMMITTED:   {INSTANCE_EXECUTED},
	INSTANCE_EXECUTED:    {},
}

func canTransition(from, to InstanceStatus) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// identifies an instance slot: the replica whose row
// it's in, and its position in that row, starting at 1
type InstanceID struct {
	ReplicaID node.NodeId
	Number    uint64
}

func NewInstanceID(replica node.NodeId, number uint64) InstanceID {
	return InstanceID{ReplicaID: replica, Number: number}
}

func (i InstanceID) String() string {
	return fmt.Sprintf("%v.%v", i.ReplicaID, i.Number)
}

func (i InstanceID) IsZero() bool {
	return i.Number == 0
}

// orders ids by replica id, then instance number
func (i InstanceID) Less(o InstanceID) bool {
	if c := strings.Compare(string(i.ReplicaID), string(o.ReplicaID)); c != 0 {
		return c < 0
	}
	return i.Number < o.Number
}

func writeInstanceID(buf *bufio.Writer, id InstanceID) error {
	if err := serializer.WriteFieldString(buf, string(id.ReplicaID)); err != nil {
		return err
	}
	return serializer.WriteUint64(buf, id.Number)
}

func readInstanceID(buf *bufio.Reader) (InstanceID, error) {
	id := InstanceID{}
	replica, err := serializer.ReadFieldString(buf)
	if err != nil {
		return id, err
	}
	id.ReplicaID = node.NodeId(replica)
	id.Number, err = serializer.ReadUint64(buf)
	return id, err
}

type Instance struct {
	// the id of this instance
	ID InstanceID

	// the command to be executed, nil for no-ops
	Command *Command

	// breaks ties between instances in the same
	// strongly connected component
	Seq uint64

	// the instances that must be executed before this one
	Deps InstanceIDSet

	// the highest ballot this replica has promised
	// to participate in for this instance
	Ballot Ballot

	// the ballot command, seq, and deps were last written at
	AcceptedBallot Ballot

	// the current status of this instance
	Status InstanceStatus

	// indicates that the seq and deps this replica computed
	// during preaccept matched the ones sent by the leader.
	// Recovery uses this to identify instances that may have
	// been committed on the fast path
	LeaderMatch bool

	// command, seq, deps and status are written while holding
	// both this lock and the log lock, and can be read while
	// holding either
	lock sync.Mutex

	// the phase this replica is running for the instance, if any
	// * not message serialized *
	tracker *tracker

	// indicates the time that we can stop waiting
	// for a commit on this instance, and recover it
	// * not message serialized *
	commitTimeout time.Time
}

func newInstance(id InstanceID) *Instance {
	return &Instance{
		ID:   id,
		Deps: NewInstanceIDSet(nil),
	}
}

// updates the instance status, panics if the transition is not
// allowed, since that indicates a protocol implementation bug
func (i *Instance) setStatus(status InstanceStatus) {
	if !canTransition(i.Status, status) {
		panic(NewInvalidStatusUpdateError("invalid status transition for %v: %v -> %v", i.ID, i.Status, status))
	}
	i.Status = status
}

func (i *Instance) isCommitted() bool {
	return i.Status >= INSTANCE_COMMITTED
}

// returns a copy of the instance's replicated state
func (i *Instance) record() *InstanceRecord {
	return &InstanceRecord{
		ID:             i.ID,
		Command:        i.Command,
		Seq:            i.Seq,
		Deps:           i.Deps.Sorted(),
		Ballot:         i.Ballot,
		AcceptedBallot: i.AcceptedBallot,
		Status:         i.Status,
		LeaderMatch:    i.LeaderMatch,
	}
}

func (i *Instance) String() string {
	return fmt.Sprintf("Instance{%v %v seq:%v deps:%v ballot:%v %v}", i.ID, i.Status, i.Seq, i.Deps, i.Ballot, i.Command)
}

// a serializable snapshot of an instance, used for
// persistence and recovery messages
type InstanceRecord struct {
	ID             InstanceID
	Command        *Command
	Seq            uint64
	Deps           []InstanceID
	Ballot         Ballot
	AcceptedBallot Ballot
	Status         InstanceStatus
	LeaderMatch    bool
}

// true if the records agree on command, seq and deps
func (r *InstanceRecord) attributesEqual(o *InstanceRecord) bool {
	if r.Seq != o.Seq || !r.Command.Equal(o.Command) {
		return false
	}
	return NewInstanceIDSet(r.Deps).Equal(NewInstanceIDSet(o.Deps))
}

func (r *InstanceRecord) Serialize(buf *bufio.Writer) error {
	if err := writeInstanceID(buf, r.ID); err != nil {
		return err
	}
	if err := writeCommand(buf, r.Command); err != nil {
		return err
	}
	if err := serializer.WriteUint64(buf, r.Seq); err != nil {
		return err
	}
	if err := writeInstanceIDs(buf, r.Deps); err != nil {
		return err
	}
	if err := writeBallot(buf, r.Ballot); err != nil {
		return err
	}
	if err := writeBallot(buf, r.AcceptedBallot); err != nil {
		return err
	}
	if err := buf.WriteByte(byte(r.Status)); err != nil {
		return err
	}
	return serializer.WriteBool(buf, r.LeaderMatch)
}

func (r *InstanceRecord) Deserialize(buf *bufio.Reader) error {
	var err error
	if r.ID, err = readInstanceID(buf); err != nil {
		return err
	}
	if r.Command, err = readCommand(buf); err != nil {
		return err
	}
	if r.Seq, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	if r.Deps, err = readInstanceIDs(buf); err != nil {
		return err
	}
	if r.Ballot, err = readBallot(buf); err != nil {
		return err
	}
	if r.AcceptedBallot, err = readBallot(buf); err != nil {
		return err
	}
	status, err := buf.ReadByte()
	if err != nil {
		return err
	}
	r.Status = InstanceStatus(status)
	if r.Status > INSTANCE_EXECUTED {
		return fmt.Errorf("invalid instance status: %v", status)
	}
	r.LeaderMatch, err = serializer.ReadBool(buf)
	return err
}

const maxInstanceIDs = 1 << 20

func writeInstanceIDs(buf *bufio.Writer, ids []InstanceID) error {
	if err := serializer.WriteUint32(buf, uint32(len(ids))); err != nil {
		return err
	}
	for _, id := range ids {
		if err := writeInstanceID(buf, id); err != nil {
			return err
		}
	}
	return nil
}

func readInstanceIDs(buf *bufio.Reader) ([]InstanceID, error) {
	num, err := serializer.ReadUint32(buf)
	if err != nil {
		return nil, err
	}
	if num > maxInstanceIDs {
		return nil, fmt.Errorf("instance id count %v exceeds maximum of %v", num, maxInstanceIDs)
	}
	ids := make([]InstanceID, 0, num)
	for n := uint32(0); n < num; n++ {
		id, err := readInstanceID(buf)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// sorts instance ids by replica id and instance number
func sortInstanceIDs(ids []InstanceID) {
	sort.Slice(ids, func(x, y int) bool { return ids[x].Less(ids[y]) })
}
