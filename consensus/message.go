package consensus

import (
	"bufio"
)

import (
	"github.com/bdeggleston/epaxos/message"
	"github.com/bdeggleston/epaxos/node"
	"github.com/bdeggleston/epaxos/serializer"
)

const (
	MSG_PREACCEPT_REQUEST = uint32(101 + iota)
	MSG_PREACCEPT_RESPONSE
	MSG_ACCEPT_REQUEST
	MSG_ACCEPT_RESPONSE
	MSG_COMMIT_REQUEST
	MSG_PREPARE_REQUEST
	MSG_PREPARE_RESPONSE
	MSG_TRYPREACCEPT_REQUEST
	MSG_TRYPREACCEPT_RESPONSE
)

// all consensus messages are about a single instance
type InstanceMessage interface {
	message.Message
	GetSender() node.NodeId
	GetInstanceID() InstanceID
	GetBallot() Ballot
}

// fields common to every consensus message
type messageHeader struct {
	// the replica that sent the message
	From node.NodeId

	ID InstanceID

	// requests carry the sender's ballot, responses
	// carry the highest ballot the responder has seen
	Ballot Ballot
}

func (m *messageHeader) GetSender() node.NodeId    { return m.From }
func (m *messageHeader) GetInstanceID() InstanceID { return m.ID }
func (m *messageHeader) GetBallot() Ballot         { return m.Ballot }

func (m *messageHeader) serializeHeader(buf *bufio.Writer) error {
	if err := serializer.WriteFieldString(buf, string(m.From)); err != nil {
		return err
	}
	if err := writeInstanceID(buf, m.ID); err != nil {
		return err
	}
	return writeBallot(buf, m.Ballot)
}

func (m *messageHeader) deserializeHeader(buf *bufio.Reader) error {
	from, err := serializer.ReadFieldString(buf)
	if err != nil {
		return err
	}
	m.From = node.NodeId(from)
	if m.ID, err = readInstanceID(buf); err != nil {
		return err
	}
	m.Ballot, err = readBallot(buf)
	return err
}

// command, seq and deps of an instance
type instanceAttributes struct {
	Command *Command
	Seq     uint64
	Deps    []InstanceID
}

func (a *instanceAttributes) serializeAttributes(buf *bufio.Writer) error {
	if err := writeCommand(buf, a.Command); err != nil {
		return err
	}
	if err := serializer.WriteUint64(buf, a.Seq); err != nil {
		return err
	}
	return writeInstanceIDs(buf, a.Deps)
}

func (a *instanceAttributes) deserializeAttributes(buf *bufio.Reader) error {
	var err error
	if a.Command, err = readCommand(buf); err != nil {
		return err
	}
	if a.Seq, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	a.Deps, err = readInstanceIDs(buf)
	return err
}

func newAttributes(instance *Instance) instanceAttributes {
	return instanceAttributes{
		Command: instance.Command,
		Seq:     instance.Seq,
		Deps:    instance.Deps.Sorted(),
	}
}

// sent by the command leader to replicas
type PreAcceptRequest struct {
	messageHeader
	instanceAttributes
}

func (m *PreAcceptRequest) GetType() uint32 { return MSG_PREACCEPT_REQUEST }

func (m *PreAcceptRequest) Serialize(buf *bufio.Writer) error {
	if err := m.serializeHeader(buf); err != nil {
		return err
	}
	return m.serializeAttributes(buf)
}

func (m *PreAcceptRequest) Deserialize(buf *bufio.Reader) error {
	if err := m.deserializeHeader(buf); err != nil {
		return err
	}
	return m.deserializeAttributes(buf)
}

type PreAcceptResponse struct {
	messageHeader

	// indicates the remote node ignored the
	// preaccept due to an out of date ballot
	Accepted bool

	// the replica's seq and deps differ from the leader's
	Changed bool

	// the replica already has the instance committed,
	// the attributes are the committed ones
	Committed bool

	instanceAttributes
}

func (m *PreAcceptResponse) GetType() uint32 { return MSG_PREACCEPT_RESPONSE }

func (m *PreAcceptResponse) Serialize(buf *bufio.Writer) error {
	if err := m.serializeHeader(buf); err != nil {
		return err
	}
	for _, b := range []bool{m.Accepted, m.Changed, m.Committed} {
		if err := serializer.WriteBool(buf, b); err != nil {
			return err
		}
	}
	return m.serializeAttributes(buf)
}

func (m *PreAcceptResponse) Deserialize(buf *bufio.Reader) error {
	if err := m.deserializeHeader(buf); err != nil {
		return err
	}
	for _, b := range []*bool{&m.Accepted, &m.Changed, &m.Committed} {
		v, err := serializer.ReadBool(buf)
		if err != nil {
			return err
		}
		*b = v
	}
	return m.deserializeAttributes(buf)
}

type AcceptRequest struct {
	messageHeader
	instanceAttributes
}

func (m *AcceptRequest) GetType() uint32 { return MSG_ACCEPT_REQUEST }

func (m *AcceptRequest) Serialize(buf *bufio.Writer) error {
	if err := m.serializeHeader(buf); err != nil {
		return err
	}
	return m.serializeAttributes(buf)
}

func (m *AcceptRequest) Deserialize(buf *bufio.Reader) error {
	if err := m.deserializeHeader(buf); err != nil {
		return err
	}
	return m.deserializeAttributes(buf)
}

type AcceptResponse struct {
	messageHeader

	// indicates the remote node ignored the
	// accept due to an out of date ballot
	Accepted bool

	// the replica already has the instance committed,
	// the attributes are the committed ones
	Committed bool

	instanceAttributes
}

func (m *AcceptResponse) GetType() uint32 { return MSG_ACCEPT_RESPONSE }

func (m *AcceptResponse) Serialize(buf *bufio.Writer) error {
	if err := m.serializeHeader(buf); err != nil {
		return err
	}
	if err := serializer.WriteBool(buf, m.Accepted); err != nil {
		return err
	}
	if err := serializer.WriteBool(buf, m.Committed); err != nil {
		return err
	}
	return m.serializeAttributes(buf)
}

func (m *AcceptResponse) Deserialize(buf *bufio.Reader) error {
	if err := m.deserializeHeader(buf); err != nil {
		return err
	}
	var err error
	if m.Accepted, err = serializer.ReadBool(buf); err != nil {
		return err
	}
	if m.Committed, err = serializer.ReadBool(buf); err != nil {
		return err
	}
	return m.deserializeAttributes(buf)
}

// commits are not acknowledged
type CommitRequest struct {
	messageHeader
	instanceAttributes
}

func (m *CommitRequest) GetType() uint32 { return MSG_COMMIT_REQUEST }

func (m *CommitRequest) Serialize(buf *bufio.Writer) error {
	if err := m.serializeHeader(buf); err != nil {
		return err
	}
	return m.serializeAttributes(buf)
}

func (m *CommitRequest) Deserialize(buf *bufio.Reader) error {
	if err := m.deserializeHeader(buf); err != nil {
		return err
	}
	return m.deserializeAttributes(buf)
}

type PrepareRequest struct {
	messageHeader
}

func (m *PrepareRequest) GetType() uint32 { return MSG_PREPARE_REQUEST }

func (m *PrepareRequest) Serialize(buf *bufio.Writer) error {
	return m.serializeHeader(buf)
}

func (m *PrepareRequest) Deserialize(buf *bufio.Reader) error {
	return m.deserializeHeader(buf)
}

type PrepareResponse struct {
	messageHeader

	// indicates the remote node ignored the
	// prepare due to an out of date ballot
	Accepted bool

	// the responder's record of the instance,
	// nil if it has never seen it
	Record *InstanceRecord
}

func (m *PrepareResponse) GetType() uint32 { return MSG_PREPARE_RESPONSE }

func (m *PrepareResponse) Serialize(buf *bufio.Writer) error {
	if err := m.serializeHeader(buf); err != nil {
		return err
	}
	if err := serializer.WriteBool(buf, m.Accepted); err != nil {
		return err
	}
	if err := serializer.WriteBool(buf, m.Record != nil); err != nil {
		return err
	}
	if m.Record != nil {
		return m.Record.Serialize(buf)
	}
	return nil
}

func (m *PrepareResponse) Deserialize(buf *bufio.Reader) error {
	if err := m.deserializeHeader(buf); err != nil {
		return err
	}
	var err error
	if m.Accepted, err = serializer.ReadBool(buf); err != nil {
		return err
	}
	exists, err := serializer.ReadBool(buf)
	if err != nil {
		return err
	}
	if exists {
		m.Record = &InstanceRecord{}
		return m.Record.Deserialize(buf)
	}
	return nil
}

// asks a replica to preaccept attributes that a recoverer
// suspects may have been committed on the fast path
type TryPreAcceptRequest struct {
	messageHeader
	instanceAttributes
}

func (m *TryPreAcceptRequest) GetType() uint32 { return MSG_TRYPREACCEPT_REQUEST }

func (m *TryPreAcceptRequest) Serialize(buf *bufio.Writer) error {
	if err := m.serializeHeader(buf); err != nil {
		return err
	}
	return m.serializeAttributes(buf)
}

func (m *TryPreAcceptRequest) Deserialize(buf *bufio.Reader) error {
	if err := m.deserializeHeader(buf); err != nil {
		return err
	}
	return m.deserializeAttributes(buf)
}

type TryPreAcceptResponse struct {
	messageHeader

	// the replica preaccepted the attributes
	Accepted bool

	// an interfering instance that isn't ordered
	// relative to the proposed attributes
	HasConflict       bool
	ConflictID        InstanceID
	ConflictCommitted bool
}

func (m *TryPreAcceptResponse) GetType() uint32 { return MSG_TRYPREACCEPT_RESPONSE }

func (m *TryPreAcceptResponse) Serialize(buf *bufio.Writer) error {
	if err := m.serializeHeader(buf); err != nil {
		return err
	}
	if err := serializer.WriteBool(buf, m.Accepted); err != nil {
		return err
	}
	if err := serializer.WriteBool(buf, m.HasConflict); err != nil {
		return err
	}
	if err := writeInstanceID(buf, m.ConflictID); err != nil {
		return err
	}
	return serializer.WriteBool(buf, m.ConflictCommitted)
}

func (m *TryPreAcceptResponse) Deserialize(buf *bufio.Reader) error {
	if err := m.deserializeHeader(buf); err != nil {
		return err
	}
	var err error
	if m.Accepted, err = serializer.ReadBool(buf); err != nil {
		return err
	}
	if m.HasConflict, err = serializer.ReadBool(buf); err != nil {
		return err
	}
	if m.ConflictID, err = readInstanceID(buf); err != nil {
		return err
	}
	m.ConflictCommitted, err = serializer.ReadBool(buf)
	return err
}

func init() {
	message.RegisterMessage(MSG_PREACCEPT_REQUEST, func() message.Message { return &PreAcceptRequest{} })
	message.RegisterMessage(MSG_PREACCEPT_RESPONSE, func() message.Message { return &PreAcceptResponse{} })
	message.RegisterMessage(MSG_ACCEPT_REQUEST, func() message.Message { return &AcceptRequest{} })
	message.RegisterMessage(MSG_ACCEPT_RESPONSE, func() message.Message { return &AcceptResponse{} })
	message.RegisterMessage(MSG_COMMIT_REQUEST, func() message.Message { return &CommitRequest{} })
	message.RegisterMessage(MSG_PREPARE_REQUEST, func() message.Message { return &PrepareRequest{} })
	message.RegisterMessage(MSG_PREPARE_RESPONSE, func() message.Message { return &PrepareResponse{} })
	message.RegisterMessage(MSG_TRYPREACCEPT_REQUEST, func() message.Message { return &TryPreAcceptRequest{} })
	message.RegisterMessage(MSG_TRYPREACCEPT_RESPONSE, func() message.Message { return &TryPreAcceptResponse{} })
}
