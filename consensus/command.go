package consensus

import (
	"bufio"
	"fmt"
)

import (
	"github.com/bdeggleston/epaxos/serializer"
	"github.com/bdeggleston/epaxos/store"
)

import (
	"github.com/google/uuid"
)

// a client command. Commands are immutable once created
//
// a command with no keys is a barrier, and interferes with
// every other command. A nil command is a no-op, which is
// what an instance becomes if recovery can't find a value
// for it. No-ops interfere with nothing and are never applied
type Command struct {
	// identifies the client request
	ID uuid.UUID

	// the actual instruction to be executed
	Op   string
	Keys []string
	Args []string

	// read only commands don't interfere with each other
	ReadOnly bool
}

// the keys and args are copied, callers may reuse them
func NewCommand(op string, keys []string, args []string, readOnly bool) *Command {
	return newCommand(uuid.New(), store.NewInstruction(op, keys, args).Copy(), readOnly)
}

func newCommand(id uuid.UUID, instruction store.Instruction, readOnly bool) *Command {
	return &Command{
		ID:       id,
		Op:       instruction.Cmd,
		Keys:     instruction.Keys,
		Args:     instruction.Args,
		ReadOnly: readOnly,
	}
}

func (c *Command) IsNoop() bool {
	return c == nil
}

func (c *Command) IsBarrier() bool {
	return c != nil && len(c.Keys) == 0
}

// the store instruction this command applies
func (c *Command) Instruction() store.Instruction {
	return store.NewInstruction(c.Op, c.Keys, c.Args)
}

func (c *Command) Equal(o *Command) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.ID != o.ID || c.Op != o.Op || c.ReadOnly != o.ReadOnly {
		return false
	}
	return c.Instruction().Equal(o.Instruction())
}

func (c *Command) String() string {
	if c == nil {
		return "Command{noop}"
	}
	return fmt.Sprintf("Command{%v %v %v %v}", c.Op, c.Keys, c.Args, c.ID)
}

// returns true if executing a and b in different orders
// could produce different results. Symmetric, and only
// depends on the command contents
func Interferes(a, b *Command) bool {
	if a == nil || b == nil {
		return false
	}
	if a.ReadOnly && b.ReadOnly {
		return false
	}
	if len(a.Keys) == 0 || len(b.Keys) == 0 {
		return true
	}
	for _, ak := range a.Keys {
		for _, bk := range b.Keys {
			if ak == bk {
				return true
			}
		}
	}
	return false
}

// writes the command, prefixed with a flag
// indicating if it's a no-op
func writeCommand(buf *bufio.Writer, c *Command) error {
	if err := serializer.WriteBool(buf, c != nil); err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	id, _ := c.ID.MarshalBinary()
	if err := serializer.WriteFieldBytes(buf, id); err != nil {
		return err
	}
	if err := c.Instruction().Serialize(buf); err != nil {
		return err
	}
	return serializer.WriteBool(buf, c.ReadOnly)
}

func readCommand(buf *bufio.Reader) (*Command, error) {
	exists, err := serializer.ReadBool(buf)
	if err != nil || !exists {
		return nil, err
	}
	idBytes, err := serializer.ReadFieldBytes(buf)
	if err != nil {
		return nil, err
	}
	var id uuid.UUID
	if err := id.UnmarshalBinary(idBytes); err != nil {
		return nil, err
	}
	instruction := store.Instruction{}
	if err := instruction.Deserialize(buf); err != nil {
		return nil, err
	}
	readOnly, err := serializer.ReadBool(buf)
	if err != nil {
		return nil, err
	}
	return newCommand(id, instruction, readOnly), nil
}
