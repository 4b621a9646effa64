package store

import (
	"bufio"
)

import (
	"github.com/bdeggleston/epaxos/serializer"
)

// an instruction to be executed against
// the store. These objects should be
// considered immutable once instantiated
type Instruction struct {
	Cmd  string
	Keys []string
	Args []string
}

// creates a new instruction
func NewInstruction(cmd string, keys []string, args []string) Instruction {
	return Instruction{
		Cmd:  cmd,
		Keys: keys,
		Args: args,
	}
}

// returns the instruction's only key, or an empty
// string if it doesn't have exactly one
func (i Instruction) Key() string {
	if len(i.Keys) != 1 {
		return ""
	}
	return i.Keys[0]
}

// instruction equality test
func (i Instruction) Equal(o Instruction) bool {
	if i.Cmd != o.Cmd {
		return false
	}
	return stringsEqual(i.Keys, o.Keys) && stringsEqual(i.Args, o.Args)
}

func (i Instruction) Copy() Instruction {
	newInstr := Instruction{
		Cmd:  i.Cmd,
		Keys: make([]string, len(i.Keys)),
		Args: make([]string, len(i.Args)),
	}
	copy(newInstr.Keys, i.Keys)
	copy(newInstr.Args, i.Args)
	return newInstr
}

func (i Instruction) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteFieldString(buf, i.Cmd); err != nil {
		return err
	}
	if err := serializer.WriteFieldStrings(buf, i.Keys); err != nil {
		return err
	}
	if err := serializer.WriteFieldStrings(buf, i.Args); err != nil {
		return err
	}
	return nil
}

func (i *Instruction) Deserialize(buf *bufio.Reader) error {
	var err error
	if i.Cmd, err = serializer.ReadFieldString(buf); err != nil {
		return err
	}
	if i.Keys, err = serializer.ReadFieldStrings(buf); err != nil {
		return err
	}
	if i.Args, err = serializer.ReadFieldStrings(buf); err != nil {
		return err
	}
	return nil
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for n := range a {
		if a[n] != b[n] {
			return false
		}
	}
	return true
}
