package consensus

import (
	"bufio"
	"bytes"
)

import (
	"github.com/bdeggleston/epaxos/serializer"
	"github.com/bdeggleston/epaxos/store"
)

import (
	gocheck "gopkg.in/check.v1"
)

type CommandTest struct{}

var _ = gocheck.Suite(&CommandTest{})

func (s *CommandTest) TestInterference(c *gocheck.C) {
	cases := []struct {
		a, b      *Command
		interfere bool
	}{
		{setCmd("a", "1"), setCmd("a", "2"), true},
		{setCmd("a", "1"), setCmd("b", "2"), false},
		{setCmd("a", "1"), getCmd("a"), true},
		{getCmd("a"), getCmd("a"), false},
		{barrierCmd(), setCmd("b", "1"), true},
		{barrierCmd(), getCmd("b"), true},
		{barrierCmd(), barrierCmd(), true},
		{nil, setCmd("a", "1"), false},
		{nil, barrierCmd(), false},
		{nil, nil, false},
		{NewCommand("CAS", []string{"a", "b"}, nil, false), setCmd("b", "1"), true},
	}
	for i, tc := range cases {
		comment := gocheck.Commentf("case %v: %v / %v", i, tc.a, tc.b)
		c.Check(Interferes(tc.a, tc.b), gocheck.Equals, tc.interfere, comment)
		c.Check(Interferes(tc.b, tc.a), gocheck.Equals, tc.interfere, comment)
	}
}

func (s *CommandTest) TestEquality(c *gocheck.C) {
	cmd := setCmd("a", "1")
	other := *cmd
	c.Check(cmd.Equal(&other), gocheck.Equals, true)

	other.Args = []string{"2"}
	c.Check(cmd.Equal(&other), gocheck.Equals, false)

	// same contents, different client request
	c.Check(cmd.Equal(setCmd("a", "1")), gocheck.Equals, false)

	var noop *Command
	c.Check(noop.Equal(nil), gocheck.Equals, true)
	c.Check(noop.Equal(cmd), gocheck.Equals, false)
	c.Check(cmd.Equal(nil), gocheck.Equals, false)
}

func (s *CommandTest) TestKinds(c *gocheck.C) {
	var noop *Command
	c.Check(noop.IsNoop(), gocheck.Equals, true)
	c.Check(noop.IsBarrier(), gocheck.Equals, false)
	c.Check(barrierCmd().IsBarrier(), gocheck.Equals, true)
	c.Check(setCmd("a", "1").IsBarrier(), gocheck.Equals, false)
	c.Check(setCmd("a", "1").IsNoop(), gocheck.Equals, false)
}

func (s *CommandTest) TestCopiesArguments(c *gocheck.C) {
	keys := []string{"a"}
	args := []string{"1"}
	cmd := NewCommand("SET", keys, args, false)
	keys[0] = "b"
	args[0] = "2"
	c.Check(cmd.Keys, gocheck.DeepEquals, []string{"a"})
	c.Check(cmd.Args, gocheck.DeepEquals, []string{"1"})
}

func (s *CommandTest) TestSerialization(c *gocheck.C) {
	for _, src := range []*Command{setCmd("a", "1"), getCmd("a"), barrierCmd(), nil} {
		buf := &bytes.Buffer{}
		writer := bufio.NewWriter(buf)
		c.Assert(writeCommand(writer, src), gocheck.IsNil)
		c.Assert(writer.Flush(), gocheck.IsNil)

		dst, err := readCommand(bufio.NewReader(buf))
		c.Assert(err, gocheck.IsNil)
		c.Check(dst.Equal(src), gocheck.Equals, true, gocheck.Commentf("%v", src))
	}
}

// the command body is encoded as a store instruction
func (s *CommandTest) TestInstructionEncoding(c *gocheck.C) {
	cmd := NewCommand("CAS", []string{"a"}, []string{"1", "2"}, false)
	buf := &bytes.Buffer{}
	writer := bufio.NewWriter(buf)
	c.Assert(writeCommand(writer, cmd), gocheck.IsNil)
	c.Assert(writer.Flush(), gocheck.IsNil)

	reader := bufio.NewReader(buf)
	exists, err := serializer.ReadBool(reader)
	c.Assert(err, gocheck.IsNil)
	c.Check(exists, gocheck.Equals, true)
	_, err = serializer.ReadFieldBytes(reader)
	c.Assert(err, gocheck.IsNil)

	instruction := store.Instruction{}
	c.Assert(instruction.Deserialize(reader), gocheck.IsNil)
	c.Check(instruction.Equal(cmd.Instruction()), gocheck.Equals, true)
}
