package store

import (
	"bufio"
)

// enum indicating type of value
type ValueType string

type Value interface {
	GetValueType() ValueType
	Equal(o Value) bool

	Serialize(buf *bufio.Writer) error
	Deserialize(buf *bufio.Reader) error
}

// the state machine replicated commands are applied to. Instructions
// are applied in the same order on every replica, so implementations
// must be deterministic
type Store interface {
	Start() error
	Stop() error

	// ----------- queries -----------

	// applies an instruction to the store and returns the result
	ExecuteInstruction(instruction Instruction) (Value, error)

	IsReadCommand(cmd string) bool
	IsWriteCommand(cmd string) bool

	// ----------- data import / export -----------
	// used to snapshot and restore the store around restarts

	// serializes a value
	SerializeValue(v Value) ([]byte, error)

	// deserializes a value
	DeserializeValue(b []byte) (Value, ValueType, error)

	// returns raw data associated with the given key, or an
	// error wrapping ErrKeyNotFound if there isn't any
	GetRawKey(key string) (Value, error)

	// sets the contents of the given key
	SetRawKey(key string, val Value) error

	// returns all of the keys held by the store
	GetKeys() []string
}
