package kvstore

import (
	"bufio"
	"fmt"
	"io"
)

import (
	"github.com/bdeggleston/epaxos/serializer"
	"github.com/bdeggleston/epaxos/store"
)

const (
	STRING_VALUE    = store.ValueType("STRING")
	TOMBSTONE_VALUE = store.ValueType("TOMBSTONE")
)

// writes the type and contents of a value
func WriteValue(buf io.Writer, value store.Value) error {
	writer := bufio.NewWriter(buf)
	if err := serializer.WriteFieldString(writer, string(value.GetValueType())); err != nil {
		return err
	}
	if err := value.Serialize(writer); err != nil {
		return err
	}
	return writer.Flush()
}

// reads a value written by WriteValue
func ReadValue(buf io.Reader) (store.Value, store.ValueType, error) {
	reader := bufio.NewReader(buf)
	typeName, err := serializer.ReadFieldString(reader)
	if err != nil {
		return nil, "", err
	}
	vtype := store.ValueType(typeName)

	var value store.Value
	switch vtype {
	case STRING_VALUE:
		value = &String{}
	case TOMBSTONE_VALUE:
		value = &Tombstone{}
	default:
		return nil, "", fmt.Errorf("Unexpected value type: %v", vtype)
	}

	if err := value.Deserialize(reader); err != nil {
		return nil, "", err
	}
	return value, vtype, nil
}
