package kvstore

import (
	"bufio"
)

import (
	"github.com/bdeggleston/epaxos/serializer"
	"github.com/bdeggleston/epaxos/store"
)

// a single value used for
// key/val types
type String struct {
	data string
}

// single value constructor
func NewString(data string) *String {
	return &String{data: data}
}

func (v *String) GetValue() string {
	return v.data
}

func (v *String) GetValueType() store.ValueType {
	return STRING_VALUE
}

func (v *String) Equal(o store.Value) bool {
	other, ok := o.(*String)
	if !ok {
		return false
	}
	return v.data == other.data
}

func (v *String) Serialize(buf *bufio.Writer) error {
	return serializer.WriteFieldString(buf, v.data)
}

func (v *String) Deserialize(buf *bufio.Reader) error {
	val, err := serializer.ReadFieldString(buf)
	if err != nil {
		return err
	}
	v.data = val
	return nil
}
