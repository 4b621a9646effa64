package kvstore

import (
	"bufio"
)

import (
	"github.com/bdeggleston/epaxos/store"
)

// a value indicating a deletion
type Tombstone struct{}

func NewTombstone() *Tombstone {
	return &Tombstone{}
}

func (v *Tombstone) GetValueType() store.ValueType {
	return TOMBSTONE_VALUE
}

func (v *Tombstone) Equal(o store.Value) bool {
	_, ok := o.(*Tombstone)
	return ok
}

func (v *Tombstone) Serialize(buf *bufio.Writer) error {
	return nil
}

func (v *Tombstone) Deserialize(buf *bufio.Reader) error {
	return nil
}
