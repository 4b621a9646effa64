package kvstore

import (
	"fmt"
)

import (
	"github.com/bdeggleston/epaxos/store"
)

func (s *KVStore) validateSet(instruction store.Instruction) error {
	if len(instruction.Keys) != 1 {
		return fmt.Errorf("SET expects 1 key, got %v", len(instruction.Keys))
	}
	if len(instruction.Args) != 1 {
		return fmt.Errorf("incorrect number of args for SET. Expected 1, got %v", len(instruction.Args))
	}
	return nil
}

// Set key to hold the string value. If key already holds a value, it is overwritten
func (s *KVStore) set(key string, val string) store.Value {
	value := NewString(val)
	s.data[key] = value
	return value
}
