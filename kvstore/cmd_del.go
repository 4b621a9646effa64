package kvstore

import (
	"fmt"
)

import (
	"github.com/bdeggleston/epaxos/store"
)

func (s *KVStore) validateDel(instruction store.Instruction) error {
	if len(instruction.Keys) != 1 {
		return fmt.Errorf("DEL expects 1 key, got %v", len(instruction.Keys))
	}
	if len(instruction.Args) != 0 {
		return fmt.Errorf("incorrect number of args for DEL. Expected 0, got %v", len(instruction.Args))
	}
	return nil
}

// replaces the key with a tombstone. Deleting a key that
// doesn't exist returns a KeyError
func (s *KVStore) del(key string) (store.Value, error) {
	if _, err := s.get(key); err != nil {
		return nil, err
	}
	value := NewTombstone()
	s.data[key] = value
	return value, nil
}
