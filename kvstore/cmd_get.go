package kvstore

import (
	"fmt"
)

import (
	"github.com/bdeggleston/epaxos/store"
)

func (s *KVStore) validateGet(instruction store.Instruction) error {
	if len(instruction.Keys) != 1 {
		return fmt.Errorf("GET expects 1 key, got %v", len(instruction.Keys))
	}
	if len(instruction.Args) != 0 {
		return fmt.Errorf("GET expects 0 args, got %v", len(instruction.Args))
	}
	return nil
}

// Get the value of key. Missing and deleted keys return a KeyError
func (s *KVStore) get(key string) (*String, error) {
	existing, ok := s.data[key]
	if !ok {
		return nil, NewKeyError("key [%v] does not exist", key)
	}
	switch val := existing.(type) {
	case *String:
		return val, nil
	case *Tombstone:
		return nil, NewKeyError("key [%v] does not exist", key)
	default:
		return nil, fmt.Errorf("Unexpected value type for key [%v]: %T", key, existing)
	}
}
