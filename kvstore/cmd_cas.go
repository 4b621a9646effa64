package kvstore

import (
	"fmt"
)

import (
	"github.com/bdeggleston/epaxos/store"
)

func (s *KVStore) validateCas(instruction store.Instruction) error {
	if len(instruction.Keys) != 1 {
		return fmt.Errorf("CAS expects 1 key, got %v", len(instruction.Keys))
	}
	if len(instruction.Args) != 2 {
		return fmt.Errorf("incorrect number of args for CAS. Expected 2, got %v", len(instruction.Args))
	}
	return nil
}

// sets key to `to` if it currently holds `from`
func (s *KVStore) cas(key string, from string, to string) (store.Value, error) {
	existing, err := s.get(key)
	if err != nil {
		return nil, err
	}
	if existing.GetValue() != from {
		return nil, NewPreconditionError("expected [%v] for key [%v], found [%v]", from, key, existing.GetValue())
	}
	return s.set(key, to), nil
}
