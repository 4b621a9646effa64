package cluster

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

import (
	"github.com/bdeggleston/epaxos/kvstore"
	"github.com/bdeggleston/epaxos/store"
)

// a kv store that records the order writes were applied to each key
type recordingStore struct {
	*kvstore.KVStore

	lock    sync.Mutex
	applied map[string][]string
}

var _ store.Store = &recordingStore{}

func newRecordingStore() *recordingStore {
	return &recordingStore{KVStore: kvstore.NewKVStore(), applied: make(map[string][]string)}
}

func (s *recordingStore) ExecuteInstruction(instruction store.Instruction) (store.Value, error) {
	value, err := s.KVStore.ExecuteInstruction(instruction)
	// reads don't interfere with each other, so only
	// writes have a fixed order across replicas
	if s.IsWriteCommand(instruction.Cmd) {
		entry := fmt.Sprintf("%v %v", instruction.Cmd, strings.Join(instruction.Args, ","))
		s.lock.Lock()
		for _, key := range instruction.Keys {
			s.applied[key] = append(s.applied[key], entry)
		}
		s.lock.Unlock()
	}
	return value, err
}

// replaces the write history, the store's values are restored separately
func (s *recordingStore) seed(history map[string][]string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.applied = make(map[string][]string, len(history))
	for key, entries := range history {
		s.applied[key] = append([]string(nil), entries...)
	}
}

// returns a copy of the per key write history
func (s *recordingStore) history() map[string][]string {
	s.lock.Lock()
	defer s.lock.Unlock()
	history := make(map[string][]string, len(s.applied))
	for key, entries := range s.applied {
		history[key] = append([]string(nil), entries...)
	}
	return history
}

// checks that each key's writes were applied in the same order by
// every replica. Replicas that are behind must have applied a
// prefix of the longest history
func CompareHistories(histories map[string]map[string][]string) error {
	keys := make(map[string]bool)
	for _, history := range histories {
		for key := range history {
			keys[key] = true
		}
	}
	sortedKeys := make([]string, 0, len(keys))
	for key := range keys {
		sortedKeys = append(sortedKeys, key)
	}
	sort.Strings(sortedKeys)
	replicas := make([]string, 0, len(histories))
	for replica := range histories {
		replicas = append(replicas, replica)
	}
	sort.Strings(replicas)

	for _, key := range sortedKeys {
		var longest []string
		var longestReplica string
		for _, replica := range replicas {
			if entries := histories[replica][key]; len(entries) > len(longest) {
				longest = entries
				longestReplica = replica
			}
		}
		for _, replica := range replicas {
			entries := histories[replica][key]
			for i, entry := range entries {
				if longest[i] != entry {
					return fmt.Errorf(
						"key %v diverged at write %v: %v applied %q, %v applied %q",
						key, i, replica, entry, longestReplica, longest[i],
					)
				}
			}
		}
	}
	return nil
}
