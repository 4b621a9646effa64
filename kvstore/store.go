package kvstore

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"
)

import (
	"github.com/bdeggleston/epaxos/store"
)

import (
	logging "github.com/op/go-logging"
)

var logger = logging.MustGetLogger("kvstore")

// read instructions
const (
	GET = "GET"
)

// write instructions
const (
	SET     = "SET"
	DEL     = "DEL"
	CAS     = "CAS"
	BARRIER = "BARRIER"
)

// deterministic key/value state machine. All mutation
// happens through ExecuteInstruction, which the
// consensus executor calls in commit order
type KVStore struct {
	data map[string]store.Value
	lock sync.RWMutex
}

func NewKVStore() *KVStore {
	r := &KVStore{
		data: make(map[string]store.Value),
	}
	return r
}

func (s *KVStore) SerializeValue(v store.Value) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := WriteValue(buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *KVStore) DeserializeValue(b []byte) (store.Value, store.ValueType, error) {
	buf := bytes.NewBuffer(b)
	val, vtype, err := ReadValue(buf)
	if err != nil {
		return nil, "", err
	}
	return val, vtype, nil
}

func (s *KVStore) Start() error {
	return nil
}

func (s *KVStore) Stop() error {
	return nil
}

func (s *KVStore) ExecuteInstruction(instruction store.Instruction) (store.Value, error) {
	cmd := strings.ToUpper(instruction.Cmd)
	if s.IsReadCommand(cmd) {
		s.lock.RLock()
		defer s.lock.RUnlock()
	} else {
		s.lock.Lock()
		defer s.lock.Unlock()
	}

	key := instruction.Key()
	args := instruction.Args
	switch cmd {
	case GET:
		if err := s.validateGet(instruction); err != nil {
			return nil, err
		}
		return s.get(key)
	case SET:
		if err := s.validateSet(instruction); err != nil {
			return nil, err
		}
		return s.set(key, args[0]), nil
	case DEL:
		if err := s.validateDel(instruction); err != nil {
			return nil, err
		}
		return s.del(key)
	case CAS:
		if err := s.validateCas(instruction); err != nil {
			return nil, err
		}
		return s.cas(key, args[0], args[1])
	case BARRIER:
		return nil, nil
	default:
		logger.Warningf("unrecognized command: %v", instruction.Cmd)
		return nil, fmt.Errorf("Unrecognized command: %v", instruction.Cmd)
	}
}

func (s *KVStore) IsReadCommand(cmd string) bool {
	switch strings.ToUpper(cmd) {
	case GET:
		return true
	}
	return false
}

func (s *KVStore) IsWriteCommand(cmd string) bool {
	switch strings.ToUpper(cmd) {
	case SET, DEL, CAS, BARRIER:
		return true
	}
	return false
}

// ----------- data import / export -----------

// blindly gets the contents of the given key
func (s *KVStore) GetRawKey(key string) (store.Value, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	val, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: [%v]", store.ErrKeyNotFound, key)
	}
	return val, nil
}

// blindly sets the contents of the given key
func (s *KVStore) SetRawKey(key string, val store.Value) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.data[key] = val
	return nil
}

// returns all of the keys held by the store, including keys containing
// tombstones, in sorted order
func (s *KVStore) GetKeys() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
