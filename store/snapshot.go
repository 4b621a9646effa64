package store

import (
	"errors"
	"fmt"
)

// returned by GetRawKey for keys the store doesn't hold
var ErrKeyNotFound = errors.New("key not found")

// returns the serialized values of the given keys. Keys
// the store doesn't hold are left out
func Snapshot(s Store, keys []string) (map[string][]byte, error) {
	values := make(map[string][]byte, len(keys))
	for _, key := range keys {
		val, err := s.GetRawKey(key)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		if values[key], err = s.SerializeValue(val); err != nil {
			return nil, fmt.Errorf("serialize %v: %w", key, err)
		}
	}
	return values, nil
}

// returns the serialized values of every key in the store
func SnapshotAll(s Store) (map[string][]byte, error) {
	return Snapshot(s, s.GetKeys())
}

// writes serialized values into the store
func Restore(s Store, values map[string][]byte) error {
	for key, b := range values {
		val, _, err := s.DeserializeValue(b)
		if err != nil {
			return fmt.Errorf("restore %v: %w", key, err)
		}
		if err := s.SetRawKey(key, val); err != nil {
			return fmt.Errorf("restore %v: %w", key, err)
		}
	}
	return nil
}
