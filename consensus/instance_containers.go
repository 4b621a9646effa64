package consensus

import (
	"strings"
)

// a set of instance ids. Anything that leaves the process, or is
// iterated to produce output, goes through Sorted so every replica
// sees the same order
type InstanceIDSet map[InstanceID]struct{}

func NewInstanceIDSet(ids []InstanceID) InstanceIDSet {
	s := make(InstanceIDSet, len(ids))
	s.Add(ids...)
	return s
}

func NewSizedInstanceIDSet(size int) InstanceIDSet {
	return make(InstanceIDSet, size)
}

func (s InstanceIDSet) Add(ids ...InstanceID) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

func (s InstanceIDSet) Remove(ids ...InstanceID) {
	for _, id := range ids {
		delete(s, id)
	}
}

// adds every member of the given sets
func (s InstanceIDSet) Combine(sets ...InstanceIDSet) {
	for _, o := range sets {
		for id := range o {
			s[id] = struct{}{}
		}
	}
}

func (s InstanceIDSet) Contains(id InstanceID) bool {
	_, exists := s[id]
	return exists
}

func (s InstanceIDSet) Size() int {
	return len(s)
}

func (s InstanceIDSet) Equal(o InstanceIDSet) bool {
	if len(s) != len(o) {
		return false
	}
	for id := range s {
		if !o.Contains(id) {
			return false
		}
	}
	return true
}

func (s InstanceIDSet) Copy() InstanceIDSet {
	c := make(InstanceIDSet, len(s))
	c.Combine(s)
	return c
}

// the members in map order
func (s InstanceIDSet) List() []InstanceID {
	ids := make([]InstanceID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	return ids
}

// the members ordered by replica id, then instance number
func (s InstanceIDSet) Sorted() []InstanceID {
	ids := s.List()
	sortInstanceIDs(ids)
	return ids
}

func (s InstanceIDSet) String() string {
	names := make([]string, 0, len(s))
	for _, id := range s.Sorted() {
		names = append(names, id.String())
	}
	return "{" + strings.Join(names, ", ") + "}"
}
