package node

// NodeId identifies a replica for the lifetime of a cluster
type NodeId string

func (i NodeId) String() string {
	return string(i)
}

func (i NodeId) IsNil() bool {
	return i == NodeId("")
}

func (i NodeId) MarshalJSON() ([]byte, error) {
	return []byte("\"" + i.String() + "\""), nil
}

type NodeError struct {
	reason string
}

func NewNodeError(reason string) *NodeError {
	return &NodeError{reason: reason}
}

func (e *NodeError) Error() string {
	return e.reason
}

// returns an error if the given ids contain
// duplicates or empty ids
func ValidateIds(ids []NodeId) error {
	seen := make(map[NodeId]bool, len(ids))
	for _, id := range ids {
		if id.IsNil() {
			return NewNodeError("empty node id")
		}
		if seen[id] {
			return NewNodeError("duplicate node id: " + id.String())
		}
		seen[id] = true
	}
	return nil
}
