package message

import (
	"errors"
	"fmt"
)

// a message that couldn't be decoded. Type is
// zero if the type id couldn't be read
type MessageEncodingError struct {
	Type uint32
	err  error
}

func NewMessageEncodingError(mtype uint32, err error) *MessageEncodingError {
	return &MessageEncodingError{Type: mtype, err: err}
}

func (e *MessageEncodingError) Error() string {
	return fmt.Sprintf("message type %v: %v", e.Type, e.err)
}

func (e *MessageEncodingError) Unwrap() error {
	return e.err
}

var errUnknownType = errors.New("unknown message type")
