package kvstore

import (
	"fmt"
)

// error codes shared with the maelstrom protocol
const (
	KEY_DOES_NOT_EXIST_CODE  = 20
	PRECONDITION_FAILED_CODE = 22
)

type KVError struct {
	reason string
}

func (e *KVError) Error() string {
	return e.reason
}

// returned when an instruction references a missing key
type KeyError struct {
	KVError
}

func (e *KeyError) Code() int {
	return KEY_DOES_NOT_EXIST_CODE
}

func NewKeyError(format string, a ...interface{}) *KeyError {
	return &KeyError{KVError{fmt.Sprintf(format, a...)}}
}

// returned when a compare and set doesn't match
type PreconditionError struct {
	KVError
}

func (e *PreconditionError) Code() int {
	return PRECONDITION_FAILED_CODE
}

func NewPreconditionError(format string, a ...interface{}) *PreconditionError {
	return &PreconditionError{KVError{fmt.Sprintf(format, a...)}}
}
