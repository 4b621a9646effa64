package consensus

import (
	"errors"
	"fmt"
)

var (
	// the instance a command was proposed in was recovered as a no-op,
	// the command was never applied and can be proposed again
	ErrCommandDropped = errors.New("command dropped during recovery")

	ErrManagerStopped = errors.New("consensus manager stopped")

	ErrUnknownReplica = errors.New("unknown replica")
)

type TimeoutError struct {
	message string
}

func (e TimeoutError) Error() string  { return e.message }
func (e TimeoutError) String() string { return e.message }
func NewTimeoutError(format string, a ...interface{}) TimeoutError {
	return TimeoutError{fmt.Sprintf(format, a...)}
}

type InvalidStatusUpdateError struct {
	message string
}

func (e InvalidStatusUpdateError) Error() string  { return e.message }
func (e InvalidStatusUpdateError) String() string { return e.message }
func NewInvalidStatusUpdateError(format string, a ...interface{}) InvalidStatusUpdateError {
	return InvalidStatusUpdateError{fmt.Sprintf(format, a...)}
}
