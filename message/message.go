package message

import (
	"bufio"
)

// message wire protocol is as follow:
// [type (4b)][field size (4b)][field data]...
// each message type can define the data
// format as needed
type Message interface {

	// serializes the message body, the type
	// header is written by WriteMessage
	Serialize(*bufio.Writer) error

	// deserializes everything after the type header
	Deserialize(*bufio.Reader) error

	// returns the message type enum
	GetType() uint32
}
