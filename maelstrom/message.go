package maelstrom

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// message types
const (
	MSG_INIT     = "init"
	MSG_INIT_OK  = "init_ok"
	MSG_READ     = "read"
	MSG_READ_OK  = "read_ok"
	MSG_WRITE    = "write"
	MSG_WRITE_OK = "write_ok"
	MSG_CAS      = "cas"
	MSG_CAS_OK   = "cas_ok"
	MSG_ERROR    = "error"

	// peer to peer consensus traffic
	MSG_EPAXOS = "epaxos"
)

// error codes
const (
	ERROR_TIMEOUT                 = 0
	ERROR_NOT_SUPPORTED           = 10
	ERROR_TEMPORARILY_UNAVAILABLE = 11
	ERROR_MALFORMED_REQUEST       = 12
	ERROR_CRASH                   = 13
	ERROR_KEY_DOES_NOT_EXIST      = 20
	ERROR_PRECONDITION_FAILED     = 22
)

type Message struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
	Body Body   `json:"body"`
}

// the union of the fields of every message body. Keys and values
// are arbitrary json, and are kept in their encoded form
type Body struct {
	Type      string `json:"type"`
	MsgID     int64  `json:"msg_id,omitempty"`
	InReplyTo int64  `json:"in_reply_to,omitempty"`

	NodeID  string   `json:"node_id,omitempty"`
	NodeIDs []string `json:"node_ids,omitempty"`

	Key   json.RawMessage `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	From  json.RawMessage `json:"from,omitempty"`
	To    json.RawMessage `json:"to,omitempty"`

	Code int    `json:"code,omitempty"`
	Text string `json:"text,omitempty"`

	// a binary encoded consensus message
	Payload []byte `json:"payload,omitempty"`
}

// parses a single line of input
func ParseMessage(line []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if msg.Body.Type == "" {
		return nil, fmt.Errorf("malformed message: missing body type")
	}
	return msg, nil
}

// returns the compact encoding of a json value, so
// equivalent values are stored identically
func canonical(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("missing value")
	}
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return "", err
	}
	return b.String(), nil
}
