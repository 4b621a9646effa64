package message

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// function that returns an empty message
type messageConstructor func() Message

var (
	constructors     = make(map[uint32]messageConstructor)
	constructorsLock sync.RWMutex
)

func RegisterMessage(mtype uint32, constructor messageConstructor) {
	constructorsLock.Lock()
	defer constructorsLock.Unlock()
	if _, exists := constructors[mtype]; exists {
		panic(fmt.Sprintf("message type %v registered twice", mtype))
	}
	constructors[mtype] = constructor
}

// writes a message to the given writer
func WriteMessage(buf io.Writer, m Message) error {
	writer := bufio.NewWriter(buf)

	// write the message type
	mtype := m.GetType()
	if err := binary.Write(writer, binary.LittleEndian, &mtype); err != nil {
		return err
	}
	if err := m.Serialize(writer); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	return nil
}

// reads a message from the given reader
func ReadMessage(buf io.Reader) (Message, error) {
	reader := bufio.NewReader(buf)
	var mtype uint32
	if err := binary.Read(reader, binary.LittleEndian, &mtype); err != nil {
		return nil, err
	}

	constructorsLock.RLock()
	constructor, ok := constructors[mtype]
	constructorsLock.RUnlock()
	if !ok {
		return nil, NewMessageEncodingError(mtype, errUnknownType)
	}
	msg := constructor()
	if err := msg.Deserialize(reader); err != nil {
		return nil, NewMessageEncodingError(mtype, err)
	}
	return msg, nil
}

// serializes a message into a byte slice
func Encode(m Message) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := WriteMessage(buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deserializes a message from a byte slice
func Decode(b []byte) (Message, error) {
	return ReadMessage(bytes.NewReader(b))
}
