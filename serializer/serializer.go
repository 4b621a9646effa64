// Package serializer has the length prefixed field helpers
// used by the wire and storage formats.
package serializer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// upper bound on a single field, guards against
// allocating garbage lengths off a corrupt stream
const MaxFieldSize = 64 * 1024 * 1024

// writes the field length, then the field to the writer
func WriteFieldBytes(buf *bufio.Writer, bytes []byte) error {
	//write field length
	size := uint32(len(bytes))
	if err := binary.Write(buf, binary.LittleEndian, &size); err != nil {
		return err
	}
	// write field
	n, err := buf.Write(bytes)
	if err != nil {
		return err
	}
	if uint32(n) != size {
		return fmt.Errorf("unexpected num bytes written. Expected %v, got %v", size, n)
	}
	return nil
}

// read field bytes
func ReadFieldBytes(buf *bufio.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(buf, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	if size > MaxFieldSize {
		return nil, fmt.Errorf("field size %v exceeds maximum of %v", size, MaxFieldSize)
	}

	bytes := make([]byte, size)
	n, err := io.ReadFull(buf, bytes)
	if err != nil {
		return nil, err
	}
	if uint32(n) != size {
		return nil, fmt.Errorf("unexpected num bytes read. Expected %v, got %v", size, n)
	}
	return bytes, nil
}

func WriteFieldString(buf *bufio.Writer, str string) error {
	return WriteFieldBytes(buf, []byte(str))
}

func ReadFieldString(buf *bufio.Reader) (string, error) {
	bytes, err := ReadFieldBytes(buf)
	return string(bytes), err
}

func WriteUint32(buf *bufio.Writer, v uint32) error {
	return binary.Write(buf, binary.LittleEndian, &v)
}

func ReadUint32(buf *bufio.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(buf, binary.LittleEndian, &v)
	return v, err
}

func WriteUint64(buf *bufio.Writer, v uint64) error {
	return binary.Write(buf, binary.LittleEndian, &v)
}

func ReadUint64(buf *bufio.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(buf, binary.LittleEndian, &v)
	return v, err
}

func WriteBool(buf *bufio.Writer, b bool) error {
	var v byte
	if b {
		v = 1
	}
	return buf.WriteByte(v)
}

func ReadBool(buf *bufio.Reader) (bool, error) {
	v, err := buf.ReadByte()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// writes the number of strings, then each string as a field
func WriteFieldStrings(buf *bufio.Writer, strs []string) error {
	if err := WriteUint32(buf, uint32(len(strs))); err != nil {
		return err
	}
	for _, s := range strs {
		if err := WriteFieldString(buf, s); err != nil {
			return err
		}
	}
	return nil
}

func ReadFieldStrings(buf *bufio.Reader) ([]string, error) {
	num, err := ReadUint32(buf)
	if err != nil {
		return nil, err
	}
	if num > MaxFieldSize {
		return nil, fmt.Errorf("string count %v exceeds maximum of %v", num, MaxFieldSize)
	}
	strs := make([]string, num)
	for i := range strs {
		if strs[i], err = ReadFieldString(buf); err != nil {
			return nil, err
		}
	}
	return strs, nil
}
