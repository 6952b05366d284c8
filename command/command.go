// Package command defines the wire message exchanged between a Socket pair:
// a tagged kind plus an opaque payload, and the binary archive form used to
// put it on the wire inside a frame.
package command

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind tags the purpose of a Command. User code may define additional kinds
// starting at KindInherited for application-specific messages.
type Kind uint16

const (
	KindNil Kind = iota
	KindPing
	KindResponse
	KindString
	KindTest
	KindInherited
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "NIL"
	case KindPing:
		return "PING"
	case KindResponse:
		return "RESPONSE"
	case KindString:
		return "STRING"
	case KindTest:
		return "TEST"
	default:
		if k >= KindInherited {
			return fmt.Sprintf("INHERITED(%d)", uint16(k))
		}
		return fmt.Sprintf("UNKNOWN(%d)", uint16(k))
	}
}

// Command is the tagged, binary-serializable message exchanged over a Socket.
type Command struct {
	Kind Kind
	Data []byte
}

// New builds a Command of the given kind carrying data.
func New(kind Kind, data []byte) Command {
	return Command{Kind: kind, Data: data}
}

// NewString builds a STRING command from s.
func NewString(s string) Command {
	return Command{Kind: KindString, Data: []byte(s)}
}

// Ping builds a PING command.
func Ping() Command { return Command{Kind: KindPing} }

// Response builds a RESPONSE command.
func Response() Command { return Command{Kind: KindResponse} }

// String returns the command's Data interpreted as UTF-8 text.
func (c Command) String() string { return string(c.Data) }

const headerSize = 2 + 4 // uint16 kind + uint32 data length

// ErrTruncated is returned by Decode when raw does not contain a complete
// archive-encoded command.
var ErrTruncated = errors.New("command: truncated payload")

// Encode serializes c into its archive form: a 2-byte little-endian kind
// followed by a 4-byte little-endian data length and that many data bytes.
// Both endpoints of a Socket must use this same encoding (spec requires a
// self-consistent archive format, not a specific one).
func (c Command) Encode() ([]byte, error) {
	buf := make([]byte, headerSize+len(c.Data))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(c.Kind))
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(c.Data)))
	copy(buf[headerSize:], c.Data)
	return buf, nil
}

// Decode reads one archive-encoded Command from raw, which must hold exactly
// one frame's already-reassembled payload.
func Decode(raw []byte) (Command, error) {
	if len(raw) < headerSize {
		return Command{}, fmt.Errorf("command: decode header: %w", ErrTruncated)
	}
	kind := Kind(binary.LittleEndian.Uint16(raw[0:2]))
	length := binary.LittleEndian.Uint32(raw[2:6])
	if uint64(len(raw)-headerSize) < uint64(length) {
		return Command{}, fmt.Errorf("command: decode data: %w", ErrTruncated)
	}
	data := make([]byte, length)
	copy(data, raw[headerSize:headerSize+int(length)])
	return Command{Kind: kind, Data: data}, nil
}
