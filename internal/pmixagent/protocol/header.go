// Package protocol implements the generic framing shared by the agent's
// socket channels: a fixed-size message header and a flat key/value
// serializer. The semantics of individual commands belong to the message
// handlers, not to this package.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	headerMagic uint32 = 0x504d4958 // "PMIX"
	Version     uint8  = 1

	// HeaderSize is the wire size of a message header in bytes.
	HeaderSize = 20

	// MaxPayloadSize bounds the declared payload length so a corrupt
	// header cannot drive an unbounded read.
	MaxPayloadSize = 1 << 24
)

type MessageType uint8

const (
	TypeControl MessageType = iota + 1
	TypeDirectModex
	TypeAbort
	TypePing
)

var (
	ErrBadMagic        = errors.New("message header has bad magic")
	ErrVersionMismatch = errors.New("message header has unsupported version")
)

// Header precedes every message on the agent's channels.
type Header struct {
	Type       MessageType
	NodeID     uint32
	SeqNum     uint32
	PayloadLen uint32
}

func WriteHeader(w io.Writer, h Header) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], headerMagic)
	buf[4] = Version
	buf[5] = uint8(h.Type)
	// buf[6:8] reserved
	binary.BigEndian.PutUint32(buf[8:12], h.NodeID)
	binary.BigEndian.PutUint32(buf[12:16], h.SeqNum)
	binary.BigEndian.PutUint32(buf[16:20], h.PayloadLen)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "writing message header")
	}
	return nil
}

func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, errors.Wrap(err, "reading message header")
	}
	if binary.BigEndian.Uint32(buf[0:4]) != headerMagic {
		return Header{}, ErrBadMagic
	}
	if buf[4] != Version {
		return Header{}, ErrVersionMismatch
	}
	h := Header{
		Type:       MessageType(buf[5]),
		NodeID:     binary.BigEndian.Uint32(buf[8:12]),
		SeqNum:     binary.BigEndian.Uint32(buf[12:16]),
		PayloadLen: binary.BigEndian.Uint32(buf[16:20]),
	}
	if h.PayloadLen > MaxPayloadSize {
		return Header{}, errors.Errorf("declared payload length %d exceeds limit", h.PayloadLen)
	}
	return h, nil
}
