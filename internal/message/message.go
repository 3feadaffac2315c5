// Package message encodes the tag-prefixed messages fed to Update.
//
//	tag     uint32  request kind
//	length  uint16  absent for kinds without payload
//	payload [length]byte
package message

import (
	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohacdm/internal/packet"
	"github.com/lanikai/alohacdm/internal/request"
)

var (
	ErrEmpty     = errors.New("empty message")
	ErrTruncated = errors.New("truncated payload")
)

// MaxPayload is the largest payload a message can carry.
const MaxPayload = 0xffff

type Message struct {
	Kind request.Kind

	// Payload is nil when the message carries none. It aliases the decoded
	// buffer.
	Payload []byte

	// Number of unparsed bytes after the payload.
	Trailing int
}

// HasPayload reports whether a length-prefixed payload was present, even an
// empty one.
func (m *Message) HasPayload() bool {
	return m.Payload != nil
}

// Decode parses a message. The tag is returned even when it names no known
// kind; callers ignore unknown kinds.
func Decode(data []byte) (*Message, error) {
	r := packet.NewReader(data)
	if r.CheckRemaining(4) != nil {
		return nil, ErrEmpty
	}
	m := &Message{Kind: request.Kind(r.ReadUint32())}
	if r.Remaining() == 0 {
		return m, nil
	}
	if err := r.CheckRemaining(2); err != nil {
		return m, errors.Errorf("%v length: %w", m.Kind, ErrTruncated)
	}
	n := int(r.ReadUint16())
	if err := r.CheckRemaining(n); err != nil {
		return m, errors.Errorf("%v payload: %v: %w", m.Kind, err, ErrTruncated)
	}
	m.Payload = r.ReadSlice(n)
	m.Trailing = r.Remaining()
	return m, nil
}

// Encode builds a message. A nil payload omits the length field.
func Encode(kind request.Kind, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, errors.Errorf("%v payload of %d bytes exceeds %d", kind, len(payload), MaxPayload)
	}
	w := packet.NewWriterSize(6 + len(payload))
	w.WriteUint32(uint32(kind))
	if payload != nil {
		w.WriteUint16(uint16(len(payload)))
		w.WriteSlice(payload)
	}
	return w.Bytes(), nil
}
