// Package protocol implements the Moonlight wire protocol: a fixed
// binary envelope header wrapping a serialized packet payload, plus the
// stream framing needed to reassemble envelopes from a TCP byte stream.
//
// Envelope layout (little-endian):
//
//	[4]byte  magic marker "moon"
//	uint32   payload type discriminant
//	uint32   payload byte length
//	[16]byte sender connection id (UUID)
//	[16]byte correlation id (UUID)
//	[]byte   payload
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// HeaderSize is the fixed envelope header length in bytes.
const HeaderSize = 4 + 4 + 4 + 16 + 16

// MaxPayloadSize bounds a single payload. Anything larger is treated as
// stream corruption rather than a legitimate envelope.
const MaxPayloadSize = 16 << 20

var magic = [4]byte{'m', 'o', 'o', 'n'}

// Envelope is one framed unit on the wire. Immutable once serialized.
type Envelope struct {
	Type          PacketType
	From          uuid.UUID
	CorrelationID uuid.UUID
	Payload       *Packet
}

// Wrap builds an envelope around a packet, assigning a fresh correlation
// id. The sender id is stamped by the server just before transmission.
func Wrap(payload *Packet) *Envelope {
	return &Envelope{
		Type:          payload.Type(),
		CorrelationID: uuid.New(),
		Payload:       payload,
	}
}

// Size returns the full serialized length of the envelope.
func (e *Envelope) Size() (int, error) {
	body, err := e.Payload.Marshal()
	if err != nil {
		return 0, err
	}
	return HeaderSize + len(body), nil
}

// ToBytes serializes the envelope: header followed by payload bytes.
func (e *Envelope) ToBytes() ([]byte, error) {
	body, err := e.Payload.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(body)))
	buf.Write(magic[:])
	binary.Write(buf, binary.LittleEndian, uint32(e.Type))
	binary.Write(buf, binary.LittleEndian, uint32(len(body)))
	buf.Write(e.From[:])
	buf.Write(e.CorrelationID[:])
	buf.Write(body)
	return buf.Bytes(), nil
}

// AtEnvelope reports whether b begins with the magic marker. It never
// consumes input; callers advance one byte and retry on a mismatch.
func AtEnvelope(b []byte) bool {
	return len(b) >= len(magic) && bytes.Equal(b[:len(magic)], magic[:])
}

// PotentiallyComplete reports whether b, assumed to be magic-aligned,
// holds at least one full envelope. An oversized length field is treated
// as corruption so the caller resynchronizes instead of waiting forever.
func PotentiallyComplete(b []byte) (bool, error) {
	if len(b) < HeaderSize {
		return false, nil
	}
	size := binary.LittleEndian.Uint32(b[8:12])
	if size > MaxPayloadSize {
		return false, fmt.Errorf("payload length %d exceeds limit", size)
	}
	return HeaderSize+int(size) <= len(b), nil
}

// FromBytes deserializes one envelope from the start of b and returns it
// along with the number of bytes consumed. The caller must have checked
// PotentiallyComplete first; an incomplete buffer is an error here.
func FromBytes(b []byte) (*Envelope, int, error) {
	if !AtEnvelope(b) {
		return nil, 0, fmt.Errorf("buffer does not start with magic marker")
	}
	if len(b) < HeaderSize {
		return nil, 0, fmt.Errorf("buffer shorter than header: %d bytes", len(b))
	}

	typ := PacketType(binary.LittleEndian.Uint32(b[4:8]))
	size := int(binary.LittleEndian.Uint32(b[8:12]))
	if HeaderSize+size > len(b) {
		return nil, 0, fmt.Errorf("incomplete payload: need %d bytes, have %d", HeaderSize+size, len(b))
	}

	var from, correlation uuid.UUID
	copy(from[:], b[12:28])
	copy(correlation[:], b[28:44])

	payload, err := UnmarshalPacket(typ, b[HeaderSize:HeaderSize+size])
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode %s payload: %w", typ, err)
	}

	return &Envelope{
		Type:          typ,
		From:          from,
		CorrelationID: correlation,
		Payload:       payload,
	}, HeaderSize + size, nil
}
