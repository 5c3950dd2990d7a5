package protocol

import (
	"github.com/rs/zerolog"
)

// Backlog accumulates raw bytes from a stream transport and extracts
// complete envelopes. Consumption advances an offset cursor instead of
// shifting the slice, so dropping bytes is O(1) amortized.
//
// Resynchronization contract: while the buffered data is at least one
// header long and not aligned on the magic marker, leading bytes are
// dropped one at a time. A payload that fails to decode consumes exactly
// the header span so the decode failure cannot wedge the stream.
type Backlog struct {
	buf    []byte
	off    int
	logger zerolog.Logger
}

// NewBacklog creates an empty backlog.
func NewBacklog(logger zerolog.Logger) *Backlog {
	return &Backlog{logger: logger}
}

// Len returns the number of unconsumed bytes.
func (b *Backlog) Len() int {
	return len(b.buf) - b.off
}

// Append adds newly read bytes, compacting the buffer first when more
// than half of it has already been consumed.
func (b *Backlog) Append(data []byte) {
	if b.off > 0 && b.off >= len(b.buf)/2 {
		b.buf = append(b.buf[:0], b.buf[b.off:]...)
		b.off = 0
	}
	b.buf = append(b.buf, data...)
}

func (b *Backlog) pending() []byte {
	return b.buf[b.off:]
}

// Next extracts the next complete envelope, or returns nil when more
// bytes are needed. Transient framing errors (garbage before the magic
// marker, undecodable payloads) are resolved internally by discarding
// the offending bytes; they never surface as errors to the read loop.
func (b *Backlog) Next() *Envelope {
	for {
		// Resync: drop leading bytes until magic-aligned or starved.
		for b.Len() >= HeaderSize && !AtEnvelope(b.pending()) {
			b.off++
		}

		if b.Len() < HeaderSize || !AtEnvelope(b.pending()) {
			return nil
		}

		complete, err := PotentiallyComplete(b.pending())
		if err != nil {
			// Corrupt length field. Skip the false marker and resync.
			b.logger.Warn().Err(err).Msg("discarding corrupt envelope header")
			b.off++
			continue
		}
		if !complete {
			return nil
		}

		env, consumed, err := FromBytes(b.pending())
		if err != nil {
			// Bad payload. Consume only the header so the remainder is
			// re-examined by the validity check on the next pass.
			b.logger.Warn().Err(err).Msg("failed to decode envelope payload")
			b.off += HeaderSize
			continue
		}

		b.off += consumed
		return env
	}
}
