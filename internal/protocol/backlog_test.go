package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func mustBytes(t *testing.T, p *Packet) []byte {
	t.Helper()
	env := Wrap(p)
	env.From = uuid.New()
	data, err := env.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}
	return data
}

func heartbeat(t *testing.T) []byte {
	return mustBytes(t, &Packet{Command: &Command{Type: CommandHeartbeat}})
}

func TestBacklogExtractsSingleEnvelope(t *testing.T) {
	b := NewBacklog(zerolog.Nop())
	b.Append(heartbeat(t))

	env := b.Next()
	if env == nil {
		t.Fatal("expected envelope")
	}
	if env.Payload.Command == nil || env.Payload.Command.Type != CommandHeartbeat {
		t.Fatalf("unexpected payload: %+v", env.Payload)
	}
	if b.Next() != nil {
		t.Fatal("expected no further envelopes")
	}
	if b.Len() != 0 {
		t.Fatalf("backlog holds %d leftover bytes", b.Len())
	}
}

func TestBacklogPartialThenComplete(t *testing.T) {
	data := heartbeat(t)
	b := NewBacklog(zerolog.Nop())

	// Feed one byte at a time; the envelope must only appear once the
	// final byte lands, and exactly once.
	for i, c := range data {
		b.Append([]byte{c})
		env := b.Next()
		if i < len(data)-1 {
			if env != nil {
				t.Fatalf("envelope surfaced after %d of %d bytes", i+1, len(data))
			}
			continue
		}
		if env == nil {
			t.Fatal("expected envelope after final byte")
		}
	}
}

func TestBacklogResyncAfterGarbage(t *testing.T) {
	valid := heartbeat(t)

	// Any amount of leading garbage, spanning multiple header lengths,
	// must be discarded and the envelope recovered intact.
	for _, n := range []int{0, 1, 3, HeaderSize - 1, HeaderSize, HeaderSize*3 + 7} {
		garbage := bytes.Repeat([]byte{0xAB}, n)

		b := NewBacklog(zerolog.Nop())
		b.Append(garbage)
		b.Append(valid)

		env := b.Next()
		if env == nil {
			t.Fatalf("n=%d: envelope not recovered after garbage", n)
		}
		if env.Payload.Command == nil || env.Payload.Command.Type != CommandHeartbeat {
			t.Fatalf("n=%d: recovered wrong payload: %+v", n, env.Payload)
		}
	}
}

func TestBacklogMultipleEnvelopesInOneRead(t *testing.T) {
	var stream []byte
	for i := 0; i < 3; i++ {
		stream = append(stream, heartbeat(t)...)
	}

	b := NewBacklog(zerolog.Nop())
	b.Append(stream)

	for i := 0; i < 3; i++ {
		if b.Next() == nil {
			t.Fatalf("envelope %d missing", i)
		}
	}
	if b.Next() != nil {
		t.Fatal("extracted more envelopes than were sent")
	}
}

func TestBacklogBadPayloadSkipsHeaderOnly(t *testing.T) {
	good := heartbeat(t)

	// Craft an envelope whose payload is not valid JSON. The backlog
	// must consume its header, resync through the junk payload, and
	// still deliver the following good envelope.
	junk := []byte("this is not json!!")
	bad := make([]byte, 0, HeaderSize+len(junk))
	bad = append(bad, 'm', 'o', 'o', 'n')
	bad = binary.LittleEndian.AppendUint32(bad, uint32(TypeCommand))
	bad = binary.LittleEndian.AppendUint32(bad, uint32(len(junk)))
	bad = append(bad, make([]byte, 32)...) // sender + correlation ids
	bad = append(bad, junk...)

	b := NewBacklog(zerolog.Nop())
	b.Append(bad)
	b.Append(good)

	env := b.Next()
	if env == nil {
		t.Fatal("good envelope lost after corrupt predecessor")
	}
	if env.Payload.Command == nil || env.Payload.Command.Type != CommandHeartbeat {
		t.Fatalf("unexpected payload: %+v", env.Payload)
	}
}

func TestBacklogOversizedLengthResyncs(t *testing.T) {
	// A magic-aligned header claiming an absurd payload size must be
	// treated as corruption, not waited on forever.
	bad := make([]byte, 0, HeaderSize)
	bad = append(bad, 'm', 'o', 'o', 'n')
	bad = binary.LittleEndian.AppendUint32(bad, uint32(TypeCommand))
	bad = binary.LittleEndian.AppendUint32(bad, uint32(MaxPayloadSize+1))
	bad = append(bad, make([]byte, 32)...)

	b := NewBacklog(zerolog.Nop())
	b.Append(bad)
	b.Append(heartbeat(t))

	if env := b.Next(); env == nil {
		t.Fatal("envelope not recovered after oversized header")
	}
}
