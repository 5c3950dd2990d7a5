package protocol

import (
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/moonlight-project/moonlight/internal/models"
)

func samplePackets() map[string]*Packet {
	return map[string]*Packet{
		"acknowledgement": {
			Acknowledgement: &Acknowledgement{PacketID: uuid.NewString(), Type: AckMessageReceived},
		},
		"command": {
			Command: &Command{
				Type:         CommandPlaySong,
				TournamentID: "t-1",
				PlaySong: &models.GameplayParameters{
					Beatmap: models.Beatmap{Name: "Magic", LevelID: "custom_level_abc", Characteristic: "Standard", Difficulty: 4},
				},
			},
		},
		"event": {
			Event: &Event{
				Type:         EventUserUpdated,
				TournamentID: "t-1",
				User:         &models.User{Guid: "u-1", Name: "X", Score: 1234, Combo: 56},
			},
		},
		"request": {
			Token: "bearer-token",
			Request: &Request{
				Type:    RequestConnect,
				Connect: &ConnectRequest{ClientVersion: 100, Name: "X", UserID: "1", ClientType: models.ClientTypePlayer},
			},
		},
		"response": {
			Response: &Response{
				Type:                 ResponseSuccess,
				RespondingToPacketID: uuid.NewString(),
				Connect:              &ConnectResponse{ServerVersion: 100, State: &models.State{}},
			},
		},
		"push": {
			Push: &Push{
				Type: PushSongFinished,
				SongFinished: &SongFinishedPush{
					Player:  models.User{Guid: "u-1", Name: "X"},
					Beatmap: models.Beatmap{LevelID: "custom_level_abc"},
					Score:   9001,
				},
			},
		},
		"forwarding": {
			Forwarding: &ForwardingPacket{
				TargetIDs: []string{uuid.NewString()},
				Packet:    &Packet{Command: &Command{Type: CommandReturnToMenu}},
			},
		},
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	for name, payload := range samplePackets() {
		t.Run(name, func(t *testing.T) {
			env := Wrap(payload)
			env.From = uuid.New()

			data, err := env.ToBytes()
			if err != nil {
				t.Fatalf("ToBytes: %v", err)
			}

			size, err := env.Size()
			if err != nil {
				t.Fatalf("Size: %v", err)
			}
			if size != len(data) {
				t.Fatalf("Size() = %d, serialized length = %d", size, len(data))
			}

			decoded, consumed, err := FromBytes(data)
			if err != nil {
				t.Fatalf("FromBytes: %v", err)
			}
			if consumed != len(data) {
				t.Fatalf("consumed %d of %d bytes", consumed, len(data))
			}
			if decoded.Type != env.Type {
				t.Fatalf("type = %v, want %v", decoded.Type, env.Type)
			}
			if decoded.From != env.From {
				t.Fatalf("from = %v, want %v", decoded.From, env.From)
			}
			if decoded.CorrelationID != env.CorrelationID {
				t.Fatalf("correlation = %v, want %v", decoded.CorrelationID, env.CorrelationID)
			}
			if !reflect.DeepEqual(decoded.Payload, env.Payload) {
				t.Fatalf("payload mismatch:\n got %+v\nwant %+v", decoded.Payload, env.Payload)
			}
		})
	}
}

func TestWrapAssignsFreshCorrelationIDs(t *testing.T) {
	a := Wrap(&Packet{Command: &Command{Type: CommandHeartbeat}})
	b := Wrap(&Packet{Command: &Command{Type: CommandHeartbeat}})
	if a.CorrelationID == b.CorrelationID {
		t.Fatal("two wrapped envelopes share a correlation id")
	}
	if a.CorrelationID == uuid.Nil {
		t.Fatal("correlation id not assigned")
	}
}

func TestFromBytesRejectsMismatchedBranch(t *testing.T) {
	env := Wrap(&Packet{Command: &Command{Type: CommandHeartbeat}})
	data, err := env.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}

	// Lie about the type in the header; the decoded branch no longer
	// matches and the envelope must be rejected.
	data[4] = byte(TypeRequest)
	if _, _, err := FromBytes(data); err == nil {
		t.Fatal("expected branch/type mismatch error")
	}
}

func TestAtEnvelope(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want bool
	}{
		{"magic", []byte("moonXXXX"), true},
		{"garbage", []byte("noonXXXX"), false},
		{"short", []byte("mo"), false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		if got := AtEnvelope(tt.in); got != tt.want {
			t.Errorf("%s: AtEnvelope = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPotentiallyCompleteIncompleteIsNotInvalid(t *testing.T) {
	env := Wrap(&Packet{Event: &Event{Type: EventUserAdded, TournamentID: "t-1", User: &models.User{Guid: "u"}}})
	data, err := env.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}

	for cut := 0; cut < len(data); cut++ {
		complete, err := PotentiallyComplete(data[:cut])
		if err != nil {
			t.Fatalf("cut=%d: unexpected error: %v", cut, err)
		}
		if complete {
			t.Fatalf("cut=%d: truncated envelope reported complete", cut)
		}
	}

	complete, err := PotentiallyComplete(data)
	if err != nil || !complete {
		t.Fatalf("full envelope: complete=%v err=%v", complete, err)
	}
}
