package dispatch

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/moonlight-project/moonlight/internal/auth"
	"github.com/moonlight-project/moonlight/internal/network"
	"github.com/moonlight-project/moonlight/internal/protocol"
)

type fakePerms struct {
	granted map[string]bool // "tournament/permission" -> granted
}

func (f *fakePerms) IsUserAuthorized(tournamentGuid string, userIDs []string, permission string) bool {
	return f.granted[tournamentGuid+"/"+permission]
}

func testRequest(kind auth.IdentityKind, payload *protocol.Packet) *Request {
	client, server := net.Pipe()
	_ = server
	go func() { client.Close(); server.Close() }()
	return &Request{
		Conn:     network.NewTCPConnection(client),
		Identity: auth.Identity{Kind: kind, Guid: "user-1"},
		Envelope: protocol.Wrap(payload),
	}
}

func commandPacket(cmd protocol.CommandType) *protocol.Packet {
	return &protocol.Packet{Command: &protocol.Command{Type: cmd, TournamentID: "tour-1"}}
}

func commandModule(handlers ...Handler) Module {
	return Module{
		Name:         "commands",
		PacketType:   protocol.TypeCommand,
		SwitchType:   func(p *protocol.Packet) int { return int(p.Command.Type) },
		TournamentID: func(p *protocol.Packet) string { return p.Command.TournamentID },
		Handlers:     handlers,
	}
}

func TestDispatchRoutesBySwitchType(t *testing.T) {
	r := NewRouter(&fakePerms{}, nil)

	var heartbeats, plays int
	r.RegisterModule(commandModule(
		Handler{
			Name:   "heartbeat",
			Switch: []int{int(protocol.CommandHeartbeat)},
			Access: FromPlayer,
			Handle: func(ctx context.Context, req *Request) error { heartbeats++; return nil },
		},
		Handler{
			Name:   "play",
			Switch: []int{int(protocol.CommandPlaySong)},
			Access: FromPlayer,
			Handle: func(ctx context.Context, req *Request) error { plays++; return nil },
		},
	))

	r.Dispatch(context.Background(), testRequest(auth.IdentityPlayer, commandPacket(protocol.CommandHeartbeat)))
	if heartbeats != 1 || plays != 0 {
		t.Fatalf("heartbeats=%d plays=%d after heartbeat dispatch", heartbeats, plays)
	}

	r.Dispatch(context.Background(), testRequest(auth.IdentityPlayer, commandPacket(protocol.CommandPlaySong)))
	if heartbeats != 1 || plays != 1 {
		t.Fatalf("heartbeats=%d plays=%d after play dispatch", heartbeats, plays)
	}
}

func TestDispatchFansOutToAllMatches(t *testing.T) {
	r := NewRouter(&fakePerms{}, nil)

	var first, second int
	r.RegisterModule(commandModule(
		Handler{Name: "a", Access: FromPlayer, Handle: func(ctx context.Context, req *Request) error { first++; return nil }},
	))
	r.RegisterModule(commandModule(
		Handler{Name: "b", Access: FromPlayer, Handle: func(ctx context.Context, req *Request) error { second++; return nil }},
	))

	r.Dispatch(context.Background(), testRequest(auth.IdentityPlayer, commandPacket(protocol.CommandHeartbeat)))
	if first != 1 || second != 1 {
		t.Fatalf("first=%d second=%d, want both handlers to run", first, second)
	}
}

func TestDispatchAccessGates(t *testing.T) {
	tests := []struct {
		name    string
		access  Access
		kind    auth.IdentityKind
		allowed bool
	}{
		{"player allowed", FromPlayer, auth.IdentityPlayer, true},
		{"websocket blocked from player route", FromPlayer, auth.IdentityUser, false},
		{"bot counts as websocket", FromWebsocket, auth.IdentityBot, true},
		{"readonly blocked from mutation", FromPlayer | FromWebsocket, auth.IdentityReadonly, false},
		{"readonly allowed on readonly route", FromWebsocket | FromReadonly, auth.IdentityReadonly, true},
		{"unauthorized blocked", FromPlayer | FromWebsocket | FromReadonly, auth.IdentityUnauthorized, false},
		{"unauthorized allowed on open route", FromUnauthorized, auth.IdentityUnauthorized, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(&fakePerms{}, nil)
			ran := false
			r.RegisterModule(commandModule(Handler{
				Name:   "h",
				Access: tt.access,
				Handle: func(ctx context.Context, req *Request) error { ran = true; return nil },
			}))

			r.Dispatch(context.Background(), testRequest(tt.kind, commandPacket(protocol.CommandHeartbeat)))
			if ran != tt.allowed {
				t.Errorf("ran=%v, want %v", ran, tt.allowed)
			}
		})
	}
}

func TestDispatchPermissionGate(t *testing.T) {
	perms := &fakePerms{granted: map[string]bool{"tour-1/manage_matches": true}}
	r := NewRouter(perms, nil)

	var granted, denied int
	r.RegisterModule(commandModule(
		Handler{
			Name:       "granted",
			Access:     FromWebsocket,
			Permission: "manage_matches",
			Handle:     func(ctx context.Context, req *Request) error { granted++; return nil },
		},
		Handler{
			Name:       "denied",
			Access:     FromWebsocket,
			Permission: "admin",
			Handle:     func(ctx context.Context, req *Request) error { denied++; return nil },
		},
	))

	r.Dispatch(context.Background(), testRequest(auth.IdentityUser, commandPacket(protocol.CommandHeartbeat)))
	if granted != 1 {
		t.Errorf("granted handler ran %d times, want 1", granted)
	}
	if denied != 0 {
		t.Errorf("denied handler ran %d times, want 0", denied)
	}
}

func TestDispatchHandlerErrorIsolation(t *testing.T) {
	r := NewRouter(&fakePerms{}, nil)

	var survived int
	r.RegisterModule(commandModule(
		Handler{Name: "fails", Access: FromPlayer, Handle: func(ctx context.Context, req *Request) error {
			return errors.New("boom")
		}},
		Handler{Name: "panics", Access: FromPlayer, Handle: func(ctx context.Context, req *Request) error {
			panic("boom")
		}},
		Handler{Name: "survives", Access: FromPlayer, Handle: func(ctx context.Context, req *Request) error {
			survived++
			return nil
		}},
	))

	r.Dispatch(context.Background(), testRequest(auth.IdentityPlayer, commandPacket(protocol.CommandHeartbeat)))
	if survived != 1 {
		t.Fatalf("surviving handler ran %d times, want 1", survived)
	}
}

func TestDispatchUnauthorizedCallback(t *testing.T) {
	calls := 0
	r := NewRouter(&fakePerms{}, func(ctx context.Context, req *Request) error {
		calls++
		return nil
	})
	r.RegisterModule(commandModule(
		Handler{Name: "h", Access: FromWebsocket, Handle: func(ctx context.Context, req *Request) error { return nil }},
	))

	// Unauthorized sender hitting a gated route triggers the callback.
	r.Dispatch(context.Background(), testRequest(auth.IdentityUnauthorized, commandPacket(protocol.CommandHeartbeat)))
	if calls != 1 {
		t.Fatalf("unauthorized callback ran %d times, want 1", calls)
	}

	// A packet type nothing consumes does not.
	r.Dispatch(context.Background(), testRequest(auth.IdentityUnauthorized, &protocol.Packet{
		Acknowledgement: &protocol.Acknowledgement{},
	}))
	if calls != 1 {
		t.Fatalf("unauthorized callback ran for unconsumed packet")
	}

	// Readonly sessions are dropped silently, not told to authenticate.
	r.Dispatch(context.Background(), testRequest(auth.IdentityReadonly, commandPacket(protocol.CommandHeartbeat)))
	if calls != 1 {
		t.Fatalf("unauthorized callback ran for readonly session")
	}
}
