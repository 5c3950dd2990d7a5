package handlers

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/moonlight-project/moonlight/internal/auth"
	"github.com/moonlight-project/moonlight/internal/db"
	"github.com/moonlight-project/moonlight/internal/dispatch"
	"github.com/moonlight-project/moonlight/internal/events"
	"github.com/moonlight-project/moonlight/internal/models"
	"github.com/moonlight-project/moonlight/internal/network"
	"github.com/moonlight-project/moonlight/internal/protocol"
	"github.com/moonlight-project/moonlight/internal/server"
	"github.com/moonlight-project/moonlight/internal/state"
)

const testServerVersion = 100

type harness struct {
	t           *testing.T
	coordinator *Coordinator
	manager     *state.Manager
	tournaments *db.TournamentStore
	registry    *network.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	database, err := db.NewDatabase(filepath.Join(t.TempDir(), "handlers_test.db"))
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	tournaments := db.NewTournamentStore(database)
	manager, err := state.NewManager(bus, tournaments, db.NewQualifierStore(database))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	authSvc, err := auth.NewService([]byte("handlers-test-key"), "moonlight-test", db.NewTokenStore(database))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	registry := network.NewRegistry()
	srv := server.New(registry, bus)

	coordinator := New(Options{
		ServerName:    "test server",
		Address:       "127.0.0.1",
		Port:          10156,
		WebsocketPort: 10157,
		ServerVersion: testServerVersion,
	}, srv, manager, authSvc, tournaments)

	return &harness{
		t:           t,
		coordinator: coordinator,
		manager:     manager,
		tournaments: tournaments,
		registry:    registry,
	}
}

// client is a registered fake connection whose outbound envelopes the
// test can await.
type client struct {
	conn     *network.Connection
	received chan *protocol.Envelope
}

func (h *harness) newClient() *client {
	h.t.Helper()

	local, peer := net.Pipe()
	conn := network.NewTCPConnection(local)
	h.registry.Register(conn)
	h.t.Cleanup(func() {
		conn.Close()
		peer.Close()
	})

	c := &client{conn: conn, received: make(chan *protocol.Envelope, 16)}
	go readEnvelopes(peer, c.received)
	return c
}

func readEnvelopes(peer net.Conn, out chan<- *protocol.Envelope) {
	buf := make([]byte, 65536)
	var pending []byte
	for {
		n, err := peer.Read(buf)
		if err != nil {
			return
		}
		pending = append(pending, buf[:n]...)
		for {
			complete, err := protocol.PotentiallyComplete(pending)
			if err != nil || !complete {
				break
			}
			env, consumed, err := protocol.FromBytes(pending)
			if err != nil {
				return
			}
			pending = pending[consumed:]
			out <- env
		}
	}
}

func (c *client) await(t *testing.T) *protocol.Envelope {
	t.Helper()
	select {
	case env := <-c.received:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func (c *client) awaitNothing(t *testing.T) {
	t.Helper()
	select {
	case env := <-c.received:
		t.Fatalf("unexpected envelope of type %s", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

// dispatchAs pushes a packet through the router under a chosen identity.
func (h *harness) dispatchAs(c *client, identity auth.Identity, payload *protocol.Packet) *protocol.Envelope {
	env := protocol.Wrap(payload)
	env.From = c.conn.ID
	h.coordinator.Router().Dispatch(context.Background(), &dispatch.Request{
		Conn:     c.conn,
		Identity: identity,
		Envelope: env,
	})
	return env
}

func playerIdentity(c *client) auth.Identity {
	return auth.Identity{Kind: auth.IdentityPlayer, Guid: c.conn.ID.String()}
}

func coordinatorIdentity(c *client) auth.Identity {
	return auth.Identity{Kind: auth.IdentityUser, Guid: c.conn.ID.String(), DiscordID: "coordinator-1", Name: "Coord"}
}

func TestConnectHandshake(t *testing.T) {
	h := newHarness(t)
	c := h.newClient()

	sent := h.dispatchAs(c, playerIdentity(c), &protocol.Packet{Request: &protocol.Request{
		Type: protocol.RequestConnect,
		Connect: &protocol.ConnectRequest{
			ClientVersion: testServerVersion,
			Name:          "Alice",
			ClientType:    models.ClientTypePlayer,
		},
	}})

	env := c.await(t)
	resp := env.Payload.Response
	if resp == nil || resp.Type != protocol.ResponseSuccess {
		t.Fatalf("response = %+v, want success", resp)
	}
	if resp.RespondingToPacketID != sent.CorrelationID.String() {
		t.Errorf("correlation id = %s, want %s", resp.RespondingToPacketID, sent.CorrelationID)
	}
	if resp.Connect == nil || resp.Connect.Self == nil {
		t.Fatal("connect response missing self")
	}
	if resp.Connect.Self.Guid != c.conn.ID.String() {
		t.Errorf("self guid = %s, want connection id %s", resp.Connect.Self.Guid, c.conn.ID)
	}
	if resp.Connect.State == nil {
		t.Error("connect response missing state snapshot")
	}
}

func TestConnectVersionGate(t *testing.T) {
	h := newHarness(t)
	c := h.newClient()

	h.dispatchAs(c, playerIdentity(c), &protocol.Packet{Request: &protocol.Request{
		Type:    protocol.RequestConnect,
		Connect: &protocol.ConnectRequest{ClientVersion: testServerVersion - 1, Name: "Old"},
	}})

	resp := c.await(t).Payload.Response
	if resp == nil || resp.Type != protocol.ResponseFail {
		t.Fatalf("response = %+v, want fail", resp)
	}
	if resp.Connect == nil || resp.Connect.Reason != protocol.ConnectFailIncorrectVersion {
		t.Errorf("reason = %+v, want incorrect version", resp.Connect)
	}
}

func TestJoinPasswordCheck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hash, err := db.HashPassword("sekrit")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	tour := &models.Tournament{
		Settings: models.TournamentSettings{
			TournamentName:   "Gated Cup",
			RequiresPassword: true,
			PasswordHash:     hash,
		},
	}
	if err := h.manager.CreateTournament(ctx, tour); err != nil {
		t.Fatalf("CreateTournament: %v", err)
	}

	c := h.newClient()

	h.dispatchAs(c, playerIdentity(c), &protocol.Packet{Request: &protocol.Request{
		Type: protocol.RequestJoin,
		Join: &protocol.JoinRequest{TournamentID: tour.Guid, Password: "wrong"},
	}})
	if resp := c.await(t).Payload.Response; resp.Type != protocol.ResponseFail {
		t.Fatal("join with wrong password succeeded")
	}

	h.dispatchAs(c, playerIdentity(c), &protocol.Packet{Request: &protocol.Request{
		Type: protocol.RequestJoin,
		Join: &protocol.JoinRequest{TournamentID: tour.Guid, Password: "sekrit"},
	}})
	resp := c.await(t).Payload.Response
	if resp.Type != protocol.ResponseSuccess {
		t.Fatalf("join failed: %s", resp.Message)
	}
	if resp.Join == nil || resp.Join.Tournament.Guid != tour.Guid {
		t.Error("join response missing tournament")
	}

	got, _ := h.manager.GetTournament(tour.Guid)
	if len(got.Users) != 1 || got.Users[0].Guid != c.conn.ID.String() {
		t.Errorf("roster = %+v after join", got.Users)
	}
}

func TestSubmitScorePushesToTournament(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tour := &models.Tournament{Settings: models.TournamentSettings{TournamentName: "Quals Cup"}}
	if err := h.manager.CreateTournament(ctx, tour); err != nil {
		t.Fatalf("CreateTournament: %v", err)
	}
	event := &models.QualifierEvent{
		Name: "Quals",
		Sort: models.SortModifiedScore,
		Maps: []*models.QualifierMap{{GameplayParameters: models.GameplayParameters{Beatmap: models.Beatmap{LevelID: "level-1"}}}},
	}
	if err := h.manager.CreateQualifier(ctx, tour.Guid, event); err != nil {
		t.Fatalf("CreateQualifier: %v", err)
	}

	player := h.newClient()
	observer := h.newClient()
	for _, c := range []*client{player, observer} {
		h.dispatchAs(c, playerIdentity(c), &protocol.Packet{Request: &protocol.Request{
			Type: protocol.RequestJoin,
			Join: &protocol.JoinRequest{TournamentID: tour.Guid},
		}})
		c.await(t)
	}

	h.dispatchAs(player, playerIdentity(player), &protocol.Packet{Request: &protocol.Request{
		Type:         protocol.RequestSubmitQualifierScore,
		TournamentID: tour.Guid,
		SubmitScore: &protocol.SubmitScoreRequest{
			QualifierScore: models.LeaderboardEntry{
				EventID:       event.Guid,
				MapID:         event.Maps[0].Guid,
				PlatformID:    "steam-1",
				Username:      "Alice",
				ModifiedScore: 9000,
			},
			Map: event.Maps[0].GameplayParameters,
		},
	}})

	// The player hears both the push and the response; order is not
	// guaranteed so collect both.
	var resp *protocol.Response
	var push *protocol.Push
	for i := 0; i < 2; i++ {
		env := player.await(t)
		switch env.Type {
		case protocol.TypeResponse:
			resp = env.Payload.Response
		case protocol.TypePush:
			push = env.Payload.Push
		}
	}
	if resp == nil || resp.Type != protocol.ResponseSuccess {
		t.Fatalf("submit response = %+v", resp)
	}
	if len(resp.Leaderboard) != 1 || resp.Leaderboard[0].ModifiedScore != 9000 {
		t.Fatalf("leaderboard = %+v", resp.Leaderboard)
	}
	if push == nil {
		t.Fatal("player never received the score push")
	}

	env := observer.await(t)
	if env.Type != protocol.TypePush || env.Payload.Push.Score.ModifiedScore != 9000 {
		t.Fatalf("observer received %s instead of score push", env.Type)
	}
}

func TestReadonlyMutationIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tour := &models.Tournament{Settings: models.TournamentSettings{TournamentName: "Cup"}}
	if err := h.manager.CreateTournament(ctx, tour); err != nil {
		t.Fatalf("CreateTournament: %v", err)
	}

	c := h.newClient()
	h.dispatchAs(c, auth.Identity{Kind: auth.IdentityReadonly}, &protocol.Packet{Event: &protocol.Event{
		Type:         protocol.EventMatchCreated,
		TournamentID: tour.Guid,
		Match:        &models.Match{Leader: "nobody"},
	}})

	c.awaitNothing(t)
	got, _ := h.manager.GetTournament(tour.Guid)
	if len(got.Matches) != 0 {
		t.Fatalf("readonly session created a match: %+v", got.Matches)
	}
}

func TestCoordinatorPermissionFlow(t *testing.T) {
	h := newHarness(t)

	creator := h.newClient()
	h.dispatchAs(creator, coordinatorIdentity(creator), &protocol.Packet{Event: &protocol.Event{
		Type:       protocol.EventTournamentCreated,
		Tournament: &models.Tournament{Settings: models.TournamentSettings{TournamentName: "Created Cup"}},
	}})

	env := creator.await(t)
	if env.Type != protocol.TypeEvent {
		t.Fatalf("expected tournament broadcast, got %s", env.Type)
	}
	tourID := env.Payload.Event.Tournament.Guid

	// The creator received admin and may now mutate the tournament.
	if !h.tournaments.IsUserAuthorized(tourID, []string{"coordinator-1"}, db.PermissionManageMatches) {
		t.Fatal("creator was not granted admin")
	}

	h.dispatchAs(creator, coordinatorIdentity(creator), &protocol.Packet{Event: &protocol.Event{
		Type:         protocol.EventMatchCreated,
		TournamentID: tourID,
		Match:        &models.Match{Leader: creator.conn.ID.String()},
	}})

	got, _ := h.manager.GetTournament(tourID)
	if len(got.Matches) != 1 {
		t.Fatalf("matches = %d after authorized create, want 1", len(got.Matches))
	}

	// A different coordinator without grants is refused.
	stranger := h.newClient()
	h.dispatchAs(stranger, auth.Identity{Kind: auth.IdentityUser, Guid: stranger.conn.ID.String(), DiscordID: "stranger"},
		&protocol.Packet{Event: &protocol.Event{
			Type:         protocol.EventMatchDeleted,
			TournamentID: tourID,
			Match:        got.Matches[0],
		}})

	got, _ = h.manager.GetTournament(tourID)
	if len(got.Matches) != 1 {
		t.Fatal("unauthorized coordinator deleted a match")
	}
}

func TestForwardingRejectsNested(t *testing.T) {
	h := newHarness(t)
	c := h.newClient()

	sent := h.dispatchAs(c, playerIdentity(c), &protocol.Packet{Forwarding: &protocol.ForwardingPacket{
		TargetIDs: []string{uuid.NewString()},
		Packet: &protocol.Packet{Forwarding: &protocol.ForwardingPacket{
			TargetIDs: []string{uuid.NewString()},
			Packet:    &protocol.Packet{Command: &protocol.Command{Type: protocol.CommandHeartbeat}},
		}},
	}})

	env := c.await(t)
	ack := env.Payload.Acknowledgement
	if ack == nil || ack.Type != protocol.AckForwardingError {
		t.Fatalf("expected forwarding error ack, got %+v", env.Payload)
	}
	if ack.PacketID != sent.CorrelationID.String() {
		t.Errorf("ack packet id = %s, want %s", ack.PacketID, sent.CorrelationID)
	}
}

func TestForwardingRelaysToTarget(t *testing.T) {
	h := newHarness(t)
	sender := h.newClient()
	target := h.newClient()

	inner := &protocol.Packet{Command: &protocol.Command{Type: protocol.CommandReturnToMenu}, Token: "secret"}
	origin := h.dispatchAs(sender, playerIdentity(sender), &protocol.Packet{Forwarding: &protocol.ForwardingPacket{
		TargetIDs: []string{target.conn.ID.String()},
		Packet:    inner,
	}})

	env := target.await(t)
	if env.Type != protocol.TypeCommand || env.Payload.Command.Type != protocol.CommandReturnToMenu {
		t.Fatalf("target received %s, want relayed command", env.Type)
	}
	if env.From != origin.From {
		t.Errorf("relayed sender = %s, want original %s", env.From, origin.From)
	}
	if env.Payload.Token != "" {
		t.Error("sender token leaked through forwarding")
	}
}

func TestHeartbeatAck(t *testing.T) {
	h := newHarness(t)
	c := h.newClient()

	sent := h.dispatchAs(c, auth.Identity{Kind: auth.IdentityUnauthorized}, &protocol.Packet{
		Command: &protocol.Command{Type: protocol.CommandHeartbeat},
	})

	env := c.await(t)
	ack := env.Payload.Acknowledgement
	if ack == nil || ack.Type != protocol.AckMessageReceived {
		t.Fatalf("expected heartbeat ack, got %+v", env.Payload)
	}
	if ack.PacketID != sent.CorrelationID.String() {
		t.Errorf("ack packet id = %s, want %s", ack.PacketID, sent.CorrelationID)
	}
}

func TestHiddenScoresForPlayers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tour := &models.Tournament{Settings: models.TournamentSettings{TournamentName: "Hidden Cup"}}
	if err := h.manager.CreateTournament(ctx, tour); err != nil {
		t.Fatalf("CreateTournament: %v", err)
	}
	event := &models.QualifierEvent{
		Name:  "Quals",
		Sort:  models.SortModifiedScore,
		Flags: models.EventHideScoresFromPlayers,
		Maps:  []*models.QualifierMap{{GameplayParameters: models.GameplayParameters{Beatmap: models.Beatmap{LevelID: "level-1"}}}},
	}
	if err := h.manager.CreateQualifier(ctx, tour.Guid, event); err != nil {
		t.Fatalf("CreateQualifier: %v", err)
	}
	if _, err := h.manager.RecordScore(ctx, tour.Guid, &models.LeaderboardEntry{
		EventID: event.Guid, MapID: event.Maps[0].Guid, PlatformID: "p1", ModifiedScore: 5000,
	}); err != nil {
		t.Fatalf("RecordScore: %v", err)
	}

	scoresReq := &protocol.Packet{Request: &protocol.Request{
		Type:         protocol.RequestQualifierScores,
		TournamentID: tour.Guid,
		Scores:       &protocol.ScoresRequest{EventID: event.Guid, MapID: event.Maps[0].Guid},
	}}

	player := h.newClient()
	h.dispatchAs(player, playerIdentity(player), scoresReq)
	if resp := player.await(t).Payload.Response; len(resp.Leaderboard) != 0 {
		t.Fatalf("player saw hidden leaderboard: %+v", resp.Leaderboard)
	}

	coord := h.newClient()
	h.dispatchAs(coord, coordinatorIdentity(coord), scoresReq)
	if resp := coord.await(t).Payload.Response; len(resp.Leaderboard) != 1 {
		t.Fatalf("coordinator leaderboard = %+v, want 1 row", resp.Leaderboard)
	}
}

// sendRaw delivers an envelope the way the listener would, so identity
// resolution runs for real instead of being injected.
func (h *harness) sendRaw(c *client, payload *protocol.Packet) *protocol.Envelope {
	env := protocol.Wrap(payload)
	env.From = c.conn.ID
	h.coordinator.handleEnvelope(context.Background(), c.conn, env)
	return env
}

func TestGameSocketTokenGating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tour := &models.Tournament{Settings: models.TournamentSettings{TournamentName: "Gated Cup"}}
	if err := h.manager.CreateTournament(ctx, tour); err != nil {
		t.Fatalf("CreateTournament: %v", err)
	}
	event := &models.QualifierEvent{
		Name: "Quals",
		Maps: []*models.QualifierMap{{GameplayParameters: models.GameplayParameters{Beatmap: models.Beatmap{LevelID: "level-1"}}}},
	}
	if err := h.manager.CreateQualifier(ctx, tour.Guid, event); err != nil {
		t.Fatalf("CreateQualifier: %v", err)
	}

	c := h.newClient()
	score := func(token string) *protocol.Packet {
		return &protocol.Packet{
			Token: token,
			Request: &protocol.Request{
				Type:         protocol.RequestSubmitQualifierScore,
				TournamentID: tour.Guid,
				SubmitScore: &protocol.SubmitScoreRequest{
					QualifierScore: models.LeaderboardEntry{
						EventID:       event.Guid,
						MapID:         event.Maps[0].Guid,
						PlatformID:    "steam-1",
						Username:      "Mallory",
						ModifiedScore: 9999,
					},
					Map: event.Maps[0].GameplayParameters,
				},
			},
		}
	}

	// A raw socket with no session token must not be able to submit.
	h.sendRaw(c, score(""))
	c.awaitNothing(t)

	// Connect works without a token and hands one back.
	h.sendRaw(c, &protocol.Packet{Request: &protocol.Request{
		Type: protocol.RequestConnect,
		Connect: &protocol.ConnectRequest{
			ClientVersion: testServerVersion,
			Name:          "Alice",
			ClientType:    models.ClientTypePlayer,
		},
	}})
	resp := c.await(t).Payload.Response
	if resp == nil || resp.Type != protocol.ResponseSuccess || resp.Connect == nil {
		t.Fatalf("connect response = %+v, want success", resp)
	}
	if resp.Connect.Token == "" {
		t.Fatal("connect response missing session token")
	}

	// With the minted token the same submission goes through.
	h.sendRaw(c, score(resp.Connect.Token))
	submitResp := c.await(t).Payload.Response
	if submitResp == nil || submitResp.Type != protocol.ResponseSuccess {
		t.Fatalf("tokenized submit response = %+v, want success", submitResp)
	}
	if len(submitResp.Leaderboard) != 1 {
		t.Fatalf("leaderboard = %+v, want one entry", submitResp.Leaderboard)
	}
}
