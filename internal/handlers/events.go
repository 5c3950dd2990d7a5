package handlers

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/moonlight-project/moonlight/internal/db"
	"github.com/moonlight-project/moonlight/internal/dispatch"
	"github.com/moonlight-project/moonlight/internal/network"
	"github.com/moonlight-project/moonlight/internal/protocol"
)

// eventModule applies inbound state mutations and rebroadcasts the
// applied change to the tournament's audience. Players may only touch
// their own user record; structural mutations sit behind permissions.
func (c *Coordinator) eventModule() dispatch.Module {
	return dispatch.Module{
		Name:       "events",
		PacketType: protocol.TypeEvent,
		SwitchType: func(p *protocol.Packet) int { return int(p.Event.Type) },
		TournamentID: func(p *protocol.Packet) string {
			return p.Event.TournamentID
		},
		Handlers: []dispatch.Handler{
			{
				Name:   "user_updated",
				Switch: []int{int(protocol.EventUserUpdated)},
				Access: dispatch.FromPlayer | dispatch.FromWebsocket,
				Handle: c.handleUserUpdated,
			},
			{
				Name:   "user_left",
				Switch: []int{int(protocol.EventUserLeft)},
				Access: dispatch.FromPlayer | dispatch.FromWebsocket,
				Handle: c.handleUserLeft,
			},
			{
				Name:       "match_created",
				Switch:     []int{int(protocol.EventMatchCreated)},
				Access:     dispatch.FromWebsocket,
				Permission: db.PermissionManageMatches,
				Handle:     c.handleMatchCreated,
			},
			{
				Name:       "match_updated",
				Switch:     []int{int(protocol.EventMatchUpdated)},
				Access:     dispatch.FromWebsocket,
				Permission: db.PermissionManageMatches,
				Handle:     c.handleMatchUpdated,
			},
			{
				Name:       "match_deleted",
				Switch:     []int{int(protocol.EventMatchDeleted)},
				Access:     dispatch.FromWebsocket,
				Permission: db.PermissionManageMatches,
				Handle:     c.handleMatchDeleted,
			},
			{
				Name:       "qualifier_created",
				Switch:     []int{int(protocol.EventQualifierCreated)},
				Access:     dispatch.FromWebsocket,
				Permission: db.PermissionManageQualifiers,
				Handle:     c.handleQualifierCreated,
			},
			{
				Name:       "qualifier_updated",
				Switch:     []int{int(protocol.EventQualifierUpdated)},
				Access:     dispatch.FromWebsocket,
				Permission: db.PermissionManageQualifiers,
				Handle:     c.handleQualifierUpdated,
			},
			{
				Name:       "qualifier_deleted",
				Switch:     []int{int(protocol.EventQualifierDeleted)},
				Access:     dispatch.FromWebsocket,
				Permission: db.PermissionManageQualifiers,
				Handle:     c.handleQualifierDeleted,
			},
			{
				Name:   "tournament_created",
				Switch: []int{int(protocol.EventTournamentCreated)},
				Access: dispatch.FromWebsocket,
				Handle: c.handleTournamentCreated,
			},
			{
				Name:       "tournament_updated",
				Switch:     []int{int(protocol.EventTournamentUpdated)},
				Access:     dispatch.FromWebsocket,
				Permission: db.PermissionAdmin,
				Handle:     c.handleTournamentUpdated,
			},
			{
				Name:       "tournament_deleted",
				Switch:     []int{int(protocol.EventTournamentDeleted)},
				Access:     dispatch.FromWebsocket,
				Permission: db.PermissionAdmin,
				Handle:     c.handleTournamentDeleted,
			},
		},
	}
}

// rebroadcast fans the applied change back out to the tournament.
func (c *Coordinator) rebroadcast(ctx context.Context, tournamentID string, event *protocol.Event) {
	c.broadcastToTournament(ctx, tournamentID, &protocol.Packet{Event: event})
}

func (c *Coordinator) handleUserUpdated(ctx context.Context, req *dispatch.Request) error {
	ev := req.Envelope.Payload.Event
	if ev.User == nil {
		return fmt.Errorf("user event missing user")
	}
	// Players speak only for themselves.
	if req.Conn.Kind == network.TransportTCP && ev.User.Guid != req.Conn.ID.String() {
		return fmt.Errorf("player %s attempted to update user %s", req.Conn.ID, ev.User.Guid)
	}

	if err := c.manager.UpdateUser(ctx, ev.TournamentID, ev.User); err != nil {
		return err
	}
	c.rebroadcast(ctx, ev.TournamentID, ev)
	return nil
}

func (c *Coordinator) handleUserLeft(ctx context.Context, req *dispatch.Request) error {
	ev := req.Envelope.Payload.Event
	if ev.User == nil {
		return fmt.Errorf("user event missing user")
	}

	// Capture the audience before removal so the leaver's peers hear it.
	audience := c.tournamentAudience(ev.TournamentID)
	if err := c.manager.RemoveUser(ctx, ev.TournamentID, ev.User.Guid); err != nil {
		return err
	}
	if len(audience) > 0 {
		if err := c.srv.Multicast(ctx, audience, &protocol.Packet{Event: ev}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) handleMatchCreated(ctx context.Context, req *dispatch.Request) error {
	ev := req.Envelope.Payload.Event
	if ev.Match == nil {
		return fmt.Errorf("match event missing match")
	}
	if err := c.manager.CreateMatch(ctx, ev.TournamentID, ev.Match); err != nil {
		return err
	}
	c.rebroadcast(ctx, ev.TournamentID, ev)
	return nil
}

func (c *Coordinator) handleMatchUpdated(ctx context.Context, req *dispatch.Request) error {
	ev := req.Envelope.Payload.Event
	if ev.Match == nil {
		return fmt.Errorf("match event missing match")
	}
	if err := c.manager.UpdateMatch(ctx, ev.TournamentID, ev.Match); err != nil {
		return err
	}
	c.rebroadcast(ctx, ev.TournamentID, ev)
	return nil
}

func (c *Coordinator) handleMatchDeleted(ctx context.Context, req *dispatch.Request) error {
	ev := req.Envelope.Payload.Event
	if ev.Match == nil {
		return fmt.Errorf("match event missing match")
	}
	if err := c.manager.DeleteMatch(ctx, ev.TournamentID, ev.Match.Guid); err != nil {
		return err
	}
	c.rebroadcast(ctx, ev.TournamentID, ev)
	return nil
}

func (c *Coordinator) handleQualifierCreated(ctx context.Context, req *dispatch.Request) error {
	ev := req.Envelope.Payload.Event
	if ev.Qualifier == nil {
		return fmt.Errorf("qualifier event missing qualifier")
	}
	if err := c.manager.CreateQualifier(ctx, ev.TournamentID, ev.Qualifier); err != nil {
		return err
	}
	c.rebroadcast(ctx, ev.TournamentID, ev)
	return nil
}

func (c *Coordinator) handleQualifierUpdated(ctx context.Context, req *dispatch.Request) error {
	ev := req.Envelope.Payload.Event
	if ev.Qualifier == nil {
		return fmt.Errorf("qualifier event missing qualifier")
	}
	if err := c.manager.UpdateQualifier(ctx, ev.TournamentID, ev.Qualifier); err != nil {
		return err
	}
	c.rebroadcast(ctx, ev.TournamentID, ev)
	return nil
}

func (c *Coordinator) handleQualifierDeleted(ctx context.Context, req *dispatch.Request) error {
	ev := req.Envelope.Payload.Event
	if ev.Qualifier == nil {
		return fmt.Errorf("qualifier event missing qualifier")
	}
	if err := c.manager.DeleteQualifier(ctx, ev.TournamentID, ev.Qualifier.Guid); err != nil {
		return err
	}
	c.rebroadcast(ctx, ev.TournamentID, ev)
	return nil
}

// handleTournamentCreated creates a tournament and grants its creator
// admin on it. Any authenticated websocket user may create one.
func (c *Coordinator) handleTournamentCreated(ctx context.Context, req *dispatch.Request) error {
	ev := req.Envelope.Payload.Event
	if ev.Tournament == nil {
		return fmt.Errorf("tournament event missing tournament")
	}
	ev.Tournament.Server = c.serverInfo()

	if err := c.manager.CreateTournament(ctx, ev.Tournament); err != nil {
		return err
	}

	for _, ownerID := range req.Identity.UserIDs() {
		if err := c.tournaments.AddAuthorizedUser(ev.Tournament.Guid, ownerID, db.PermissionAdmin); err != nil {
			return fmt.Errorf("failed to grant admin to creator: %w", err)
		}
		break
	}

	// Announce to everyone; broadcast events only reach members, and a
	// new tournament has none yet.
	ev.TournamentID = ev.Tournament.Guid
	return c.srv.Broadcast(ctx, &protocol.Packet{Event: ev})
}

func (c *Coordinator) handleTournamentUpdated(ctx context.Context, req *dispatch.Request) error {
	ev := req.Envelope.Payload.Event
	if ev.Tournament == nil {
		return fmt.Errorf("tournament event missing tournament")
	}
	if err := c.manager.UpdateTournament(ctx, ev.Tournament); err != nil {
		return err
	}
	return c.srv.Broadcast(ctx, &protocol.Packet{Event: ev})
}

func (c *Coordinator) handleTournamentDeleted(ctx context.Context, req *dispatch.Request) error {
	ev := req.Envelope.Payload.Event
	if ev.Tournament == nil {
		return fmt.Errorf("tournament event missing tournament")
	}
	if err := c.manager.DeleteTournament(ctx, ev.Tournament.Guid); err != nil {
		return err
	}
	return c.srv.Broadcast(ctx, &protocol.Packet{Event: ev})
}

// parseIDs converts string connection ids to UUIDs, rejecting the batch
// on the first malformed one.
func parseIDs(ids []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("malformed target id %q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out, nil
}
