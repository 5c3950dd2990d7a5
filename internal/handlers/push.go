package handlers

import (
	"context"
	"fmt"

	"github.com/moonlight-project/moonlight/internal/dispatch"
	"github.com/moonlight-project/moonlight/internal/events"
	"github.com/moonlight-project/moonlight/internal/protocol"
)

// pushModule handles player-originated notifications. Song finished
// reports fan out to the player's tournament and onto the event bus for
// the Discord feed.
func (c *Coordinator) pushModule() dispatch.Module {
	return dispatch.Module{
		Name:       "push",
		PacketType: protocol.TypePush,
		SwitchType: func(p *protocol.Packet) int { return int(p.Push.Type) },
		TournamentID: func(p *protocol.Packet) string {
			return p.Push.TournamentID
		},
		Handlers: []dispatch.Handler{
			{
				Name:   "song_finished",
				Switch: []int{int(protocol.PushSongFinished)},
				Access: dispatch.FromPlayer,
				Handle: c.handleSongFinished,
			},
		},
	}
}

func (c *Coordinator) handleSongFinished(ctx context.Context, req *dispatch.Request) error {
	push := req.Envelope.Payload.Push
	if push.SongFinished == nil {
		return fmt.Errorf("song finished push missing body")
	}
	// The finishing player is the sender, whatever the payload claims.
	push.SongFinished.Player.Guid = req.Conn.ID.String()

	c.broadcastToTournament(ctx, push.TournamentID, &protocol.Packet{Push: push})

	c.srv.Bus().Emit(ctx, events.Event{
		Type:   events.EventNotifyDiscord,
		Source: "handlers",
		Payload: events.NotifyDiscordPayload{
			Title: "Song finished",
			Message: fmt.Sprintf("%s finished %s with %d",
				push.SongFinished.Player.Name, push.SongFinished.Beatmap.Name, push.SongFinished.Score),
			Level: "info",
		},
	})
	return nil
}
