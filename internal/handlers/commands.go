package handlers

import (
	"context"
	"fmt"

	"github.com/moonlight-project/moonlight/internal/db"
	"github.com/moonlight-project/moonlight/internal/dispatch"
	"github.com/moonlight-project/moonlight/internal/protocol"
)

// commandModule routes Commands. Heartbeats are accepted from anyone
// and simply refresh activity; the gameplay commands are relayed to
// their ForwardTo targets by coordinators holding match permissions.
func (c *Coordinator) commandModule() dispatch.Module {
	relay := dispatch.Handler{
		Name: "relay",
		Switch: []int{
			int(protocol.CommandPlaySong),
			int(protocol.CommandReturnToMenu),
			int(protocol.CommandStreamSyncShowImage),
			int(protocol.CommandDelayTestFinish),
		},
		Access:     dispatch.FromWebsocket,
		Permission: db.PermissionManageMatches,
		Handle:     c.handleRelayCommand,
	}

	return dispatch.Module{
		Name:       "commands",
		PacketType: protocol.TypeCommand,
		SwitchType: func(p *protocol.Packet) int { return int(p.Command.Type) },
		TournamentID: func(p *protocol.Packet) string {
			return p.Command.TournamentID
		},
		Handlers: []dispatch.Handler{
			{
				Name:   "heartbeat",
				Switch: []int{int(protocol.CommandHeartbeat)},
				Access: dispatch.FromPlayer | dispatch.FromWebsocket | dispatch.FromReadonly | dispatch.FromUnauthorized,
				Handle: c.handleHeartbeat,
			},
			relay,
		},
	}
}

// handleHeartbeat acknowledges so the client can detect a dead link.
func (c *Coordinator) handleHeartbeat(ctx context.Context, req *dispatch.Request) error {
	return c.srv.Send(req.Conn.ID, &protocol.Packet{Acknowledgement: &protocol.Acknowledgement{
		PacketID: req.Envelope.CorrelationID.String(),
		Type:     protocol.AckMessageReceived,
	}})
}

// handleRelayCommand forwards a gameplay command to the players it
// names, keeping the coordinator's sender id on the envelope.
func (c *Coordinator) handleRelayCommand(ctx context.Context, req *dispatch.Request) error {
	cmd := req.Envelope.Payload.Command
	if len(cmd.ForwardTo) == 0 {
		return fmt.Errorf("command %d has no forward targets", cmd.Type)
	}
	targets, err := parseIDs(cmd.ForwardTo)
	if err != nil {
		return err
	}

	relayed := *cmd
	relayed.ForwardTo = nil
	return c.srv.Forward(ctx, targets, req.Envelope, &protocol.Packet{Command: &relayed})
}
