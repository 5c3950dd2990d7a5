package handlers

import (
	"context"
	"fmt"

	"github.com/moonlight-project/moonlight/internal/dispatch"
	"github.com/moonlight-project/moonlight/internal/protocol"
)

// forwardingModule relays arbitrary inner packets between clients. The
// server does not interpret the inner packet beyond checking that it is
// well formed; a failed relay is reported back with an error ack.
func (c *Coordinator) forwardingModule() dispatch.Module {
	return dispatch.Module{
		Name:       "forwarding",
		PacketType: protocol.TypeForwarding,
		Handlers: []dispatch.Handler{
			{
				Name:   "forward",
				Access: dispatch.FromPlayer | dispatch.FromWebsocket,
				Handle: c.handleForwarding,
			},
		},
	}
}

func (c *Coordinator) handleForwarding(ctx context.Context, req *dispatch.Request) error {
	fwd := req.Envelope.Payload.Forwarding

	if err := c.forward(ctx, req, fwd); err != nil {
		c.logger.Warn().Err(err).Str("from", req.Conn.ID.String()).Msg("forwarding failed")
		if ackErr := c.srv.Send(req.Conn.ID, &protocol.Packet{Acknowledgement: &protocol.Acknowledgement{
			PacketID: req.Envelope.CorrelationID.String(),
			Type:     protocol.AckForwardingError,
		}}); ackErr != nil {
			return ackErr
		}
	}
	return nil
}

func (c *Coordinator) forward(ctx context.Context, req *dispatch.Request, fwd *protocol.ForwardingPacket) error {
	if fwd.Packet == nil {
		return fmt.Errorf("forwarding packet has no inner packet")
	}
	if fwd.Packet.Forwarding != nil {
		return fmt.Errorf("nested forwarding is not allowed")
	}
	if len(fwd.TargetIDs) == 0 {
		return fmt.Errorf("forwarding packet has no targets")
	}
	targets, err := parseIDs(fwd.TargetIDs)
	if err != nil {
		return err
	}

	// Strip the sender's credential before relaying.
	inner := *fwd.Packet
	inner.Token = ""
	return c.srv.Forward(ctx, targets, req.Envelope, &inner)
}
