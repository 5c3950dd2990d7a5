// Package handlers implements the packet-level behavior of the server:
// the connect handshake, tournament joins, state mutations, qualifier
// scoring, forwarding, and the administrative requests. Each concern
// registers a dispatch module; the Coordinator owns the shared wiring.
package handlers

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/moonlight-project/moonlight/internal/auth"
	"github.com/moonlight-project/moonlight/internal/db"
	"github.com/moonlight-project/moonlight/internal/dispatch"
	"github.com/moonlight-project/moonlight/internal/models"
	"github.com/moonlight-project/moonlight/internal/network"
	"github.com/moonlight-project/moonlight/internal/protocol"
	"github.com/moonlight-project/moonlight/internal/server"
	"github.com/moonlight-project/moonlight/internal/state"
	"github.com/moonlight-project/moonlight/internal/util"
)

// Options carries the identity the server advertises to clients.
type Options struct {
	ServerName    string
	Address       string
	Port          int
	WebsocketPort int
	// ServerVersion is compared against ConnectRequest.ClientVersion.
	ServerVersion int
	// AuthorizeURL builds the OAuth URL an unauthorized websocket
	// client is directed to. Nil disables the directive.
	AuthorizeURL func(connectionID uuid.UUID) (string, error)
}

// Coordinator wires the dispatch modules to the state manager and the
// outbound send paths.
type Coordinator struct {
	opts        Options
	srv         *server.Server
	manager     *state.Manager
	auth        *auth.Service
	tournaments *db.TournamentStore
	router      *dispatch.Router
	logger      zerolog.Logger
}

// New creates a Coordinator and registers every module on a new router.
func New(opts Options, srv *server.Server, manager *state.Manager, authSvc *auth.Service, tournaments *db.TournamentStore) *Coordinator {
	c := &Coordinator{
		opts:        opts,
		srv:         srv,
		manager:     manager,
		auth:        authSvc,
		tournaments: tournaments,
		logger:      util.ComponentLogger("handlers"),
	}

	c.router = dispatch.NewRouter(tournaments, c.sendAuthorizeDirective)
	c.router.RegisterModule(c.requestModule())
	c.router.RegisterModule(c.eventModule())
	c.router.RegisterModule(c.commandModule())
	c.router.RegisterModule(c.forwardingModule())
	c.router.RegisterModule(c.pushModule())

	srv.SetEnvelopeHandler(c.handleEnvelope)
	return c
}

// Router exposes the routing table for tests.
func (c *Coordinator) Router() *dispatch.Router { return c.router }

// handleEnvelope resolves the sender's identity and dispatches.
func (c *Coordinator) handleEnvelope(ctx context.Context, conn *network.Connection, env *protocol.Envelope) {
	c.router.Dispatch(ctx, &dispatch.Request{
		Conn:     conn,
		Identity: c.identityFor(conn, env.Payload),
		Envelope: env,
	})
}

// identityFor classifies the sender. Game clients on the TLS socket
// present the player token handed out at connect; websocket senders are
// whatever their token proves.
func (c *Coordinator) identityFor(conn *network.Connection, p *protocol.Packet) auth.Identity {
	if conn.Kind == network.TransportTCP {
		id := c.auth.Verify(p.Token)
		if id.Kind != auth.IdentityPlayer {
			// Connect is still reachable so the handshake can mint a
			// token.
			return auth.Identity{Kind: auth.IdentityUnauthorized}
		}
		id.Guid = conn.ID.String()
		return id
	}
	token := p.Token
	if token == "" {
		// Fall back to the token presented on the upgrade request.
		token = conn.BearerToken()
	}
	id := c.auth.Verify(token)
	if id.Kind == auth.IdentityUser || id.Kind == auth.IdentityBot {
		// Route responses back over this socket, not the token subject.
		id.Guid = conn.ID.String()
	}
	return id
}

// sendAuthorizeDirective tells an unauthenticated websocket client how
// to obtain a token.
func (c *Coordinator) sendAuthorizeDirective(ctx context.Context, req *dispatch.Request) error {
	if c.opts.AuthorizeURL == nil || req.Conn.Kind != network.TransportWebsocket {
		return nil
	}
	url, err := c.opts.AuthorizeURL(req.Conn.ID)
	if err != nil {
		return fmt.Errorf("failed to build authorize url: %w", err)
	}
	return c.srv.Send(req.Conn.ID, &protocol.Packet{Command: &protocol.Command{
		Type:         protocol.CommandDiscordAuthorize,
		AuthorizeURL: url,
	}})
}

// respond sends a Response correlated to the request envelope.
func (c *Coordinator) respond(target uuid.UUID, origin *protocol.Envelope, resp *protocol.Response) error {
	resp.RespondingToPacketID = origin.CorrelationID.String()
	return c.srv.Send(target, &protocol.Packet{Response: resp})
}

func (c *Coordinator) respondFail(target uuid.UUID, origin *protocol.Envelope, message string) error {
	return c.respond(target, origin, &protocol.Response{
		Type:    protocol.ResponseFail,
		Message: message,
	})
}

// serverInfo is what tournaments created on this server advertise.
func (c *Coordinator) serverInfo() models.ServerInfo {
	return models.ServerInfo{
		Address:       c.opts.Address,
		Name:          c.opts.ServerName,
		Port:          c.opts.Port,
		WebsocketPort: c.opts.WebsocketPort,
	}
}

// tournamentAudience resolves the connection ids of everyone in a
// tournament. User guids are connection ids, so this is a parse away.
func (c *Coordinator) tournamentAudience(tournamentID string) []uuid.UUID {
	guids := c.manager.UserGuids(tournamentID)
	ids := make([]uuid.UUID, 0, len(guids))
	for _, guid := range guids {
		id, err := uuid.Parse(guid)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// broadcastToTournament sends a payload to every member of a tournament.
func (c *Coordinator) broadcastToTournament(ctx context.Context, tournamentID string, payload *protocol.Packet) {
	audience := c.tournamentAudience(tournamentID)
	if len(audience) == 0 {
		return
	}
	if err := c.srv.Multicast(ctx, audience, payload); err != nil {
		c.logger.Error().Err(err).Str("tournament", tournamentID).Msg("tournament broadcast failed")
	}
}

// HandleDisconnect removes a departed connection from every tournament.
// Wired to the client-disconnected event at startup.
func (c *Coordinator) HandleDisconnect(ctx context.Context, connectionID uuid.UUID) {
	c.manager.RemoveUserEverywhere(ctx, connectionID.String())
}
