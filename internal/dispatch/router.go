// Package dispatch routes inbound envelopes to handler functions based
// on packet type, sub-type, and what the sending connection is allowed
// to do. Routing tables are declarative: each feature area registers a
// Module naming the packets it consumes and the gate every handler sits
// behind.
package dispatch

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/moonlight-project/moonlight/internal/auth"
	"github.com/moonlight-project/moonlight/internal/network"
	"github.com/moonlight-project/moonlight/internal/protocol"
	"github.com/moonlight-project/moonlight/internal/util"
)

// Access is the set of sender classes a handler accepts.
type Access uint8

const (
	// FromPlayer admits game clients on the TCP socket.
	FromPlayer Access = 1 << iota
	// FromWebsocket admits authenticated websocket users and bots.
	FromWebsocket
	// FromReadonly admits readonly websocket sessions.
	FromReadonly
	// FromUnauthorized admits connections with no identity at all.
	// Needed for the connect handshake itself.
	FromUnauthorized
)

// Request carries everything a handler needs about one envelope.
type Request struct {
	Conn     *network.Connection
	Identity auth.Identity
	Envelope *protocol.Envelope
}

// HandlerFunc processes one matched envelope.
type HandlerFunc func(ctx context.Context, req *Request) error

// Handler is one gated route inside a module.
type Handler struct {
	// Name appears in logs.
	Name string
	// Switch restricts the handler to specific sub-types of the
	// module's packet type. Empty means every sub-type.
	Switch []int
	// Access is the sender classes admitted. Zero admits nobody and is
	// almost certainly a registration bug.
	Access Access
	// Permission, when set, must be held by the sender on the
	// tournament extracted by the module's TournamentID func.
	Permission string
	// Handle runs when all gates pass.
	Handle HandlerFunc
}

// Module binds a packet type to its handlers.
type Module struct {
	Name string
	// PacketType selects which envelopes this module sees.
	PacketType protocol.PacketType
	// SwitchType extracts the sub-type used to match Handler.Switch.
	// Nil when the packet type has no sub-types worth splitting on.
	SwitchType func(p *protocol.Packet) int
	// TournamentID extracts the tournament a permission check applies
	// to. Required when any handler sets Permission.
	TournamentID func(p *protocol.Packet) string
	Handlers     []Handler
}

// PermissionChecker answers tournament permission queries. Satisfied by
// db.TournamentStore.
type PermissionChecker interface {
	IsUserAuthorized(tournamentGuid string, userIDs []string, permission string) bool
}

// Router fans envelopes out to every matching handler.
type Router struct {
	modules []Module
	perms   PermissionChecker
	// onUnauthorized runs when an envelope matched handlers only on
	// sub-type, never on access: the client needs to authenticate.
	onUnauthorized HandlerFunc
	logger         zerolog.Logger
}

// NewRouter creates a Router. onUnauthorized may be nil.
func NewRouter(perms PermissionChecker, onUnauthorized HandlerFunc) *Router {
	return &Router{
		perms:          perms,
		onUnauthorized: onUnauthorized,
		logger:         util.ComponentLogger("dispatch"),
	}
}

// RegisterModule adds a module to the routing table. Registration
// happens at wiring time, before any envelope flows; there is no
// locking on the table.
func (r *Router) RegisterModule(m Module) {
	r.modules = append(r.modules, m)
	r.logger.Debug().Str("module", m.Name).Int("handlers", len(m.Handlers)).Msg("module registered")
}

// accessOf maps an identity to the access class it exercises.
func accessOf(id auth.Identity) Access {
	switch id.Kind {
	case auth.IdentityPlayer:
		return FromPlayer
	case auth.IdentityUser, auth.IdentityBot:
		return FromWebsocket
	case auth.IdentityReadonly:
		return FromReadonly
	default:
		return FromUnauthorized
	}
}

// Dispatch routes one envelope. Every handler whose gates pass runs;
// handler errors and panics are contained per handler so one bad route
// cannot starve its siblings. When at least one handler wanted the
// packet but every one of them rejected the sender's access class, the
// unauthorized callback fires so the client can be told to
// authenticate. Readonly sessions are the exception: their rejected
// mutations are dropped silently, since asking a readonly overlay to
// log in would be noise.
func (r *Router) Dispatch(ctx context.Context, req *Request) {
	access := accessOf(req.Identity)

	matchedType := false
	ran := false

	for i := range r.modules {
		m := &r.modules[i]
		if m.PacketType != req.Envelope.Type {
			continue
		}

		subType := 0
		if m.SwitchType != nil {
			subType = m.SwitchType(req.Envelope.Payload)
		}

		for j := range m.Handlers {
			h := &m.Handlers[j]
			if !matchesSwitch(h.Switch, subType) {
				continue
			}
			matchedType = true

			if h.Access&access == 0 {
				continue
			}
			if h.Permission != "" && !r.hasPermission(m, h, req) {
				continue
			}

			ran = true
			r.run(ctx, m, h, req)
		}
	}

	if matchedType && !ran && access == FromUnauthorized && r.onUnauthorized != nil {
		if err := r.onUnauthorized(ctx, req); err != nil {
			r.logger.Error().Err(err).Str("conn", req.Conn.ID.String()).Msg("unauthorized callback failed")
		}
	}
}

func matchesSwitch(want []int, got int) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if w == got {
			return true
		}
	}
	return false
}

func (r *Router) hasPermission(m *Module, h *Handler, req *Request) bool {
	if m.TournamentID == nil {
		r.logger.Error().Str("module", m.Name).Str("handler", h.Name).Msg("permission gate without tournament extractor")
		return false
	}
	tournamentID := m.TournamentID(req.Envelope.Payload)
	if tournamentID == "" {
		return false
	}
	return r.perms.IsUserAuthorized(tournamentID, req.Identity.UserIDs(), h.Permission)
}

func (r *Router) run(ctx context.Context, m *Module, h *Handler, req *Request) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("module", m.Name).
				Str("handler", h.Name).
				Interface("panic", rec).
				Msg("handler panicked")
		}
	}()

	if err := h.Handle(ctx, req); err != nil {
		r.logger.Error().
			Err(err).
			Str("module", m.Name).
			Str("handler", h.Name).
			Str("conn", req.Conn.ID.String()).
			Msg("handler failed")
	}
}
