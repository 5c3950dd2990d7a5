// Package server ties the transport layer to packet routing: it owns
// the connection registry, the outbound send paths, and the
// request/response correlator.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/moonlight-project/moonlight/internal/events"
	"github.com/moonlight-project/moonlight/internal/network"
	"github.com/moonlight-project/moonlight/internal/protocol"
	"github.com/moonlight-project/moonlight/internal/util"
)

// EnvelopeHandler processes an inbound envelope after the correlator
// has had its look.
type EnvelopeHandler func(ctx context.Context, conn *network.Connection, env *protocol.Envelope)

// Server is the hub between listeners and the dispatch layer. It
// implements network.Handler.
type Server struct {
	registry *network.Registry
	bus      *events.EventBus
	logger   zerolog.Logger

	// onEnvelope is set once at wiring time, before listeners start.
	onEnvelope EnvelopeHandler

	waiterMu sync.Mutex
	waiters  map[uuid.UUID]*responseWaiter
}

// responseWaiter is one pending SendAndAwaitResponse registration.
// Registrations are independent: several calls can wait on the same
// sender at once, and each matches on its own criteria.
type responseWaiter struct {
	sender   uuid.UUID
	packetID *uuid.UUID
	received func(env *protocol.Envelope) bool
	timer    *time.Timer
}

// New creates a Server around a connection registry and event bus.
func New(registry *network.Registry, bus *events.EventBus) *Server {
	return &Server{
		registry: registry,
		bus:      bus,
		logger:   util.ComponentLogger("server"),
		waiters:  make(map[uuid.UUID]*responseWaiter),
	}
}

// Registry exposes the connection registry for status reporting.
func (s *Server) Registry() *network.Registry { return s.registry }

// Bus exposes the event bus for handlers emitting notifications.
func (s *Server) Bus() *events.EventBus { return s.bus }

// SetEnvelopeHandler installs the dispatch callback. Must be called
// before listeners start.
func (s *Server) SetEnvelopeHandler(h EnvelopeHandler) { s.onEnvelope = h }

// ClientConnected implements network.Handler.
func (s *Server) ClientConnected(ctx context.Context, conn *network.Connection) {
	s.registry.Register(conn)
	s.logger.Info().
		Str("id", conn.ID.String()).
		Str("transport", conn.Kind.String()).
		Str("remote", conn.RemoteAddr()).
		Msg("client connected")

	s.bus.Emit(ctx, events.Event{
		Type:   events.EventClientConnected,
		Source: "server",
		Payload: events.ConnectionPayload{
			ConnectionID: conn.ID,
			RemoteAddr:   conn.RemoteAddr(),
		},
	})
}

// ClientDisconnected implements network.Handler. The registry guards
// against double removal, so the disconnect event fires exactly once.
func (s *Server) ClientDisconnected(ctx context.Context, conn *network.Connection) {
	if _, ok := s.registry.Unregister(conn.ID); !ok {
		return
	}
	s.logger.Info().Str("id", conn.ID.String()).Msg("client disconnected")

	s.bus.Emit(ctx, events.Event{
		Type:   events.EventClientDisconnected,
		Source: "server",
		Payload: events.ConnectionPayload{
			ConnectionID: conn.ID,
			RemoteAddr:   conn.RemoteAddr(),
		},
	})
}

// EnvelopeReceived implements network.Handler. Every inbound envelope
// is offered to the correlator first, then continues to the dispatch
// handler so modules can observe it too.
func (s *Server) EnvelopeReceived(ctx context.Context, conn *network.Connection, env *protocol.Envelope) {
	s.offerToWaiters(env)
	if s.onEnvelope != nil {
		s.onEnvelope(ctx, conn, env)
	}
}

// Send delivers a payload to one client.
func (s *Server) Send(targetID uuid.UUID, payload *protocol.Packet) error {
	env := protocol.Wrap(payload)
	data, err := env.ToBytes()
	if err != nil {
		return err
	}
	return s.registry.Send(targetID, data)
}

// SendEnvelope delivers an already-wrapped envelope, preserving its
// sender and correlation id. Used for forwarding and for responses that
// must echo a request's correlation id.
func (s *Server) SendEnvelope(targetID uuid.UUID, env *protocol.Envelope) error {
	data, err := env.ToBytes()
	if err != nil {
		return err
	}
	return s.registry.Send(targetID, data)
}

// Broadcast delivers a payload to every connected client. Failed
// connections are dropped from the registry.
func (s *Server) Broadcast(ctx context.Context, payload *protocol.Packet) error {
	env := protocol.Wrap(payload)
	data, err := env.ToBytes()
	if err != nil {
		return err
	}
	s.reap(ctx, s.registry.Broadcast(data))
	return nil
}

// Multicast delivers a payload to a set of clients.
func (s *Server) Multicast(ctx context.Context, targetIDs []uuid.UUID, payload *protocol.Packet) error {
	env := protocol.Wrap(payload)
	data, err := env.ToBytes()
	if err != nil {
		return err
	}
	s.reap(ctx, s.registry.Multicast(targetIDs, data))
	return nil
}

// Forward re-sends origin's inner packet to the listed targets with the
// original sender and correlation id intact, so the receivers see who
// really sent it.
func (s *Server) Forward(ctx context.Context, targetIDs []uuid.UUID, origin *protocol.Envelope, inner *protocol.Packet) error {
	env := &protocol.Envelope{
		Type:          inner.Type(),
		From:          origin.From,
		CorrelationID: origin.CorrelationID,
		Payload:       inner,
	}
	data, err := env.ToBytes()
	if err != nil {
		return err
	}
	s.reap(ctx, s.registry.Multicast(targetIDs, data))
	return nil
}

// reap unregisters connections whose sends failed and emits their
// disconnect events.
func (s *Server) reap(ctx context.Context, failed []uuid.UUID) {
	for _, id := range failed {
		conn, ok := s.registry.Unregister(id)
		if !ok {
			continue
		}
		s.logger.Info().Str("id", id.String()).Msg("client dropped after failed send")
		s.bus.Emit(ctx, events.Event{
			Type:   events.EventClientDisconnected,
			Source: "server",
			Payload: events.ConnectionPayload{
				ConnectionID: conn.ID,
				RemoteAddr:   conn.RemoteAddr(),
			},
		})
	}
}

// SendAndAwaitResponse sends payload to targetID and registers
// onReceived to run on every subsequent envelope from the target that
// matches. When matchID is non-nil only an envelope echoing that
// correlation id matches; pass a pointer to uuid.Nil to match replies
// to the request being sent; nil matches anything from the target.
// onReceived returning true removes the registration; false keeps it
// watching. onTimeout (optional) fires once if the waiter is still
// registered when timeout elapses. The call does not block; it returns
// the sent envelope so callers can correlate by its id.
func (s *Server) SendAndAwaitResponse(targetID uuid.UUID, payload *protocol.Packet,
	onReceived func(env *protocol.Envelope) bool, matchID *uuid.UUID,
	onTimeout func(), timeout time.Duration) (*protocol.Envelope, error) {

	env := protocol.Wrap(payload)
	data, err := env.ToBytes()
	if err != nil {
		return nil, err
	}

	if matchID != nil && *matchID == uuid.Nil {
		id := env.CorrelationID
		matchID = &id
	}

	waiterID := uuid.New()
	w := &responseWaiter{
		sender:   targetID,
		packetID: matchID,
		received: onReceived,
	}
	w.timer = time.AfterFunc(timeout, func() {
		s.waiterMu.Lock()
		_, live := s.waiters[waiterID]
		delete(s.waiters, waiterID)
		s.waiterMu.Unlock()

		// A waiter satisfied just before the timer fired is gone.
		if live && onTimeout != nil {
			onTimeout()
		}
	})

	s.waiterMu.Lock()
	s.waiters[waiterID] = w
	s.waiterMu.Unlock()

	if err := s.registry.Send(targetID, data); err != nil {
		s.waiterMu.Lock()
		delete(s.waiters, waiterID)
		s.waiterMu.Unlock()
		w.timer.Stop()
		return nil, err
	}
	return env, nil
}

// offerToWaiters runs every waiter whose criteria match the envelope.
// A waiter whose callback returns true is unsubscribed; one returning
// false keeps watching the stream.
func (s *Server) offerToWaiters(env *protocol.Envelope) {
	echoed := env.Payload.RespondingTo()

	s.waiterMu.Lock()
	type candidate struct {
		id uuid.UUID
		w  *responseWaiter
	}
	var matched []candidate
	for id, w := range s.waiters {
		if w.sender != env.From {
			continue
		}
		if w.packetID != nil && w.packetID.String() != echoed {
			continue
		}
		matched = append(matched, candidate{id: id, w: w})
	}
	s.waiterMu.Unlock()

	for _, c := range matched {
		if !c.w.received(env) {
			continue
		}
		s.waiterMu.Lock()
		_, live := s.waiters[c.id]
		delete(s.waiters, c.id)
		s.waiterMu.Unlock()
		if live {
			c.w.timer.Stop()
		}
	}
}

// PendingWaiters reports how many response registrations are live.
func (s *Server) PendingWaiters() int {
	s.waiterMu.Lock()
	defer s.waiterMu.Unlock()
	return len(s.waiters)
}
