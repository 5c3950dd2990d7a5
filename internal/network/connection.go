// Package network implements the TLS game socket listener, the websocket
// listener, and the registry of live client connections. Both transports
// deliver the same binary envelopes; everything above this package is
// transport-agnostic.
package network

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TransportKind identifies which listener a connection arrived on.
type TransportKind int

const (
	TransportTCP TransportKind = iota
	TransportWebsocket
)

func (t TransportKind) String() string {
	if t == TransportWebsocket {
		return "websocket"
	}
	return "tcp"
}

// transport abstracts the write side of the two socket types.
type transport interface {
	Write(data []byte) error
	Close() error
	RemoteAddr() string
}

const writeTimeout = 10 * time.Second

type tcpTransport struct {
	conn net.Conn
}

func (t *tcpTransport) Write(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := t.conn.Write(data)
	return err
}

func (t *tcpTransport) Close() error       { return t.conn.Close() }
func (t *tcpTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Write(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close() error       { return t.conn.Close() }
func (t *wsTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

// Connection is one live client socket. Its ID is assigned at accept
// time and doubles as the client's user guid for the rest of the
// session, so packets can be routed back by the same identifier the
// state tree uses.
type Connection struct {
	ID   uuid.UUID
	Kind TransportKind

	mu sync.Mutex
	tr transport

	logger zerolog.Logger

	connectedAt  time.Time
	lastActivity time.Time
	closed       bool

	// bearer is the token presented on the websocket upgrade request,
	// used when packets carry no in-band token of their own.
	bearer string
}

func newConnection(kind TransportKind, tr transport) *Connection {
	id := uuid.New()
	now := time.Now()
	return &Connection{
		ID:           id,
		Kind:         kind,
		tr:           tr,
		connectedAt:  now,
		lastActivity: now,
		logger: log.With().
			Str("component", "connection").
			Str("id", id.String()).
			Str("transport", kind.String()).
			Str("remote", tr.RemoteAddr()).
			Logger(),
	}
}

// NewTCPConnection wraps an established (already TLS-handshaken) socket.
func NewTCPConnection(conn net.Conn) *Connection {
	return newConnection(TransportTCP, &tcpTransport{conn: conn})
}

// NewWebsocketConnection wraps an upgraded websocket.
func NewWebsocketConnection(conn *websocket.Conn) *Connection {
	return newConnection(TransportWebsocket, &wsTransport{conn: conn})
}

// Send writes one framed envelope to the socket. Writes are serialized
// so concurrent broadcasts cannot interleave frames.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection %s is closed", c.ID)
	}
	if err := c.tr.Write(data); err != nil {
		return fmt.Errorf("failed to write to %s: %w", c.ID, err)
	}
	c.lastActivity = time.Now()
	return nil
}

// Touch records inbound activity for staleness tracking.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Debug().Msg("connection closed")
	return c.tr.Close()
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last send or received envelope.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// SetBearerToken records the token presented on the upgrade request.
func (c *Connection) SetBearerToken(token string) {
	c.mu.Lock()
	c.bearer = token
	c.mu.Unlock()
}

// BearerToken returns the upgrade-time token, empty when none was sent.
func (c *Connection) BearerToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bearer
}

// ConnectedAt returns when the socket was accepted.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string { return c.tr.RemoteAddr() }

// Registry tracks live connections by id.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Connection
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[uuid.UUID]*Connection)}
}

// Register adds a connection. An existing connection under the same id
// is closed first; ids are random UUIDs so this only happens if a
// client is re-registered.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[conn.ID]; ok && existing != conn {
		existing.Close()
	}
	r.conns[conn.ID] = conn
	log.Debug().Str("id", conn.ID.String()).Msg("connection registered")
}

// Unregister removes and closes a connection. It returns the connection
// and true only on the first call for a given id, so disconnect
// notifications fire exactly once even when the read loop and a failed
// broadcast race to remove the same client.
func (r *Registry) Unregister(id uuid.UUID) (*Connection, bool) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	conn.Close()
	log.Debug().Str("id", id.String()).Msg("connection unregistered")
	return conn, true
}

// Get returns the connection for an id.
func (r *Registry) Get(id uuid.UUID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// All returns a snapshot of the live connections.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		result = append(result, c)
	}
	return result
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Send writes data to a single connection by id.
func (r *Registry) Send(id uuid.UUID, data []byte) error {
	conn, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("no connection with id %s", id)
	}
	return conn.Send(data)
}

// Multicast writes data to every listed connection concurrently and
// returns the ids whose sends failed. Missing ids are skipped silently;
// a client leaving mid-broadcast is routine.
func (r *Registry) Multicast(ids []uuid.UUID, data []byte) []uuid.UUID {
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := r.Get(id); ok {
			conns = append(conns, conn)
		}
	}
	return multicast(conns, data)
}

// Broadcast writes data to every live connection and returns the ids
// whose sends failed.
func (r *Registry) Broadcast(data []byte) []uuid.UUID {
	return multicast(r.All(), data)
}

func multicast(conns []*Connection, data []byte) []uuid.UUID {
	var (
		mu     sync.Mutex
		failed []uuid.UUID
		wg     sync.WaitGroup
	)
	for _, conn := range conns {
		conn := conn
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := conn.Send(data); err != nil {
				log.Warn().Err(err).Str("id", conn.ID.String()).Msg("send failed during broadcast")
				mu.Lock()
				failed = append(failed, conn.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return failed
}

// CloseAll closes every connection and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.conns {
		conn.Close()
		delete(r.conns, id)
	}
	log.Info().Msg("all connections closed")
}
