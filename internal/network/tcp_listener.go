package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moonlight-project/moonlight/internal/protocol"
)

const (
	// readBufferSize is the per-read chunk size for the game socket.
	readBufferSize = 8192
)

// Handler receives connection lifecycle callbacks and decoded envelopes
// from the listeners.
type Handler interface {
	ClientConnected(ctx context.Context, conn *Connection)
	ClientDisconnected(ctx context.Context, conn *Connection)
	EnvelopeReceived(ctx context.Context, conn *Connection, env *protocol.Envelope)
}

// TCPListener accepts game client connections over TLS. It binds the
// same port on IPv4 and IPv6 separately so either stack being
// unavailable does not take the other down.
type TCPListener struct {
	port      int
	tlsConfig *tls.Config
	handler   Handler

	listeners []net.Listener
}

// NewTCPListener creates a TCP listener. tlsConfig must carry at least
// one certificate.
func NewTCPListener(port int, tlsConfig *tls.Config, handler Handler) *TCPListener {
	return &TCPListener{
		port:      port,
		tlsConfig: tlsConfig,
		handler:   handler,
	}
}

// Start binds both address families and begins accepting. It returns
// once the binds have either succeeded or failed; accept loops run in
// the background until ctx is cancelled.
func (l *TCPListener) Start(ctx context.Context) error {
	lc := ReuseAddrListenConfig()

	bound := 0
	for _, network := range []string{"tcp4", "tcp6"} {
		ln, err := lc.Listen(ctx, network, fmt.Sprintf(":%d", l.port))
		if err != nil {
			log.Warn().Err(err).Str("network", network).Int("port", l.port).Msg("failed to bind game socket")
			continue
		}
		l.listeners = append(l.listeners, ln)
		bound++
		log.Info().Str("addr", ln.Addr().String()).Str("network", network).Msg("game socket listening")
	}
	if bound == 0 {
		return fmt.Errorf("failed to bind game socket on port %d for any address family", l.port)
	}

	go func() {
		<-ctx.Done()
		l.Stop()
	}()

	for _, ln := range l.listeners {
		go l.acceptLoop(ctx, ln)
	}
	return nil
}

func (l *TCPListener) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Str("addr", ln.Addr().String()).Msg("game socket stopping")
				return
			default:
				log.Error().Err(err).Msg("failed to accept connection")
				continue
			}
		}

		log.Debug().Str("remote", raw.RemoteAddr().String()).Msg("new game client connection")
		go l.handleConnection(ctx, raw)
	}
}

// handleConnection completes the TLS handshake, registers the client,
// and runs the read loop until the socket dies.
func (l *TCPListener) handleConnection(ctx context.Context, raw net.Conn) {
	tlsConn := tls.Server(raw, l.tlsConfig)

	// Finish the handshake before announcing the client so a scanner
	// that never speaks TLS is dropped without side effects.
	tlsConn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		log.Debug().Err(err).Str("remote", raw.RemoteAddr().String()).Msg("tls handshake failed")
		tlsConn.Close()
		return
	}
	tlsConn.SetDeadline(time.Time{})

	conn := NewTCPConnection(tlsConn)
	l.handler.ClientConnected(ctx, conn)
	defer l.handler.ClientDisconnected(ctx, conn)

	l.readLoop(ctx, conn, tlsConn)
}

// readLoop decodes envelopes off r and hands each one to the handler.
// Decoding and delivery happen on this single goroutine, so a
// connection's envelopes reach the handler in the order they arrived.
func (l *TCPListener) readLoop(ctx context.Context, conn *Connection, r io.Reader) {
	backlog := protocol.NewBacklog(log.With().
		Str("component", "backlog").
		Str("id", conn.ID.String()).
		Logger())
	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := r.Read(buf)
		if err != nil {
			if conn.IsClosed() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug().Err(err).Str("id", conn.ID.String()).Msg("read error, closing connection")
			return
		}

		conn.Touch()
		backlog.Append(buf[:n])
		for env := backlog.Next(); env != nil; env = backlog.Next() {
			l.handler.EnvelopeReceived(ctx, conn, env)
		}
	}
}

// Stop closes the listening sockets.
func (l *TCPListener) Stop() {
	for _, ln := range l.listeners {
		ln.Close()
	}
}
