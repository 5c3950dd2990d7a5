package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/moonlight-project/moonlight/internal/protocol"
)

// WebsocketListener serves the browser-facing socket. It speaks the
// same envelope format as the game socket, carried in binary websocket
// messages.
type WebsocketListener struct {
	port      int
	tlsConfig *tls.Config
	handler   Handler

	server   *http.Server
	upgrader websocket.Upgrader
}

// NewWebsocketListener creates a websocket listener.
func NewWebsocketListener(port int, tlsConfig *tls.Config, handler Handler) *WebsocketListener {
	return &WebsocketListener{
		port:      port,
		tlsConfig: tlsConfig,
		handler:   handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: readBufferSize,
			// Browsers connect from arbitrary overlay origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving websocket upgrades. Like the game socket it
// returns after binding; serving continues until ctx is cancelled.
func (l *WebsocketListener) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.serveUpgrade(ctx))

	l.server = &http.Server{
		Addr:      fmt.Sprintf(":%d", l.port),
		Handler:   mux,
		TLSConfig: l.tlsConfig,
	}

	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", l.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind websocket listener on port %d: %w", l.port, err)
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("websocket listener started")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.server.Shutdown(shutdownCtx)
	}()

	go func() {
		err := l.server.ServeTLS(ln, "", "")
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("websocket listener stopped unexpectedly")
		}
	}()
	return nil
}

func (l *WebsocketListener) serveUpgrade(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bearer := bearerToken(r.Header.Get("Authorization"))
		ws, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		go l.handleConnection(ctx, ws, bearer)
	}
}

// bearerToken extracts the token from an Authorization header, if any.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// handleConnection runs the read loop for one websocket client. The
// connected callback is deferred until the first binary message so the
// client can observe its assigned id only once it is actually speaking
// the protocol; health checks and stray HTTP clients never register.
func (l *WebsocketListener) handleConnection(ctx context.Context, ws *websocket.Conn, bearer string) {
	conn := NewWebsocketConnection(ws)
	if bearer != "" {
		conn.SetBearerToken(bearer)
	}

	registered := false
	defer func() {
		if registered {
			l.handler.ClientDisconnected(ctx, conn)
		} else {
			conn.Close()
		}
	}()

	backlog := protocol.NewBacklog(log.With().
		Str("component", "backlog").
		Str("id", conn.ID.String()).
		Logger())

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if conn.IsClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug().Err(err).Str("id", conn.ID.String()).Msg("websocket read error")
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		if !registered {
			registered = true
			l.handler.ClientConnected(ctx, conn)
		}

		conn.Touch()
		backlog.Append(data)
		for env := backlog.Next(); env != nil; env = backlog.Next() {
			l.handler.EnvelopeReceived(ctx, conn, env)
		}
	}
}

// Stop closes the websocket listener.
func (l *WebsocketListener) Stop() {
	if l.server != nil {
		l.server.Close()
	}
}
