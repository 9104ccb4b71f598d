package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/muco-project/muco-relay/internal/protocol"
)

// WSConnection is a peer connected over WebSocket. Each binary message holds
// exactly one packet.
type WSConnection struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	connectedAt  time.Time
	closed       bool
}

// NewWSConnection wraps an upgraded WebSocket connection.
func NewWSConnection(conn *websocket.Conn, opts Options) *WSConnection {
	opts = opts.withDefaults()
	conn.SetReadLimit(int64(opts.MaxPacketSize))
	return &WSConnection{
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		connectedAt:  time.Now(),
	}
}

// ReadPacket reads the next binary message. Text messages are rejected.
func (c *WSConnection) ReadPacket(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("unexpected websocket message type %d", mt)
	}
	if len(data) == 0 {
		return nil, protocol.ErrEmptyPacket
	}
	return data, nil
}

// WritePacket sends one packet as a binary message.
func (c *WSConnection) WritePacket(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the socket. Safe to call more than once.
func (c *WSConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}

// IsClosed returns whether Close has been called.
func (c *WSConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// RemoteAddr returns the remote address of the connection.
func (c *WSConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ConnectedAt returns the time the upgrade completed.
func (c *WSConnection) ConnectedAt() time.Time {
	return c.connectedAt
}

// WebSocketTransport serves peers on an HTTP endpoint upgraded to WebSocket.
type WebSocketTransport struct {
	opts      Options
	queue     *EventQueue
	conns     *ConnectionRegistry
	admission *admission
	upgrader  websocket.Upgrader
	logger    zerolog.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewWebSocketTransport creates a stopped WebSocket transport.
func NewWebSocketTransport(opts Options) *WebSocketTransport {
	opts = opts.withDefaults()
	return &WebSocketTransport{
		opts:      opts,
		queue:     NewEventQueue(),
		conns:     NewConnectionRegistry(),
		admission: newAdmission(opts),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.With().Str("component", "ws_transport").Logger(),
	}
}

// Start binds the HTTP listener and serves upgrades in the background.
func (t *WebSocketTransport) Start(ctx context.Context, port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running.Load() {
		return fmt.Errorf("websocket transport already running")
	}

	addr := net.JoinHostPort(t.opts.BindAddress, fmt.Sprint(port))
	ln, err := Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to start WebSocket listener on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(t.opts.WebSocketPath, t.handleUpgrade)
	t.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	t.listener = ln
	t.conns.Open()
	t.running.Store(true)

	srv := t.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error().Err(err).Msg("websocket server error")
		}
	}()

	t.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("path", t.opts.WebSocketPath).
		Msg("WebSocket transport started")
	return nil
}

func (t *WebSocketTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !t.running.Load() {
		http.Error(w, "relay stopped", http.StatusServiceUnavailable)
		return
	}
	remote := remoteAddrOf(r)
	if reason := t.admission.allow(remote, t.conns.Count()); reason != "" {
		t.logger.Warn().Str("remote", r.RemoteAddr).Str("reason", reason).Msg("connection refused")
		http.Error(w, reason, http.StatusServiceUnavailable)
		return
	}

	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := NewWSConnection(ws, t.opts)
	if !t.conns.Register(c) {
		c.Close()
		return
	}
	defer t.conns.Unregister(c)

	pump(t.queue, c, func() ([]byte, error) {
		return c.ReadPacket(t.opts.IdleTimeout)
	}, c.IsClosed, t.logger)
}

// Stop shuts the HTTP server down, closes every peer and discards
// undelivered events.
func (t *WebSocketTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running.Swap(false) {
		return nil
	}

	// Close does not touch hijacked connections, so peers are closed separately.
	err := t.srv.Close()
	t.conns.CloseAll()
	t.conns.Wait()
	t.queue.Clear()
	t.srv = nil
	t.listener = nil

	t.logger.Info().Msg("WebSocket transport stopped")
	return err
}

// PollEvents returns the events queued since the previous call.
func (t *WebSocketTransport) PollEvents() []Event {
	return t.queue.Drain()
}

// Send writes one packet to a peer.
func (t *WebSocketTransport) Send(p Peer, data []byte) error {
	return p.WritePacket(data)
}

// Addr returns the bound listener address, or nil when stopped.
func (t *WebSocketTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Kind returns KindWebSocket.
func (t *WebSocketTransport) Kind() Kind {
	return KindWebSocket
}

// PeerCount returns the number of open connections.
func (t *WebSocketTransport) PeerCount() int {
	return t.conns.Count()
}

func remoteAddrOf(r *http.Request) net.Addr {
	addr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr)
	if err != nil {
		return nil
	}
	return addr
}
