package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/muco-project/muco-relay/internal/protocol"
)

// ErrConnectionClosed is returned by writes on a closed connection.
var ErrConnectionClosed = errors.New("connection is closed")

// Connection wraps a TCP connection speaking length-prefixed frames.
type Connection struct {
	mu     sync.Mutex
	conn   net.Conn
	logger zerolog.Logger

	maxPacketSize int
	writeTimeout  time.Duration

	// Timestamps
	connectedAt  time.Time
	lastActivity time.Time

	// State
	closed bool
}

// NewConnection wraps an existing net.Conn.
func NewConnection(conn net.Conn, opts Options) *Connection {
	opts = opts.withDefaults()
	now := time.Now()
	return &Connection{
		conn:          conn,
		maxPacketSize: opts.MaxPacketSize,
		writeTimeout:  opts.WriteTimeout,
		connectedAt:   now,
		lastActivity:  now,
		logger:        log.With().Str("component", "connection").Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

// ReadPacket reads a single frame from the connection.
// Blocks until a packet is available or timeout occurs.
func (c *Connection) ReadPacket(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}

	data, err := protocol.ReadPacket(c.conn)
	if err != nil {
		return nil, err
	}
	if len(data) > c.maxPacketSize {
		return nil, fmt.Errorf("%d bytes (max %d): %w", len(data), c.maxPacketSize, protocol.ErrPacketTooLarge)
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	return data, nil
}

// WritePacket sends a binary packet through the connection.
func (c *Connection) WritePacket(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := protocol.WritePacket(c.conn, data); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}

	c.lastActivity = time.Now()
	return nil
}

// Close closes the connection. Safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Debug().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read/write activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ConnectionRegistry tracks the live peers of one transport. Every
// successful Register must be paired with an Unregister from the goroutine
// serving the peer; Wait blocks until all of them have happened.
type ConnectionRegistry struct {
	mu     sync.RWMutex
	conns  map[Peer]struct{}
	sealed bool
	wg     sync.WaitGroup
}

// NewConnectionRegistry creates a new, open ConnectionRegistry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[Peer]struct{}),
	}
}

// Register adds a peer. It returns false once the registry has been sealed
// by CloseAll; the caller must then close the peer itself.
func (r *ConnectionRegistry) Register(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return false
	}
	r.conns[p] = struct{}{}
	r.wg.Add(1)
	return true
}

// Unregister removes a peer and closes it.
func (r *ConnectionRegistry) Unregister(p Peer) {
	r.mu.Lock()
	_, ok := r.conns[p]
	delete(r.conns, p)
	r.mu.Unlock()

	if ok {
		p.Close()
		r.wg.Done()
	}
}

// Contains reports whether the peer is registered.
func (r *ConnectionRegistry) Contains(p Peer) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[p]
	return ok
}

// GetAll returns all registered peers.
func (r *ConnectionRegistry) GetAll() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Peer, 0, len(r.conns))
	for p := range r.conns {
		result = append(result, p)
	}
	return result
}

// Count returns the number of registered peers.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll seals the registry against new peers and closes every
// registered one. Peers stay registered until their goroutine unregisters.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	r.sealed = true
	peers := make([]Peer, 0, len(r.conns))
	for p := range r.conns {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	if len(peers) > 0 {
		log.Debug().Int("count", len(peers)).Msg("all connections closed")
	}
}

// Wait blocks until every registered peer has been unregistered.
func (r *ConnectionRegistry) Wait() {
	r.wg.Wait()
}

// Open accepts registrations again after CloseAll.
func (r *ConnectionRegistry) Open() {
	r.mu.Lock()
	r.sealed = false
	r.mu.Unlock()
}
