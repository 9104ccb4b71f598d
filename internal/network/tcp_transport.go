package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TCPTransport accepts TCP peers speaking [uint16 LE length][packet] frames.
// One goroutine accepts connections and one goroutine per connection reads
// frames; both only push onto the event queue.
type TCPTransport struct {
	opts      Options
	queue     *EventQueue
	conns     *ConnectionRegistry
	admission *admission
	logger    zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  atomic.Bool
}

// NewTCPTransport creates a stopped TCP transport.
func NewTCPTransport(opts Options) *TCPTransport {
	opts = opts.withDefaults()
	return &TCPTransport{
		opts:      opts,
		queue:     NewEventQueue(),
		conns:     NewConnectionRegistry(),
		admission: newAdmission(opts),
		logger:    log.With().Str("component", "tcp_transport").Logger(),
	}
}

// Start binds the listener and returns once the accept loop is running.
func (t *TCPTransport) Start(ctx context.Context, port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running.Load() {
		return fmt.Errorf("tcp transport already running")
	}

	addr := net.JoinHostPort(t.opts.BindAddress, fmt.Sprint(port))
	ctx, cancel := context.WithCancel(ctx)
	ln, err := Listen(ctx, addr)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start TCP listener on %s: %w", addr, err)
	}

	t.listener = ln
	t.cancel = cancel
	t.conns.Open()
	t.running.Store(true)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.acceptLoop(ctx, ln)
	}()

	t.logger.Info().Str("addr", ln.Addr().String()).Msg("TCP transport started")
	return nil
}

func (t *TCPTransport) acceptLoop(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || !t.running.Load() {
				return
			}
			t.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		if reason := t.admission.allow(conn.RemoteAddr(), t.conns.Count()); reason != "" {
			t.logger.Warn().Str("remote", conn.RemoteAddr().String()).Str("reason", reason).Msg("connection refused")
			conn.Close()
			continue
		}

		c := NewConnection(conn, t.opts)
		if !t.conns.Register(c) {
			c.Close()
			return
		}
		go t.handleConnection(c)
	}
}

func (t *TCPTransport) handleConnection(c *Connection) {
	defer t.conns.Unregister(c)

	pump(t.queue, c, func() ([]byte, error) {
		return c.ReadPacket(t.opts.IdleTimeout)
	}, c.IsClosed, t.logger)
}

// Stop closes the listener and every connection, waits for the transport
// goroutines and discards undelivered events.
func (t *TCPTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running.Swap(false) {
		return nil
	}

	t.cancel()
	err := t.listener.Close()
	t.conns.CloseAll()
	t.wg.Wait()
	t.conns.Wait()
	t.queue.Clear()
	t.listener = nil

	t.logger.Info().Msg("TCP transport stopped")
	if err != nil && !isClosedErr(err) {
		return err
	}
	return nil
}

// PollEvents returns the events queued since the previous call.
func (t *TCPTransport) PollEvents() []Event {
	return t.queue.Drain()
}

// Send writes one packet to a peer.
func (t *TCPTransport) Send(p Peer, data []byte) error {
	return p.WritePacket(data)
}

// Addr returns the bound listener address, or nil when stopped.
func (t *TCPTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Kind returns KindTCP.
func (t *TCPTransport) Kind() Kind {
	return KindTCP
}

// PeerCount returns the number of open connections.
func (t *TCPTransport) PeerCount() int {
	return t.conns.Count()
}

// pump reports the lifetime of one peer: a connected event, one received
// event per packet, an error event if reading failed for any reason other
// than an orderly close, and exactly one disconnected event.
func pump(q *EventQueue, p Peer, read func() ([]byte, error), closed func() bool, logger zerolog.Logger) {
	q.Push(Event{Type: EventConnected, Peer: p})
	defer q.Push(Event{Type: EventDisconnected, Peer: p})

	for {
		data, err := read()
		if err != nil {
			if closed() || isClosedErr(err) {
				return
			}
			logger.Debug().Err(err).Str("remote", p.RemoteAddr().String()).Msg("read error")
			q.Push(Event{Type: EventError, Peer: p, Err: err})
			return
		}
		q.Push(Event{Type: EventReceived, Peer: p, Data: data})
	}
}
