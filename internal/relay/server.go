// Package relay implements the relay core: the identity registry, the packet
// dispatch table and the Server that turns transport events into handler
// calls and exposes the send and broadcast primitives.
//
// Start, Stop and Poll must not run concurrently with each other; the owner
// of the Server (the replication Manager) serializes them. Send, SendToAll,
// SendToAllExcept, Enqueue, Roster and Stats are safe from any goroutine.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/muco-project/muco-relay/internal/network"
	"github.com/muco-project/muco-relay/internal/protocol"
)

// Transport is the connection layer the relay drives.
type Transport interface {
	Start(ctx context.Context, port uint16) error
	Stop() error
	PollEvents() []network.Event
	Send(p network.Peer, data []byte) error
}

// ExecutionMode selects when handlers run relative to event draining.
type ExecutionMode string

const (
	// ModeInline processes each event as it is drained.
	ModeInline ExecutionMode = "inline"
	// ModeDeferred queues event processing on the task queue, which is run
	// at the end of the same Poll in FIFO order.
	ModeDeferred ExecutionMode = "deferred"
)

// Hooks are called on the relay loop when a peer joins or leaves. OnLeave
// runs before the identity is released.
type Hooks struct {
	OnJoin  func(id Identity)
	OnLeave func(id Identity)
}

// Option configures a Server.
type Option func(*Server)

// WithExecutionMode sets the execution mode. The default is ModeInline.
func WithExecutionMode(mode ExecutionMode) Option {
	return func(s *Server) {
		if mode == ModeDeferred {
			s.mode = ModeDeferred
		} else {
			s.mode = ModeInline
		}
	}
}

// WithObserver attaches an activity observer.
func WithObserver(o Observer) Option {
	return func(s *Server) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithHooks sets the join and leave hooks.
func WithHooks(h Hooks) Option {
	return func(s *Server) {
		s.hooks = h
	}
}

// Server is the relay core.
type Server struct {
	transport  Transport
	registry   *Registry
	dispatcher *Dispatcher
	tasks      *TaskQueue
	mode       ExecutionMode
	hooks      Hooks
	observer   Observer
	logger     zerolog.Logger

	// refused holds peers whose identity assignment failed, so their
	// disconnect is not reported as an unknown release.
	refused map[network.Peer]struct{}

	mu    sync.RWMutex // guards peers
	peers map[Identity]*peerState

	running   atomic.Bool
	port      atomic.Uint32
	startedAt atomic.Int64
	stats     counters
}

// NewServer creates a stopped relay on top of a transport.
func NewServer(transport Transport, opts ...Option) *Server {
	s := &Server{
		transport:  transport,
		registry:   NewRegistry(),
		dispatcher: NewDispatcher(),
		tasks:      NewTaskQueue(),
		mode:       ModeInline,
		observer:   noopObserver{},
		logger:     log.With().Str("component", "relay").Logger(),
		refused:    make(map[network.Peer]struct{}),
		peers:      make(map[Identity]*peerState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the transport on port.
func (s *Server) Start(ctx context.Context, port uint16) error {
	if s.running.Load() {
		return ErrAlreadyRunning
	}
	if err := s.transport.Start(ctx, port); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	s.port.Store(uint32(port))
	s.startedAt.Store(time.Now().UnixNano())
	s.running.Store(true)

	s.logger.Info().
		Uint16("port", port).
		Str("mode", string(s.mode)).
		Int("handlers", s.dispatcher.Len()).
		Msg("relay started")
	return nil
}

// Stop closes every connection and clears the registry, the dispatch table
// and the task queue. Handlers must be registered again before the next Start.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	err := s.transport.Stop()

	s.registry.Reset()
	s.dispatcher.Reset()
	s.tasks.Clear()
	s.refused = make(map[network.Peer]struct{})

	s.mu.Lock()
	s.peers = make(map[Identity]*peerState)
	s.mu.Unlock()

	s.logger.Info().Msg("relay stopped")
	if err != nil {
		return fmt.Errorf("failed to stop transport: %w", err)
	}
	return nil
}

// IsRunning reports whether the relay is started.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Port returns the port passed to the last successful Start.
func (s *Server) Port() uint16 {
	return uint16(s.port.Load())
}

// Mode returns the execution mode.
func (s *Server) Mode() ExecutionMode {
	return s.mode
}

// RegisterHandler adds a handler to the dispatch table.
func (s *Server) RegisterHandler(typeID protocol.PacketType, fn HandlerFunc) error {
	return s.dispatcher.Register(typeID, fn)
}

// Poll drains the transport once and runs the task queue. It returns the
// number of transport events processed.
func (s *Server) Poll() int {
	if !s.running.Load() {
		return 0
	}

	events := s.transport.PollEvents()
	for _, ev := range events {
		if s.mode == ModeDeferred {
			s.tasks.Push(func() { s.handleEvent(ev) })
			continue
		}
		s.handleEvent(ev)
	}
	s.tasks.RunPending()
	return len(events)
}

// Enqueue schedules fn on the relay loop.
func (s *Server) Enqueue(fn func()) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	s.tasks.Push(fn)
	return nil
}

func (s *Server) handleEvent(ev network.Event) {
	// A Stop from inside a handler leaves the rest of the batch stale.
	if !s.running.Load() {
		return
	}
	switch ev.Type {
	case network.EventConnected:
		s.onConnected(ev.Peer)
	case network.EventDisconnected:
		s.onDisconnected(ev.Peer)
	case network.EventReceived:
		s.onReceived(ev.Peer, ev.Data)
	case network.EventError:
		s.onError(ev.Peer, ev.Err)
	}
}

func (s *Server) onConnected(p network.Peer) {
	id, err := s.registry.Assign(p)
	if err != nil {
		s.invariantViolated(p, err, "assign")
		// A double assign keeps the first identity, which the peer's single
		// disconnect will release.
		if errors.Is(err, ErrIdentitiesExhausted) {
			s.refused[p] = struct{}{}
		}
		p.Close()
		return
	}

	state := &peerState{id: id, peer: p, connectedAt: p.ConnectedAt()}
	s.mu.Lock()
	s.peers[id] = state
	s.mu.Unlock()

	s.stats.connectionsAccepted.Add(1)
	s.observer.PeerConnected(id)
	s.logger.Info().
		Uint16("identity", uint16(id)).
		Str("remote", addrString(p)).
		Msg("peer connected")

	if s.hooks.OnJoin != nil {
		s.hooks.OnJoin(id)
	}
}

func (s *Server) onDisconnected(p network.Peer) {
	if _, ok := s.refused[p]; ok {
		delete(s.refused, p)
		return
	}

	id, ok := s.registry.Lookup(p)
	if !ok {
		s.invariantViolated(p, ErrUnknownConnection, "release")
		return
	}

	if s.hooks.OnLeave != nil {
		s.hooks.OnLeave(id)
	}

	s.registry.Release(p)
	s.mu.Lock()
	delete(s.peers, id)
	s.mu.Unlock()

	s.observer.PeerDisconnected(id)
	s.logger.Info().Uint16("identity", uint16(id)).Msg("peer disconnected")
}

func (s *Server) onReceived(p network.Peer, data []byte) {
	s.stats.packetsReceived.Add(1)
	s.stats.bytesReceived.Add(uint64(len(data)))

	pkt := protocol.NewPacketFromBytes(data)
	typeID, err := pkt.ReadType()
	if err != nil {
		s.drop(DropDecode)
		s.logger.Warn().Err(err).Str("remote", addrString(p)).Msg("undecodable packet, dropping")
		return
	}

	id, ok := s.registry.Lookup(p)
	if !ok {
		s.drop(DropRouting)
		s.logger.Warn().
			Stringer("packet_type", typeID).
			Str("remote", addrString(p)).
			Msg("packet from connection without identity, dropping")
		return
	}

	s.mu.RLock()
	state := s.peers[id]
	s.mu.RUnlock()
	if state != nil {
		state.packetsReceived.Add(1)
		state.bytesReceived.Add(uint64(len(data)))
	}
	s.observer.PacketReceived(typeID, len(data))

	handled, err := s.dispatcher.Dispatch(typeID, pkt, id)
	if !handled {
		s.drop(DropUnhandled)
		return
	}
	if err != nil {
		s.handlerFailed(id, typeID, err)
	}
}

func (s *Server) handlerFailed(id Identity, typeID protocol.PacketType, err error) {
	logger := s.logger.With().
		Uint16("identity", uint16(id)).
		Stringer("packet_type", typeID).
		Logger()

	switch {
	case errors.Is(err, protocol.ErrShortRead), errors.Is(err, protocol.ErrInvalidLength):
		s.drop(DropDecode)
		logger.Warn().Err(err).Msg("malformed packet, dropping")
	case errors.Is(err, ErrUnknownIdentity):
		s.drop(DropRouting)
		logger.Warn().Err(err).Msg("destination not connected, dropping")
	case errors.Is(err, ErrSendFailed):
		logger.Debug().Err(err).Msg("relay to destination failed")
	default:
		s.stats.packetsDropped.Add(1)
		logger.Warn().Err(err).Msg("handler failed")
	}
}

func (s *Server) onError(p network.Peer, err error) {
	s.stats.transportErrors.Add(1)
	ev := s.logger.Warn().Err(err).Str("remote", addrString(p))
	if id, ok := s.registry.Lookup(p); ok {
		ev = ev.Uint16("identity", uint16(id))
	}
	ev.Msg("transport error, closing connection")
	p.Close()
}

func (s *Server) invariantViolated(p network.Peer, err error, op string) {
	s.stats.invariantViolations.Add(1)
	s.observer.InvariantViolated()
	s.logger.Error().
		Err(err).
		Str("op", op).
		Str("remote", addrString(p)).
		Msg("registry invariant violated")
}

func (s *Server) drop(reason DropReason) {
	switch reason {
	case DropDecode:
		s.stats.decodeErrors.Add(1)
	case DropRouting:
		s.stats.routingDrops.Add(1)
	case DropSend:
		s.stats.sendErrors.Add(1)
	default:
		s.stats.packetsDropped.Add(1)
	}
	s.observer.PacketDropped(reason)
}

// Send sends a packet to the peer holding id.
func (s *Server) Send(id Identity, pkt *protocol.Packet) error {
	s.mu.RLock()
	state, ok := s.peers[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("identity %d: %w", id, ErrUnknownIdentity)
	}
	return s.sendTo(state, pkt.Bytes())
}

// SendPeer sends a packet to a connection that may not have an identity yet.
func (s *Server) SendPeer(p network.Peer, pkt *protocol.Packet) error {
	data := pkt.Bytes()
	if err := s.transport.Send(p, data); err != nil {
		s.drop(DropSend)
		p.Close()
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	s.stats.packetsSent.Add(1)
	s.stats.bytesSent.Add(uint64(len(data)))
	s.observer.PacketSent(len(data))
	return nil
}

// SendToAll sends a packet to every joined peer in ascending identity order
// and returns the number of successful sends.
func (s *Server) SendToAll(pkt *protocol.Packet) int {
	return s.broadcast(pkt, 0, false)
}

// SendToAllExcept sends a packet to every joined peer except one.
func (s *Server) SendToAllExcept(pkt *protocol.Packet, except Identity) int {
	return s.broadcast(pkt, except, true)
}

func (s *Server) broadcast(pkt *protocol.Packet, except Identity, exclude bool) int {
	data := pkt.Bytes()
	sent := 0
	for _, state := range s.snapshot() {
		if exclude && state.id == except {
			continue
		}
		if s.sendTo(state, data) == nil {
			sent++
		}
	}
	return sent
}

func (s *Server) sendTo(state *peerState, data []byte) error {
	if err := s.transport.Send(state.peer, data); err != nil {
		s.drop(DropSend)
		s.logger.Debug().Err(err).Uint16("identity", uint16(state.id)).Msg("send failed, closing connection")
		state.peer.Close()
		return fmt.Errorf("identity %d: %w: %w", state.id, ErrSendFailed, err)
	}
	state.packetsSent.Add(1)
	state.bytesSent.Add(uint64(len(data)))
	s.stats.packetsSent.Add(1)
	s.stats.bytesSent.Add(uint64(len(data)))
	s.observer.PacketSent(len(data))
	return nil
}

func (s *Server) snapshot() []*peerState {
	s.mu.RLock()
	out := make([]*peerState, 0, len(s.peers))
	for _, st := range s.peers {
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Identities returns the joined identities in ascending order. Only valid on
// the relay loop.
func (s *Server) Identities() []Identity {
	return s.registry.Identities()
}

// Connected reports whether id belongs to a joined peer.
func (s *Server) Connected(id Identity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[id]
	return ok
}

// Disconnect closes the connection of id. The leave is processed when the
// transport reports the disconnect.
func (s *Server) Disconnect(id Identity) error {
	s.mu.RLock()
	state, ok := s.peers[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("identity %d: %w", id, ErrUnknownIdentity)
	}
	return state.peer.Close()
}

// Entry returns the roster entry of one joined peer.
func (s *Server) Entry(id Identity) (RosterEntry, bool) {
	s.mu.RLock()
	state, ok := s.peers[id]
	s.mu.RUnlock()
	if !ok {
		return RosterEntry{}, false
	}
	return state.entry(), true
}

// Roster returns the joined peers in ascending identity order.
func (s *Server) Roster() []RosterEntry {
	states := s.snapshot()
	out := make([]RosterEntry, len(states))
	for i, st := range states {
		out[i] = st.entry()
	}
	return out
}

// Stats returns a snapshot of the relay counters.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	active := len(s.peers)
	s.mu.RUnlock()

	st := Stats{
		Running:             s.running.Load(),
		Port:                s.Port(),
		ActivePeers:         active,
		ConnectionsAccepted: s.stats.connectionsAccepted.Load(),
		PacketsReceived:     s.stats.packetsReceived.Load(),
		PacketsSent:         s.stats.packetsSent.Load(),
		BytesReceived:       s.stats.bytesReceived.Load(),
		BytesSent:           s.stats.bytesSent.Load(),
		PacketsDropped:      s.stats.packetsDropped.Load(),
		DecodeErrors:        s.stats.decodeErrors.Load(),
		RoutingDrops:        s.stats.routingDrops.Load(),
		SendErrors:          s.stats.sendErrors.Load(),
		TransportErrors:     s.stats.transportErrors.Load(),
		InvariantViolations: s.stats.invariantViolations.Load(),
	}
	if st.Running {
		st.UptimeSeconds = int64(time.Since(time.Unix(0, s.startedAt.Load())).Seconds())
	}
	return st
}

func addrString(p network.Peer) string {
	if a := p.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
