package replication

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/muco-project/muco-relay/internal/config"
	"github.com/muco-project/muco-relay/internal/events"
	"github.com/muco-project/muco-relay/internal/network"
	"github.com/muco-project/muco-relay/internal/protocol"
)

type fakePeer struct {
	port int

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

var peerPorts struct {
	sync.Mutex
	next int
}

func newFakePeer() *fakePeer {
	peerPorts.Lock()
	defer peerPorts.Unlock()
	peerPorts.next++
	return &fakePeer{port: 40000 + peerPorts.next}
}

func (p *fakePeer) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: p.port}
}

func (p *fakePeer) ConnectedAt() time.Time {
	return time.Now().Add(-time.Minute)
}

func (p *fakePeer) WritePacket(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("write on closed peer")
	}
	p.written = append(p.written, append([]byte(nil), data...))
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// packets returns the packets written so far and forgets them.
func (p *fakePeer) packets() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.written
	p.written = nil
	return out
}

type fakeTransport struct {
	mu      sync.Mutex
	events  []network.Event
	started bool
	starts  int
}

func (t *fakeTransport) Start(ctx context.Context, port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	t.starts++
	return nil
}

func (t *fakeTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
	t.events = nil
	return nil
}

func (t *fakeTransport) PollEvents() []network.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.events
	t.events = nil
	return out
}

func (t *fakeTransport) Send(p network.Peer, data []byte) error {
	return p.WritePacket(data)
}

func (t *fakeTransport) isStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

func (t *fakeTransport) push(evs ...network.Event) {
	t.mu.Lock()
	t.events = append(t.events, evs...)
	t.mu.Unlock()
}

func (t *fakeTransport) connect(p network.Peer) {
	t.push(network.Event{Type: network.EventConnected, Peer: p})
}

func (t *fakeTransport) disconnect(p network.Peer) {
	t.push(network.Event{Type: network.EventDisconnected, Peer: p})
}

func (t *fakeTransport) receive(p network.Peer, pkt *protocol.Packet) {
	t.push(network.Event{Type: network.EventReceived, Peer: p, Data: append([]byte(nil), pkt.Bytes()...)})
}

// recorder collects bus events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	mgr *Manager
	tr  *fakeTransport
	rec *recorder
}

func newHarness(t *testing.T, mutate func(*config.RelayData)) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	relayCfg := cfg.GetRelayData()
	relayCfg.AutoLoadExperience = false
	if mutate != nil {
		mutate(&relayCfg)
	}
	cfg.SetRelayData(relayCfg)

	bus := events.NewEventBus()
	rec := &recorder{}
	for _, et := range events.AllEventTypes {
		bus.Subscribe(et, "recorder", rec.handle)
	}
	t.Cleanup(bus.Stop)

	tr := &fakeTransport{}
	h := &harness{mgr: NewManager(cfg, bus, tr, nil), tr: tr, rec: rec}
	require.NoError(t, h.mgr.Start(4960))
	t.Cleanup(func() { h.mgr.Stop() })
	return h
}

// join connects the peers one tick at a time and discards what they received.
func (h *harness) join(peers ...*fakePeer) {
	for _, p := range peers {
		h.tr.connect(p)
		h.mgr.Tick()
	}
	for _, p := range peers {
		p.packets()
	}
}

type joined struct {
	identity int32
	self     bool
}

func decodeJoined(t *testing.T, data []byte) joined {
	t.Helper()
	pkt := protocol.NewPacketFromBytes(data)
	typeID, err := pkt.ReadType()
	require.NoError(t, err)
	require.Equal(t, protocol.PktUserJoined, typeID)
	id, err := pkt.ReadInt32()
	require.NoError(t, err)
	self, err := pkt.ReadInt32()
	require.NoError(t, err)
	return joined{identity: id, self: self == 1}
}

func decodeType(t *testing.T, data []byte) protocol.PacketType {
	t.Helper()
	typeID, err := protocol.NewPacketFromBytes(data).ReadType()
	require.NoError(t, err)
	return typeID
}
