package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/muco-project/muco-relay/internal/network"
	"github.com/muco-project/muco-relay/internal/protocol"
)

type fakePeer struct {
	name string

	mu      sync.Mutex
	written [][]byte
	closed  bool
	failing bool
}

func newFakePeer(name string) *fakePeer {
	return &fakePeer{name: name}
}

func (p *fakePeer) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + len(p.name)}
}

func (p *fakePeer) ConnectedAt() time.Time {
	return time.Unix(1700000000, 0)
}

func (p *fakePeer) WritePacket(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.failing {
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
	port    uint16
	stops   int
	failOn  uint16
}

func (t *fakeTransport) Start(ctx context.Context, port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failOn != 0 && port == t.failOn {
		return fmt.Errorf("port %d in use", port)
	}
	t.started = true
	t.port = port
	return nil
}

func (t *fakeTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
	t.stops++
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

// decodeTypes returns the packet type of every packet.
func decodeTypes(pkts [][]byte) []protocol.PacketType {
	out := make([]protocol.PacketType, 0, len(pkts))
	for _, b := range pkts {
		typeID, _ := protocol.NewPacketFromBytes(b).ReadType()
		out = append(out, typeID)
	}
	return out
}
