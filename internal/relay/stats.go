package relay

import (
	"sync/atomic"
	"time"

	"github.com/muco-project/muco-relay/internal/network"
	"github.com/muco-project/muco-relay/internal/protocol"
)

// DropReason classifies a dropped packet.
type DropReason string

const (
	DropDecode    DropReason = "decode"
	DropUnhandled DropReason = "unhandled"
	DropRouting   DropReason = "routing"
	DropSend      DropReason = "send"
)

// Observer receives relay activity. Calls come from the relay loop, except
// PacketSent which follows the goroutine that sent.
type Observer interface {
	PeerConnected(id Identity)
	PeerDisconnected(id Identity)
	PacketReceived(typeID protocol.PacketType, size int)
	PacketSent(size int)
	PacketDropped(reason DropReason)
	InvariantViolated()
}

type noopObserver struct{}

func (noopObserver) PeerConnected(Identity) {}
func (noopObserver) PeerDisconnected(Identity) {}
func (noopObserver) PacketReceived(protocol.PacketType, int) {}
func (noopObserver) PacketSent(int) {}
func (noopObserver) PacketDropped(DropReason) {}
func (noopObserver) InvariantViolated() {}

// Stats is a snapshot of relay counters since the process started.
type Stats struct {
	Running             bool   `json:"running"`
	Port                uint16 `json:"port"`
	ActivePeers         int    `json:"active_peers"`
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	PacketsReceived     uint64 `json:"packets_received"`
	PacketsSent         uint64 `json:"packets_sent"`
	BytesReceived       uint64 `json:"bytes_received"`
	BytesSent           uint64 `json:"bytes_sent"`
	PacketsDropped      uint64 `json:"packets_dropped"`
	DecodeErrors        uint64 `json:"decode_errors"`
	RoutingDrops        uint64 `json:"routing_drops"`
	SendErrors          uint64 `json:"send_errors"`
	TransportErrors     uint64 `json:"transport_errors"`
	InvariantViolations uint64 `json:"invariant_violations"`
	UptimeSeconds       int64  `json:"uptime_seconds"`
}

type counters struct {
	connectionsAccepted atomic.Uint64
	packetsReceived     atomic.Uint64
	packetsSent         atomic.Uint64
	bytesReceived       atomic.Uint64
	bytesSent           atomic.Uint64
	packetsDropped      atomic.Uint64
	decodeErrors        atomic.Uint64
	routingDrops        atomic.Uint64
	sendErrors          atomic.Uint64
	transportErrors     atomic.Uint64
	invariantViolations atomic.Uint64
}

// RosterEntry describes one joined peer.
type RosterEntry struct {
	Identity        Identity  `json:"identity"`
	RemoteAddr      string    `json:"remote_addr"`
	ConnectedAt     time.Time `json:"connected_at"`
	PacketsReceived uint64    `json:"packets_received"`
	PacketsSent     uint64    `json:"packets_sent"`
	BytesReceived   uint64    `json:"bytes_received"`
	BytesSent       uint64    `json:"bytes_sent"`
}

// peerState is the relay's view of a joined peer. Counters are atomic
// because sends may come from any goroutine.
type peerState struct {
	id          Identity
	peer        network.Peer
	connectedAt time.Time

	packetsReceived atomic.Uint64
	packetsSent     atomic.Uint64
	bytesReceived   atomic.Uint64
	bytesSent       atomic.Uint64
}

func (p *peerState) entry() RosterEntry {
	addr := ""
	if a := p.peer.RemoteAddr(); a != nil {
		addr = a.String()
	}
	return RosterEntry{
		Identity:        p.id,
		RemoteAddr:      addr,
		ConnectedAt:     p.connectedAt,
		PacketsReceived: p.packetsReceived.Load(),
		PacketsSent:     p.packetsSent.Load(),
		BytesReceived:   p.bytesReceived.Load(),
		BytesSent:       p.bytesSent.Load(),
	}
}
