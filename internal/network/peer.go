// Package network implements the relay transports: a TCP listener speaking
// length-prefixed frames and a WebSocket endpoint carrying one binary message
// per packet. Transport goroutines never touch relay state; they report
// connects, disconnects, received packets and errors through an EventQueue
// that the relay drains from its own loop.
package network

import (
	"net"
	"time"
)

// Peer is a live transport connection as seen by the relay. Implementations
// must be safe for concurrent WritePacket and Close calls.
type Peer interface {
	RemoteAddr() net.Addr
	WritePacket(data []byte) error
	Close() error
	ConnectedAt() time.Time
}

// Kind names the transport a peer arrived on.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindWebSocket Kind = "websocket"
)

// Options configures a transport.
type Options struct {
	BindAddress      string
	MaxPacketSize    int
	IdleTimeout      time.Duration // 0 disables the read deadline
	WriteTimeout     time.Duration
	MaxPeers         int // 0 means unlimited
	ConnectRatePerIP int // new connections per second per source IP, 0 means unlimited
	WebSocketPath    string
}

// DefaultOptions returns the transport defaults.
func DefaultOptions() Options {
	return Options{
		MaxPacketSize: 65535,
		WriteTimeout:  10 * time.Second,
		WebSocketPath: "/ws",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxPacketSize <= 0 || o.MaxPacketSize > d.MaxPacketSize {
		o.MaxPacketSize = d.MaxPacketSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.WebSocketPath == "" {
		o.WebSocketPath = d.WebSocketPath
	}
	return o
}
