package network

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muco-project/muco-relay/internal/protocol"
)

type transport interface {
	Start(ctx context.Context, port uint16) error
	Stop() error
	PollEvents() []Event
	Send(p Peer, data []byte) error
	Addr() net.Addr
	PeerCount() int
}

// collect polls until n events have arrived or the timeout elapses.
func collect(t *testing.T, tr transport, n int) []Event {
	t.Helper()
	var events []Event
	require.Eventually(t, func() bool {
		events = append(events, tr.PollEvents()...)
		return len(events) >= n
	}, 3*time.Second, 5*time.Millisecond, "got %d events, want %d", len(events), n)
	return events
}

func startTCP(t *testing.T, opts Options) (*TCPTransport, string) {
	t.Helper()
	opts.BindAddress = "127.0.0.1"
	tr := NewTCPTransport(opts)
	require.NoError(t, tr.Start(context.Background(), 0))
	t.Cleanup(func() { tr.Stop() })
	return tr, tr.Addr().String()
}

func TestTCPTransport_Lifecycle(t *testing.T) {
	tr, addr := startTCP(t, DefaultOptions())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	pkt := protocol.BuildGenericMulticast(0x0777, []byte("hi")).Bytes()
	require.NoError(t, protocol.WritePacket(conn, pkt))

	events := collect(t, tr, 2)
	require.Equal(t, EventConnected, events[0].Type)
	require.Equal(t, EventReceived, events[1].Type)
	assert.Equal(t, pkt, events[1].Data)
	assert.Same(t, events[0].Peer, events[1].Peer)

	reply := protocol.BuildUserLeft(3).Bytes()
	require.NoError(t, tr.Send(events[0].Peer, reply))
	got, err := protocol.ReadPacket(conn)
	require.NoError(t, err)
	assert.Equal(t, reply, got)

	conn.Close()
	events = collect(t, tr, 1)
	assert.Equal(t, EventDisconnected, events[0].Type)
	assert.Eventually(t, func() bool { return tr.PeerCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTCPTransport_OversizePacketRaisesError(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPacketSize = 8
	tr, addr := startTCP(t, opts)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, protocol.WritePacket(conn, bytes.Repeat([]byte{1}, 16)))

	events := collect(t, tr, 3)
	assert.Equal(t, EventConnected, events[0].Type)
	assert.Equal(t, EventError, events[1].Type)
	assert.ErrorIs(t, events[1].Err, protocol.ErrPacketTooLarge)
	assert.Equal(t, EventDisconnected, events[2].Type)
}

func TestTCPTransport_StopClosesPeersAndRestarts(t *testing.T) {
	tr, addr := startTCP(t, DefaultOptions())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	collect(t, tr, 1)

	require.NoError(t, tr.Stop())
	assert.Nil(t, tr.Addr())
	assert.Empty(t, tr.PollEvents(), "undelivered events are discarded on stop")

	_, err = protocol.ReadPacket(conn)
	assert.Error(t, err)

	require.NoError(t, tr.Start(context.Background(), 0))
	conn2, err := net.Dial("tcp", tr.Addr().String())
	require.NoError(t, err)
	defer conn2.Close()
	events := collect(t, tr, 1)
	assert.Equal(t, EventConnected, events[0].Type)
}

func TestTCPTransport_MaxPeers(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPeers = 1
	tr, addr := startTCP(t, opts)

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	collect(t, tr, 1)

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = second.Read(make([]byte, 1))
	assert.Error(t, err, "refused connection is closed by the relay")
	assert.Equal(t, 1, tr.PeerCount())
}

func TestTCPTransport_DoubleStart(t *testing.T) {
	tr, _ := startTCP(t, DefaultOptions())
	assert.Error(t, tr.Start(context.Background(), 0))
}

func TestWebSocketTransport_Lifecycle(t *testing.T) {
	opts := DefaultOptions()
	opts.BindAddress = "127.0.0.1"
	tr := NewWebSocketTransport(opts)
	require.NoError(t, tr.Start(context.Background(), 0))
	defer tr.Stop()

	url := fmt.Sprintf("ws://%s%s", tr.Addr().String(), opts.WebSocketPath)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	pkt := protocol.BuildClientTransform(protocol.PktClientTranslateUser, protocol.Vector3{X: 1}).Bytes()
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, pkt))

	events := collect(t, tr, 2)
	require.Equal(t, EventConnected, events[0].Type)
	require.Equal(t, EventReceived, events[1].Type)
	assert.Equal(t, pkt, events[1].Data)

	reply := protocol.BuildUserJoined(1, true).Bytes()
	require.NoError(t, tr.Send(events[0].Peer, reply))
	mt, got, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, reply, got)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	events = collect(t, tr, 1)
	assert.Equal(t, EventDisconnected, events[0].Type)
}

func TestWebSocketTransport_TextMessageIsError(t *testing.T) {
	opts := DefaultOptions()
	opts.BindAddress = "127.0.0.1"
	tr := NewWebSocketTransport(opts)
	require.NoError(t, tr.Start(context.Background(), 0))
	defer tr.Stop()

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", tr.Addr()), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hello")))

	events := collect(t, tr, 3)
	assert.Equal(t, EventError, events[1].Type)
	assert.Equal(t, EventDisconnected, events[2].Type)
}
