package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muco-project/muco-relay/internal/config"
	"github.com/muco-project/muco-relay/internal/events"
	"github.com/muco-project/muco-relay/internal/protocol"
	"github.com/muco-project/muco-relay/internal/relay"
)

func TestMetrics_Observer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.PeerConnected(1)
	m.PeerConnected(2)
	m.PeerDisconnected(1)
	m.PacketReceived(protocol.PktGenericMulticast, 12)
	m.PacketReceived(0x4242, 20)
	m.PacketSent(12)
	m.PacketSent(12)
	m.PacketDropped(relay.DropRouting)
	m.InvariantViolated()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.activePeers))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.disconnectionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.packetsReceived.WithLabelValues("generic_multicast")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.packetsReceived.WithLabelValues("other")))
	assert.Equal(t, 32.0, testutil.ToFloat64(m.bytesReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.packetsSent))
	assert.Equal(t, 24.0, testutil.ToFloat64(m.bytesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.packetsDropped.WithLabelValues("routing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invariantViolations))

	n, err := testutil.GatherAndCount(reg, "muco_relay_packet_size_bytes")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_ResetOnRelayStopped(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	bus := events.NewEventBus()
	defer bus.Stop()
	m.Subscribe(bus)

	m.PeerConnected(1)
	m.PeerConnected(2)
	require.NoError(t, bus.EmitSync(context.Background(), events.Event{Type: events.EventRelayStopped}))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activePeers))
}

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	payload map[string]interface{}
}

// fakeClient records publishes. Methods the handler does not use panic
// through the nil embedded interface.
type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	connected    bool
	disconnected bool
	messages     []published
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.disconnected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var msg map[string]interface{}
	if err := json.Unmarshal(payload.([]byte), &msg); err != nil {
		return &fakeToken{err: err}
	}
	c.mu.Lock()
	c.messages = append(c.messages, published{topic: topic, payload: msg})
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.topic
	}
	return out
}

func (c *fakeClient) last() published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages[len(c.messages)-1]
}

func newTestHandler(t *testing.T, status StatusFunc) (*MQTTHandler, *fakeClient, *events.EventBus) {
	t.Helper()

	cfg := config.DefaultConfig()
	app := cfg.GetApplicationData()
	app.MQTT.Enabled = true
	app.MQTT.BrokerURL = "broker.invalid"
	app.MQTT.TopicPrefix = "lab/relay"
	cfg.SetApplicationData(app)

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	h, err := NewMQTTHandler(cfg, bus, status)
	require.NoError(t, err)

	client := &fakeClient{}
	h.client = client
	return h, client, bus
}

func TestNewMQTTHandler_Disabled(t *testing.T) {
	_, err := NewMQTTHandler(config.DefaultConfig(), events.NewEventBus(), nil)
	assert.Error(t, err)
}

func TestMQTTHandler_PublishesEvents(t *testing.T) {
	h, client, bus := newTestHandler(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()

	require.Eventually(t, func() bool {
		return bus.HandlerCount(events.EventUserJoined) == 1
	}, time.Second, 5*time.Millisecond)

	bus.Emit(ctx, events.Event{Type: events.EventUserJoined, Payload: events.UserJoinedPayload{Identity: 4}})
	bus.Emit(ctx, events.Event{Type: events.EventDeviceInfo, Payload: events.DeviceInfoPayload{Identity: 4}})
	bus.Emit(ctx, events.Event{Type: events.EventExperienceLoaded, Payload: events.ExperienceLoadedPayload{Experience: "Lab"}})
	bus.Emit(ctx, events.Event{Type: events.EventHealthAlert, Payload: events.HealthAlertPayload{Check: "disk", Level: "warning"}})

	require.Eventually(t, func() bool {
		return len(client.topics()) == 4
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"lab/relay/users", "lab/relay/devices", "lab/relay/session", "lab/relay/health"}, client.topics())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, "lab/relay/admin", client.last().topic)
	assert.False(t, client.IsConnected())
}

func TestMQTTHandler_Message(t *testing.T) {
	h, client, _ := newTestHandler(t, func() interface{} {
		return relay.Stats{Running: true, ActivePeers: 3}
	})
	client.Connect()

	h.publishStatus()

	msg := client.last()
	assert.Equal(t, "lab/relay/status", msg.topic)
	assert.Contains(t, msg.payload, "hostname")
	assert.Contains(t, msg.payload, "timestamp")
	payload := msg.payload["payload"].(map[string]interface{})
	assert.Equal(t, 3.0, payload["active_peers"])
}

func TestMQTTHandler_SkipsWhenDisconnected(t *testing.T) {
	h, client, _ := newTestHandler(t, nil)
	h.PublishShutdown()
	assert.Empty(t, client.topics())
}
