package telemetry

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/muco-project/muco-relay/internal/events"
	"github.com/muco-project/muco-relay/internal/protocol"
	"github.com/muco-project/muco-relay/internal/relay"
)

// Namespace prefixes every relay metric.
const Namespace = "muco_relay"

// Metrics exports relay activity to Prometheus. It implements relay.Observer.
type Metrics struct {
	activePeers         prometheus.Gauge
	connectionsTotal    prometheus.Counter
	disconnectionsTotal prometheus.Counter
	packetsReceived     *prometheus.CounterVec
	bytesReceived       prometheus.Counter
	packetsSent         prometheus.Counter
	bytesSent           prometheus.Counter
	packetsDropped      *prometheus.CounterVec
	invariantViolations prometheus.Counter
	packetSize          prometheus.Histogram
}

var _ relay.Observer = (*Metrics)(nil)

// NewMetrics registers the relay metrics with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		activePeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_peers",
			Help:      "Number of peers currently holding an identity",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_total",
			Help:      "Total number of identities assigned",
		}),
		disconnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "disconnections_total",
			Help:      "Total number of identities released",
		}),
		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "packets_received_total",
			Help:      "Total packets received by packet type",
		}, []string{"type"}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received",
		}),
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "packets_sent_total",
			Help:      "Total packets handed to the transport",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes handed to the transport",
		}),
		packetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "packets_dropped_total",
			Help:      "Total packets dropped by reason",
		}, []string{"reason"}),
		invariantViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "registry_invariant_violations_total",
			Help:      "Total identity registry invariant violations",
		}),
		packetSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "packet_size_bytes",
			Help:      "Size of received packets in bytes",
			Buckets:   []float64{8, 32, 128, 512, 2048, 8192, 65535},
		}),
	}
}

func (m *Metrics) PeerConnected(relay.Identity) {
	m.activePeers.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) PeerDisconnected(relay.Identity) {
	m.activePeers.Dec()
	m.disconnectionsTotal.Inc()
}

// PacketReceived labels built-in types by name. Application-defined types
// share the "other" label to bound cardinality.
func (m *Metrics) PacketReceived(typeID protocol.PacketType, size int) {
	m.packetsReceived.WithLabelValues(typeLabel(typeID)).Inc()
	m.bytesReceived.Add(float64(size))
	m.packetSize.Observe(float64(size))
}

func (m *Metrics) PacketSent(size int) {
	m.packetsSent.Inc()
	m.bytesSent.Add(float64(size))
}

func (m *Metrics) PacketDropped(reason relay.DropReason) {
	m.packetsDropped.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) InvariantViolated() {
	m.invariantViolations.Inc()
}

// ResetPeers zeroes the active peer gauge. A relay stop drops every peer
// without reporting each disconnect.
func (m *Metrics) ResetPeers() {
	m.activePeers.Set(0)
}

// Subscribe resets the peer gauge whenever the relay stops.
func (m *Metrics) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventRelayStopped, "metrics", func(ctx context.Context, event events.Event) error {
		m.ResetPeers()
		return nil
	})
}

func typeLabel(typeID protocol.PacketType) string {
	name := typeID.String()
	if strings.HasPrefix(name, "0x") {
		return "other"
	}
	return name
}
