// Package replication implements the built-in session protocol on top of
// the relay core (join and leave announcements, generic unicast and
// multicast relay, transform replication, device reports, experience
// loading) and the Manager that owns the relay and drives its loop.
package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/muco-project/muco-relay/internal/config"
	"github.com/muco-project/muco-relay/internal/events"
	"github.com/muco-project/muco-relay/internal/network"
	"github.com/muco-project/muco-relay/internal/protocol"
	"github.com/muco-project/muco-relay/internal/relay"
)

// Transform is the last position and rotation reported by a peer.
type Transform struct {
	Position  protocol.Vector3 `json:"position"`
	Rotation  protocol.Vector3 `json:"rotation"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// PeerView is a roster entry enriched with replication state.
type PeerView struct {
	relay.RosterEntry
	Device    *protocol.DeviceInfo `json:"device,omitempty"`
	Transform *Transform           `json:"transform,omitempty"`
}

// Manager owns a relay Server, installs the session handlers on every start
// and runs the tick loop that polls it.
type Manager struct {
	cfg       *config.Config
	bus       *events.EventBus
	server    *relay.Server
	transport string
	logger    zerolog.Logger

	// loopMu serializes Poll with Start and Stop and guards ctx.
	loopMu sync.Mutex
	ctx    context.Context

	stateMu    sync.RWMutex
	experience string
	devices    map[relay.Identity]protocol.DeviceInfo
	transforms map[relay.Identity]Transform
}

// NewManager creates a Manager for the given transport. observer may be nil.
func NewManager(cfg *config.Config, bus *events.EventBus, transport relay.Transport, observer relay.Observer) *Manager {
	relayCfg := cfg.GetRelayData()
	m := &Manager{
		cfg:        cfg,
		bus:        bus,
		transport:  relayCfg.Transport,
		logger:     log.With().Str("component", "replication").Logger(),
		ctx:        context.Background(),
		devices:    make(map[relay.Identity]protocol.DeviceInfo),
		transforms: make(map[relay.Identity]Transform),
	}
	m.server = relay.NewServer(transport,
		relay.WithExecutionMode(relay.ExecutionMode(relayCfg.ExecutionMode)),
		relay.WithObserver(observer),
		relay.WithHooks(relay.Hooks{
			OnJoin:  m.onJoin,
			OnLeave: m.onLeave,
		}),
	)
	return m
}

// NewTransport builds the transport named in the relay configuration.
func NewTransport(relayCfg config.RelayData) (relay.Transport, error) {
	opts := network.Options{
		BindAddress:      relayCfg.BindAddress,
		MaxPacketSize:    relayCfg.MaxPacketSize,
		IdleTimeout:      time.Duration(relayCfg.IdleTimeoutSec) * time.Second,
		MaxPeers:         relayCfg.MaxPeers,
		ConnectRatePerIP: relayCfg.ConnectRatePerIP,
		WebSocketPath:    relayCfg.WebSocketPath,
	}
	switch relayCfg.Transport {
	case config.TransportTCP, "":
		return network.NewTCPTransport(opts), nil
	case config.TransportWebSocket:
		return network.NewWebSocketTransport(opts), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", relayCfg.Transport)
	}
}

// Run starts the relay when auto_start is set and ticks until ctx is done,
// then stops the relay.
func (m *Manager) Run(ctx context.Context) error {
	m.loopMu.Lock()
	m.ctx = ctx
	m.loopMu.Unlock()

	relayCfg := m.cfg.GetRelayData()
	if relayCfg.AutoStart {
		if err := m.Start(uint16(relayCfg.Port)); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(relayCfg.TickInterval())
	defer ticker.Stop()

	m.logger.Info().
		Dur("tick", relayCfg.TickInterval()).
		Msg("relay loop running")

	for {
		select {
		case <-ctx.Done():
			if err := m.Stop(); err != nil {
				m.logger.Error().Err(err).Msg("failed to stop relay")
			}
			return nil
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick polls the relay once.
func (m *Manager) Tick() int {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return m.server.Poll()
}

// Start installs the handlers and starts the relay on port.
func (m *Manager) Start(port uint16) error {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if m.server.IsRunning() {
		return relay.ErrAlreadyRunning
	}
	if err := m.installHandlers(); err != nil {
		return err
	}
	if err := m.server.Start(m.ctx, port); err != nil {
		return err
	}

	m.emit(events.EventRelayStarted, events.RelayStartedPayload{
		Port:      port,
		Transport: m.transport,
		Mode:      string(m.server.Mode()),
	})
	return nil
}

// Stop stops the relay and forgets per-peer replication state. Peers still
// joined get a user_left event, since the transport drops their pending
// disconnects. The current experience is kept for the next start.
func (m *Manager) Stop() error {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if !m.server.IsRunning() {
		return nil
	}
	port := m.server.Port()
	remaining := m.server.Roster()
	err := m.server.Stop()

	for _, entry := range remaining {
		m.emit(events.EventUserLeft, events.UserLeftPayload{
			Identity: uint16(entry.Identity),
			Duration: time.Since(entry.ConnectedAt).Seconds(),
		})
	}

	m.stateMu.Lock()
	m.devices = make(map[relay.Identity]protocol.DeviceInfo)
	m.transforms = make(map[relay.Identity]Transform)
	m.stateMu.Unlock()

	m.emit(events.EventRelayStopped, events.RelayStoppedPayload{Port: port})
	return err
}

// IsRunning reports whether the relay is started.
func (m *Manager) IsRunning() bool {
	return m.server.IsRunning()
}

// Port returns the relay port.
func (m *Manager) Port() uint16 {
	return m.server.Port()
}

// Transport returns the configured transport name.
func (m *Manager) Transport() string {
	return m.transport
}

// Server exposes the relay core.
func (m *Manager) Server() *relay.Server {
	return m.server
}

// LoadExperience broadcasts a load-experience command and remembers the
// experience for newcomers. An empty name loads the configured default.
// It runs between ticks, so a peer joining concurrently receives the
// experience exactly once.
func (m *Manager) LoadExperience(name string) (string, int, error) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if name == "" {
		name = m.cfg.GetRelayData().DefaultExperience
	}
	if name == "" {
		return "", 0, fmt.Errorf("no experience name given and no default configured")
	}
	if !m.server.IsRunning() {
		return name, 0, relay.ErrNotRunning
	}

	m.stateMu.Lock()
	m.experience = name
	m.stateMu.Unlock()

	sent := m.server.SendToAll(protocol.BuildLoadExperience(name))
	m.logger.Info().Str("experience", name).Int("recipients", sent).Msg("experience loaded")
	m.emit(events.EventExperienceLoaded, events.ExperienceLoadedPayload{Experience: name, Recipients: sent})
	return name, sent, nil
}

// CurrentExperience returns the last experience loaded, or "".
func (m *Manager) CurrentExperience() string {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.experience
}

// Kick closes the connection of a peer. Its leave is announced when the
// transport reports the disconnect.
func (m *Manager) Kick(id relay.Identity) error {
	if err := m.server.Disconnect(id); err != nil {
		return err
	}
	m.logger.Info().Uint16("identity", uint16(id)).Msg("peer kicked")
	return nil
}

// Roster returns every joined peer with its device report and transform.
func (m *Manager) Roster() []PeerView {
	entries := m.server.Roster()

	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	out := make([]PeerView, len(entries))
	for i, e := range entries {
		out[i] = PeerView{RosterEntry: e}
		if d, ok := m.devices[e.Identity]; ok {
			d := d
			out[i].Device = &d
		}
		if t, ok := m.transforms[e.Identity]; ok {
			t := t
			out[i].Transform = &t
		}
	}
	return out
}

// Devices returns the device reports keyed by identity.
func (m *Manager) Devices() map[relay.Identity]protocol.DeviceInfo {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	out := make(map[relay.Identity]protocol.DeviceInfo, len(m.devices))
	for id, d := range m.devices {
		out[id] = d
	}
	return out
}

// Stats returns the relay counters.
func (m *Manager) Stats() relay.Stats {
	return m.server.Stats()
}

func (m *Manager) emit(t events.EventType, payload interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(context.Background(), events.Event{Type: t, Source: "relay", Payload: payload})
}
