package replication

import (
	"fmt"
	"time"

	"github.com/muco-project/muco-relay/internal/events"
	"github.com/muco-project/muco-relay/internal/protocol"
	"github.com/muco-project/muco-relay/internal/relay"
)

// installHandlers registers the built-in client packet handlers. The relay
// clears its dispatch table on stop, so this runs before every start.
func (m *Manager) installHandlers() error {
	handlers := map[protocol.PacketType]relay.HandlerFunc{
		protocol.PktGenericUnicast:      m.handleUnicast,
		protocol.PktGenericMulticast:    m.handleMulticast,
		protocol.PktClientTranslateUser: m.handleTranslate,
		protocol.PktClientRotateUser:    m.handleRotate,
		protocol.PktDeviceInfo:          m.handleDeviceInfo,
	}
	for typeID, fn := range handlers {
		if err := m.server.RegisterHandler(typeID, fn); err != nil {
			return fmt.Errorf("failed to register %s handler: %w", typeID, err)
		}
	}
	return nil
}

// handleUnicast forwards the inner packet to one identity. The sender is not
// included in the forwarded packet.
func (m *Manager) handleUnicast(sender relay.Identity, pkt *protocol.Packet) error {
	req, err := protocol.ParseUnicast(pkt)
	if err != nil {
		return err
	}
	if req.Destination < 1 || req.Destination > relay.MaxIdentity {
		return fmt.Errorf("unicast from %d to %d: %w", sender, req.Destination, relay.ErrUnknownIdentity)
	}

	dest := relay.Identity(req.Destination)
	if err := m.server.Send(dest, protocol.BuildRelayed(req.InnerType, req.Payload)); err != nil {
		return fmt.Errorf("unicast from %d: %w", sender, err)
	}
	return nil
}

// handleMulticast forwards the inner packet to every peer, sender included.
func (m *Manager) handleMulticast(sender relay.Identity, pkt *protocol.Packet) error {
	req, err := protocol.ParseMulticast(pkt)
	if err != nil {
		return err
	}
	m.server.SendToAll(protocol.BuildRelayed(req.InnerType, req.Payload))
	return nil
}

func (m *Manager) handleTranslate(sender relay.Identity, pkt *protocol.Packet) error {
	pos, err := protocol.ParseVector3(pkt)
	if err != nil {
		return err
	}
	m.updateTransform(sender, func(t *Transform) { t.Position = pos })
	m.server.SendToAllExcept(protocol.BuildTranslateUser(uint16(sender), pos), sender)
	return nil
}

func (m *Manager) handleRotate(sender relay.Identity, pkt *protocol.Packet) error {
	euler, err := protocol.ParseVector3(pkt)
	if err != nil {
		return err
	}
	m.updateTransform(sender, func(t *Transform) { t.Rotation = euler })
	m.server.SendToAllExcept(protocol.BuildRotateUser(uint16(sender), euler), sender)
	return nil
}

// handleDeviceInfo stores the report and publishes it. It is not relayed.
func (m *Manager) handleDeviceInfo(sender relay.Identity, pkt *protocol.Packet) error {
	info, err := protocol.ParseDeviceInfo(pkt)
	if err != nil {
		return err
	}

	m.stateMu.Lock()
	m.devices[sender] = info
	m.stateMu.Unlock()

	m.logger.Info().
		Uint16("identity", uint16(sender)).
		Str("model", info.DeviceModel).
		Str("os", info.OperatingSystem).
		Float32("battery", info.BatteryLevel).
		Stringer("battery_status", info.BatteryStatus).
		Msg("device info received")

	m.emit(events.EventDeviceInfo, events.DeviceInfoPayload{Identity: uint16(sender), Info: info})
	return nil
}

func (m *Manager) updateTransform(id relay.Identity, apply func(t *Transform)) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	t := m.transforms[id]
	apply(&t)
	t.UpdatedAt = time.Now()
	m.transforms[id] = t
}

// onJoin runs on the relay loop right after the identity was assigned.
// The newcomer first learns every existing identity, then every peer
// (newcomer included) learns the new one.
func (m *Manager) onJoin(id relay.Identity) {
	ids := m.server.Identities()

	for _, other := range ids {
		if other == id {
			continue
		}
		m.server.Send(id, protocol.BuildUserJoined(uint16(other), false))
	}
	for _, other := range ids {
		m.server.Send(other, protocol.BuildUserJoined(uint16(id), other == id))
	}

	payload := events.UserJoinedPayload{Identity: uint16(id)}
	if entry, ok := m.server.Entry(id); ok {
		payload.RemoteAddr = entry.RemoteAddr
		payload.ConnectedAt = entry.ConnectedAt
	}
	m.emit(events.EventUserJoined, payload)

	m.stateMu.RLock()
	current := m.experience
	m.stateMu.RUnlock()
	if m.cfg.GetRelayData().AutoLoadExperience && current != "" {
		if err := m.server.Send(id, protocol.BuildLoadExperience(current)); err == nil {
			m.logger.Debug().Uint16("identity", uint16(id)).Str("experience", current).Msg("auto-loaded experience")
			m.emit(events.EventExperienceLoaded, events.ExperienceLoadedPayload{
				Experience: current,
				Identity:   uint16(id),
				Recipients: 1,
			})
		}
	}
}

// onLeave runs on the relay loop before the identity is released.
func (m *Manager) onLeave(id relay.Identity) {
	m.server.SendToAllExcept(protocol.BuildUserLeft(uint16(id)), id)

	var duration time.Duration
	if entry, ok := m.server.Entry(id); ok {
		duration = time.Since(entry.ConnectedAt)
	}

	m.stateMu.Lock()
	delete(m.devices, id)
	delete(m.transforms, id)
	m.stateMu.Unlock()

	m.emit(events.EventUserLeft, events.UserLeftPayload{Identity: uint16(id), Duration: duration.Seconds()})
}
