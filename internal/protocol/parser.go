package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Vector3 is a position or set of euler angles carried by transform packets.
type Vector3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// BatteryStatus mirrors the battery state reported by client devices.
type BatteryStatus int32

const (
	BatteryStatusUnknown     BatteryStatus = 1
	BatteryStatusCharging    BatteryStatus = 2
	BatteryStatusDischarging BatteryStatus = 3
	BatteryStatusNotCharging BatteryStatus = 4
	BatteryStatusFull        BatteryStatus = 5
)

var batteryStatusStrings = map[BatteryStatus]string{
	BatteryStatusUnknown:     "unknown",
	BatteryStatusCharging:    "charging",
	BatteryStatusDischarging: "discharging",
	BatteryStatusNotCharging: "not_charging",
	BatteryStatusFull:        "full",
}

// String returns the lowercase name of the battery status.
func (s BatteryStatus) String() string {
	if str, ok := batteryStatusStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes BatteryStatus as a JSON string (e.g. "charging").
func (s BatteryStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// DeviceInfo is the hardware report a client sends after joining.
type DeviceInfo struct {
	BatteryLevel           float32       `json:"battery_level"`
	BatteryStatus          BatteryStatus `json:"battery_status"`
	DeviceModel            string        `json:"device_model"`
	DeviceUniqueIdentifier string        `json:"device_unique_identifier"`
	OperatingSystem        string        `json:"operating_system"`
}

// UnicastRequest is a decoded generic unicast relay request.
type UnicastRequest struct {
	Destination int32
	InnerType   PacketType
	Payload     []byte
}

// MulticastRequest is a decoded generic multicast relay request.
type MulticastRequest struct {
	InnerType PacketType
	Payload   []byte
}

// ReadPacket reads a single length-prefixed packet from a stream.
// Frame format: [2-byte LE length][packet bytes...]
// Returns the packet bytes (excluding the length prefix).
func ReadPacket(r io.Reader) ([]byte, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read packet length: %w", err)
	}

	if length == 0 {
		return nil, ErrEmptyPacket
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read packet payload (%d bytes): %w", length, err)
	}

	return payload, nil
}

// WritePacket writes a length-prefixed packet to a stream.
func WritePacket(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyPacket
	}
	if len(data) > MaxPacketSize {
		return fmt.Errorf("%d bytes (max %d): %w", len(data), MaxPacketSize, ErrPacketTooLarge)
	}

	frame := make([]byte, LengthPrefixSize+len(data))
	binary.LittleEndian.PutUint16(frame[:LengthPrefixSize], uint16(len(data)))
	copy(frame[LengthPrefixSize:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write packet data: %w", err)
	}
	return nil
}

// ParseVector3 reads three float32 fields (client translate/rotate bodies).
func ParseVector3(p *Packet) (Vector3, error) {
	var v Vector3
	var err error
	if v.X, err = p.ReadFloat32(); err != nil {
		return Vector3{}, fmt.Errorf("failed to parse x: %w", err)
	}
	if v.Y, err = p.ReadFloat32(); err != nil {
		return Vector3{}, fmt.Errorf("failed to parse y: %w", err)
	}
	if v.Z, err = p.ReadFloat32(); err != nil {
		return Vector3{}, fmt.Errorf("failed to parse z: %w", err)
	}
	return v, nil
}

// ParseDeviceInfo reads the body of a device info packet (0x0103).
// Format: [battery:4][status:4][model:str][uid:str][os:str]
func ParseDeviceInfo(p *Packet) (DeviceInfo, error) {
	var info DeviceInfo

	level, err := p.ReadFloat32()
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("failed to parse battery level: %w", err)
	}
	status, err := p.ReadInt32()
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("failed to parse battery status: %w", err)
	}
	info.BatteryLevel = level
	info.BatteryStatus = BatteryStatus(status)

	if info.DeviceModel, err = p.ReadString(); err != nil {
		return DeviceInfo{}, fmt.Errorf("failed to parse device model: %w", err)
	}
	if info.DeviceUniqueIdentifier, err = p.ReadString(); err != nil {
		return DeviceInfo{}, fmt.Errorf("failed to parse device id: %w", err)
	}
	if info.OperatingSystem, err = p.ReadString(); err != nil {
		return DeviceInfo{}, fmt.Errorf("failed to parse operating system: %w", err)
	}

	return info, nil
}

// ParseUnicast reads the body of a generic unicast packet (0x0104). The
// payload is everything left after the inner type.
func ParseUnicast(p *Packet) (UnicastRequest, error) {
	dest, err := p.ReadInt32()
	if err != nil {
		return UnicastRequest{}, fmt.Errorf("failed to parse unicast destination: %w", err)
	}
	inner, err := p.ReadUint16()
	if err != nil {
		return UnicastRequest{}, fmt.Errorf("failed to parse unicast inner type: %w", err)
	}
	payload, err := p.ReadBytes(p.UnreadLength())
	if err != nil {
		return UnicastRequest{}, fmt.Errorf("failed to parse unicast payload: %w", err)
	}
	return UnicastRequest{Destination: dest, InnerType: PacketType(inner), Payload: payload}, nil
}

// ParseMulticast reads the body of a generic multicast packet (0x0105).
func ParseMulticast(p *Packet) (MulticastRequest, error) {
	inner, err := p.ReadUint16()
	if err != nil {
		return MulticastRequest{}, fmt.Errorf("failed to parse multicast inner type: %w", err)
	}
	payload, err := p.ReadBytes(p.UnreadLength())
	if err != nil {
		return MulticastRequest{}, fmt.Errorf("failed to parse multicast payload: %w", err)
	}
	return MulticastRequest{InnerType: PacketType(inner), Payload: payload}, nil
}
