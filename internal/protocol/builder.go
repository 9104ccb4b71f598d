package protocol

// ---- Pre-built packet constructors ----

// BuildUserJoined creates a user joined announcement (0x0001).
// Format: [type:2][identity:4][is_self:4]
func BuildUserJoined(identity uint16, isSelf bool) *Packet {
	var self int32
	if isSelf {
		self = 1
	}
	return NewPacket(PktUserJoined).
		WriteInt32(int32(identity)).
		WriteInt32(self)
}

// BuildUserLeft creates a user left announcement (0x0002).
// Format: [type:2][identity:4]
func BuildUserLeft(identity uint16) *Packet {
	return NewPacket(PktUserLeft).WriteInt32(int32(identity))
}

// BuildTranslateUser creates a position update for the other peers (0x0003).
// Format: [type:2][identity:4][x:4][y:4][z:4]
func BuildTranslateUser(identity uint16, v Vector3) *Packet {
	return NewPacket(PktTranslateUser).
		WriteInt32(int32(identity)).
		WriteFloat32(v.X).
		WriteFloat32(v.Y).
		WriteFloat32(v.Z)
}

// BuildRotateUser creates a rotation update for the other peers (0x0004).
// Format: [type:2][identity:4][euler_x:4][euler_y:4][euler_z:4]
func BuildRotateUser(identity uint16, euler Vector3) *Packet {
	return NewPacket(PktRotateUser).
		WriteInt32(int32(identity)).
		WriteFloat32(euler.X).
		WriteFloat32(euler.Y).
		WriteFloat32(euler.Z)
}

// BuildLoadExperience creates a load experience command (0x0005).
// Format: [type:2][name_len:4][name...]
func BuildLoadExperience(experience string) *Packet {
	return NewPacket(PktLoadExperience).WriteString(experience)
}

// BuildRelayed creates the packet forwarded by the generic relays: the inner
// type identifier followed by the opaque payload.
func BuildRelayed(inner PacketType, payload []byte) *Packet {
	return NewPacket(inner).WriteBytes(payload)
}

// BuildGenericUnicast creates a client unicast relay request (0x0104).
// Used by clients and tests.
func BuildGenericUnicast(dest uint16, inner PacketType, payload []byte) *Packet {
	return NewPacket(PktGenericUnicast).
		WriteInt32(int32(dest)).
		WriteUint16(uint16(inner)).
		WriteBytes(payload)
}

// BuildGenericMulticast creates a client multicast relay request (0x0105).
func BuildGenericMulticast(inner PacketType, payload []byte) *Packet {
	return NewPacket(PktGenericMulticast).
		WriteUint16(uint16(inner)).
		WriteBytes(payload)
}

// BuildDeviceInfo creates a client device info report (0x0103).
func BuildDeviceInfo(info DeviceInfo) *Packet {
	return NewPacket(PktDeviceInfo).
		WriteFloat32(info.BatteryLevel).
		WriteInt32(int32(info.BatteryStatus)).
		WriteString(info.DeviceModel).
		WriteString(info.DeviceUniqueIdentifier).
		WriteString(info.OperatingSystem)
}

// BuildClientTransform creates a client translate or rotate packet.
func BuildClientTransform(typeID PacketType, v Vector3) *Packet {
	return NewPacket(typeID).
		WriteFloat32(v.X).
		WriteFloat32(v.Y).
		WriteFloat32(v.Z)
}
