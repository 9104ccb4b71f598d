// Package protocol implements the binary packet envelope shared by the relay
// and its clients. Every packet starts with a 2-byte packet type identifier
// followed by type-specific fields. All numeric fields use little-endian byte
// order; strings carry a 4-byte length prefix.
package protocol

import "fmt"

// PacketType identifies the kind of packet carried by an envelope.
type PacketType uint16

// Packet types sent from the relay to clients.
const (
	PktUserJoined     PacketType = 0x0001 // identity, isSelf flag
	PktUserLeft       PacketType = 0x0002 // identity
	PktTranslateUser  PacketType = 0x0003 // identity, x, y, z
	PktRotateUser     PacketType = 0x0004 // identity, euler x, y, z
	PktLoadExperience PacketType = 0x0005 // experience name
)

// Packet types sent from clients to the relay.
const (
	PktClientTranslateUser PacketType = 0x0101 // x, y, z
	PktClientRotateUser    PacketType = 0x0102 // euler x, y, z
	PktDeviceInfo          PacketType = 0x0103 // battery, status, model, uid, os
	PktGenericUnicast      PacketType = 0x0104 // destination, inner type, payload
	PktGenericMulticast    PacketType = 0x0105 // inner type, payload
)

var packetTypeNames = map[PacketType]string{
	PktUserJoined:          "user_joined",
	PktUserLeft:            "user_left",
	PktTranslateUser:       "translate_user",
	PktRotateUser:          "rotate_user",
	PktLoadExperience:      "load_experience",
	PktClientTranslateUser: "client_translate_user",
	PktClientRotateUser:    "client_rotate_user",
	PktDeviceInfo:          "device_info",
	PktGenericUnicast:      "generic_unicast",
	PktGenericMulticast:    "generic_multicast",
}

// String returns the symbolic name of a built-in packet type, or its hex
// value for application-defined types.
func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", uint16(t))
}

// TypeSize is the size of the packet type header in bytes.
const TypeSize = 2

// MaxPacketSize is the maximum allowed size for a single packet.
const MaxPacketSize = 65535

// LengthPrefixSize is the size of the stream length prefix in bytes.
const LengthPrefixSize = 2
