package protocol

import "errors"

var (
	// ErrShortRead is returned when a read asks for more bytes than remain unread.
	ErrShortRead = errors.New("protocol: read past end of packet")
	// ErrInvalidLength is returned for a negative or oversized length prefix.
	ErrInvalidLength = errors.New("protocol: invalid length prefix")
	// ErrEmptyPacket is returned for a zero-length frame.
	ErrEmptyPacket = errors.New("protocol: empty packet")
	// ErrPacketTooLarge is returned when a frame exceeds MaxPacketSize.
	ErrPacketTooLarge = errors.New("protocol: packet too large")
)
