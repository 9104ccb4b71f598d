package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Packet is the binary envelope for a single message. Writes append to the
// buffer; reads consume from a cursor that never moves past the written data.
type Packet struct {
	buf     []byte
	readPos int
}

// NewPacket creates an outgoing packet with the type identifier already written.
func NewPacket(typeID PacketType) *Packet {
	p := &Packet{buf: make([]byte, 0, 64)}
	p.WriteUint16(uint16(typeID))
	return p
}

// NewPacketFromBytes wraps received bytes for reading. The read cursor starts
// at 0, so the caller reads the type identifier itself. The data is copied.
func NewPacketFromBytes(data []byte) *Packet {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Packet{buf: buf}
}

// Reset clears the packet for reuse.
func (p *Packet) Reset() {
	p.buf = p.buf[:0]
	p.readPos = 0
}

// WriteUint8 writes a single byte.
func (p *Packet) WriteUint8(v uint8) *Packet {
	p.buf = append(p.buf, v)
	return p
}

// WriteUint16 writes a uint16 in little-endian order.
func (p *Packet) WriteUint16(v uint16) *Packet {
	p.buf = binary.LittleEndian.AppendUint16(p.buf, v)
	return p
}

// WriteUint32 writes a uint32 in little-endian order.
func (p *Packet) WriteUint32(v uint32) *Packet {
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
	return p
}

// WriteInt32 writes an int32 in little-endian order.
func (p *Packet) WriteInt32(v int32) *Packet {
	return p.WriteUint32(uint32(v))
}

// WriteFloat32 writes a float32 in little-endian order.
func (p *Packet) WriteFloat32(v float32) *Packet {
	return p.WriteUint32(math.Float32bits(v))
}

// WriteString writes a length-prefixed string.
// Format: [length:4][string bytes...]
func (p *Packet) WriteString(s string) *Packet {
	p.WriteInt32(int32(len(s)))
	p.buf = append(p.buf, s...)
	return p
}

// WriteBytes writes raw bytes with no length prefix.
func (p *Packet) WriteBytes(data []byte) *Packet {
	p.buf = append(p.buf, data...)
	return p
}

// ReadUint8 reads a single byte.
func (p *Packet) ReadUint8() (uint8, error) {
	b, err := p.take(1, "uint8")
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 reads a little-endian uint16.
func (p *Packet) ReadUint16() (uint16, error) {
	b, err := p.take(2, "uint16")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadUint32 reads a little-endian uint32.
func (p *Packet) ReadUint32() (uint32, error) {
	b, err := p.take(4, "uint32")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadInt32 reads a little-endian int32.
func (p *Packet) ReadInt32() (int32, error) {
	b, err := p.take(4, "int32")
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// ReadFloat32 reads a little-endian float32.
func (p *Packet) ReadFloat32() (float32, error) {
	b, err := p.take(4, "float32")
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// ReadString reads a length-prefixed string. The cursor is left untouched
// when the prefix or the body cannot be read.
func (p *Packet) ReadString() (string, error) {
	start := p.readPos
	n, err := p.ReadInt32()
	if err != nil {
		return "", err
	}
	if n < 0 || int(n) > p.UnreadLength() {
		p.readPos = start
		return "", fmt.Errorf("string length %d with %d bytes unread: %w", n, p.UnreadLength(), ErrInvalidLength)
	}
	b, err := p.take(int(n), "string")
	if err != nil {
		p.readPos = start
		return "", err
	}
	return string(b), nil
}

// ReadBytes reads exactly n raw bytes. The returned slice is a copy.
func (p *Packet) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("byte count %d: %w", n, ErrInvalidLength)
	}
	b, err := p.take(n, "bytes")
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// ReadType reads the packet type identifier.
func (p *Packet) ReadType() (PacketType, error) {
	v, err := p.ReadUint16()
	if err != nil {
		return 0, fmt.Errorf("packet type: %w", err)
	}
	return PacketType(v), nil
}

func (p *Packet) take(n int, field string) ([]byte, error) {
	if n > p.UnreadLength() {
		return nil, fmt.Errorf("reading %s (%d bytes, %d unread): %w", field, n, p.UnreadLength(), ErrShortRead)
	}
	b := p.buf[p.readPos : p.readPos+n]
	p.readPos += n
	return b, nil
}

// UnreadLength returns the number of written bytes not yet read.
func (p *Packet) UnreadLength() int {
	return len(p.buf) - p.readPos
}

// ReadOffset returns the current read cursor position.
func (p *Packet) ReadOffset() int {
	return p.readPos
}

// Len returns the number of bytes written.
func (p *Packet) Len() int {
	return len(p.buf)
}

// Bytes returns the written bytes. The slice aliases the packet buffer and
// is valid until the next write or Reset.
func (p *Packet) Bytes() []byte {
	return p.buf
}

// String returns a hex dump of the packet for debugging.
func (p *Packet) String() string {
	return fmt.Sprintf("Packet[%d bytes, read %d]: %x", len(p.buf), p.readPos, p.buf)
}
