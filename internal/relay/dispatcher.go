package relay

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/muco-project/muco-relay/internal/protocol"
)

// HandlerFunc handles one packet whose type identifier has already been read.
// A returned error is logged and counted by the relay; the packet is dropped.
type HandlerFunc func(sender Identity, pkt *protocol.Packet) error

// Dispatcher routes packets to at most one handler per packet type.
type Dispatcher struct {
	handlers map[protocol.PacketType]HandlerFunc
	logger   zerolog.Logger
}

// NewDispatcher creates an empty dispatch table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[protocol.PacketType]HandlerFunc),
		logger:   log.With().Str("component", "dispatcher").Logger(),
	}
}

// Register stores fn for typeID. A second registration for the same type is
// rejected and the first handler stays in place.
func (d *Dispatcher) Register(typeID protocol.PacketType, fn HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("packet type %s: %w", typeID, ErrNilHandler)
	}
	if _, exists := d.handlers[typeID]; exists {
		d.logger.Error().Stringer("packet_type", typeID).Msg("handler already registered, keeping the first")
		return fmt.Errorf("packet type %s: %w", typeID, ErrHandlerExists)
	}
	d.handlers[typeID] = fn
	return nil
}

// Dispatch invokes the handler for typeID. It reports false when no handler
// is registered; the packet is then dropped.
func (d *Dispatcher) Dispatch(typeID protocol.PacketType, pkt *protocol.Packet, sender Identity) (bool, error) {
	fn, ok := d.handlers[typeID]
	if !ok {
		d.logger.Debug().
			Stringer("packet_type", typeID).
			Uint16("identity", uint16(sender)).
			Msg("no handler for packet type, dropping")
		return false, nil
	}
	return true, fn(sender, pkt)
}

// Registered reports whether typeID has a handler.
func (d *Dispatcher) Registered(typeID protocol.PacketType) bool {
	_, ok := d.handlers[typeID]
	return ok
}

// Types returns the registered packet types in ascending order.
func (d *Dispatcher) Types() []protocol.PacketType {
	types := make([]protocol.PacketType, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	return len(d.handlers)
}

// Reset removes every handler.
func (d *Dispatcher) Reset() {
	d.handlers = make(map[protocol.PacketType]HandlerFunc)
}
