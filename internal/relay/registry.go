package relay

import (
	"fmt"
	"math"
	"sort"

	"github.com/muco-project/muco-relay/internal/network"
)

// Identity names a connection to application logic and to other peers.
// Identities start at 1 and are never reused within a process.
type Identity uint16

// MaxIdentity is the largest identity the registry will assign.
const MaxIdentity = math.MaxUint16

// Registry maps live connections to identities and back. It is not safe for
// concurrent use; the relay only touches it from its polling loop.
type Registry struct {
	next   uint32
	byPeer map[network.Peer]Identity
	byID   map[Identity]network.Peer
}

// NewRegistry creates an empty registry whose first identity is 1.
func NewRegistry() *Registry {
	return &Registry{
		next:   1,
		byPeer: make(map[network.Peer]Identity),
		byID:   make(map[Identity]network.Peer),
	}
}

// Assign gives the connection the next identity.
func (r *Registry) Assign(p network.Peer) (Identity, error) {
	if id, ok := r.byPeer[p]; ok {
		return 0, fmt.Errorf("identity %d: %w", id, ErrAlreadyAssigned)
	}
	if r.next > MaxIdentity {
		return 0, ErrIdentitiesExhausted
	}

	id := Identity(r.next)
	r.next++
	r.byPeer[p] = id
	r.byID[id] = p
	return id, nil
}

// Release removes both directions of the mapping. The identity is not
// handed out again.
func (r *Registry) Release(p network.Peer) (Identity, error) {
	id, ok := r.byPeer[p]
	if !ok {
		return 0, ErrUnknownConnection
	}
	delete(r.byPeer, p)
	delete(r.byID, id)
	return id, nil
}

// Lookup returns the identity of a connection.
func (r *Registry) Lookup(p network.Peer) (Identity, bool) {
	id, ok := r.byPeer[p]
	return id, ok
}

// LookupConnection returns the connection holding an identity.
func (r *Registry) LookupConnection(id Identity) (network.Peer, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Identities returns every live identity in ascending order.
func (r *Registry) Identities() []Identity {
	ids := make([]Identity, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return len(r.byID)
}

// Reset drops every mapping. The counter keeps its value.
func (r *Registry) Reset() {
	r.byPeer = make(map[network.Peer]Identity)
	r.byID = make(map[Identity]network.Peer)
}
