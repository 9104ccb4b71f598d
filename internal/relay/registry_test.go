package relay

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/muco-project/muco-relay/internal/network"
)

func TestRegistry_AssignRelease(t *testing.T) {
	r := NewRegistry()
	a, b := newFakePeer("a"), newFakePeer("b")

	idA, err := r.Assign(a)
	require.NoError(t, err)
	assert.Equal(t, Identity(1), idA)

	idB, err := r.Assign(b)
	require.NoError(t, err)
	assert.Equal(t, Identity(2), idB)

	got, ok := r.LookupConnection(idB)
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Equal(t, []Identity{1, 2}, r.Identities())

	released, err := r.Release(a)
	require.NoError(t, err)
	assert.Equal(t, idA, released)
	_, ok = r.Lookup(a)
	assert.False(t, ok)
	_, ok = r.LookupConnection(idA)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_InvariantErrors(t *testing.T) {
	r := NewRegistry()
	p := newFakePeer("p")

	_, err := r.Assign(p)
	require.NoError(t, err)
	_, err = r.Assign(p)
	assert.ErrorIs(t, err, ErrAlreadyAssigned)

	_, err = r.Release(newFakePeer("stranger"))
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestRegistry_Exhausted(t *testing.T) {
	r := NewRegistry()
	r.next = MaxIdentity

	id, err := r.Assign(newFakePeer("last"))
	require.NoError(t, err)
	assert.Equal(t, Identity(MaxIdentity), id)

	_, err = r.Assign(newFakePeer("one-too-many"))
	assert.ErrorIs(t, err, ErrIdentitiesExhausted)
}

func TestRegistry_ResetKeepsCounter(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Assign(newFakePeer("a"))
	_, _ = r.Assign(newFakePeer("b"))
	r.Reset()

	assert.Equal(t, 0, r.Len())
	id, err := r.Assign(newFakePeer("c"))
	require.NoError(t, err)
	assert.Equal(t, Identity(3), id)
}

func TestProperty_IdentitiesNeverReused(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry()
		var live []network.Peer
		var last Identity
		seen := make(map[Identity]bool)

		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(live) > 0 && rapid.Bool().Draw(t, "disconnect") {
				idx := rapid.IntRange(0, len(live)-1).Draw(t, "idx")
				if _, err := r.Release(live[idx]); err != nil {
					t.Fatalf("release: %v", err)
				}
				live = append(live[:idx], live[idx+1:]...)
				continue
			}

			p := newFakePeer(fmt.Sprintf("p%d", i))
			id, err := r.Assign(p)
			if err != nil {
				t.Fatalf("assign: %v", err)
			}
			if id <= last {
				t.Fatalf("identity %d not greater than previous %d", id, last)
			}
			if seen[id] {
				t.Fatalf("identity %d reused", id)
			}
			seen[id] = true
			last = id
			live = append(live, p)
		}

		if r.Len() != len(live) {
			t.Fatalf("registry has %d entries, want %d", r.Len(), len(live))
		}
		for _, p := range live {
			id, ok := r.Lookup(p)
			if !ok {
				t.Fatalf("live peer missing")
			}
			back, ok := r.LookupConnection(id)
			if !ok || back != p {
				t.Fatalf("mapping for %d is not a bijection", id)
			}
		}
	})
}
