package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotRegistry_LowestFree(t *testing.T) {
	r := NewSlotRegistry()

	for want := 1; want <= MaxAgents; want++ {
		id, ok := r.Acquire()
		require.True(t, ok)
		assert.Equal(t, want, id)
	}

	_, ok := r.Acquire()
	assert.False(t, ok, "all slots occupied")
}

func TestSlotRegistry_ReleaseReassignsLowest(t *testing.T) {
	r := NewSlotRegistry()
	for i := 0; i < 4; i++ {
		r.Acquire()
	}

	r.Release(2)
	id, ok := r.Acquire()
	require.True(t, ok)
	assert.Equal(t, 2, id, "released slot is the lowest free")

	assert.Equal(t, []int{1, 2, 3, 4}, r.Occupied())
}

func TestSlotRegistry_ReleaseIdempotent(t *testing.T) {
	r := NewSlotRegistry()
	id, _ := r.Acquire()

	r.Release(id)
	r.Release(id)
	r.Release(0)
	r.Release(99)

	assert.Empty(t, r.Occupied())

	again, ok := r.Acquire()
	require.True(t, ok)
	assert.Equal(t, id, again)
}

func TestSlotRegistry_SingleClientAlwaysGetsSlotOne(t *testing.T) {
	r := NewSlotRegistry()
	for i := 0; i < 3; i++ {
		id, ok := r.Acquire()
		require.True(t, ok)
		assert.Equal(t, 1, id)
		r.Release(id)
	}
}
