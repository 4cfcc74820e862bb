package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestGetOrCreateAssignsStableIDs(t *testing.T) {
	m := NewManager(16)
	now := time.Unix(0, 0)

	s1, isNew := m.GetOrCreate(addr(1000), now)
	require.True(t, isNew)
	assert.Equal(t, ClientID(1), s1.ID)

	s2, isNew := m.GetOrCreate(addr(1000), now.Add(time.Second))
	require.False(t, isNew)
	assert.Equal(t, s1.ID, s2.ID, "same address must resolve to the same ClientID")

	s3, isNew := m.GetOrCreate(addr(1001), now)
	require.True(t, isNew)
	assert.Equal(t, ClientID(2), s3.ID, "IDs are monotonic and never reused")
}

func TestRemoveIsIdempotentAndBijective(t *testing.T) {
	m := NewManager(16)
	now := time.Unix(0, 0)
	s, _ := m.GetOrCreate(addr(1000), now)

	m.Remove(s.ID)
	_, ok := m.GetByID(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())

	m.Remove(s.ID) // idempotent
	assert.Equal(t, 0, m.Len())

	// Re-contacting the same address mints a fresh ID, never reusing s.ID.
	s2, isNew := m.GetOrCreate(addr(1000), now)
	require.True(t, isNew)
	assert.NotEqual(t, s.ID, s2.ID)
}

func TestCleanupRemovesOnlyIdleSessions(t *testing.T) {
	m := NewManager(16)
	base := time.Unix(0, 0)

	fresh, _ := m.GetOrCreate(addr(1000), base)
	stale, _ := m.GetOrCreate(addr(1001), base)

	later := base.Add(3 * time.Second)
	m.GetOrCreate(addr(1000), later) // fresh gets touched again

	dead := m.Cleanup(5*time.Second, base.Add(6*time.Second))
	require.Len(t, dead, 1)
	assert.Equal(t, stale.ID, dead[0])

	_, ok := m.GetByID(fresh.ID)
	assert.True(t, ok)
	_, ok = m.GetByID(stale.ID)
	assert.False(t, ok)
}
