// Package session maps transport-level identity (remote UDP address)
// onto the relay's stable ClientId space and tracks per-session
// liveness for idle-timeout cleanup. It is intentionally the only
// place that knows about net.Addr; everything above internal/transport
// deals exclusively in ClientId.
package session

import (
	"net"
	"time"

	"github.com/NodeTunnel/relay-server/internal/reliability"
)

// ClientID is a monotonically minted, never-reused session identifier.
type ClientID uint64

// Session is the per-client transport state: where to send datagrams,
// the reliability channel for that peer, and when it was last heard
// from.
type Session struct {
	ID             ClientID
	Addr           *net.UDPAddr
	Channel        *reliability.Channel
	LastHeardFrom  time.Time
}

// Manager owns the ClientID<->address bijection for every currently
// live session. It is only ever touched from the relay's single event
// loop goroutine, so it needs no internal locking.
type Manager struct {
	byID       map[ClientID]*Session
	byAddr     map[string]ClientID
	nextID     ClientID
	maxResends int
}

// NewManager builds an empty Manager. maxResends is forwarded to every
// session's reliability channel.
func NewManager(maxResends int) *Manager {
	return &Manager{
		byID:       make(map[ClientID]*Session),
		byAddr:     make(map[string]ClientID),
		nextID:     1,
		maxResends: maxResends,
	}
}

// GetOrCreate resolves addr to its Session, minting a new ClientID and
// Session if this is the first datagram seen from that address. The
// caller must emit a ClientConnected event when isNew is true.
func (m *Manager) GetOrCreate(addr *net.UDPAddr, now time.Time) (sess *Session, isNew bool) {
	key := addr.String()
	if id, ok := m.byAddr[key]; ok {
		s := m.byID[id]
		s.LastHeardFrom = now
		return s, false
	}

	id := m.nextID
	m.nextID++
	s := &Session{
		ID:            id,
		Addr:          addr,
		Channel:       reliability.NewChannel(m.maxResends),
		LastHeardFrom: now,
	}
	m.byID[id] = s
	m.byAddr[key] = id
	return s, true
}

// GetByID returns the Session for id, if it is currently live.
func (m *Manager) GetByID(id ClientID) (*Session, bool) {
	s, ok := m.byID[id]
	return s, ok
}

// Remove deletes id from both maps. Removing an unknown ID is a no-op.
func (m *Manager) Remove(id ClientID) {
	s, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	delete(m.byAddr, s.Addr.String())
}

// Cleanup returns the IDs of every session whose LastHeardFrom is
// older than timeout, removing them from both maps. The caller emits a
// ClientDisconnected event for each returned ID.
func (m *Manager) Cleanup(timeout time.Duration, now time.Time) []ClientID {
	var dead []ClientID
	for id, s := range m.byID {
		if now.Sub(s.LastHeardFrom) > timeout {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		m.Remove(id)
	}
	return dead
}

// Len reports the number of currently live sessions.
func (m *Manager) Len() int {
	return len(m.byID)
}

// All returns every currently live session, in no particular order.
// Used by the tick loop to drive resends across all sessions.
func (m *Manager) All() []*Session {
	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out
}
