// Package transport glues the wire-level reliability engine
// (internal/reliability) and the session manager (internal/session)
// onto a single UDP socket, presenting the relay's event loop with a
// simple poll/send/tick surface.
package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/NodeTunnel/relay-server/internal/logs"
	"github.com/NodeTunnel/relay-server/internal/metrics"
	"github.com/NodeTunnel/relay-server/internal/reliability"
	"github.com/NodeTunnel/relay-server/internal/session"
)

// ChannelKind selects which reliability channel a Send should use.
type ChannelKind int

const (
	ChannelReliable ChannelKind = iota
	ChannelUnreliable
)

// heartbeatByte is the single-byte unreliable payload that must be
// discarded silently rather than surfaced as a PacketReceived event.
const heartbeatByte = 0x03

// EventKind tags the three upward events the transport can emit.
type EventKind int

const (
	EventClientConnected EventKind = iota
	EventClientDisconnected
	EventPacketReceived
)

// Event is one upward notification from the transport to the relay's
// event loop.
type Event struct {
	Kind     EventKind
	ClientID session.ClientID
	Payload  []byte
	Channel  ChannelKind
}

// Sender is the minimal surface the relay's state machine needs to
// reply to and disconnect a client; Socket implements it, and tests
// substitute a recording fake so scenarios run without a real socket.
type Sender interface {
	Send(id session.ClientID, payload []byte, ch ChannelKind)
	Drop(id session.ClientID)
}

const maxDatagramSize = 65507

// Socket owns exactly one *net.UDPConn plus the session manager that
// turns remote addresses into stable ClientIDs.
type Socket struct {
	conn         *net.UDPConn
	sessions     *session.Manager
	metrics      *metrics.Set
	logger       logs.Logger
	readDeadline time.Duration
}

// NewSocket binds a UDP socket at bindAddr. Bind failure is fatal at
// startup, matching spec's error taxonomy.
func NewSocket(bindAddr string, maxResends int, m *metrics.Set, logger logs.Logger) (*Socket, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind %s: %w", bindAddr, err)
	}
	return &Socket{
		conn:         conn,
		sessions:     session.NewManager(maxResends),
		metrics:      m,
		logger:       logger,
		readDeadline: 20 * time.Millisecond,
	}, nil
}

// Close releases the underlying socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// LocalAddr returns the socket's bound local address.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// PollEvents drains every datagram currently readable without
// blocking past readDeadline, resolving sessions, running the
// reliability decoder, and returning the resulting upward events.
func (s *Socket) PollEvents(now time.Time) []Event {
	var events []Event
	buf := make([]byte, maxDatagramSize)

	for {
		if err := s.conn.SetReadDeadline(now.Add(s.readDeadline)); err != nil {
			s.logger.Warn("transport: set read deadline", logs.F("err", err.Error()))
			break
		}
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			s.logger.Warn("transport: recv error", logs.F("err", err.Error()))
			break
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		if s.metrics != nil {
			s.metrics.BytesReceived.Add(float64(n))
		}

		sess, isNew := s.sessions.GetOrCreate(addr, now)
		if isNew {
			events = append(events, Event{Kind: EventClientConnected, ClientID: sess.ID})
		} else {
			sess.LastHeardFrom = now
		}
		s.reportActiveSessions()

		reliablePayloads, unreliablePayload, ack, err := sess.Channel.Decode(raw)
		if err != nil {
			s.logger.Warn("transport: malformed inner frame, dropping session",
				logs.F("client_id", uint64(sess.ID)))
			s.sessions.Remove(sess.ID)
			events = append(events, Event{Kind: EventClientDisconnected, ClientID: sess.ID})
			if s.metrics != nil {
				s.metrics.MessagesDropped.WithLabelValues("malformed_frame").Inc()
			}
			s.reportActiveSessions()
			continue
		}

		if ack != nil && s.metrics != nil {
			s.metrics.ResendAttempts.Observe(float64(ack.ResendCount))
		}

		for _, p := range reliablePayloads {
			events = append(events, Event{Kind: EventPacketReceived, ClientID: sess.ID, Payload: p, Channel: ChannelReliable})
		}
		if unreliablePayload != nil {
			if len(unreliablePayload) == 1 && unreliablePayload[0] == heartbeatByte {
				// Heartbeat: discard silently, never surfaced upward.
			} else {
				events = append(events, Event{Kind: EventPacketReceived, ClientID: sess.ID, Payload: unreliablePayload, Channel: ChannelUnreliable})
			}
		}

		for _, ackFrame := range sess.Channel.FlushAcks() {
			s.writeTo(sess.Addr, ackFrame)
		}
	}

	return events
}

// Send encodes payload on the requested channel and writes it to id's
// remote address. If the session no longer exists, the payload is
// dropped silently.
func (s *Socket) Send(id session.ClientID, payload []byte, ch ChannelKind) {
	sess, ok := s.sessions.GetByID(id)
	if !ok {
		return
	}
	var frame []byte
	switch ch {
	case ChannelReliable:
		frame = sess.Channel.EncodeReliable(payload, time.Now())
	default:
		frame = reliability.EncodeUnreliable(payload)
	}
	s.writeTo(sess.Addr, frame)
	if s.metrics != nil {
		s.metrics.MessagesSent.Inc()
	}
}

// Drop removes id's session immediately, independent of the idle
// timeout. Used after a ForceDisconnect reply so a stale client can't
// linger or be mistaken for still-connected.
func (s *Socket) Drop(id session.ClientID) {
	s.sessions.Remove(id)
	s.reportActiveSessions()
}

// Tick drives reliability resends for every live session and reaps
// idle ones, returning ClientDisconnected events for the latter.
func (s *Socket) Tick(now time.Time, ackTimeout, sessionTimeout time.Duration) []Event {
	for _, sess := range s.sessions.All() {
		frames, abandoned := sess.Channel.Resends(now, ackTimeout)
		for _, frame := range frames {
			s.writeTo(sess.Addr, frame)
		}
		if s.metrics != nil {
			for _, resendCount := range abandoned {
				s.metrics.ResendAttempts.Observe(float64(resendCount))
			}
		}
	}

	dead := s.sessions.Cleanup(sessionTimeout, now)
	events := make([]Event, 0, len(dead))
	for _, id := range dead {
		events = append(events, Event{Kind: EventClientDisconnected, ClientID: id})
	}
	s.reportActiveSessions()
	return events
}

func (s *Socket) writeTo(addr *net.UDPAddr, frame []byte) {
	n, err := s.conn.WriteToUDP(frame, addr)
	if err != nil {
		s.logger.Warn("transport: send error", logs.F("err", err.Error()))
		return
	}
	if s.metrics != nil {
		s.metrics.BytesSent.Add(float64(n))
	}
}

func (s *Socket) reportActiveSessions() {
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(s.sessions.Len()))
	}
}
