// Package relay is the relay's state machine and router: it owns the
// tenancy directory, dispatches decoded wire messages against each
// client's current state, and drives the host-centric room lifecycle
// (creation, joining, game-data forwarding, and the disconnect
// cascade). Everything here runs on the relay's single event-loop
// goroutine except the asynchronous admission check, which reports
// back through AuthResults.
package relay

import (
	"context"
	"fmt"

	"github.com/NodeTunnel/relay-server/internal/auth"
	"github.com/NodeTunnel/relay-server/internal/directory"
	"github.com/NodeTunnel/relay-server/internal/logs"
	"github.com/NodeTunnel/relay-server/internal/metrics"
	"github.com/NodeTunnel/relay-server/internal/registry"
	"github.com/NodeTunnel/relay-server/internal/session"
	"github.com/NodeTunnel/relay-server/internal/transport"
	"github.com/NodeTunnel/relay-server/internal/wire"
)

// AuthOutcome is the result of one asynchronous admission check,
// correlated back to the client that triggered it.
type AuthOutcome struct {
	ClientID session.ClientID
	Token    string
	Allowed  bool
}

// Server is the relay's router and tenancy owner. Construct one per
// process with NewServer and feed it transport events from the main
// loop.
type Server struct {
	clients *directory.Clients
	apps    *directory.Apps

	sender   transport.Sender
	auth     *auth.Checker
	registry *registry.Hook
	logger   logs.Logger
	metrics  *metrics.Set

	allowedVersions map[string]bool
	authResults     chan AuthOutcome
}

// NewServer builds a Server. relayID prefixes minted join codes (see
// internal/directory); an empty allowedVersions accepts any client
// version.
func NewServer(relayID string, allowedVersions []string, sender transport.Sender, checker *auth.Checker, hook *registry.Hook, logger logs.Logger, m *metrics.Set) *Server {
	versions := make(map[string]bool, len(allowedVersions))
	for _, v := range allowedVersions {
		versions[v] = true
	}
	return &Server{
		clients:         directory.NewClients(),
		apps:            directory.NewApps(relayID),
		sender:          sender,
		auth:            checker,
		registry:        hook,
		logger:          logger,
		metrics:         m,
		allowedVersions: versions,
		authResults:     make(chan AuthOutcome, 64),
	}
}

// AuthResults is the channel the main loop must drain and feed into
// CompleteAuthenticate, so a slow admission check never blocks packet
// dispatch.
func (s *Server) AuthResults() <-chan AuthOutcome {
	return s.authResults
}

// HandleEvent applies one transport-level event to the directory and
// state machine.
func (s *Server) HandleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventClientConnected:
		s.clients.Create(ev.ClientID)
		s.logger.Info("relay: client connected", logs.F("client_id", uint64(ev.ClientID)))

	case transport.EventClientDisconnected:
		s.logger.Info("relay: client disconnected", logs.F("client_id", uint64(ev.ClientID)))
		s.disconnect(ev.ClientID)

	case transport.EventPacketReceived:
		s.handlePacket(ev.ClientID, ev.Payload, ev.Channel)
	}
}

// Shutdown force-disconnects every currently known client, used by the
// main loop before it closes the socket.
func (s *Server) Shutdown() {
	for _, c := range s.clients.All() {
		s.forceDisconnect(c.ID)
	}
}

func (s *Server) handlePacket(id session.ClientID, payload []byte, ch transport.ChannelKind) {
	msg, err := wire.Decode(payload)
	if err != nil {
		if s.metrics != nil {
			s.metrics.MessagesDropped.WithLabelValues("decode_error").Inc()
		}
		s.logger.Warn("relay: discarding undecodable frame",
			logs.F("client_id", uint64(id)), logs.F("err", err.Error()))
		return
	}
	if s.metrics != nil {
		s.metrics.MessagesReceived.Inc()
	}

	client, ok := s.clients.Get(id)
	if !ok {
		// A packet arrived without its ClientConnected event having
		// been processed first; treat it as a fresh Connected client.
		client = s.clients.Create(id)
	}

	if !allowedInState(client.State.Kind, msg) {
		s.logger.Warn("relay: packet not allowed in current state",
			logs.F("client_id", uint64(id)),
			logs.F("opcode", msg.Opcode().String()),
			logs.F("state", client.State.Kind))
		return
	}

	switch m := msg.(type) {
	case wire.Authenticate:
		s.handleAuthenticate(id, m)
	case wire.CreateRoom:
		s.handleCreateRoom(id, m)
	case wire.ReqRooms:
		s.handleReqRooms(id)
	case wire.ReqJoin:
		s.handleReqJoin(id, m)
	case wire.JoinRes:
		s.handleJoinRes(id, m)
	case wire.UpdateRoom:
		s.handleUpdateRoom(id, m)
	case wire.GameData:
		s.handleGameData(id, m, ch)
	}
}

// allowedInState is the exhaustive per-state packet table: anything
// not listed here is warned about and dropped without mutation.
func allowedInState(kind directory.ClientStateKind, msg wire.Message) bool {
	switch kind {
	case directory.StateConnected:
		_, ok := msg.(wire.Authenticate)
		return ok
	case directory.StateAuthenticated:
		switch msg.(type) {
		case wire.CreateRoom, wire.ReqRooms, wire.ReqJoin:
			return true
		}
		return false
	case directory.StateInRoom:
		switch msg.(type) {
		case wire.UpdateRoom, wire.JoinRes, wire.GameData:
			return true
		}
		return false
	default:
		return false
	}
}

// --- Authenticate ---------------------------------------------------

func (s *Server) handleAuthenticate(id session.ClientID, m wire.Authenticate) {
	if len(s.allowedVersions) > 0 && !s.allowedVersions[m.Version] {
		s.sendError(id, 401, fmt.Sprintf("client version %q is not allowed", m.Version))
		s.forceDisconnect(id)
		return
	}

	token := m.AppToken
	checkCh := s.auth.Check(context.Background(), token)
	go func() {
		res := <-checkCh
		s.authResults <- AuthOutcome{ClientID: id, Token: token, Allowed: res.Allowed}
	}()
}

// CompleteAuthenticate finishes the Authenticate handshake once the
// admission check reported back on AuthResults. Called from the main
// loop, never directly from HandleEvent.
func (s *Server) CompleteAuthenticate(o AuthOutcome) {
	client, ok := s.clients.Get(o.ClientID)
	if !ok {
		return // client disconnected before the check completed
	}
	if client.State.Kind != directory.StateConnected {
		return // already authenticated or torn down in the meantime
	}

	if !o.Allowed {
		s.sendError(o.ClientID, 401, "application token not admitted")
		s.forceDisconnect(o.ClientID)
		return
	}

	app, isNew := s.apps.GetOrCreate(o.Token)
	if isNew && s.metrics != nil {
		s.metrics.ActiveApps.Inc()
	}
	client.State = directory.ClientState{Kind: directory.StateAuthenticated, App: app.ID}
	s.sendReliable(o.ClientID, wire.ClientAuthenticated{})
}

// --- room lifecycle --------------------------------------------------

func (s *Server) handleCreateRoom(id session.ClientID, m wire.CreateRoom) {
	client, _ := s.clients.Get(id)
	app, ok := s.apps.Get(client.State.App)
	if !ok {
		return
	}

	room := app.Rooms.Create(m.IsPublic, m.Metadata, id)
	client.State = directory.ClientState{Kind: directory.StateInRoom, App: app.ID, Room: room.ID}
	if s.metrics != nil {
		s.metrics.ActiveRooms.Inc()
	}

	s.sendReliable(id, wire.ConnectedToRoom{RoomRef: room.JoinCode, PeerID: 1})
	s.registry.RoomUp(room.JoinCode, app.Token)
}

func (s *Server) handleReqRooms(id session.ClientID) {
	client, _ := s.clients.Get(id)
	app, ok := s.apps.Get(client.State.App)
	if !ok {
		return
	}

	public := app.Rooms.Public()
	infos := make([]wire.RoomInfo, 0, len(public))
	for _, r := range public {
		infos = append(infos, wire.RoomInfo{JoinCode: r.JoinCode, Metadata: r.Metadata})
	}
	s.sendReliable(id, wire.GetRooms{Rooms: infos})
}

func (s *Server) handleReqJoin(id session.ClientID, m wire.ReqJoin) {
	client, _ := s.clients.Get(id)
	app, ok := s.apps.Get(client.State.App)
	if !ok {
		return
	}

	room, ok := app.Rooms.GetByJoinCode(m.JoinCode)
	if !ok {
		s.sendError(id, 404, "room not found for join code")
		return
	}

	// The requester does not change state yet; admission is the
	// host's decision, delivered back as a JoinRes.
	s.sendReliable(room.Host, wire.PeerJoinAttempt{Target: uint64(id), Metadata: m.Metadata})
}

func (s *Server) handleJoinRes(id session.ClientID, m wire.JoinRes) {
	host, _ := s.clients.Get(id)
	app, ok := s.apps.Get(host.State.App)
	if !ok {
		return
	}
	room, ok := app.Rooms.Get(host.State.Room)
	if !ok {
		return
	}

	target := session.ClientID(m.Target)
	if !m.Allowed {
		s.sendError(target, 401, "room host denied entry")
		return
	}

	targetClient, ok := s.clients.Get(target)
	if !ok {
		// The requester vanished between ReqJoin and JoinRes; drop
		// the admission silently, nothing left to notify.
		return
	}

	peerID := room.AddPeer(target)
	targetClient.State = directory.ClientState{Kind: directory.StateInRoom, App: app.ID, Room: room.ID}

	s.sendReliable(target, wire.ConnectedToRoom{RoomRef: room.JoinCode, PeerID: peerID})
	s.sendReliable(id, wire.PeerJoinedRoom{PeerID: peerID})
}

func (s *Server) handleUpdateRoom(id session.ClientID, m wire.UpdateRoom) {
	client, _ := s.clients.Get(id)
	app, ok := s.apps.Get(client.State.App)
	if !ok {
		return
	}
	room, ok := app.Rooms.Get(client.State.Room)
	if !ok {
		s.sendError(id, 404, "room not found")
		return
	}
	// Non-host senders are tolerated; the client protocol trusts the
	// host to be the only one that issues this in practice.
	room.Metadata = m.Metadata
}

func (s *Server) handleGameData(id session.ClientID, m wire.GameData, ch transport.ChannelKind) {
	client, _ := s.clients.Get(id)
	app, ok := s.apps.Get(client.State.App)
	if !ok {
		return
	}
	room, ok := app.Rooms.Get(client.State.Room)
	if !ok {
		return
	}

	senderPeer, ok := room.PeerOf(id)
	if !ok {
		s.logger.Warn("relay: game data from client absent from its own room",
			logs.F("client_id", uint64(id)))
		return
	}

	// GameData.FromPeer is overloaded: inbound, it names the peer the
	// sender wants to reach; outbound, it names the relaying sender.
	targetPeer := m.FromPeer
	targetClient, ok := room.ClientOf(targetPeer)
	if !ok {
		return // stale or unknown target peer id; drop silently
	}

	s.sender.Send(targetClient, wire.Encode(wire.GameData{FromPeer: senderPeer, Data: m.Data}), ch)
}

// --- disconnect cascade ------------------------------------------------

func (s *Server) disconnect(id session.ClientID) {
	client, ok := s.clients.Get(id)
	if !ok {
		return
	}
	priorState := client.State
	s.clients.Remove(id)

	if priorState.Kind != directory.StateInRoom {
		return
	}
	app, ok := s.apps.Get(priorState.App)
	if !ok {
		return
	}
	room, ok := app.Rooms.Get(priorState.Room)
	if !ok {
		return
	}

	// Capture everything the cascade needs before any mutation, so
	// the host-vs-peer branch below never observes a half-updated room.
	leaverPeerID, _ := room.PeerOf(id)
	isHost := room.IsHost(id)
	var otherPeers []session.ClientID
	for _, m := range room.Members() {
		if m != id {
			otherPeers = append(otherPeers, m)
		}
	}

	if isHost {
		app.Rooms.Remove(room.ID)
		if s.metrics != nil {
			s.metrics.ActiveRooms.Dec()
		}
		for _, peer := range otherPeers {
			s.sendReliable(peer, wire.ForceDisconnect{})
			s.sender.Drop(peer)
			s.clients.Remove(peer)
		}
		s.registry.RoomDown(room.JoinCode, app.Token)
		return
	}

	room.RemovePeer(id)
	for _, peer := range otherPeers {
		s.sendReliable(peer, wire.PeerLeftRoom{PeerID: leaverPeerID})
	}
	if room.Size() == 0 {
		app.Rooms.Remove(room.ID)
		if s.metrics != nil {
			s.metrics.ActiveRooms.Dec()
		}
		s.registry.RoomDown(room.JoinCode, app.Token)
	}
}

func (s *Server) forceDisconnect(id session.ClientID) {
	s.sendReliable(id, wire.ForceDisconnect{})
	s.sender.Drop(id)
	s.disconnect(id)
}

// --- send helpers ------------------------------------------------------

func (s *Server) sendReliable(id session.ClientID, msg wire.Message) {
	s.sender.Send(id, wire.Encode(msg), transport.ChannelReliable)
}

func (s *Server) sendError(id session.ClientID, code int32, message string) {
	s.sendReliable(id, wire.Error{Code: code, Message: message})
}
