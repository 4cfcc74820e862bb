// Package directory holds the relay's in-memory tenancy graph: Apps
// owning Rooms owning Clients-as-peers, plus the flat Clients table
// keyed by ClientId with its state-machine tag. It performs no I/O and
// needs no locking — every mutation happens on the relay's single
// event-loop goroutine.
package directory

import (
	"math/rand"
	"time"

	"github.com/NodeTunnel/relay-server/internal/session"
)

// ClientID is the relay-wide client identity; directory shares the
// exact type session.Manager mints so the two never drift apart.
type ClientID = session.ClientID

// AppID identifies a tenant, minted on first successful
// authentication bearing a new token.
type AppID uint64

// RoomID identifies a room, app-local and monotonically minted.
type RoomID uint64

// ClientStateKind tags which of the three states (Connected,
// Authenticated, InRoom) a Client is currently in.
type ClientStateKind int

const (
	StateConnected ClientStateKind = iota
	StateAuthenticated
	StateInRoom
)

// ClientState is the full tagged state of one logical client. App and
// Room are meaningful only for the Authenticated/InRoom kinds
// respectively.
type ClientState struct {
	Kind ClientStateKind
	App  AppID
	Room RoomID
}

// Client is the directory's view of one connected client: just its
// identity and current state-machine tag.
type Client struct {
	ID    ClientID
	State ClientState
}

// Clients is the flat by-ID table of every client currently known to
// the directory, independent of which (if any) room they're in.
type Clients struct {
	byID map[ClientID]*Client
}

// NewClients builds an empty Clients table.
func NewClients() *Clients {
	return &Clients{byID: make(map[ClientID]*Client)}
}

// Create adds id in the Connected state. Re-creating an existing ID
// resets its state to Connected.
func (c *Clients) Create(id ClientID) *Client {
	cl := &Client{ID: id, State: ClientState{Kind: StateConnected}}
	c.byID[id] = cl
	return cl
}

// Get returns the Client for id, if known.
func (c *Clients) Get(id ClientID) (*Client, bool) {
	cl, ok := c.byID[id]
	return cl, ok
}

// Remove deletes id. Removing an unknown ID is a no-op.
func (c *Clients) Remove(id ClientID) {
	delete(c.byID, id)
}

// All returns every currently known client, in no particular order.
// Used for graceful-shutdown force-disconnect sweeps.
func (c *Clients) All() []*Client {
	out := make([]*Client, 0, len(c.byID))
	for _, cl := range c.byID {
		out = append(out, cl)
	}
	return out
}

// --- join-code generation --------------------------------------------

const defaultJoinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ123456789"
const defaultJoinCodeLength = 5

// joinCodeGenerator mints visually-unambiguous join codes, re-rolling
// on collision and returning freed codes to the pool once a room is
// destroyed. One generator is shared by every App's Rooms so that
// codes stay unique across the whole process, not merely within one
// tenant (spec invariant I6 is phrased process-wide).
type joinCodeGenerator struct {
	relayPrefix string
	alphabet    string
	length      int
	live        map[string]bool
	rng         *rand.Rand
}

func newJoinCodeGenerator(relayID string) *joinCodeGenerator {
	prefix := ""
	if relayID != "" {
		prefix = relayID + "-"
	}
	return &joinCodeGenerator{
		relayPrefix: prefix,
		alphabet:    defaultJoinCodeAlphabet,
		length:      defaultJoinCodeLength,
		live:        make(map[string]bool),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *joinCodeGenerator) generate() string {
	for {
		b := make([]byte, g.length)
		for i := range b {
			b[i] = g.alphabet[g.rng.Intn(len(g.alphabet))]
		}
		code := g.relayPrefix + string(b)
		if !g.live[code] {
			g.live[code] = true
			return code
		}
	}
}

func (g *joinCodeGenerator) free(code string) {
	delete(g.live, code)
}

// --- rooms -------------------------------------------------------------

// Room is a live game session anchored by its host. client_to_peer and
// peer_to_client are kept as inverse maps so both directions are O(1)
// and removal can never leave a dangling reference (see spec's
// indirection-index design note).
type Room struct {
	ID       RoomID
	JoinCode string
	IsPublic bool
	Metadata string
	Host     ClientID

	clientToPeer map[ClientID]int32
	peerToClient map[int32]ClientID
	nextPeerID   int32
}

func newRoom(id RoomID, joinCode string, isPublic bool, metadata string, host ClientID) *Room {
	r := &Room{
		ID:           id,
		JoinCode:     joinCode,
		IsPublic:     isPublic,
		Metadata:     metadata,
		Host:         host,
		clientToPeer: make(map[ClientID]int32),
		peerToClient: make(map[int32]ClientID),
		nextPeerID:   1,
	}
	r.AddPeer(host)
	return r
}

// AddPeer admits id as a new peer, minting the next (never reused)
// peer ID.
func (r *Room) AddPeer(id ClientID) int32 {
	peerID := r.nextPeerID
	r.nextPeerID++
	r.clientToPeer[id] = peerID
	r.peerToClient[peerID] = id
	return peerID
}

// RemovePeer evicts id from the room. Removing an absent client is a
// no-op.
func (r *Room) RemovePeer(id ClientID) {
	peerID, ok := r.clientToPeer[id]
	if !ok {
		return
	}
	delete(r.clientToPeer, id)
	delete(r.peerToClient, peerID)
}

// PeerOf returns id's peer ID within the room, if it's a member.
func (r *Room) PeerOf(id ClientID) (int32, bool) {
	p, ok := r.clientToPeer[id]
	return p, ok
}

// ClientOf is the inverse of PeerOf.
func (r *Room) ClientOf(peerID int32) (ClientID, bool) {
	id, ok := r.peerToClient[peerID]
	return id, ok
}

// IsHost reports whether id is the room's host.
func (r *Room) IsHost(id ClientID) bool {
	return r.Host == id
}

// Members returns every peer currently in the room, in no particular
// order.
func (r *Room) Members() []ClientID {
	out := make([]ClientID, 0, len(r.clientToPeer))
	for id := range r.clientToPeer {
		out = append(out, id)
	}
	return out
}

// Size reports the current peer count.
func (r *Room) Size() int {
	return len(r.clientToPeer)
}

// Rooms is one App's set of rooms, indexed by RoomID and by join code.
type Rooms struct {
	byID       map[RoomID]*Room
	byJoinCode map[string]*Room
	nextID     RoomID
	codes      *joinCodeGenerator
}

func newRooms(codes *joinCodeGenerator) *Rooms {
	return &Rooms{
		byID:       make(map[RoomID]*Room),
		byJoinCode: make(map[string]*Room),
		nextID:     1,
		codes:      codes,
	}
}

// Create mints a new room with host as its sole initial peer
// (peer_id 1).
func (rs *Rooms) Create(isPublic bool, metadata string, host ClientID) *Room {
	id := rs.nextID
	rs.nextID++
	code := rs.codes.generate()
	r := newRoom(id, code, isPublic, metadata, host)
	rs.byID[id] = r
	rs.byJoinCode[code] = r
	return r
}

// Get returns the room with the given ID.
func (rs *Rooms) Get(id RoomID) (*Room, bool) {
	r, ok := rs.byID[id]
	return r, ok
}

// GetByJoinCode returns the room with the given join code.
func (rs *Rooms) GetByJoinCode(code string) (*Room, bool) {
	r, ok := rs.byJoinCode[code]
	return r, ok
}

// Remove destroys a room and frees its join code for reuse.
func (rs *Rooms) Remove(id RoomID) {
	r, ok := rs.byID[id]
	if !ok {
		return
	}
	delete(rs.byID, id)
	delete(rs.byJoinCode, r.JoinCode)
	rs.codes.free(r.JoinCode)
}

// Public returns every public room, for ReqRooms responses.
func (rs *Rooms) Public() []*Room {
	out := make([]*Room, 0, len(rs.byID))
	for _, r := range rs.byID {
		if r.IsPublic {
			out = append(out, r)
		}
	}
	return out
}

// --- apps ----------------------------------------------------------------

// App is a multi-tenant container: an opaque token resolved to a
// stable AppID on first use, owning its own Rooms.
type App struct {
	ID    AppID
	Token string
	Rooms *Rooms
}

// Apps is the top-level tenant table, indexed by AppID and by token,
// sharing one join-code generator across every App it creates.
type Apps struct {
	byID    map[AppID]*App
	byToken map[string]*App
	nextID  AppID
	codes   *joinCodeGenerator
}

// NewApps builds an empty Apps table. relayID, if non-empty, prefixes
// every join code minted by any App under this table.
func NewApps(relayID string) *Apps {
	return &Apps{
		byID:    make(map[AppID]*App),
		byToken: make(map[string]*App),
		nextID:  1,
		codes:   newJoinCodeGenerator(relayID),
	}
}

// GetOrCreate resolves token to its App, minting a new one on first
// use.
func (a *Apps) GetOrCreate(token string) (app *App, isNew bool) {
	if app, ok := a.byToken[token]; ok {
		return app, false
	}
	id := a.nextID
	a.nextID++
	app = &App{ID: id, Token: token, Rooms: newRooms(a.codes)}
	a.byID[id] = app
	a.byToken[token] = app
	return app, true
}

// Get returns the App with the given ID.
func (a *Apps) Get(id AppID) (*App, bool) {
	app, ok := a.byID[id]
	return app, ok
}

// GetByToken returns the App with the given token.
func (a *Apps) GetByToken(token string) (*App, bool) {
	app, ok := a.byToken[token]
	return app, ok
}
