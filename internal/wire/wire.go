// Package wire implements the relay's binary wire protocol: a single
// opcode byte followed by big-endian, length-prefixed fields. See the
// per-type doc comments below for the exact field layout of each
// message.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Opcode identifies the wire-level type of a frame. The numeric
// assignments are part of the on-wire contract and must never change
// once deployed.
type Opcode uint8

const (
	OpAuthenticate Opcode = iota + 1
	OpClientAuthenticated
	OpCreateRoom
	OpReqRooms
	OpGetRooms
	OpUpdateRoom
	OpReqJoin
	OpJoinRes
	OpConnectedToRoom
	OpPeerJoinAttempt
	OpPeerJoinedRoom
	OpPeerLeftRoom
	OpGameData
	OpForceDisconnect
	OpError
)

func (o Opcode) String() string {
	switch o {
	case OpAuthenticate:
		return "Authenticate"
	case OpClientAuthenticated:
		return "ClientAuthenticated"
	case OpCreateRoom:
		return "CreateRoom"
	case OpReqRooms:
		return "ReqRooms"
	case OpGetRooms:
		return "GetRooms"
	case OpUpdateRoom:
		return "UpdateRoom"
	case OpReqJoin:
		return "ReqJoin"
	case OpJoinRes:
		return "JoinRes"
	case OpConnectedToRoom:
		return "ConnectedToRoom"
	case OpPeerJoinAttempt:
		return "PeerJoinAttempt"
	case OpPeerJoinedRoom:
		return "PeerJoinedRoom"
	case OpPeerLeftRoom:
		return "PeerLeftRoom"
	case OpGameData:
		return "GameData"
	case OpForceDisconnect:
		return "ForceDisconnect"
	case OpError:
		return "Error"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(o))
	}
}

// Decoder sentinel errors, per the opcode-byte framing described above.
var (
	ErrEmptyFrame     = errors.New("wire: empty frame")
	ErrUnknownOpcode  = errors.New("wire: unknown opcode")
	ErrShortRead      = errors.New("wire: short read")
	ErrBadUTF8        = errors.New("wire: invalid utf-8")
	ErrNegativeLength = errors.New("wire: negative length")
)

// Message is any decoded wire frame. Concrete types are the structs
// below (Authenticate, CreateRoom, GameData, ...).
type Message interface {
	Opcode() Opcode
	encodeBody(buf *bytes.Buffer)
}

// RoomInfo is the public-facing summary of a room carried inside a
// GetRooms frame.
type RoomInfo struct {
	JoinCode string
	Metadata string
}

// --- message types -------------------------------------------------

type Authenticate struct {
	AppToken string
	Version  string
}

func (Authenticate) Opcode() Opcode { return OpAuthenticate }
func (m Authenticate) encodeBody(buf *bytes.Buffer) {
	writeString(buf, m.AppToken)
	writeString(buf, m.Version)
}

type ClientAuthenticated struct{}

func (ClientAuthenticated) Opcode() Opcode                { return OpClientAuthenticated }
func (ClientAuthenticated) encodeBody(buf *bytes.Buffer) {}

type CreateRoom struct {
	IsPublic bool
	Metadata string
}

func (CreateRoom) Opcode() Opcode { return OpCreateRoom }
func (m CreateRoom) encodeBody(buf *bytes.Buffer) {
	writeBool(buf, m.IsPublic)
	writeString(buf, m.Metadata)
}

type ReqRooms struct{}

func (ReqRooms) Opcode() Opcode                { return OpReqRooms }
func (ReqRooms) encodeBody(buf *bytes.Buffer) {}

type GetRooms struct {
	Rooms []RoomInfo
}

func (GetRooms) Opcode() Opcode { return OpGetRooms }
func (m GetRooms) encodeBody(buf *bytes.Buffer) {
	writeI32(buf, int32(len(m.Rooms)))
	for _, r := range m.Rooms {
		writeString(buf, r.JoinCode)
		writeString(buf, r.Metadata)
	}
}

type UpdateRoom struct {
	RoomRef  string
	Metadata string
}

func (UpdateRoom) Opcode() Opcode { return OpUpdateRoom }
func (m UpdateRoom) encodeBody(buf *bytes.Buffer) {
	writeString(buf, m.RoomRef)
	writeString(buf, m.Metadata)
}

type ReqJoin struct {
	JoinCode string
	Metadata string
}

func (ReqJoin) Opcode() Opcode { return OpReqJoin }
func (m ReqJoin) encodeBody(buf *bytes.Buffer) {
	writeString(buf, m.JoinCode)
	writeString(buf, m.Metadata)
}

type JoinRes struct {
	Target  uint64
	RoomRef string
	Allowed bool
}

func (JoinRes) Opcode() Opcode { return OpJoinRes }
func (m JoinRes) encodeBody(buf *bytes.Buffer) {
	writeU64(buf, m.Target)
	writeString(buf, m.RoomRef)
	writeBool(buf, m.Allowed)
}

type ConnectedToRoom struct {
	RoomRef string
	PeerID  int32
}

func (ConnectedToRoom) Opcode() Opcode { return OpConnectedToRoom }
func (m ConnectedToRoom) encodeBody(buf *bytes.Buffer) {
	writeString(buf, m.RoomRef)
	writeI32(buf, m.PeerID)
}

type PeerJoinAttempt struct {
	Target   uint64
	Metadata string
}

func (PeerJoinAttempt) Opcode() Opcode { return OpPeerJoinAttempt }
func (m PeerJoinAttempt) encodeBody(buf *bytes.Buffer) {
	writeU64(buf, m.Target)
	writeString(buf, m.Metadata)
}

type PeerJoinedRoom struct {
	PeerID int32
}

func (PeerJoinedRoom) Opcode() Opcode { return OpPeerJoinedRoom }
func (m PeerJoinedRoom) encodeBody(buf *bytes.Buffer) {
	writeI32(buf, m.PeerID)
}

type PeerLeftRoom struct {
	PeerID int32
}

func (PeerLeftRoom) Opcode() Opcode { return OpPeerLeftRoom }
func (m PeerLeftRoom) encodeBody(buf *bytes.Buffer) {
	writeI32(buf, m.PeerID)
}

type GameData struct {
	FromPeer int32
	Data     []byte
}

func (GameData) Opcode() Opcode { return OpGameData }
func (m GameData) encodeBody(buf *bytes.Buffer) {
	writeI32(buf, m.FromPeer)
	buf.Write(m.Data)
}

type ForceDisconnect struct{}

func (ForceDisconnect) Opcode() Opcode                { return OpForceDisconnect }
func (ForceDisconnect) encodeBody(buf *bytes.Buffer) {}

type Error struct {
	Code    int32
	Message string
}

func (Error) Opcode() Opcode { return OpError }
func (m Error) encodeBody(buf *bytes.Buffer) {
	writeI32(buf, m.Code)
	writeString(buf, m.Message)
}

// --- encode/decode entry points -------------------------------------

// Encode renders m as a wire frame. It never fails: every Message
// variant above has a total encoding.
func Encode(m Message) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(m.Opcode()))
	m.encodeBody(buf)
	return buf.Bytes()
}

// Decode parses a wire frame into its Message, or a sentinel decode
// error (ErrEmptyFrame, ErrUnknownOpcode, ErrShortRead, ErrBadUTF8,
// ErrNegativeLength).
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	op := Opcode(frame[0])
	r := &reader{buf: frame[1:]}

	var msg Message
	switch op {
	case OpAuthenticate:
		appToken, err := r.readString()
		if err != nil {
			return nil, err
		}
		version, err := r.readString()
		if err != nil {
			return nil, err
		}
		msg = Authenticate{AppToken: appToken, Version: version}

	case OpClientAuthenticated:
		msg = ClientAuthenticated{}

	case OpCreateRoom:
		isPublic, err := r.readBool()
		if err != nil {
			return nil, err
		}
		metadata, err := r.readString()
		if err != nil {
			return nil, err
		}
		msg = CreateRoom{IsPublic: isPublic, Metadata: metadata}

	case OpReqRooms:
		msg = ReqRooms{}

	case OpGetRooms:
		n, err := r.readI32()
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, ErrNegativeLength
		}
		var rooms []RoomInfo
		for i := int32(0); i < n; i++ {
			jc, err := r.readString()
			if err != nil {
				return nil, err
			}
			md, err := r.readString()
			if err != nil {
				return nil, err
			}
			rooms = append(rooms, RoomInfo{JoinCode: jc, Metadata: md})
		}
		msg = GetRooms{Rooms: rooms}

	case OpUpdateRoom:
		roomRef, err := r.readString()
		if err != nil {
			return nil, err
		}
		metadata, err := r.readString()
		if err != nil {
			return nil, err
		}
		msg = UpdateRoom{RoomRef: roomRef, Metadata: metadata}

	case OpReqJoin:
		joinCode, err := r.readString()
		if err != nil {
			return nil, err
		}
		metadata, err := r.readString()
		if err != nil {
			return nil, err
		}
		msg = ReqJoin{JoinCode: joinCode, Metadata: metadata}

	case OpJoinRes:
		target, err := r.readU64()
		if err != nil {
			return nil, err
		}
		roomRef, err := r.readString()
		if err != nil {
			return nil, err
		}
		allowed, err := r.readBool()
		if err != nil {
			return nil, err
		}
		msg = JoinRes{Target: target, RoomRef: roomRef, Allowed: allowed}

	case OpConnectedToRoom:
		roomRef, err := r.readString()
		if err != nil {
			return nil, err
		}
		peerID, err := r.readI32()
		if err != nil {
			return nil, err
		}
		msg = ConnectedToRoom{RoomRef: roomRef, PeerID: peerID}

	case OpPeerJoinAttempt:
		target, err := r.readU64()
		if err != nil {
			return nil, err
		}
		metadata, err := r.readString()
		if err != nil {
			return nil, err
		}
		msg = PeerJoinAttempt{Target: target, Metadata: metadata}

	case OpPeerJoinedRoom:
		peerID, err := r.readI32()
		if err != nil {
			return nil, err
		}
		msg = PeerJoinedRoom{PeerID: peerID}

	case OpPeerLeftRoom:
		peerID, err := r.readI32()
		if err != nil {
			return nil, err
		}
		msg = PeerLeftRoom{PeerID: peerID}

	case OpGameData:
		fromPeer, err := r.readI32()
		if err != nil {
			return nil, err
		}
		msg = GameData{FromPeer: fromPeer, Data: r.readBlob()}

	case OpForceDisconnect:
		msg = ForceDisconnect{}

	case OpError:
		code, err := r.readI32()
		if err != nil {
			return nil, err
		}
		message, err := r.readString()
		if err != nil {
			return nil, err
		}
		msg = Error{Code: code, Message: message}

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, frame[0])
	}

	return msg, nil
}

// --- primitive reader/writer helpers ---------------------------------

type reader struct {
	buf []byte
	pos int
}

func (r *reader) readI32() (int32, error) {
	if len(r.buf)-r.pos < 4 {
		return 0, fmt.Errorf("%w: i32", ErrShortRead)
	}
	v := int32(binary.BigEndian.Uint32(r.buf[r.pos:]))
	r.pos += 4
	return v, nil
}

func (r *reader) readU64() (uint64, error) {
	if len(r.buf)-r.pos < 8 {
		return 0, fmt.Errorf("%w: u64", ErrShortRead)
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) readBool() (bool, error) {
	v, err := r.readI32()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (r *reader) readString() (string, error) {
	n, err := r.readI32()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", ErrNegativeLength
	}
	if int(n) > len(r.buf)-r.pos {
		return "", fmt.Errorf("%w: string", ErrShortRead)
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	if !utf8.Valid(b) {
		return "", ErrBadUTF8
	}
	return string(b), nil
}

// readBlob consumes every remaining byte in the frame.
func (r *reader) readBlob() []byte {
	rest := r.buf[r.pos:]
	r.pos = len(r.buf)
	out := make([]byte, len(rest))
	copy(out, rest)
	return out
}

func writeI32(buf *bytes.Buffer, v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		writeI32(buf, 1)
	} else {
		writeI32(buf, 0)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeI32(buf, int32(len(s)))
	buf.WriteString(s)
}
