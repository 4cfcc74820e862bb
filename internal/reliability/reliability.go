// Package reliability implements the per-session reliability layer
// that sits directly on top of raw UDP datagrams: sequence numbers,
// acknowledgement, timed retransmission, and ordered reassembly for
// the reliable channel, plus simple pass-through for the unreliable
// one. It knows nothing about the application-level wire protocol in
// internal/wire — the two codecs are deliberately independent.
package reliability

import (
	"encoding/binary"
	"errors"
	"time"
)

// Inner framing byte, distinct from the application opcode carried
// inside the payload.
const (
	FrameReliable   byte = 0x00
	FrameUnreliable byte = 0x01
	FrameAck        byte = 0x02
)

// ErrMalformedFrame is returned when the leading frame byte is
// unrecognized or the frame is too short for its own header.
var ErrMalformedFrame = errors.New("reliability: malformed inner frame")

// SequenceNumber is a 32-bit counter that wraps; comparisons use
// modular "newer-than" arithmetic so wraparound never misclassifies a
// genuinely newer sequence as older.
type SequenceNumber uint32

// NewerThan reports whether s should be treated as coming after other,
// tolerating a single wraparound: (s - other) mod 2^32 < 2^31.
func (s SequenceNumber) NewerThan(other SequenceNumber) bool {
	diff := uint32(s) - uint32(other)
	return diff != 0 && diff < (1<<31)
}

type sentRecord struct {
	payload     []byte
	sentAt      time.Time
	resendCount int
}

// Sender tracks in-flight reliable payloads for one direction of one
// session, plus the queue of sequence numbers this side owes an ACK
// for (populated by QueueAck from Channel.Decode, drained by FlushAcks).
type Sender struct {
	nextSeq     SequenceNumber
	inFlight    map[SequenceNumber]*sentRecord
	pendingAcks []SequenceNumber
	maxResends  int
}

// NewSender builds a Sender that abandons (stops retransmitting) a
// record after maxResends attempts. maxResends <= 0 means unlimited.
func NewSender(maxResends int) *Sender {
	return &Sender{
		inFlight:   make(map[SequenceNumber]*sentRecord),
		maxResends: maxResends,
	}
}

// Send allocates the next sequence number, records the payload for
// resend tracking, and returns the reliable frame to write to the
// socket.
func (s *Sender) Send(payload []byte, now time.Time) ([]byte, SequenceNumber) {
	seq := s.nextSeq
	s.nextSeq++
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.inFlight[seq] = &sentRecord{payload: cp, sentAt: now}
	return encodeReliable(seq, payload), seq
}

// AckReceived drops seq from the in-flight set, reporting how many
// times it had to be resent before this ack arrived (0 for a
// first-try ack). ok is false for an unknown or already-dropped
// sequence, in which case resendCount is meaningless.
func (s *Sender) AckReceived(seq SequenceNumber) (resendCount int, ok bool) {
	rec, ok := s.inFlight[seq]
	if !ok {
		return 0, false
	}
	delete(s.inFlight, seq)
	return rec.resendCount, true
}

// HasUnacked reports whether any reliable payload is still awaiting
// acknowledgement.
func (s *Sender) HasUnacked() bool {
	return len(s.inFlight) > 0
}

// QueueAck records that seq (received from the remote) must be
// acknowledged; FlushAcks drains this queue into wire frames.
func (s *Sender) QueueAck(seq SequenceNumber) {
	s.pendingAcks = append(s.pendingAcks, seq)
}

// FlushAcks returns one ACK frame per queued sequence and clears the
// queue.
func (s *Sender) FlushAcks() [][]byte {
	if len(s.pendingAcks) == 0 {
		return nil
	}
	frames := make([][]byte, 0, len(s.pendingAcks))
	for _, seq := range s.pendingAcks {
		frames = append(frames, encodeAck(seq))
	}
	s.pendingAcks = nil
	return frames
}

// Resends returns retransmission frames for every record older than
// ackTimeout, bumping its resend_count and sent_at. A record that has
// reached maxResends is abandoned (removed from tracking, never
// retransmitted again) rather than endlessly retried; abandonment
// alone never forces a disconnect — that is the session manager's
// concern. abandoned carries each dropped record's final resend_count,
// for the caller to feed into the resend-attempts histogram alongside
// acked ones.
func (s *Sender) Resends(now time.Time, ackTimeout time.Duration) (frames [][]byte, abandoned []int) {
	for seq, rec := range s.inFlight {
		if now.Sub(rec.sentAt) < ackTimeout {
			continue
		}
		if s.maxResends > 0 && rec.resendCount >= s.maxResends {
			abandoned = append(abandoned, rec.resendCount)
			delete(s.inFlight, seq)
			continue
		}
		rec.sentAt = now
		rec.resendCount++
		frames = append(frames, encodeReliable(seq, rec.payload))
	}
	return frames, abandoned
}

// Receiver reassembles the reliable channel into strict send order,
// buffering anything that arrives ahead of expectedNext.
type Receiver struct {
	expectedNext SequenceNumber
	buffered     map[SequenceNumber][]byte
}

// NewReceiver builds a Receiver expecting sequence 0 first.
func NewReceiver() *Receiver {
	return &Receiver{buffered: make(map[SequenceNumber][]byte)}
}

// Receive processes one reliable (seq, payload) pair and returns the
// payloads now ready for in-order delivery to the application — zero,
// one, or several if this packet filled a gap. It does not queue an
// ACK; Channel.Decode does that for every reliable frame, in-order or
// not, duplicate or not.
func (r *Receiver) Receive(seq SequenceNumber, payload []byte) (delivered [][]byte) {
	switch {
	case seq == r.expectedNext:
		delivered = append(delivered, payload)
		r.expectedNext++
		for {
			buf, ok := r.buffered[r.expectedNext]
			if !ok {
				break
			}
			delivered = append(delivered, buf)
			delete(r.buffered, r.expectedNext)
			r.expectedNext++
		}
	case seq.NewerThan(r.expectedNext):
		if _, exists := r.buffered[seq]; !exists {
			cp := make([]byte, len(payload))
			copy(cp, payload)
			r.buffered[seq] = cp
		}
	default:
		// Duplicate or older than what's already been delivered: discard.
	}
	return delivered
}

// Channel composes one Sender and one Receiver, mirroring the pairing
// every live session keeps for its two directions.
type Channel struct {
	Sender   *Sender
	Receiver *Receiver
}

// NewChannel builds a Channel whose Sender abandons retransmission
// after maxResends attempts.
func NewChannel(maxResends int) *Channel {
	return &Channel{Sender: NewSender(maxResends), Receiver: NewReceiver()}
}

// EncodeReliable wraps payload in a reliable data frame, allocating
// the next outbound sequence number.
func (c *Channel) EncodeReliable(payload []byte, now time.Time) []byte {
	frame, _ := c.Sender.Send(payload, now)
	return frame
}

// EncodeUnreliable wraps payload in an unreliable data frame.
func EncodeUnreliable(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, FrameUnreliable)
	out = append(out, payload...)
	return out
}

// AckEvent reports that an inbound frame acknowledged one of this
// side's outstanding sends, carrying how many times that send had to
// be retried before the ack arrived — fed into the resend-attempts
// histogram alongside abandoned sends (see Resends).
type AckEvent struct {
	ResendCount int
}

// Decode unwraps one inbound inner frame. For a reliable data frame it
// returns any payloads now ready for in-order delivery (queuing the ACK
// for the next FlushAcks); for an unreliable frame it returns the
// single payload; for an ACK frame it marks the acknowledged send as
// complete and returns a non-nil AckEvent. An empty or unrecognized
// leading byte is ErrMalformedFrame — the caller (internal/transport)
// treats that as cause to drop the session.
func (c *Channel) Decode(raw []byte) (reliable [][]byte, unreliable []byte, ack *AckEvent, err error) {
	if len(raw) == 0 {
		return nil, nil, nil, ErrMalformedFrame
	}
	switch raw[0] {
	case FrameReliable:
		if len(raw) < 5 {
			return nil, nil, nil, ErrMalformedFrame
		}
		seq := SequenceNumber(binary.BigEndian.Uint32(raw[1:5]))
		payload := raw[5:]
		c.Sender.QueueAck(seq)
		return c.Receiver.Receive(seq, payload), nil, nil, nil

	case FrameUnreliable:
		payload := make([]byte, len(raw)-1)
		copy(payload, raw[1:])
		return nil, payload, nil, nil

	case FrameAck:
		if len(raw) != 5 {
			return nil, nil, nil, ErrMalformedFrame
		}
		seq := SequenceNumber(binary.BigEndian.Uint32(raw[1:5]))
		if resendCount, ok := c.Sender.AckReceived(seq); ok {
			return nil, nil, &AckEvent{ResendCount: resendCount}, nil
		}
		return nil, nil, nil, nil

	default:
		return nil, nil, nil, ErrMalformedFrame
	}
}

// FlushAcks drains any ACKs owed to the remote since the last flush.
func (c *Channel) FlushAcks() [][]byte {
	return c.Sender.FlushAcks()
}

// Resends returns retransmission frames due at now, plus the final
// resend count of anything abandoned this tick.
func (c *Channel) Resends(now time.Time, ackTimeout time.Duration) (frames [][]byte, abandoned []int) {
	return c.Sender.Resends(now, ackTimeout)
}

func encodeReliable(seq SequenceNumber, payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	out[0] = FrameReliable
	binary.BigEndian.PutUint32(out[1:5], uint32(seq))
	copy(out[5:], payload)
	return out
}

func encodeAck(seq SequenceNumber) []byte {
	out := make([]byte, 5)
	out[0] = FrameAck
	binary.BigEndian.PutUint32(out[1:], uint32(seq))
	return out
}
