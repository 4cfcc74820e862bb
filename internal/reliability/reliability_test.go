package reliability

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceNumberNewerThanWrap(t *testing.T) {
	// P6: antisymmetric and wrap-correct.
	assert.False(t, SequenceNumber(0xFFFFFFFF).NewerThan(SequenceNumber(0x00000000)))
	assert.True(t, SequenceNumber(0x00000000).NewerThan(SequenceNumber(0xFFFFFFFF)))
	assert.False(t, SequenceNumber(5).NewerThan(SequenceNumber(5)))
	assert.True(t, SequenceNumber(6).NewerThan(SequenceNumber(5)))
	assert.False(t, SequenceNumber(5).NewerThan(SequenceNumber(6)))
}

func TestSenderReceiverInOrder(t *testing.T) {
	sender := NewSender(16)
	receiver := NewReceiver()
	now := time.Unix(0, 0)

	var delivered [][]byte
	for i := 0; i < 5; i++ {
		frame, seq := sender.Send([]byte{byte(i)}, now)
		// Unwrap the frame the way Channel.Decode would.
		payload := frame[5:]
		delivered = append(delivered, receiver.Receive(seq, payload)...)
	}
	require.Len(t, delivered, 5)
	for i, p := range delivered {
		assert.Equal(t, byte(i), p[0])
	}
}

func TestReceiverBuffersOutOfOrder(t *testing.T) {
	r := NewReceiver()

	got := r.Receive(2, []byte("c"))
	assert.Empty(t, got, "sequence 2 arrives before 0/1 and must be buffered")

	got = r.Receive(0, []byte("a"))
	assert.Equal(t, [][]byte{[]byte("a")}, got)

	got = r.Receive(1, []byte("b"))
	assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, got, "filling the gap must drain the buffer in order")
}

func TestReceiverDiscardsDuplicate(t *testing.T) {
	r := NewReceiver()
	r.Receive(0, []byte("a"))
	got := r.Receive(0, []byte("a-resend"))
	assert.Empty(t, got)
}

func TestSenderAckRemovesInFlight(t *testing.T) {
	s := NewSender(16)
	now := time.Unix(0, 0)
	_, seq := s.Send([]byte("x"), now)
	assert.True(t, s.HasUnacked())
	resendCount, ok := s.AckReceived(seq)
	assert.True(t, ok)
	assert.Equal(t, 0, resendCount, "a first-try ack needed no resends")
	assert.False(t, s.HasUnacked())

	_, ok = s.AckReceived(seq)
	assert.False(t, ok, "acking an already-dropped sequence again is a no-op")
}

func TestSenderResendsAfterTimeout(t *testing.T) {
	s := NewSender(16)
	now := time.Unix(0, 0)
	_, seq := s.Send([]byte("x"), now)

	none, noneAbandoned := s.Resends(now, 100*time.Millisecond)
	assert.Empty(t, none, "not yet due")
	assert.Empty(t, noneAbandoned)

	later := now.Add(150 * time.Millisecond)
	frames, abandoned := s.Resends(later, 100*time.Millisecond)
	require.Len(t, frames, 1)
	assert.Empty(t, abandoned)

	resendCount, ok := s.AckReceived(seq)
	assert.True(t, ok)
	assert.Equal(t, 1, resendCount, "one resend happened before the ack arrived")
}

func TestSenderAbandonsAfterMaxResends(t *testing.T) {
	s := NewSender(2)
	now := time.Unix(0, 0)
	s.Send([]byte("x"), now)

	t1 := now.Add(100 * time.Millisecond)
	frames1, abandoned1 := s.Resends(t1, 50*time.Millisecond)
	require.Len(t, frames1, 1)
	assert.Empty(t, abandoned1)

	t2 := t1.Add(100 * time.Millisecond)
	frames2, abandoned2 := s.Resends(t2, 50*time.Millisecond)
	require.Len(t, frames2, 1)
	assert.Empty(t, abandoned2)

	t3 := t2.Add(100 * time.Millisecond)
	frames3, abandoned3 := s.Resends(t3, 50*time.Millisecond)
	assert.Empty(t, frames3, "abandoned after maxResends")
	require.Len(t, abandoned3, 1)
	assert.Equal(t, 2, abandoned3[0], "reports the resend count it was abandoned at")
	assert.False(t, s.HasUnacked())
}

func TestChannelDecodeMalformed(t *testing.T) {
	c := NewChannel(16)
	_, _, _, err := c.Decode(nil)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, _, _, err = c.Decode([]byte{0x00, 0x01})
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, _, _, err = c.Decode([]byte{0x09})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestChannelQueuesAndFlushesAcks(t *testing.T) {
	c := NewChannel(16)
	frame := encodeReliable(3, []byte("hi"))
	_, _, ack, err := c.Decode(frame)
	require.NoError(t, err)
	assert.Nil(t, ack, "a data frame never itself carries an ack event")

	acks := c.FlushAcks()
	require.Len(t, acks, 1)
	assert.Equal(t, byte(FrameAck), acks[0][0])

	assert.Empty(t, c.FlushAcks(), "queue drained")
}

func TestChannelDecodeReportsAckEvent(t *testing.T) {
	c := NewChannel(16)
	now := time.Unix(0, 0)
	_, seq := c.Sender.Send([]byte("x"), now)
	_, _, ack, err := c.Decode(encodeAck(seq))
	require.NoError(t, err)
	require.NotNil(t, ack)
	assert.Equal(t, 0, ack.ResendCount)
}

// TestReliabilityUnderLoss is the P1 / scenario-4 property: 1000
// reliable payloads sent over a channel pair with 30% loss in each
// direction must still be delivered exactly once, in send order, and
// the sender's outstanding set must converge to empty.
func TestReliabilityUnderLoss(t *testing.T) {
	const total = 1000
	const lossRate = 0.30

	rng := rand.New(rand.NewSource(1))
	sender := NewSender(64)
	receiverChan := NewChannel(64) // acts as the remote peer
	now := time.Unix(0, 0)

	var delivered [][]byte
	var inflightFrames [][]byte // frames currently "in flight" toward the receiver, resent on timeout

	sendNext := 0
	tick := 0
	for (len(delivered) < total || sender.HasUnacked()) && tick < total*20 {
		tick++
		now = now.Add(5 * time.Millisecond)

		// Sender emits new payloads until all 1000 are queued.
		if sendNext < total {
			frame, _ := sender.Send([]byte{byte(sendNext), byte(sendNext >> 8)}, now)
			if rng.Float64() >= lossRate {
				inflightFrames = append(inflightFrames, frame)
			}
			sendNext++
		}

		// Deliver whatever made it across this tick.
		var stillInflight [][]byte
		for _, f := range inflightFrames {
			payloads, _, _, err := receiverChan.Decode(f)
			require.NoError(t, err)
			delivered = append(delivered, payloads...)
		}
		inflightFrames = stillInflight

		// Acks flow back, lossy in the same way.
		for _, ack := range receiverChan.FlushAcks() {
			if rng.Float64() >= lossRate {
				_, _, _, err := sender.channelDecodeAck(ack)
				require.NoError(t, err)
			}
		}

		// Resend anything overdue.
		resendFrames, _ := sender.Resends(now, 40*time.Millisecond)
		inflightFrames = append(inflightFrames, resendFrames...)
	}

	require.Len(t, delivered, total, "every payload must eventually arrive exactly once")
	for i, p := range delivered {
		assert.Equal(t, byte(i), p[0])
		assert.Equal(t, byte(i>>8), p[1])
	}
	assert.False(t, sender.HasUnacked(), "sender's outstanding set converges to empty")
}

// channelDecodeAck lets the loss-simulation test feed a raw ACK frame
// straight to the Sender without constructing a full Channel, since
// only the ack-processing half is needed on the sending side.
func (s *Sender) channelDecodeAck(raw []byte) ([][]byte, []byte, *AckEvent, error) {
	c := &Channel{Sender: s, Receiver: NewReceiver()}
	return c.Decode(raw)
}
