package tunnel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testClock is a Clock whose readings the test controls.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

// newLinkedHandler drives a client handler through a successful handshake
// and returns it with its nonce and clock.
func newLinkedHandler(t *testing.T) (*ClientConfluxMsgHandler, Nonce, *testClock) {
	t.Helper()
	nonce, err := NewNonce()
	require.NoError(t, err)
	clock := &testClock{now: time.Unix(1700000000, 0)}
	h := NewClientConfluxMsgHandler(2, nonce, clock)

	require.NoError(t, h.NoteLinkSent(clock.now))
	clock.now = clock.now.Add(250 * time.Millisecond)

	linked := linkedMsg(nonce)
	cmd, err := h.HandleMsg(linked, 2)
	require.NoError(t, err)
	require.IsType(t, ConfluxHandshakeCompleteCmd{}, cmd)
	return h, nonce, clock
}

// linkedMsg builds a CONFLUX_LINKED message carrying nonce.
func linkedMsg(nonce Nonce) Msg {
	return Msg{Cmd: CmdConfluxLinked, Body: ConfluxLink{Nonce: nonce}.Marshal()}
}

// TestConfluxHandshakeHappyPath verifies the full client handshake: state
// advances, RTT is measured, and the reply is the handshake-complete command
// carrying a LINKED_ACK for the join point.
func TestConfluxHandshakeHappyPath(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)
	clock := &testClock{now: time.Unix(1700000000, 0)}
	h := NewClientConfluxMsgHandler(2, nonce, clock)
	require.Equal(t, StatusUnlinked, h.Status())

	_, ok := h.HandshakeTimeout()
	require.False(t, ok, "no deadline before LINK is sent")

	require.NoError(t, h.NoteLinkSent(clock.now))
	require.Equal(t, StatusPending, h.Status())

	deadline, ok := h.HandshakeTimeout()
	require.True(t, ok)
	require.Equal(t, clock.now.Add(60*time.Second), deadline)

	clock.now = clock.now.Add(300 * time.Millisecond)
	cmd, err := h.HandleMsg(linkedMsg(nonce), 2)
	require.NoError(t, err)
	require.Equal(t, StatusLinked, h.Status())

	complete, ok := cmd.(ConfluxHandshakeCompleteCmd)
	require.True(t, ok, "handshake completion is distinct from an ordinary send")
	require.Equal(t, HopNum(2), complete.Cell.Hop)
	require.Equal(t, CmdConfluxLinkedAck, complete.Cell.Cell.Msg.Cmd)
	require.Equal(t, StreamID(0), complete.Cell.Cell.StreamID)

	rtt, ok := h.InitRTT()
	require.True(t, ok)
	require.Equal(t, 300*time.Millisecond, rtt)
}

// TestConfluxLinkedNonceMismatch verifies the dropmark defense: a LINKED
// with the wrong nonce is rejected and state does not change.
func TestConfluxLinkedNonceMismatch(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)
	clock := &testClock{now: time.Unix(1700000000, 0)}
	h := NewClientConfluxMsgHandler(1, nonce, clock)
	require.NoError(t, h.NoteLinkSent(clock.now))

	wrong := nonce
	wrong[0] ^= 0xFF
	_, err = h.HandleMsg(linkedMsg(wrong), 1)
	require.ErrorIs(t, err, ErrProtocol)
	require.Equal(t, StatusPending, h.Status(), "state unchanged on error")

	// The correct nonce still links afterwards.
	_, err = h.HandleMsg(linkedMsg(nonce), 1)
	require.NoError(t, err)
	require.Equal(t, StatusLinked, h.Status())
}

// TestConfluxLinkedBeforeLink verifies a LINKED with no LINK outstanding is
// a protocol violation.
func TestConfluxLinkedBeforeLink(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)
	h := NewClientConfluxMsgHandler(1, nonce, &testClock{})

	_, err = h.HandleMsg(linkedMsg(nonce), 1)
	require.ErrorIs(t, err, ErrProtocol)
	require.Equal(t, StatusUnlinked, h.Status())
}

// TestConfluxLinkedWhenAlreadyLinked verifies a replayed LINKED after
// linking is a protocol error, not a silent no-op.
func TestConfluxLinkedWhenAlreadyLinked(t *testing.T) {
	h, nonce, _ := newLinkedHandler(t)
	_, err := h.HandleMsg(linkedMsg(nonce), 2)
	require.ErrorIs(t, err, ErrProtocol)
	require.Equal(t, StatusLinked, h.Status())
}

// TestConfluxDuplicateLinkSentIsBug verifies sending LINK twice is flagged
// as a local fault, not peer misbehavior.
func TestConfluxDuplicateLinkSentIsBug(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)
	h := NewClientConfluxMsgHandler(1, nonce, &testClock{})

	require.NoError(t, h.NoteLinkSent(time.Unix(1700000000, 0)))
	err = h.NoteLinkSent(time.Unix(1700000001, 0))
	require.ErrorIs(t, err, ErrInternal)
}

// TestConfluxServerCellsRejected verifies LINK and LINKED_ACK are rejected
// on the client role in every state.
func TestConfluxServerCellsRejected(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)

	// Unlinked.
	h := NewClientConfluxMsgHandler(1, nonce, &testClock{})
	_, err = h.HandleMsg(Msg{Cmd: CmdConfluxLink}, 1)
	require.ErrorIs(t, err, ErrProtocol)
	_, err = h.HandleMsg(Msg{Cmd: CmdConfluxLinkedAck}, 1)
	require.ErrorIs(t, err, ErrProtocol)

	// Linked.
	linked, _, _ := newLinkedHandler(t)
	_, err = linked.HandleMsg(Msg{Cmd: CmdConfluxLink}, 2)
	require.ErrorIs(t, err, ErrProtocol)
	_, err = linked.HandleMsg(Msg{Cmd: CmdConfluxLinkedAck}, 2)
	require.ErrorIs(t, err, ErrProtocol)
}

// TestConfluxNonConfluxCellIsBug verifies routing an ordinary cell into the
// conflux handler is an internal fault.
func TestConfluxNonConfluxCellIsBug(t *testing.T) {
	h, _, _ := newLinkedHandler(t)
	_, err := h.HandleMsg(Msg{Cmd: CmdData}, 2)
	require.ErrorIs(t, err, ErrInternal)
}

// TestConfluxSwitchZeroSeqno verifies a zero-delta SWITCH always errors and
// never mutates the received-sequence counter.
func TestConfluxSwitchZeroSeqno(t *testing.T) {
	h, _, _ := newLinkedHandler(t)
	before := h.LastSeqRecv()

	_, err := h.HandleMsg(Msg{Cmd: CmdConfluxSwitch, Body: ConfluxSwitch{Seqno: 0}.Marshal()}, 2)
	require.ErrorIs(t, err, ErrProtocol)
	require.Equal(t, before, h.LastSeqRecv())
}

// TestConfluxSwitchAppliesDelta verifies a positive SWITCH delta advances
// the counter by exactly that amount, with no extra increment for the
// SWITCH cell itself.
func TestConfluxSwitchAppliesDelta(t *testing.T) {
	h, _, _ := newLinkedHandler(t)
	h.IncLastSeqRecv()
	h.IncLastSeqRecv()
	require.Equal(t, uint64(2), h.LastSeqRecv())

	cmd, err := h.HandleMsg(Msg{Cmd: CmdConfluxSwitch, Body: ConfluxSwitch{Seqno: 17}.Marshal()}, 2)
	require.NoError(t, err)
	require.Nil(t, cmd)
	require.Equal(t, uint64(19), h.LastSeqRecv())
}

// TestConfluxSwitchBeforeLinked verifies SWITCH is only legal once linked.
func TestConfluxSwitchBeforeLinked(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)
	h := NewClientConfluxMsgHandler(1, nonce, &testClock{})
	require.NoError(t, h.NoteLinkSent(time.Unix(1700000000, 0)))

	_, err = h.HandleMsg(Msg{Cmd: CmdConfluxSwitch, Body: ConfluxSwitch{Seqno: 1}.Marshal()}, 1)
	require.ErrorIs(t, err, ErrProtocol)
}

// TestConfluxValidateSourceHop verifies conflux cells from any hop other
// than the join point are rejected.
func TestConfluxValidateSourceHop(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)
	h := NewClientConfluxMsgHandler(2, nonce, &testClock{})

	require.NoError(t, h.ValidateSourceHop(Msg{Cmd: CmdConfluxLinked}, 2))
	require.ErrorIs(t, h.ValidateSourceHop(Msg{Cmd: CmdConfluxLinked}, 1), ErrProtocol)
}

// TestConfluxSeqCounters verifies the per-leg counters increment exactly
// once per qualifying cell, on the caller's signal.
func TestConfluxSeqCounters(t *testing.T) {
	h, _, _ := newLinkedHandler(t)
	require.Equal(t, uint64(0), h.LastSeqSent())
	h.IncLastSeqSent()
	h.IncLastSeqSent()
	h.IncLastSeqSent()
	require.Equal(t, uint64(3), h.LastSeqSent())
}

// TestConfluxClockBackwards verifies a wall clock stepping backwards across
// the handshake saturates the RTT instead of panicking or going negative.
func TestConfluxClockBackwards(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)
	clock := &testClock{now: time.Unix(1700000000, 0)}
	h := NewClientConfluxMsgHandler(1, nonce, clock)

	require.NoError(t, h.NoteLinkSent(clock.now))
	clock.now = clock.now.Add(-time.Hour)

	_, err = h.HandleMsg(linkedMsg(nonce), 1)
	require.NoError(t, err, "clock regression is tolerated")
	require.Equal(t, StatusLinked, h.Status())

	rtt, ok := h.InitRTT()
	require.True(t, ok)
	require.Equal(t, saturatedRTT, rtt)
}

// TestConfluxMalformedPayloads verifies truncated LINKED and SWITCH bodies
// are protocol errors.
func TestConfluxMalformedPayloads(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)
	h := NewClientConfluxMsgHandler(1, nonce, &testClock{})
	require.NoError(t, h.NoteLinkSent(time.Unix(1700000000, 0)))

	_, err = h.HandleMsg(Msg{Cmd: CmdConfluxLinked, Body: []byte{1, 2}}, 1)
	require.ErrorIs(t, err, ErrProtocol)
	require.Equal(t, StatusPending, h.Status())

	linked, _, _ := newLinkedHandler(t)
	_, err = linked.HandleMsg(Msg{Cmd: CmdConfluxSwitch, Body: []byte{9}}, 2)
	require.ErrorIs(t, err, ErrProtocol)
}
