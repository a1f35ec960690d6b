package tunnel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestHop creates a hop with default settings.
func newTestHop(t *testing.T, num HopNum) *Hop {
	t.Helper()
	return NewHop(NextUniqID(), num, FormatV0, DefaultHopSettings())
}

// beginTestStream opens a stream on h and returns its ID, the local reader's
// inbound receiver, and the writer's outbound sender.
func beginTestStream(t *testing.T, h *Hop) (StreamID, *MsgReceiver, *MsgSender) {
	t.Helper()
	sinkTx, sinkRx := NewMsgQueue(8)
	outTx, outRx := NewMsgQueue(8)
	cell, id, err := h.BeginStream(Msg{Cmd: CmdBegin, Body: []byte("example.com:443")}, sinkTx, outRx, NewDataCmdChecker())
	require.NoError(t, err)
	require.Equal(t, h.Num(), cell.Hop)
	require.Equal(t, id, cell.Cell.StreamID)
	require.Equal(t, CmdBegin, cell.Cell.Msg.Cmd)
	return id, sinkRx, outTx
}

// TestBeginStreamAllocatesDistinctIDs verifies stream creation and ID
// uniqueness at the hop level.
func TestBeginStreamAllocatesDistinctIDs(t *testing.T) {
	h := newTestHop(t, 2)
	a, _, _ := beginTestStream(t, h)
	b, _, _ := beginTestStream(t, h)
	require.NotEqual(t, a, b)
	require.Equal(t, 2, h.NOpenStreams())
}

// TestSendmeInterceptedThenDataDelivered feeds a stream a SENDME followed by
// a DATA message. The SENDME never reaches the sink; the
// DATA does; the window reflects exactly one SENDME credit.
func TestSendmeInterceptedThenDataDelivered(t *testing.T) {
	h := newTestHop(t, 1)
	id, sinkRx, _ := beginTestStream(t, h)

	// Earn the SENDME first so the credit does not overflow the window.
	for i := 0; i < int(StreamSendWindowIncrement); i++ {
		require.NoError(t, h.TakeCapacityToSend(id, Msg{Cmd: CmdData}))
	}

	passback, err := h.HandleMsg(true, id, Msg{Cmd: CmdSendme})
	require.NoError(t, err)
	require.Nil(t, passback)
	require.Equal(t, 0, sinkRx.Len(), "SENDME must not reach the stream sink")

	passback, err = h.HandleMsg(true, id, Msg{Cmd: CmdConnected})
	require.NoError(t, err)
	require.Nil(t, passback)
	passback, err = h.HandleMsg(true, id, Msg{Cmd: CmdData, Body: []byte("payload")})
	require.NoError(t, err)
	require.Nil(t, passback)

	msg, ok := sinkRx.TryRecv()
	require.True(t, ok)
	require.Equal(t, CmdConnected, msg.Cmd)
	msg, ok = sinkRx.TryRecv()
	require.True(t, ok)
	require.Equal(t, CmdData, msg.Cmd)
	require.Equal(t, []byte("payload"), msg.Body)

	// One SENDME credit: the window regained a full increment.
	require.NoError(t, h.TakeCapacityToSend(id, Msg{Cmd: CmdData}))
}

// TestHandleMsgFullSinkIsProtocolViolation verifies that overrunning the
// sink means the peer exceeded its flow-control allowance.
func TestHandleMsgFullSinkIsProtocolViolation(t *testing.T) {
	h := newTestHop(t, 0)
	sinkTx, _ := NewMsgQueue(1)
	_, outRx := NewMsgQueue(8)
	_, id, err := h.BeginStream(Msg{Cmd: CmdBegin}, sinkTx, outRx, NewDataCmdChecker())
	require.NoError(t, err)

	_, err = h.HandleMsg(true, id, Msg{Cmd: CmdConnected})
	require.NoError(t, err)
	_, err = h.HandleMsg(true, id, Msg{Cmd: CmdData})
	require.ErrorIs(t, err, ErrProtocol, "full sink means the peer sent more than allowed")
}

// TestHandleMsgDisconnectedSinkCountsDrops verifies a departed local reader
// is bookkeeping, not an error.
func TestHandleMsgDisconnectedSinkCountsDrops(t *testing.T) {
	h := newTestHop(t, 0)
	id, sinkRx, _ := beginTestStream(t, h)
	sinkRx.Disconnect()

	_, err := h.HandleMsg(true, id, Msg{Cmd: CmdConnected})
	require.NoError(t, err)
	_, err = h.HandleMsg(true, id, Msg{Cmd: CmdData})
	require.NoError(t, err)

	m := h.StreamMap().Lock()
	ent, ok := m.GetOpen(id)
	h.StreamMap().Unlock()
	require.True(t, ok)
	require.Equal(t, uint32(2), ent.Dropped)
}

// TestHandleMsgUnknownStream verifies a message for a stream that never
// existed is circuit-fatal.
func TestHandleMsgUnknownStream(t *testing.T) {
	h := newTestHop(t, 0)
	_, err := h.HandleMsg(true, 999, Msg{Cmd: CmdData})
	require.ErrorIs(t, err, ErrProtocol)
}

// TestHandleMsgIncomingRequestPassback verifies service-side handling: a
// BEGIN for an unknown stream is handed back untouched.
func TestHandleMsgIncomingRequestPassback(t *testing.T) {
	h := newTestHop(t, 0)
	msg := Msg{Cmd: CmdBegin, Body: []byte("example.com:80")}
	passback, err := h.HandleMsg(true, 77, msg)
	require.NoError(t, err)
	require.NotNil(t, passback)
	require.Equal(t, msg, *passback)
}

// TestHandleMsgBeginOnEndSentStream verifies the half-open accommodation: a
// peer reusing the ID for a fresh request before acknowledging our END gets
// the old entry torn down and the request handed back.
func TestHandleMsgBeginOnEndSentStream(t *testing.T) {
	h := newTestHop(t, 0)
	id, _, _ := beginTestStream(t, h)

	endCell, err := h.CloseStream(id, DefaultCloseStreamBehavior(), TerminateExplicitEnd)
	require.NoError(t, err)
	require.NotNil(t, endCell)

	passback, err := h.HandleMsg(true, id, Msg{Cmd: CmdBeginDir})
	require.NoError(t, err)
	require.NotNil(t, passback)
	require.Equal(t, CmdBeginDir, passback.Cmd)

	// The old entry is gone; the ID is free again.
	m := h.StreamMap().Lock()
	ent := m.Get(id)
	h.StreamMap().Unlock()
	require.Nil(t, ent)
}

// TestHandleMsgHalfStreamEnd verifies a peer END on an end-sent stream
// finishes the teardown without a passback.
func TestHandleMsgHalfStreamEnd(t *testing.T) {
	h := newTestHop(t, 0)
	id, _, _ := beginTestStream(t, h)

	_, err := h.CloseStream(id, DefaultCloseStreamBehavior(), TerminateExplicitEnd)
	require.NoError(t, err)

	passback, err := h.HandleMsg(true, id, Msg{Cmd: CmdEnd, Body: End{Reason: ReasonDone}.Marshal()})
	require.NoError(t, err)
	require.Nil(t, passback)

	m := h.StreamMap().Lock()
	ent := m.Get(id)
	h.StreamMap().Unlock()
	require.Nil(t, ent, "stream fully torn down after both ENDs")
}

// TestCloseStreamSendsEndWithReason exercises the case where closing a stream
// the peer has not ended produces an END cell with the supplied reason.
func TestCloseStreamSendsEndWithReason(t *testing.T) {
	h := newTestHop(t, 3)
	id, _, _ := beginTestStream(t, h)

	behavior := CloseStreamBehavior{End: End{Reason: ReasonTimeout}}
	cell, err := h.CloseStream(id, behavior, TerminateExplicitEnd)
	require.NoError(t, err)
	require.NotNil(t, cell)
	require.Equal(t, HopNum(3), cell.Hop)
	require.Equal(t, id, cell.Cell.StreamID)
	require.Equal(t, CmdEnd, cell.Cell.Msg.Cmd)

	end, err := ParseEnd(cell.Cell.Msg.Body)
	require.NoError(t, err)
	require.Equal(t, ReasonTimeout, end.Reason)
}

// TestCloseStreamAfterPeerEnd verifies no END is emitted when the peer's END
// was already seen.
func TestCloseStreamAfterPeerEnd(t *testing.T) {
	h := newTestHop(t, 0)
	id, _, _ := beginTestStream(t, h)

	require.NoError(t, h.EndingMsgReceived(id))

	cell, err := h.CloseStream(id, DefaultCloseStreamBehavior(), TerminateExplicitEnd)
	require.NoError(t, err)
	require.Nil(t, cell)
}

// TestCloseStreamSendNothing verifies the suppressing behavior.
func TestCloseStreamSendNothing(t *testing.T) {
	h := newTestHop(t, 0)
	id, _, _ := beginTestStream(t, h)

	cell, err := h.CloseStream(id, CloseStreamBehavior{SendNothing: true}, TerminateExplicitEnd)
	require.NoError(t, err)
	require.Nil(t, cell)
}

// TestSetStreamMapRequiresNoOpenStreams verifies the checked precondition on
// joining a hop to a shared conflux stream space.
func TestSetStreamMapRequiresNoOpenStreams(t *testing.T) {
	h := newTestHop(t, 2)
	beginTestStream(t, h)

	err := h.SetStreamMap(NewSharedStreamMap())
	require.ErrorIs(t, err, ErrInternal)

	fresh := newTestHop(t, 2)
	shared := NewSharedStreamMap()
	require.NoError(t, fresh.SetStreamMap(shared))
	require.Same(t, shared, fresh.StreamMap())
}

// TestXonXoffHopFlowControlFlavor verifies the per-hop flow control choice:
// with stream SENDMEs disabled, a stream SENDME from the peer is a protocol
// violation.
func TestXonXoffHopFlowControlFlavor(t *testing.T) {
	settings := &HopSettings{
		CCtrl: &CongestionControlConfig{
			SendWindowInit:      SendWindowInit,
			SendWindowIncrement: SendWindowIncrement,
			StreamSendme:        false,
		},
	}
	h := NewHop(NextUniqID(), 1, FormatV0, settings)
	sinkTx, _ := NewMsgQueue(8)
	_, outRx := NewMsgQueue(8)
	_, id, err := h.BeginStream(Msg{Cmd: CmdBegin}, sinkTx, outRx, NewDataCmdChecker())
	require.NoError(t, err)

	_, err = h.HandleMsg(true, id, Msg{Cmd: CmdSendme})
	require.ErrorIs(t, err, ErrProtocol)
}

// TestTakeCapacityOnUnknownStream verifies sending on a non-open stream is
// rejected.
func TestTakeCapacityOnUnknownStream(t *testing.T) {
	h := newTestHop(t, 0)
	err := h.TakeCapacityToSend(123, Msg{Cmd: CmdData})
	require.ErrorIs(t, err, ErrProtocol)
}
