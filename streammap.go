package tunnel

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog/log"
)

// maxStreamID bounds the number of concurrently-live stream IDs per hop.
const maxStreamID = 0xFFFF

// ShouldSendEnd is Terminate's verdict on whether an END cell is owed to the
// peer. No END is owed when the peer's own END was already seen.
type ShouldSendEnd bool

const (
	// SendEnd means the peer has not ended the stream, so we should.
	SendEnd ShouldSendEnd = true
	// DontSendEnd means the peer already ended the stream.
	DontSendEnd ShouldSendEnd = false
)

// TerminateReason records why a stream is being terminated locally. It only
// feeds log output.
type TerminateReason int

const (
	// TerminateExplicitEnd: the local consumer asked for the stream to close.
	TerminateExplicitEnd TerminateReason = iota
	// TerminateStreamTargetClosed: the stream's writer hung up.
	TerminateStreamTargetClosed
)

// String returns a short name for the reason.
func (r TerminateReason) String() string {
	switch r {
	case TerminateExplicitEnd:
		return "explicit end"
	case TerminateStreamTargetClosed:
		return "stream target closed"
	default:
		return fmt.Sprintf("reason %d", int(r))
	}
}

// streamEnt is one entry in a StreamMap: open, half-closed after a local END,
// or half-closed after the peer's END.
type streamEnt interface {
	isStreamEnt()
}

// OpenStreamEnt is a fully-open stream.
type OpenStreamEnt struct {
	// Sink carries inbound messages to the stream's local reader.
	Sink *MsgSender
	// rx yields the stream's outbound messages to the multiplexer.
	rx *MsgReceiver
	// flowCtrl gates outbound sends on this stream.
	flowCtrl *StreamSendFlowControl
	// CmdChecker validates the inbound message sequence.
	CmdChecker CmdChecker
	// Dropped counts inbound cells discarded because the local reader went
	// away. The count survives into the half-stream on close.
	Dropped uint32
}

func (*OpenStreamEnt) isStreamEnt() {}

// CanSend reports whether msg could be sent on this stream right now.
func (e *OpenStreamEnt) CanSend(msg Msg) bool {
	return e.flowCtrl.CanSend(msg)
}

// TakeCapacityToSend consumes flow-control capacity for sending msg.
func (e *OpenStreamEnt) TakeCapacityToSend(msg Msg) error {
	return e.flowCtrl.TakeCapacityToSend(msg)
}

// PutForIncomingSendme accounts for a stream SENDME received on this stream.
func (e *OpenStreamEnt) PutForIncomingSendme() error {
	return e.flowCtrl.PutForIncomingSendme()
}

// EndSentStreamEnt is a stream we have ended but the peer has not.
type EndSentStreamEnt struct {
	// Half validates whatever the peer still sends.
	Half *HalfStream
}

func (*EndSentStreamEnt) isStreamEnt() {}

// endRecvdStreamEnt is a stream the peer has ended but the local side has not
// yet closed. The entry pins the ID until the local close happens.
type endRecvdStreamEnt struct{}

func (*endRecvdStreamEnt) isStreamEnt() {}

// StreamMap is one hop's table of logical streams. It allocates stream IDs,
// tracks each stream's half-closed state, and hands the multiplexer one
// ready-to-send stream at a time in round-robin order.
//
// StreamMap is not safe for concurrent use; the owning hop keeps it behind a
// SharedStreamMap lock.
type StreamMap struct {
	ents map[StreamID]streamEnt
	// order lists open stream IDs in insertion order; rrNext points at the
	// stream that round-robin scheduling will consider first.
	order  []StreamID
	rrNext int
	nextID StreamID
}

// NewStreamMap creates an empty stream map. The first stream ID is drawn at
// random so IDs are not predictable across circuits.
func NewStreamMap() *StreamMap {
	return &StreamMap{
		ents:   make(map[StreamID]streamEnt),
		nextID: randomStreamID(),
	}
}

// randomStreamID returns a random non-zero starting point for ID allocation.
func randomStreamID() StreamID {
	for {
		var buf [2]byte
		if _, err := rand.Read(buf[:]); err != nil {
			// The system RNG failing is unrecoverable anyway; fall back to a
			// fixed start rather than propagate an error nobody can handle.
			return 1
		}
		id := StreamID(binary.BigEndian.Uint16(buf[:]))
		if id != 0 {
			return id
		}
	}
}

// AddEnt creates a new open stream and returns its freshly-allocated ID. The
// ID is unique among all live entries and is not reused until the stream is
// fully torn down.
func (m *StreamMap) AddEnt(
	sink *MsgSender,
	rx *MsgReceiver,
	flowCtrl *StreamSendFlowControl,
	cmdChecker CmdChecker,
) (StreamID, error) {
	id, err := m.allocID()
	if err != nil {
		return 0, err
	}
	m.ents[id] = &OpenStreamEnt{
		Sink:       sink,
		rx:         rx,
		flowCtrl:   flowCtrl,
		CmdChecker: cmdChecker,
	}
	m.order = append(m.order, id)
	return id, nil
}

// AddEntWithID creates a new open stream under an ID chosen by the peer.
// Only an onion service accepts peer-chosen IDs, for streams the peer began.
func (m *StreamMap) AddEntWithID(
	sink *MsgSender,
	rx *MsgReceiver,
	flowCtrl *StreamSendFlowControl,
	id StreamID,
	cmdChecker CmdChecker,
) error {
	if id == 0 {
		return protoErrorf("peer requested a stream with ID zero")
	}
	if _, ok := m.ents[id]; ok {
		return protoErrorf("peer requested stream ID %d which is already in use", id)
	}
	m.ents[id] = &OpenStreamEnt{
		Sink:       sink,
		rx:         rx,
		flowCtrl:   flowCtrl,
		CmdChecker: cmdChecker,
	}
	m.order = append(m.order, id)
	return nil
}

// allocID finds the next free non-zero stream ID.
func (m *StreamMap) allocID() (StreamID, error) {
	for tries := 0; tries < maxStreamID; tries++ {
		id := m.nextID
		m.nextID++
		if id == 0 {
			continue
		}
		if _, inUse := m.ents[id]; !inUse {
			return id, nil
		}
	}
	return 0, fmt.Errorf("no free stream IDs on this hop")
}

// Get returns the entry for id, or nil if there is none.
func (m *StreamMap) Get(id StreamID) streamEnt {
	return m.ents[id]
}

// GetOpen returns the open entry for id, if the stream exists and is open.
func (m *StreamMap) GetOpen(id StreamID) (*OpenStreamEnt, bool) {
	ent, ok := m.ents[id].(*OpenStreamEnt)
	return ent, ok
}

// NOpenStreams returns the number of fully-open streams.
func (m *StreamMap) NOpenStreams() int {
	return len(m.order)
}

// Terminate ends the local side of stream id and reports whether an END cell
// is owed to the peer. An open stream becomes half-closed (we keep validating
// the peer's messages until its END arrives); a stream whose peer END was
// already seen is removed outright.
func (m *StreamMap) Terminate(id StreamID, why TerminateReason) (ShouldSendEnd, error) {
	switch ent := m.ents[id].(type) {
	case *OpenStreamEnt:
		ent.Sink.Close()
		ent.rx.Disconnect()
		m.ents[id] = &EndSentStreamEnt{Half: NewHalfStream(ent.CmdChecker, ent.Dropped)}
		m.removeFromOrder(id)
		log.Trace().
			Uint16("streamID", uint16(id)).
			Str("why", why.String()).
			Msg("terminated open stream, END owed to peer")
		return SendEnd, nil
	case *endRecvdStreamEnt:
		delete(m.ents, id)
		log.Trace().
			Uint16("streamID", uint16(id)).
			Str("why", why.String()).
			Msg("terminated stream already ended by peer")
		return DontSendEnd, nil
	case *EndSentStreamEnt:
		return DontSendEnd, internalErrorf("terminated stream %d twice", id)
	default:
		return DontSendEnd, internalErrorf("terminated nonexistent stream %d", id)
	}
}

// EndingMsgReceived records that the peer ended stream id (END, or another
// message its command checker treats as closing). An open stream keeps its
// entry (and ID) pinned until the local side closes too; a stream we already
// ended is now fully done and its entry is removed.
func (m *StreamMap) EndingMsgReceived(id StreamID) error {
	switch ent := m.ents[id].(type) {
	case *OpenStreamEnt:
		ent.Sink.Close()
		ent.rx.Disconnect()
		m.ents[id] = &endRecvdStreamEnt{}
		m.removeFromOrder(id)
		return nil
	case *EndSentStreamEnt:
		delete(m.ents, id)
		return nil
	case *endRecvdStreamEnt:
		return protoErrorf("received two ending messages on stream %d", id)
	default:
		return internalErrorf("ending message on nonexistent stream %d", id)
	}
}

// PollReady returns the next stream with something to do, round-robin across
// open streams. A ready nil message means the stream's writer is done and the
// stream should be closed. A non-nil message is only peeked; the caller
// consumes it with TakeReadyMsg once it has decided to send. Streams without
// flow-control headroom for their next message are skipped.
func (m *StreamMap) PollReady() (StreamID, *Msg, bool) {
	n := len(m.order)
	if n == 0 {
		return 0, nil, false
	}
	for i := 0; i < n; i++ {
		idx := (m.rrNext + i) % n
		id := m.order[idx]
		ent, ok := m.ents[id].(*OpenStreamEnt)
		if !ok {
			// order only holds open streams
			continue
		}
		msg, ready := ent.rx.Peek()
		if !ready {
			continue
		}
		if msg != nil && !ent.flowCtrl.CanSend(*msg) {
			continue
		}
		m.rrNext = (idx + 1) % n
		return id, msg, true
	}
	return 0, nil, false
}

// TakeReadyMsg consumes the message PollReady peeked on stream id.
func (m *StreamMap) TakeReadyMsg(id StreamID) (Msg, error) {
	ent, ok := m.GetOpen(id)
	if !ok {
		return Msg{}, internalErrorf("ready stream %d disappeared", id)
	}
	msg, ok := ent.rx.TryRecv()
	if !ok {
		return Msg{}, internalErrorf("ready message on stream %d disappeared", id)
	}
	return msg, nil
}

// removeFromOrder drops id from the round-robin rotation.
func (m *StreamMap) removeFromOrder(id StreamID) {
	for i, other := range m.order {
		if other != id {
			continue
		}
		m.order = append(m.order[:i], m.order[i+1:]...)
		if m.rrNext > i {
			m.rrNext--
		}
		if len(m.order) > 0 {
			m.rrNext %= len(m.order)
		} else {
			m.rrNext = 0
		}
		return
	}
}
