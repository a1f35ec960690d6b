// Package tunnel implements the data plane of an onion-routing circuit: the
// per-hop stream multiplexer with flow and congestion control, and the
// client-side conflux state machine that links several circuit legs into one
// logical multipath tunnel.
//
// The package does no I/O of its own. An external reactor owns the network
// channel, decrypts inbound relay cells, feeds them to Hop.Decode and
// Hop.HandleMsg, polls HopList.ReadyStreamCommands for outbound work, and
// executes the CircuitCmd values this package produces. Everything here runs
// on the reactor's single logical task; the only lock is each hop's stream
// map mutex, held for short non-blocking critical sections so the fairness
// pass can touch every hop in turn.
package tunnel

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// SharedStreamMap is a stream map behind a mutex. The multiplexer polls every
// hop's map during a fairness pass without holding any other hop's lock, and
// the last hop of a conflux tunnel shares one map across all legs; both need
// the map to carry its own lock. The lock is never held across anything that
// blocks.
type SharedStreamMap struct {
	mu sync.Mutex
	m  *StreamMap
}

// NewSharedStreamMap creates a shared map around a fresh StreamMap.
func NewSharedStreamMap() *SharedStreamMap {
	return &SharedStreamMap{m: NewStreamMap()}
}

// Lock locks the map and returns it. The caller must call Unlock when done
// and must not let the map escape the critical section.
func (s *SharedStreamMap) Lock() *StreamMap {
	s.mu.Lock()
	return s.m
}

// Unlock releases the map lock.
func (s *SharedStreamMap) Unlock() {
	s.mu.Unlock()
}

// Hop is the reactor's view of one relay in the circuit path. It owns the
// hop's stream map, its congestion control, and its inbound cell decoder.
// Hops are created when the circuit is extended and live as long as the
// circuit.
type Hop struct {
	// circID tags log lines; see UniqID.
	circID UniqID
	num    HopNum

	// smap is shared with the other legs' join-point hops when this hop is
	// the join point of a conflux tunnel; every other hop owns its map
	// exclusively.
	smap     *SharedStreamMap
	ccontrol *CongestionControl
	inbound  *RelayCellDecoder
	format   RelayCellFormat
}

// NewHop creates the hop at position num of circuit circID.
func NewHop(circID UniqID, num HopNum, format RelayCellFormat, settings *HopSettings) *Hop {
	if settings == nil {
		settings = DefaultHopSettings()
	}
	return &Hop{
		circID:   circID,
		num:      num,
		smap:     NewSharedStreamMap(),
		ccontrol: NewCongestionControl(settings.CCtrl),
		inbound:  NewRelayCellDecoder(format),
		format:   format,
	}
}

// Num returns the hop's position in the path.
func (h *Hop) Num() HopNum {
	return h.num
}

// Format returns the relay cell format used with this hop.
func (h *Hop) Format() RelayCellFormat {
	return h.format
}

// CCtrl returns the hop's congestion control object.
func (h *Hop) CCtrl() *CongestionControl {
	return h.ccontrol
}

// StreamMap returns the hop's shared stream map, for wiring a conflux join
// point.
func (h *Hop) StreamMap() *SharedStreamMap {
	return h.smap
}

// SetStreamMap replaces the hop's stream map with smap, for joining this hop
// to a conflux tunnel's shared stream space. Replacing a map that still has
// open streams would silently orphan them, so that is rejected as an internal
// error.
func (h *Hop) SetStreamMap(smap *SharedStreamMap) error {
	if h.NOpenStreams() != 0 {
		return internalErrorf("tried to discard a stream map with open streams")
	}
	h.smap = smap
	return nil
}

// NOpenStreams returns the number of open streams on this hop.
//
// This locks the stream map: never call it while the map is already locked,
// including from inside a HopList fairness pass.
func (h *Hop) NOpenStreams() int {
	m := h.smap.Lock()
	defer h.smap.Unlock()
	return m.NOpenStreams()
}

// buildSendFlowCtrl picks the flow-control flavor for a new stream. The
// choice is fixed per hop: either every stream uses stream SENDMEs or none
// does, depending on the hop's congestion control.
func (h *Hop) buildSendFlowCtrl() *StreamSendFlowControl {
	if h.ccontrol.UsesStreamSendme() {
		return NewWindowBasedFlowControl(NewStreamSendWindow(StreamSendWindowInit))
	}
	return NewXonXoffBasedFlowControl()
}

// BeginStream opens a new stream on this hop. It allocates a stream ID,
// registers the stream's channels in the map, and returns the cell carrying
// message (typically a BEGIN, BEGIN_DIR, or RESOLVE) to this hop.
func (h *Hop) BeginStream(
	message Msg,
	sink *MsgSender,
	rx *MsgReceiver,
	cmdChecker CmdChecker,
) (SendRelayCell, StreamID, error) {
	flowCtrl := h.buildSendFlowCtrl()
	m := h.smap.Lock()
	id, err := m.AddEnt(sink, rx, flowCtrl, cmdChecker)
	h.smap.Unlock()
	if err != nil {
		return SendRelayCell{}, 0, err
	}
	log.Debug().
		Uint64("circID", uint64(h.circID)).
		Uint8("hop", uint8(h.num)).
		Uint16("streamID", uint16(id)).
		Str("cmd", message.Cmd.String()).
		Msg("beginning stream")
	cell := SendRelayCell{
		Hop:  h.num,
		Cell: MsgOuter{StreamID: id, Msg: message},
	}
	return cell, id, nil
}

// AddEntWithID registers a stream under a peer-chosen ID, for incoming
// streams accepted while running as an onion service.
func (h *Hop) AddEntWithID(
	sink *MsgSender,
	rx *MsgReceiver,
	id StreamID,
	cmdChecker CmdChecker,
) error {
	flowCtrl := h.buildSendFlowCtrl()
	m := h.smap.Lock()
	defer h.smap.Unlock()
	return m.AddEntWithID(sink, rx, flowCtrl, id, cmdChecker)
}

// CloseStream ends the local side of stream id. If the peer has not already
// ended the stream and behavior allows it, the returned cell is the END to
// send; otherwise nil.
func (h *Hop) CloseStream(
	id StreamID,
	behavior CloseStreamBehavior,
	why TerminateReason,
) (*SendRelayCell, error) {
	m := h.smap.Lock()
	shouldSend, err := m.Terminate(id, why)
	h.smap.Unlock()
	if err != nil {
		return nil, err
	}
	log.Trace().
		Uint64("circID", uint64(h.circID)).
		Uint16("streamID", uint16(id)).
		Bool("shouldSendEnd", bool(shouldSend)).
		Msg("ending stream")
	if shouldSend == SendEnd && !behavior.SendNothing {
		cell := &SendRelayCell{
			Hop:  h.num,
			Cell: MsgOuter{StreamID: id, Msg: Msg{Cmd: CmdEnd, Body: behavior.End.Marshal()}},
		}
		return cell, nil
	}
	return nil, nil
}

// EndingMsgReceived records that the peer ended stream id.
func (h *Hop) EndingMsgReceived(id StreamID) error {
	m := h.smap.Lock()
	defer h.smap.Unlock()
	return m.EndingMsgReceived(id)
}

// TakeCapacityToSend consumes stream-level flow-control capacity for sending
// msg on stream id. The stream must exist and be open.
func (h *Hop) TakeCapacityToSend(id StreamID, msg Msg) error {
	m := h.smap.Lock()
	defer h.smap.Unlock()
	ent, ok := m.GetOpen(id)
	if !ok {
		log.Warn().
			Uint64("circID", uint64(h.circID)).
			Uint16("streamID", uint16(id)).
			Msg("sending a relay cell for non-existent or non-open stream")
		return protoErrorf("tried to send a relay cell on non-open stream %d", id)
	}
	return ent.TakeCapacityToSend(msg)
}

// Decode feeds one raw relay cell body through the hop's stateful decoder.
// The caller has already done the cryptographic unwrapping.
func (h *Hop) Decode(body []byte) (DecoderResult, error) {
	return h.inbound.Decode(body)
}

// HandleMsg delivers msg to stream id on this hop. countsTowardWindows is
// false for messages exempt from flow-control accounting.
//
// The message is handed back to the caller (non-nil return) when it is a
// fresh incoming stream request that the calling code must establish a stream
// for; this only happens when running as an onion service.
func (h *Hop) HandleMsg(countsTowardWindows bool, id StreamID, msg Msg) (*Msg, error) {
	m := h.smap.Lock()
	defer h.smap.Unlock()

	switch ent := m.Get(id).(type) {
	case *OpenStreamEnt:
		closes, err := h.deliverMsgToStream(id, ent, countsTowardWindows, msg)
		if err != nil {
			return nil, err
		}
		if closes {
			if err := m.EndingMsgReceived(id); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case *EndSentStreamEnt:
		if msg.Cmd.IsStreamRequest() {
			// The peer is reusing the ID for a new request without having
			// acknowledged our END. Tear down the old entry and let the
			// caller handle the request as a fresh incoming stream.
			if err := m.EndingMsgReceived(id); err != nil {
				return nil, err
			}
			return &msg, nil
		}
		status, err := ent.Half.HandleMsg(msg)
		if err != nil {
			return nil, err
		}
		if status == StreamClosed {
			if err := m.EndingMsgReceived(id); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case nil:
		if msg.Cmd.IsStreamRequest() {
			return &msg, nil
		}
		return nil, protoErrorf("received %s cell on nonexistent stream %d", msg.Cmd, id)

	default:
		// Peer already ended this stream; anything further is misbehavior.
		return nil, protoErrorf("received %s cell on closed stream %d", msg.Cmd, id)
	}
}

// deliverMsgToStream hands msg to the open stream entry ent. SENDMEs are
// absorbed here: a stream that is not reading would otherwise never observe
// them, and the window accounting must happen regardless. Returns whether the
// message closes the stream.
func (h *Hop) deliverMsgToStream(
	id StreamID,
	ent *OpenStreamEnt,
	countsTowardWindows bool,
	msg Msg,
) (bool, error) {
	if msg.Cmd == CmdSendme {
		if _, err := ParseSendme(msg.Body); err != nil {
			return false, protoErrorf("bad stream SENDME on stream %d: %v", id, err)
		}
		if err := ent.PutForIncomingSendme(); err != nil {
			return false, err
		}
		return false, nil
	}

	status, err := ent.CmdChecker.CheckMsg(msg)
	if err != nil {
		return false, err
	}

	if err := ent.Sink.TrySend(msg); err != nil {
		switch {
		case err == ErrQueueFull:
			// Either a local logic bug, or the peer sent more cells than
			// flow control entitles it to.
			return false, protoErrorf("stream sink would block; received too many cells on stream %d", id)
		case err == ErrQueueDisconnected && countsTowardWindows:
			// The local consumer is gone; remember the cell for half-stream
			// accounting instead of failing the circuit.
			ent.Dropped++
		}
	}

	return status == StreamClosed, nil
}
