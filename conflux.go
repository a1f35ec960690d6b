package tunnel

import (
	"time"

	"github.com/rs/zerolog/log"
)

// ConfluxStatus is the externally-visible link state of one circuit leg.
type ConfluxStatus int

const (
	// StatusUnlinked: no LINK has been sent on this leg.
	StatusUnlinked ConfluxStatus = iota
	// StatusPending: LINK sent, waiting for LINKED.
	StatusPending
	// StatusLinked: the handshake completed; the leg carries tunnel data.
	StatusLinked
)

// String returns a short name for the status.
func (s ConfluxStatus) String() string {
	switch s {
	case StatusUnlinked:
		return "UNLINKED"
	case StatusPending:
		return "PENDING"
	case StatusLinked:
		return "LINKED"
	default:
		return "UNKNOWN"
	}
}

// confluxState is the internal link state machine. It only ever advances
// Unlinked -> AwaitingLink -> Linked.
type confluxState int

const (
	stateUnlinked confluxState = iota
	stateAwaitingLink
	stateLinked
)

// linkTimeout is how long after sending LINK the handshake may wait for the
// LINKED reply before the owning reactor must give up on the leg.
const linkTimeout = 60 * time.Second

// saturatedRTT stands in for the measured handshake RTT when the wall clock
// went backwards across the measurement.
const saturatedRTT = time.Duration(1<<63 - 1)

// ConfluxMsgHandler is the per-leg state machine for one role of the conflux
// link protocol.
type ConfluxMsgHandler interface {
	// ValidateSourceHop rejects conflux cells from any hop other than the
	// leg's designated join point.
	ValidateSourceHop(msg Msg, hop HopNum) error
	// HandleMsg processes one conflux cell from the given hop, returning a
	// command for the reactor when one is needed.
	HandleMsg(msg Msg, hop HopNum) (CircuitCmd, error)
	// Status returns the leg's link state.
	Status() ConfluxStatus
	// NoteLinkSent records that a LINK cell went out at ts.
	NoteLinkSent(ts time.Time) error
	// HandshakeTimeout returns the wall-clock deadline for the handshake;
	// ok is false until a LINK has been sent.
	HandshakeTimeout() (deadline time.Time, ok bool)
	// InitRTT returns the handshake round-trip time, once measured.
	InitRTT() (time.Duration, bool)
	// LastSeqRecv returns the leg's relative received-sequence counter.
	LastSeqRecv() uint64
	// LastSeqSent returns the leg's relative sent-sequence counter.
	LastSeqSent() uint64
	// IncLastSeqRecv counts one multiplexed data cell received on this leg.
	IncLastSeqRecv()
	// IncLastSeqSent counts one multiplexed data cell sent on this leg.
	IncLastSeqSent()
}

// ClientConfluxMsgHandler is the client-role conflux handler for one leg.
// The client sends LINK, accepts LINKED (nonce-checked) and SWITCH, and
// rejects the server-bound LINK and LINKED_ACK unconditionally.
type ClientConfluxMsgHandler struct {
	state confluxState
	// nonce proves ownership of this leg's circuit set.
	nonce Nonce
	// joinPoint is the only hop allowed to send conflux cells on this leg.
	joinPoint HopNum

	// Handshake timing. linkSentOK guards linkSent; initRTTOK guards initRTT.
	linkSent   time.Time
	linkSentOK bool
	initRTT    time.Duration
	initRTTOK  bool
	clock      Clock

	// Relative sequence counters. The caller increments them once per
	// multiplexed data cell; SWITCH and handshake cells never count.
	lastSeqRecv uint64
	lastSeqSent uint64
}

var _ ConfluxMsgHandler = (*ClientConfluxMsgHandler)(nil)

// NewClientConfluxMsgHandler creates the client-side handler for a leg whose
// join point is at hop joinPoint. nonce is shared by every leg of the set.
func NewClientConfluxMsgHandler(joinPoint HopNum, nonce Nonce, clock Clock) *ClientConfluxMsgHandler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &ClientConfluxMsgHandler{
		state:     stateUnlinked,
		nonce:     nonce,
		joinPoint: joinPoint,
		clock:     clock,
	}
}

// ValidateSourceHop implements ConfluxMsgHandler.
func (h *ClientConfluxMsgHandler) ValidateSourceHop(msg Msg, hop HopNum) error {
	if hop != h.joinPoint {
		return protoErrorf("received %s cell from unexpected hop %d on client conflux circuit",
			msg.Cmd, hop)
	}
	return nil
}

// HandleMsg implements ConfluxMsgHandler.
func (h *ClientConfluxMsgHandler) HandleMsg(msg Msg, hop HopNum) (CircuitCmd, error) {
	switch msg.Cmd {
	case CmdConfluxLink:
		return h.handleConfluxLink(msg, hop)
	case CmdConfluxLinked:
		return h.handleConfluxLinked(msg, hop)
	case CmdConfluxLinkedAck:
		return h.handleConfluxLinkedAck(msg, hop)
	case CmdConfluxSwitch:
		return h.handleConfluxSwitch(msg, hop)
	default:
		return nil, internalErrorf("received non-conflux %s cell in conflux handler", msg.Cmd)
	}
}

// Status implements ConfluxMsgHandler.
func (h *ClientConfluxMsgHandler) Status() ConfluxStatus {
	switch h.state {
	case stateUnlinked:
		return StatusUnlinked
	case stateAwaitingLink:
		return StatusPending
	default:
		return StatusLinked
	}
}

// NoteLinkSent implements ConfluxMsgHandler. Sending LINK is only legal once,
// from the unlinked state; a second LINK is a local logic fault, not peer
// misbehavior.
func (h *ClientConfluxMsgHandler) NoteLinkSent(ts time.Time) error {
	if h.state != stateUnlinked {
		return internalErrorf("sent duplicate LINK cell")
	}
	h.state = stateAwaitingLink
	h.linkSent = ts
	h.linkSentOK = true
	log.Debug().
		Uint8("joinPoint", uint8(h.joinPoint)).
		Msg("conflux LINK sent, awaiting LINKED")
	return nil
}

// HandshakeTimeout implements ConfluxMsgHandler. The deadline is advisory:
// the owning reactor enforces it, this handler only computes it.
func (h *ClientConfluxMsgHandler) HandshakeTimeout() (time.Time, bool) {
	if !h.linkSentOK {
		return time.Time{}, false
	}
	return h.linkSent.Add(linkTimeout), true
}

// InitRTT implements ConfluxMsgHandler.
func (h *ClientConfluxMsgHandler) InitRTT() (time.Duration, bool) {
	return h.initRTT, h.initRTTOK
}

// LastSeqRecv implements ConfluxMsgHandler.
func (h *ClientConfluxMsgHandler) LastSeqRecv() uint64 {
	return h.lastSeqRecv
}

// LastSeqSent implements ConfluxMsgHandler.
func (h *ClientConfluxMsgHandler) LastSeqSent() uint64 {
	return h.lastSeqSent
}

// IncLastSeqRecv implements ConfluxMsgHandler.
func (h *ClientConfluxMsgHandler) IncLastSeqRecv() {
	h.lastSeqRecv++
}

// IncLastSeqSent implements ConfluxMsgHandler.
func (h *ClientConfluxMsgHandler) IncLastSeqSent() {
	h.lastSeqSent++
}

// handleConfluxLink rejects the server-bound LINK cell.
func (h *ClientConfluxMsgHandler) handleConfluxLink(msg Msg, hop HopNum) (CircuitCmd, error) {
	return nil, protoErrorf("unexpected %s cell from hop %d on client circuit", msg.Cmd, hop)
}

// handleConfluxLinkedAck rejects the server-bound LINKED_ACK cell.
func (h *ClientConfluxMsgHandler) handleConfluxLinkedAck(msg Msg, hop HopNum) (CircuitCmd, error) {
	return nil, protoErrorf("unexpected %s cell from hop %d on client circuit", msg.Cmd, hop)
}

// handleConfluxLinked processes the LINKED reply to our LINK. The caller has
// already validated the source hop.
//
// A LINKED is accepted only while awaiting one, and only with the exact nonce
// we sent in the LINK. Anything else is rejected without touching state: a
// forged or replayed LINKED that we tolerated would give an attacker a
// traffic-confirmation (dropmark) signal correlating the legs of a tunnel.
func (h *ClientConfluxMsgHandler) handleConfluxLinked(msg Msg, hop HopNum) (CircuitCmd, error) {
	if !h.linkSentOK || h.state == stateUnlinked {
		return nil, protoErrorf("received CONFLUX_LINKED cell before sending CONFLUX_LINK")
	}
	if h.state == stateLinked {
		return nil, protoErrorf("received CONFLUX_LINKED on already linked circuit")
	}

	linked, err := ParseConfluxLink(msg.Body)
	if err != nil {
		return nil, protoErrorf("bad CONFLUX_LINKED cell: %v", err)
	}
	if linked.Nonce != h.nonce {
		return nil, protoErrorf("received CONFLUX_LINKED cell with mismatched nonce")
	}
	h.state = stateLinked

	// The RTT between LINK and LINKED seeds the leg-selection logic. The
	// wall clock may have stepped backwards since the LINK went out; a
	// saturated measurement is better than a panic or a negative RTT.
	now := h.clock.Now()
	rtt := now.Sub(h.linkSent)
	if rtt < 0 {
		log.Warn().
			Time("linkSent", h.linkSent).
			Time("now", now).
			Msg("clock went backwards during conflux handshake; saturating initial RTT")
		rtt = saturatedRTT
	}
	h.initRTT = rtt
	h.initRTTOK = true

	log.Debug().
		Uint8("joinPoint", uint8(h.joinPoint)).
		Dur("initRTT", rtt).
		Msg("conflux leg linked")

	ack := SendRelayCell{
		Hop:  hop,
		Cell: MsgOuter{Msg: Msg{Cmd: CmdConfluxLinkedAck, Body: ConfluxLinkedAck{}.Marshal()}},
	}
	// ConfluxHandshakeCompleteCmd rather than SendCmd: besides flushing the
	// ack, the reactor must mark this leg usable for data.
	return ConfluxHandshakeCompleteCmd{Cell: ack}, nil
}

// handleConfluxSwitch processes a SWITCH moving traffic onto this leg. Only a
// linked leg may be switched to, and the relative sequence delta must be
// strictly positive: a zero-delta switch does nothing legitimate and would
// otherwise be a free side-channel signal.
func (h *ClientConfluxMsgHandler) handleConfluxSwitch(msg Msg, _ HopNum) (CircuitCmd, error) {
	if h.state != stateLinked {
		return nil, protoErrorf("received CONFLUX_SWITCH on unlinked circuit")
	}

	sw, err := ParseConfluxSwitch(msg.Body)
	if err != nil {
		return nil, protoErrorf("bad CONFLUX_SWITCH cell: %v", err)
	}
	if sw.Seqno == 0 {
		return nil, protoErrorf("received SWITCH cell with seqno = 0")
	}

	// SWITCH cells are out-of-band control, not multiplexed payload, so the
	// delta is applied without the +1 a data cell would get.
	h.lastSeqRecv += uint64(sw.Seqno)

	log.Trace().
		Uint32("relSeqno", sw.Seqno).
		Uint64("lastSeqRecv", h.lastSeqRecv).
		Msg("conflux switch applied")
	return nil, nil
}
