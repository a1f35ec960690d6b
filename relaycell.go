package tunnel

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// StreamID identifies one logical stream within a hop. Zero means the message
// is not addressed to any stream (circuit-level control traffic).
type StreamID uint16

// HopNum is the position of a relay in the circuit path, zero-based from the
// local client's perspective.
type HopNum uint8

// RelayCmd is the command byte of a relay message.
type RelayCmd uint8

// Relay commands interpreted by this package. The numeric values are the
// ones used on the wire by the onion-routing relay protocol.
const (
	// CmdBegin opens a new outbound stream (new-stream request).
	CmdBegin RelayCmd = 1
	// CmdData carries stream payload.
	CmdData RelayCmd = 2
	// CmdEnd closes a stream, carrying a one-byte reason.
	CmdEnd RelayCmd = 3
	// CmdConnected acknowledges a BEGIN.
	CmdConnected RelayCmd = 4
	// CmdSendme is a flow-control acknowledgment; never forwarded to streams.
	CmdSendme RelayCmd = 5
	// CmdResolve requests a hostname lookup (new-stream request).
	CmdResolve RelayCmd = 11
	// CmdResolved answers a RESOLVE.
	CmdResolved RelayCmd = 12
	// CmdBeginDir opens a directory stream (new-stream request).
	CmdBeginDir RelayCmd = 13
	// CmdConfluxLink starts the multipath link handshake (server-bound).
	CmdConfluxLink RelayCmd = 19
	// CmdConfluxLinked answers a LINK (client-bound).
	CmdConfluxLinked RelayCmd = 20
	// CmdConfluxLinkedAck acknowledges a LINKED (server-bound).
	CmdConfluxLinkedAck RelayCmd = 21
	// CmdConfluxSwitch moves traffic to another leg of a linked tunnel.
	CmdConfluxSwitch RelayCmd = 22
)

// String returns the protocol name of the command.
func (c RelayCmd) String() string {
	switch c {
	case CmdBegin:
		return "BEGIN"
	case CmdData:
		return "DATA"
	case CmdEnd:
		return "END"
	case CmdConnected:
		return "CONNECTED"
	case CmdSendme:
		return "SENDME"
	case CmdResolve:
		return "RESOLVE"
	case CmdResolved:
		return "RESOLVED"
	case CmdBeginDir:
		return "BEGIN_DIR"
	case CmdConfluxLink:
		return "CONFLUX_LINK"
	case CmdConfluxLinked:
		return "CONFLUX_LINKED"
	case CmdConfluxLinkedAck:
		return "CONFLUX_LINKED_ACK"
	case CmdConfluxSwitch:
		return "CONFLUX_SWITCH"
	default:
		return fmt.Sprintf("CMD_%d", uint8(c))
	}
}

// IsStreamRequest reports whether the command opens a new incoming stream
// (only meaningful when running as an onion service).
func (c RelayCmd) IsStreamRequest() bool {
	return c == CmdBegin || c == CmdBeginDir || c == CmdResolve
}

// CountsTowardStreamWindow reports whether a message with this command
// consumes stream-level flow-control capacity. Only DATA does.
func (c RelayCmd) CountsTowardStreamWindow() bool {
	return c == CmdData
}

// Msg is a relay message whose body has not yet been interpreted. The stream
// addressing, if any, travels separately in MsgOuter.
type Msg struct {
	Cmd  RelayCmd
	Body []byte
}

// MsgOuter is a relay message together with its stream addressing, ready to
// be encoded into (or freshly decoded from) a relay cell.
type MsgOuter struct {
	// StreamID is zero for circuit-level messages.
	StreamID StreamID
	Msg      Msg
}

// EndReason is the one-byte reason carried by an END message.
type EndReason uint8

// END reasons. ReasonMisc is the default when no more specific reason applies.
const (
	ReasonMisc           EndReason = 1
	ReasonResolveFailed  EndReason = 2
	ReasonConnectRefused EndReason = 3
	ReasonExitPolicy     EndReason = 4
	ReasonDestroy        EndReason = 5
	ReasonDone           EndReason = 6
	ReasonTimeout        EndReason = 7
)

// End is the payload of an END message.
type End struct {
	Reason EndReason
}

// Marshal serializes the END payload: a single reason byte. A zero reason is
// normalized to ReasonMisc.
func (e End) Marshal() []byte {
	reason := e.Reason
	if reason == 0 {
		reason = ReasonMisc
	}
	return []byte{byte(reason)}
}

// ParseEnd parses an END payload. An empty body is accepted and read as
// ReasonMisc, which old implementations still send.
func ParseEnd(body []byte) (End, error) {
	if len(body) == 0 {
		return End{Reason: ReasonMisc}, nil
	}
	return End{Reason: EndReason(body[0])}, nil
}

// SendmeTagLen is the length of the authenticating tag in a SENDME v1 payload.
const SendmeTagLen = 20

// SendmeTag is the digest of the cell a SENDME v1 acknowledges. The sender
// records the expected tag when it crosses a window boundary and checks it
// when the SENDME arrives.
type SendmeTag [SendmeTagLen]byte

// Sendme is the payload of a SENDME message. Version 0 sendmes carry no tag;
// version 1 sendmes authenticate the acknowledged cell.
type Sendme struct {
	Version uint8
	Tag     SendmeTag
}

// Marshal serializes a SENDME payload.
//
// Version 1 format (all integers big-endian):
//   - Version: 1 byte
//   - DataLen: 2 bytes (always 20)
//   - Tag: 20 bytes
//
// Version 0 sendmes have an empty payload.
func (s Sendme) Marshal() []byte {
	if s.Version == 0 {
		return nil
	}
	buf := make([]byte, 0, 3+SendmeTagLen)
	buf = append(buf, s.Version)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], SendmeTagLen)
	buf = append(buf, tmp[:]...)
	buf = append(buf, s.Tag[:]...)
	return buf
}

// ParseSendme parses a SENDME payload. An empty body is a version 0 sendme.
func ParseSendme(body []byte) (Sendme, error) {
	if len(body) == 0 {
		return Sendme{Version: 0}, nil
	}
	if body[0] != 1 {
		return Sendme{}, fmt.Errorf("unknown SENDME version %d", body[0])
	}
	if len(body) < 3 {
		return Sendme{}, fmt.Errorf("SENDME payload too short: got %d bytes, need at least 3", len(body))
	}
	dataLen := binary.BigEndian.Uint16(body[1:3])
	if dataLen != SendmeTagLen || len(body) < 3+SendmeTagLen {
		return Sendme{}, fmt.Errorf("bad SENDME tag length %d", dataLen)
	}
	s := Sendme{Version: 1}
	copy(s.Tag[:], body[3:3+SendmeTagLen])
	return s, nil
}

// NonceLen is the length of a conflux link nonce.
const NonceLen = 32

// Nonce proves ownership of a conflux leg during the link handshake. It is
// the load-bearing defense against forged or replayed LINKED cells.
type Nonce [NonceLen]byte

// NewNonce returns a fresh random nonce.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, fmt.Errorf("generate conflux nonce: %w", err)
	}
	return n, nil
}

// confluxLinkVersion is the only link payload version this package speaks.
const confluxLinkVersion = 1

// confluxLinkPayloadLen is version(1) + nonce(32) + two u64 seqnos.
const confluxLinkPayloadLen = 1 + NonceLen + 8 + 8

// ConfluxLink is the payload of a CONFLUX_LINK or CONFLUX_LINKED message.
// Both directions use the same layout.
type ConfluxLink struct {
	Nonce         Nonce
	LastSeqnoSent uint64
	LastSeqnoRecv uint64
}

// Marshal serializes a LINK/LINKED payload.
//
// Format (big-endian):
//   - Version: 1 byte (always 1)
//   - Nonce: 32 bytes
//   - LastSeqnoSent: 8 bytes
//   - LastSeqnoRecv: 8 bytes
func (l ConfluxLink) Marshal() []byte {
	buf := make([]byte, 0, confluxLinkPayloadLen)
	buf = append(buf, confluxLinkVersion)
	buf = append(buf, l.Nonce[:]...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], l.LastSeqnoSent)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], l.LastSeqnoRecv)
	buf = append(buf, tmp[:]...)
	return buf
}

// ParseConfluxLink parses a LINK/LINKED payload.
func ParseConfluxLink(body []byte) (ConfluxLink, error) {
	if len(body) < confluxLinkPayloadLen {
		return ConfluxLink{}, fmt.Errorf("conflux link payload too short: got %d bytes, need %d",
			len(body), confluxLinkPayloadLen)
	}
	if body[0] != confluxLinkVersion {
		return ConfluxLink{}, fmt.Errorf("unknown conflux link version %d", body[0])
	}
	var l ConfluxLink
	offset := 1
	copy(l.Nonce[:], body[offset:offset+NonceLen])
	offset += NonceLen
	l.LastSeqnoSent = binary.BigEndian.Uint64(body[offset:])
	offset += 8
	l.LastSeqnoRecv = binary.BigEndian.Uint64(body[offset:])
	return l, nil
}

// ConfluxLinkedAck is the (empty) payload of a CONFLUX_LINKED_ACK message.
type ConfluxLinkedAck struct{}

// Marshal serializes a LINKED_ACK payload.
func (ConfluxLinkedAck) Marshal() []byte {
	return nil
}

// ConfluxSwitch is the payload of a CONFLUX_SWITCH message.
type ConfluxSwitch struct {
	// Seqno is the relative sequence delta to apply to the receiving leg.
	Seqno uint32
}

// Marshal serializes a SWITCH payload: the 4-byte relative seqno, big-endian.
func (s ConfluxSwitch) Marshal() []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], s.Seqno)
	return buf[:]
}

// ParseConfluxSwitch parses a SWITCH payload.
func ParseConfluxSwitch(body []byte) (ConfluxSwitch, error) {
	if len(body) < 4 {
		return ConfluxSwitch{}, fmt.Errorf("SWITCH payload too short: got %d bytes, need 4", len(body))
	}
	return ConfluxSwitch{Seqno: binary.BigEndian.Uint32(body[:4])}, nil
}
