package tunnel

import (
	"github.com/rs/zerolog/log"
)

// Circuit-level congestion control constants, counted in relay cells.
const (
	// SendWindowInit is the initial hop-level send window.
	SendWindowInit uint32 = 1000
	// SendWindowIncrement is the credit granted by one circuit SENDME, and
	// the spacing at which expected SENDME tags are recorded.
	SendWindowIncrement uint32 = 100
)

// CongestionControlConfig configures a hop's congestion control.
type CongestionControlConfig struct {
	// SendWindowInit is the initial send window, in cells.
	SendWindowInit uint32
	// SendWindowIncrement is the per-SENDME credit, in cells.
	SendWindowIncrement uint32
	// StreamSendme selects window-based stream flow control for every stream
	// on the hop. When false, streams use XON/XOFF signals instead.
	StreamSendme bool
}

// DefaultCongestionControlConfig returns the classic fixed-window settings
// with stream-level SENDMEs enabled.
func DefaultCongestionControlConfig() *CongestionControlConfig {
	return &CongestionControlConfig{
		SendWindowInit:      SendWindowInit,
		SendWindowIncrement: SendWindowIncrement,
		StreamSendme:        true,
	}
}

// CongestionControl tracks how many window-counting cells may still be sent
// to one hop, and authenticates the SENDMEs that refill the window. Every
// SendWindowIncrement-th counting cell, the sender records that cell's digest
// tag; the SENDME acknowledging that block must echo the tag, or the peer is
// acknowledging data it never saw.
type CongestionControl struct {
	sendWindow   uint32
	windowInit   uint32
	windowIncr   uint32
	streamSendme bool

	// expectedTags is the FIFO of tags future SENDMEs must carry.
	expectedTags []SendmeTag
	// sinceLastTag counts counting cells sent since a tag was last recorded.
	sinceLastTag uint32
}

// NewCongestionControl creates a hop congestion controller from config.
func NewCongestionControl(cfg *CongestionControlConfig) *CongestionControl {
	if cfg == nil {
		cfg = DefaultCongestionControlConfig()
	}
	return &CongestionControl{
		sendWindow:   cfg.SendWindowInit,
		windowInit:   cfg.SendWindowInit,
		windowIncr:   cfg.SendWindowIncrement,
		streamSendme: cfg.StreamSendme,
	}
}

// CanSend reports whether another window-counting cell may be sent.
func (cc *CongestionControl) CanSend() bool {
	return cc.sendWindow > 0
}

// UsesStreamSendme reports whether streams on this hop use window-based flow
// control with stream SENDMEs.
func (cc *CongestionControl) UsesStreamSendme() bool {
	return cc.streamSendme
}

// SendWindow returns the remaining send window, in cells.
func (cc *CongestionControl) SendWindow() uint32 {
	return cc.sendWindow
}

// NoteCellSent records one sent cell. tag is the cell's digest tag from the
// crypto layer; counts is false for cells exempt from congestion windows.
// Sending past an exhausted window is a local logic fault: the scheduler
// checks CanSend before handing out cells.
func (cc *CongestionControl) NoteCellSent(tag SendmeTag, counts bool) error {
	if !counts {
		return nil
	}
	if cc.sendWindow == 0 {
		return internalErrorf("sent a window-counting cell with an empty send window")
	}
	cc.sendWindow--
	cc.sinceLastTag++
	if cc.sinceLastTag == cc.windowIncr {
		cc.expectedTags = append(cc.expectedTags, tag)
		cc.sinceLastTag = 0
	}
	return nil
}

// NoteSendmeReceived credits the send window for one circuit SENDME. The
// sendme must be expected (a full increment of cells was sent since the last
// one) and, for v1 sendmes, must echo the recorded tag.
func (cc *CongestionControl) NoteSendmeReceived(sendme Sendme) error {
	if len(cc.expectedTags) == 0 {
		return protoErrorf("received circuit SENDME that was not expected")
	}
	expected := cc.expectedTags[0]
	cc.expectedTags = cc.expectedTags[1:]
	if sendme.Version == 1 && sendme.Tag != expected {
		return protoErrorf("circuit SENDME tag does not match any cell we sent")
	}
	next := cc.sendWindow + cc.windowIncr
	if next > cc.windowInit {
		return protoErrorf("circuit SENDME would overflow send window (%d + %d > %d)",
			cc.sendWindow, cc.windowIncr, cc.windowInit)
	}
	cc.sendWindow = next
	log.Trace().
		Uint32("window", cc.sendWindow).
		Msg("circuit SENDME credited send window")
	return nil
}

// SendWindowAndExpectedTags exposes the window and pending tag queue for
// tests and diagnostics.
func (cc *CongestionControl) SendWindowAndExpectedTags() (uint32, []SendmeTag) {
	tags := make([]SendmeTag, len(cc.expectedTags))
	copy(tags, cc.expectedTags)
	return cc.sendWindow, tags
}
