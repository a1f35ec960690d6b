package tunnel

import (
	"github.com/rs/zerolog/log"
)

// Stream-level flow control constants. Windows count DATA messages, not
// bytes; a stream SENDME credits the sender with another increment.
const (
	// StreamSendWindowInit is the initial stream-level send window.
	StreamSendWindowInit uint16 = 500
	// StreamSendWindowIncrement is the credit granted by one stream SENDME.
	StreamSendWindowIncrement uint16 = 50
)

// StreamSendWindow tracks how many more DATA messages may be sent on one
// stream before a stream SENDME must arrive.
type StreamSendWindow struct {
	window uint16
	init   uint16
}

// NewStreamSendWindow creates a window with the given initial value.
func NewStreamSendWindow(init uint16) *StreamSendWindow {
	return &StreamSendWindow{window: init, init: init}
}

// Window returns the remaining send capacity.
func (w *StreamSendWindow) Window() uint16 {
	return w.window
}

// Take consumes one unit of send capacity. Callers check CanSend first;
// taking from an empty window is a local logic fault.
func (w *StreamSendWindow) Take() error {
	if w.window == 0 {
		return internalErrorf("took capacity from an empty stream send window")
	}
	w.window--
	return nil
}

// PutForSendme credits the window for one received stream SENDME. A credit
// that would push the window past its initial value means the peer sent a
// SENDME we never earned.
func (w *StreamSendWindow) PutForSendme() error {
	next := uint32(w.window) + uint32(StreamSendWindowIncrement)
	if next > uint32(w.init) {
		return protoErrorf("stream SENDME would overflow send window (%d + %d > %d)",
			w.window, StreamSendWindowIncrement, w.init)
	}
	w.window = uint16(next)
	log.Trace().
		Uint16("window", w.window).
		Msg("stream SENDME credited send window")
	return nil
}

// StreamSendFlowControl is the sender-side flow control for one stream.
// It is either window-based (stream SENDMEs are in use on this hop) or
// signal-based (XON/XOFF style, when hop-level congestion control subsumes
// per-stream windows). The flavor is fixed per hop: every stream on a hop
// uses the same one.
type StreamSendFlowControl struct {
	// window is nil for the signal-based flavor.
	window *StreamSendWindow
}

// NewWindowBasedFlowControl returns window-based flow control.
func NewWindowBasedFlowControl(window *StreamSendWindow) *StreamSendFlowControl {
	return &StreamSendFlowControl{window: window}
}

// NewXonXoffBasedFlowControl returns signal-based flow control. Rate limiting
// happens via XON/XOFF signals handled by the outer layers; this object only
// rejects stream SENDMEs, which are meaningless in this mode.
func NewXonXoffBasedFlowControl() *StreamSendFlowControl {
	return &StreamSendFlowControl{}
}

// CanSend reports whether msg may be sent right now.
func (f *StreamSendFlowControl) CanSend(msg Msg) bool {
	if f.window == nil || !msg.Cmd.CountsTowardStreamWindow() {
		return true
	}
	return f.window.Window() > 0
}

// TakeCapacityToSend consumes the capacity needed to send msg.
func (f *StreamSendFlowControl) TakeCapacityToSend(msg Msg) error {
	if f.window == nil || !msg.Cmd.CountsTowardStreamWindow() {
		return nil
	}
	return f.window.Take()
}

// PutForIncomingSendme accounts for a stream SENDME received from the peer.
// With signal-based flow control a stream SENDME is a protocol violation:
// the peer should know this hop does not use them.
func (f *StreamSendFlowControl) PutForIncomingSendme() error {
	if f.window == nil {
		return protoErrorf("received stream SENDME on a hop without stream-level SENDMEs")
	}
	return f.window.PutForSendme()
}
