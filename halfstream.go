package tunnel

// HalfStream tracks a stream after we sent an END but before the peer's END
// arrives. The peer may legitimately still be sending: its data was in flight
// when we closed. Messages are still sequence-checked, but nothing is
// delivered anywhere.
type HalfStream struct {
	cmdChecker CmdChecker
	// dropped counts inbound cells discarded on this half-closed stream,
	// carried over from the open stream's counter for later accounting.
	dropped uint32
}

// NewHalfStream creates the half-closed record for a stream whose END we just
// sent, inheriting its command checker and dropped-cell count.
func NewHalfStream(cmdChecker CmdChecker, dropped uint32) *HalfStream {
	return &HalfStream{cmdChecker: cmdChecker, dropped: dropped}
}

// HandleMsg processes one inbound message on the half-closed stream. It
// returns StreamClosed once the peer's END (or an equivalent closing message)
// arrives, at which point the stream is fully torn down.
func (h *HalfStream) HandleMsg(msg Msg) (StreamStatus, error) {
	if msg.Cmd == CmdSendme {
		// The peer may still acknowledge data we sent before closing.
		return StreamOpen, nil
	}
	status, err := h.cmdChecker.CheckMsg(msg)
	if err != nil {
		return StreamClosed, err
	}
	if status == StreamOpen {
		h.dropped++
	}
	return status, nil
}

// Dropped returns the number of inbound cells discarded on this stream.
func (h *HalfStream) Dropped() uint32 {
	return h.dropped
}
