package tunnel

// SendRelayCell is an instruction to encrypt and send one relay message.
type SendRelayCell struct {
	// Hop the message is addressed to.
	Hop HopNum
	// Early requests a RELAY_EARLY cell.
	Early bool
	// Cell is the message and its stream addressing.
	Cell MsgOuter
}

// CircuitCmd is an instruction produced by this package for the owning
// reactor, which performs the actual I/O.
type CircuitCmd interface {
	isCircuitCmd()
}

// SendCmd asks the reactor to send a relay cell.
type SendCmd struct {
	Cell SendRelayCell
}

func (SendCmd) isCircuitCmd() {}

// CloseStreamCmd asks the reactor to close a stream via Hop.CloseStream.
type CloseStreamCmd struct {
	Hop      HopNum
	StreamID StreamID
	Behavior CloseStreamBehavior
	Reason   TerminateReason
}

func (CloseStreamCmd) isCircuitCmd() {}

// ConfluxHandshakeCompleteCmd asks the reactor to send the LINKED_ACK and,
// distinctly from an ordinary send, to mark the leg usable for data. The two
// must travel together: the ack alone would not tell the reactor the
// handshake finished.
type ConfluxHandshakeCompleteCmd struct {
	Cell SendRelayCell
}

func (ConfluxHandshakeCompleteCmd) isCircuitCmd() {}

// CloseStreamBehavior controls whether closing a stream sends an END cell.
type CloseStreamBehavior struct {
	// SendNothing suppresses the END cell even when one would be owed.
	SendNothing bool
	// End is the END message to send. A zero reason is sent as ReasonMisc.
	End End
}

// DefaultCloseStreamBehavior sends an END with ReasonMisc when one is owed.
func DefaultCloseStreamBehavior() CloseStreamBehavior {
	return CloseStreamBehavior{End: End{Reason: ReasonMisc}}
}
