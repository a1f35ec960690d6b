package tunnel

// StreamStatus is a command checker's verdict on a stream after one inbound
// message.
type StreamStatus int

const (
	// StreamOpen means the stream remains open after the message.
	StreamOpen StreamStatus = iota
	// StreamClosed means the message ended the stream.
	StreamClosed
)

// CmdChecker enforces the protocol-valid message sequence for one stream
// type. Every inbound message for an open (or half-closed) stream passes
// through its checker before delivery; out-of-sequence commands are protocol
// violations.
type CmdChecker interface {
	// CheckMsg validates msg against the stream's expected sequence and
	// reports whether the message closes the stream.
	CheckMsg(msg Msg) (StreamStatus, error)
}

// DataCmdChecker validates a data stream opened with BEGIN or BEGIN_DIR:
// at most one CONNECTED, then DATA until an END.
type DataCmdChecker struct {
	connectedOK bool
}

// NewDataCmdChecker returns a checker for a client-side data stream, which
// expects a CONNECTED before any DATA.
func NewDataCmdChecker() *DataCmdChecker {
	return &DataCmdChecker{connectedOK: true}
}

// NewDataCmdCheckerConnected returns a checker for a stream that is already
// connected (service side), where a CONNECTED would be out of sequence.
func NewDataCmdCheckerConnected() *DataCmdChecker {
	return &DataCmdChecker{}
}

// CheckMsg implements CmdChecker.
func (c *DataCmdChecker) CheckMsg(msg Msg) (StreamStatus, error) {
	switch msg.Cmd {
	case CmdConnected:
		if !c.connectedOK {
			return StreamClosed, protoErrorf("received CONNECTED twice on a stream")
		}
		c.connectedOK = false
		return StreamOpen, nil
	case CmdData:
		if c.connectedOK {
			return StreamClosed, protoErrorf("received DATA before CONNECTED on a stream")
		}
		return StreamOpen, nil
	case CmdEnd:
		return StreamClosed, nil
	default:
		return StreamClosed, protoErrorf("unexpected %s on a data stream", msg.Cmd)
	}
}

// ResolveCmdChecker validates a RESOLVE stream: a single RESOLVED or END
// answer, nothing else.
type ResolveCmdChecker struct{}

// NewResolveCmdChecker returns a checker for a RESOLVE stream.
func NewResolveCmdChecker() *ResolveCmdChecker {
	return &ResolveCmdChecker{}
}

// CheckMsg implements CmdChecker.
func (c *ResolveCmdChecker) CheckMsg(msg Msg) (StreamStatus, error) {
	switch msg.Cmd {
	case CmdResolved:
		return StreamClosed, nil
	case CmdEnd:
		return StreamClosed, nil
	default:
		return StreamClosed, protoErrorf("unexpected %s on a resolve stream", msg.Cmd)
	}
}
