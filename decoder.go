package tunnel

import (
	"encoding/binary"
	"fmt"

	"github.com/armon/circbuf"
)

// RelayCellFormat selects the relay cell body layout used with one hop. The
// format is fixed when the hop is created and never changes afterwards.
type RelayCellFormat int

const (
	// FormatV0 carries exactly one relay message per cell, with the classic
	// eleven-byte relay header.
	FormatV0 RelayCellFormat = iota
	// FormatV1 packs multiple relay messages into one cell and lets a large
	// message fragment across consecutive cells.
	FormatV1
)

// String returns a short name for the format.
func (f RelayCellFormat) String() string {
	switch f {
	case FormatV0:
		return "V0"
	case FormatV1:
		return "V1"
	default:
		return fmt.Sprintf("FORMAT_%d", int(f))
	}
}

// CellBodyLen is the fixed length of a relay cell body.
const CellBodyLen = 509

// v0HeaderLen is command(1) + recognized(2) + stream ID(2) + digest(4) +
// length(2).
const v0HeaderLen = 11

// v1HeaderLen is command(1) + stream ID(2) + length(2). A command byte of
// zero marks the end of the packed messages in a cell.
const v1HeaderLen = 5

// maxFragmentedMsgLen bounds the reassembled size of a fragmented V1 message.
// The length field is 16 bits, so no message can exceed this.
const maxFragmentedMsgLen = 0xFFFF

// DecoderResult is the outcome of feeding one cell body to the decoder.
type DecoderResult struct {
	// Msgs holds the messages completed by this cell, in arrival order.
	Msgs []MsgOuter
	// Incomplete is true when the cell ended mid-message and the decoder is
	// holding partial bytes until the next cell arrives.
	Incomplete bool
}

// RelayCellDecoder turns raw relay cell bodies into relay messages. It is
// stateful: with FormatV1 a message may span cells, and the partial bytes are
// buffered between Decode calls. Cryptographic unwrapping and digest checks
// happen before the body reaches this decoder.
type RelayCellDecoder struct {
	format RelayCellFormat

	// Reassembly state for a V1 message mid-fragment.
	fragActive   bool
	fragCmd      RelayCmd
	fragStreamID StreamID
	fragWant     int
	fragBuf      *circbuf.Buffer
}

// NewRelayCellDecoder creates a decoder for the given cell format.
func NewRelayCellDecoder(format RelayCellFormat) *RelayCellDecoder {
	// The capacity is a positive constant, so NewBuffer cannot fail.
	buf, _ := circbuf.NewBuffer(maxFragmentedMsgLen)
	return &RelayCellDecoder{
		format:  format,
		fragBuf: buf,
	}
}

// Decode consumes one cell body and returns the messages it completed.
func (d *RelayCellDecoder) Decode(body []byte) (DecoderResult, error) {
	switch d.format {
	case FormatV0:
		return d.decodeV0(body)
	case FormatV1:
		return d.decodeV1(body)
	default:
		return DecoderResult{}, internalErrorf("unknown relay cell format %d", d.format)
	}
}

// decodeV0 parses a classic one-message-per-cell body.
func (d *RelayCellDecoder) decodeV0(body []byte) (DecoderResult, error) {
	if len(body) < v0HeaderLen {
		return DecoderResult{}, protoErrorf("relay cell too short: got %d bytes, need at least %d",
			len(body), v0HeaderLen)
	}
	cmd := RelayCmd(body[0])
	if cmd == 0 {
		return DecoderResult{}, protoErrorf("relay cell with zero command")
	}
	// body[1:3] is the recognized field and body[5:9] the digest; both were
	// checked by the crypto layer before the body got here.
	streamID := StreamID(binary.BigEndian.Uint16(body[3:5]))
	length := int(binary.BigEndian.Uint16(body[9:11]))
	if v0HeaderLen+length > len(body) {
		return DecoderResult{}, protoErrorf("relay cell length %d overflows %d-byte body", length, len(body))
	}
	data := make([]byte, length)
	copy(data, body[v0HeaderLen:v0HeaderLen+length])
	return DecoderResult{
		Msgs: []MsgOuter{{StreamID: streamID, Msg: Msg{Cmd: cmd, Body: data}}},
	}, nil
}

// decodeV1 parses a packed cell body, resuming any fragment left over from
// the previous cell.
func (d *RelayCellDecoder) decodeV1(body []byte) (DecoderResult, error) {
	var res DecoderResult
	pos := 0

	if d.fragActive {
		missing := d.fragWant - int(d.fragBuf.TotalWritten())
		take := min(missing, len(body))
		// Writes to the ring never exceed its capacity: fragWant is bounded
		// by the 16-bit length field.
		d.fragBuf.Write(body[:take])
		pos = take
		if int(d.fragBuf.TotalWritten()) == d.fragWant {
			res.Msgs = append(res.Msgs, d.takeFragment())
		}
	}

	for pos < len(body) {
		cmd := RelayCmd(body[pos])
		if cmd == 0 {
			// Padding: no more messages in this cell.
			break
		}
		if pos+v1HeaderLen > len(body) {
			return DecoderResult{}, protoErrorf("truncated relay message header in packed cell")
		}
		streamID := StreamID(binary.BigEndian.Uint16(body[pos+1 : pos+3]))
		length := int(binary.BigEndian.Uint16(body[pos+3 : pos+5]))
		pos += v1HeaderLen

		avail := len(body) - pos
		if length <= avail {
			data := make([]byte, length)
			copy(data, body[pos:pos+length])
			res.Msgs = append(res.Msgs, MsgOuter{StreamID: streamID, Msg: Msg{Cmd: cmd, Body: data}})
			pos += length
			continue
		}

		// The message continues in the next cell.
		d.fragActive = true
		d.fragCmd = cmd
		d.fragStreamID = streamID
		d.fragWant = length
		d.fragBuf.Reset()
		d.fragBuf.Write(body[pos:])
		pos = len(body)
	}

	res.Incomplete = d.fragActive
	return res, nil
}

// takeFragment finishes the pending fragment and returns the reassembled
// message.
func (d *RelayCellDecoder) takeFragment() MsgOuter {
	data := make([]byte, d.fragBuf.TotalWritten())
	copy(data, d.fragBuf.Bytes())
	msg := MsgOuter{
		StreamID: d.fragStreamID,
		Msg:      Msg{Cmd: d.fragCmd, Body: data},
	}
	d.fragActive = false
	d.fragWant = 0
	d.fragBuf.Reset()
	return msg
}
