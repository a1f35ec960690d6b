package tunnel

import (
	"errors"
	"sync"
)

// ErrQueueFull is returned by MsgSender.TrySend when the queue is at
// capacity. On a stream's inbound sink this means the peer sent more data
// than flow control allows, which the hop escalates to a protocol violation.
var ErrQueueFull = errors.New("message queue full")

// ErrQueueDisconnected is returned by MsgSender.TrySend when the receiver has
// gone away. On an inbound sink this is recoverable bookkeeping, not an error.
var ErrQueueDisconnected = errors.New("message queue disconnected")

// msgQueue is a bounded, non-blocking queue connecting one sender to one
// receiver. Both stream directions use it: the reactor pushes inbound
// messages to the stream reader, and the stream writer queues outbound
// messages for the multiplexer to drain.
type msgQueue struct {
	mu           sync.Mutex
	buf          []Msg
	capacity     int
	senderClosed bool
	disconnected bool
}

// MsgSender is the producing half of a message queue.
type MsgSender struct {
	q *msgQueue
}

// MsgReceiver is the consuming half of a message queue.
type MsgReceiver struct {
	q *msgQueue
}

// NewMsgQueue creates a bounded queue and returns its two halves.
func NewMsgQueue(capacity int) (*MsgSender, *MsgReceiver) {
	q := &msgQueue{capacity: capacity}
	return &MsgSender{q: q}, &MsgReceiver{q: q}
}

// TrySend queues msg without blocking. It returns ErrQueueFull when the
// queue is at capacity and ErrQueueDisconnected when the receiver is gone;
// callers discriminate because the two mean very different things.
func (s *MsgSender) TrySend(msg Msg) error {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	if s.q.disconnected {
		return ErrQueueDisconnected
	}
	if s.q.senderClosed {
		return ErrQueueDisconnected
	}
	if len(s.q.buf) >= s.q.capacity {
		return ErrQueueFull
	}
	s.q.buf = append(s.q.buf, msg)
	return nil
}

// Close marks the end of the message sequence. Queued messages remain
// readable; once drained, the receiver observes end-of-stream.
func (s *MsgSender) Close() {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	s.q.senderClosed = true
}

// Peek reports the queue's head without consuming it. A ready result with a
// nil message means the sender closed the queue and everything has been
// drained: the stream has no more outbound data, ever.
func (r *MsgReceiver) Peek() (msg *Msg, ready bool) {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	if len(r.q.buf) > 0 {
		return &r.q.buf[0], true
	}
	if r.q.senderClosed {
		return nil, true
	}
	return nil, false
}

// TryRecv consumes and returns the head of the queue, if any.
func (r *MsgReceiver) TryRecv() (Msg, bool) {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	if len(r.q.buf) == 0 {
		return Msg{}, false
	}
	msg := r.q.buf[0]
	r.q.buf = r.q.buf[1:]
	return msg, true
}

// Len returns the number of queued messages.
func (r *MsgReceiver) Len() int {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	return len(r.q.buf)
}

// Disconnect detaches the receiver. Subsequent sends fail with
// ErrQueueDisconnected and queued messages are discarded.
func (r *MsgReceiver) Disconnect() {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	r.q.disconnected = true
	r.q.buf = nil
}
