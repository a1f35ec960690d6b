package tunnel

import (
	"errors"
	"fmt"
)

// ErrProtocol marks circuit-fatal peer misbehavior: a cell for a stream that
// never existed, a conflux nonce mismatch, a zero-delta SWITCH, more data than
// flow control permits. The owning reactor must tear down the circuit when it
// sees one of these; absorbing them silently would weaken the side-channel
// defenses that depend on strict rejection.
var ErrProtocol = errors.New("circuit protocol violation")

// ErrInternal marks a broken local invariant (sending LINK twice, discarding a
// stream map that still has open streams). These are bugs in this library or
// its caller, not peer misbehavior, but they are still fatal for the circuit.
var ErrInternal = errors.New("internal error")

// protoErrorf builds an ErrProtocol-wrapped error with context.
func protoErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrProtocol}, args...)...)
}

// internalErrorf builds an ErrInternal-wrapped error with context.
func internalErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInternal}, args...)...)
}
