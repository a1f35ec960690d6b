package tunnel

import "sync/atomic"

// UniqID identifies one circuit within this process. It appears in log output
// so that interleaved circuits can be told apart; it never goes on the wire.
type UniqID uint64

// uniqIDCounter is the process-wide allocator behind NextUniqID. It is the
// sole piece of mutable global state in this package.
var uniqIDCounter atomic.Uint64

// NextUniqID returns a process-unique circuit identifier. IDs start at 1 and
// are never reused within one process.
func NextUniqID() UniqID {
	return UniqID(uniqIDCounter.Add(1))
}
