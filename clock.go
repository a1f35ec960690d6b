package tunnel

import "time"

// Clock supplies wall-clock time to components that measure round-trip times
// or compute handshake deadlines. Wall-clock readings are not guaranteed
// monotonic; consumers must tolerate time moving backwards between calls.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now()
}
