//go:build !linux

package hook

import "time"

var processStart = time.Now()

// MonotonicNow returns nanoseconds on a monotonic clock. Off Linux there is no
// kernel side, so the clock only needs to be self-consistent.
func MonotonicNow() uint64 {
	return uint64(time.Since(processStart).Nanoseconds())
}
