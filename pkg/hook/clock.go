// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import "time"

// Clock converts monotonic capture timestamps to wall-clock time. The offset
// is sampled once; drift between the two clocks over an agent's lifetime is
// well below the latencies being measured.
type Clock struct {
	offset int64
}

// NewClock samples the current offset between wall and monotonic time.
func NewClock() *Clock {
	wall := time.Now().UnixNano()
	mono := MonotonicNow()
	return &Clock{offset: wall - int64(mono)}
}

// Wall converts a monotonic timestamp to a wall-clock time.
func (c *Clock) Wall(monoNs uint64) time.Time {
	return time.Unix(0, int64(monoNs)+c.offset)
}

// WallNs converts a monotonic timestamp to wall-clock nanoseconds.
func (c *Clock) WallNs(monoNs uint64) int64 {
	return int64(monoNs) + c.offset
}
