// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package discovery

import "fmt"

// UPID is a process identity that survives pid reuse: the pid qualified by
// the process start time and the agent's address-space id.
type UPID struct {
	ASID        uint32
	PID         uint32
	StartTimeNs uint64
}

// High64 returns the upper half of the 128-bit column value.
func (u UPID) High64() uint64 {
	return uint64(u.ASID)<<32 | uint64(u.PID)
}

// Low64 returns the lower half of the 128-bit column value.
func (u UPID) Low64() uint64 {
	return u.StartTimeNs
}

// FromUint128 rebuilds a UPID from its column representation.
func FromUint128(high, low uint64) UPID {
	return UPID{
		ASID:        uint32(high >> 32),
		PID:         uint32(high),
		StartTimeNs: low,
	}
}

func (u UPID) String() string {
	return fmt.Sprintf("%d:%d:%d", u.ASID, u.PID, u.StartTimeNs)
}
