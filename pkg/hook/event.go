// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import "fmt"

// Direction is the data flow direction of a captured syscall, relative to the
// traced process.
type Direction uint8

const (
	DirSend Direction = iota // write/send/sendmsg
	DirRecv                  // read/recv/recvmsg
)

func (d Direction) String() string {
	if d == DirSend {
		return "send"
	}
	return "recv"
}

// Kind distinguishes data events from connection lifecycle events.
type Kind uint8

const (
	KindData Kind = iota
	KindConnect
	KindAccept
	KindClose
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindConnect:
		return "connect"
	case KindAccept:
		return "accept"
	case KindClose:
		return "close"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// RawEvent is a single socket-level capture delivered by the kernel side.
// Payload is at most the capture ceiling; OriginalLen carries the size of the
// syscall buffer before truncation.
type RawEvent struct {
	Kind        Kind
	PID         uint32
	TID         uint32
	StartTimeNs uint64 // process start time; 0 means resolve from /proc
	FD          int32
	Direction   Direction
	TimestampNs uint64 // CLOCK_MONOTONIC
	Seq         uint64 // per (connection, direction); 0 disables reordering
	OriginalLen uint32
	Payload     []byte
	SSL         bool

	RemoteAddr uint32 // IPv4 in host byte order
	RemotePort uint16
}

// Truncated reports whether the kernel side clipped the payload.
func (e *RawEvent) Truncated() bool {
	return e.OriginalLen > uint32(len(e.Payload))
}

// Missing returns the number of bytes the kernel side could not deliver.
func (e *RawEvent) Missing() int {
	if !e.Truncated() {
		return 0
	}
	return int(e.OriginalLen) - len(e.Payload)
}

// RemoteStr returns "addr:port" for connect/accept events.
func (e *RawEvent) RemoteStr() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d",
		e.RemoteAddr&0xFF,
		(e.RemoteAddr>>8)&0xFF,
		(e.RemoteAddr>>16)&0xFF,
		(e.RemoteAddr>>24)&0xFF,
		e.RemotePort,
	)
}

// Sink consumes raw events. Implementations must not block the caller for
// long: sources call Ingest from their read loops.
type Sink interface {
	Ingest(ev *RawEvent)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev *RawEvent)

// Ingest calls f(ev).
func (f SinkFunc) Ingest(ev *RawEvent) { f(ev) }
