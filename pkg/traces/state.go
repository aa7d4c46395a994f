// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"sort"
	"time"

	"github.com/mbeema/wiretap/pkg/conntrack"
	"github.com/mbeema/wiretap/pkg/protocol"
)

// EntryState is the lifecycle state of a pending request.
type EntryState uint8

const (
	StatePendingRequest EntryState = iota
	StateComplete
	StateEmitted
	StateExpired
)

func (s EntryState) String() string {
	switch s {
	case StatePendingRequest:
		return "PENDING_REQUEST"
	case StateComplete:
		return "COMPLETE"
	case StateEmitted:
		return "EMITTED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Entry is one request waiting for its response.
type Entry struct {
	Req   protocol.Message
	Resp  protocol.Message
	State EntryState
	Added time.Time
	seq   uint64 // arrival order within the connection
}

func (e *Entry) complete(resp protocol.Message) {
	if e.State != StatePendingRequest {
		panic("traces: complete on " + e.State.String())
	}
	e.Resp = resp
	e.State = StateComplete
}

func (e *Entry) emit() {
	if e.State != StateComplete {
		panic("traces: emit on " + e.State.String())
	}
	e.State = StateEmitted
}

func (e *Entry) expire() {
	if e.State != StatePendingRequest {
		panic("traces: expire on " + e.State.String())
	}
	e.State = StateExpired
}

// ConnState holds the pending requests of one connection, one FIFO queue per
// stream id.
type ConnState struct {
	ID           conntrack.ConnID
	LastActivity time.Time

	streams map[int16][]*Entry
	pending int
	nextSeq uint64
}

func newConnState(id conntrack.ConnID) *ConnState {
	return &ConnState{
		ID:      id,
		streams: make(map[int16][]*Entry),
	}
}

// Pending returns the number of requests waiting for a response.
func (c *ConnState) Pending() int { return c.pending }

// PendingOn returns the number of requests waiting on stream id.
func (c *ConnState) PendingOn(stream int16) int { return len(c.streams[stream]) }

func (c *ConnState) push(req protocol.Message, now time.Time) *Entry {
	e := &Entry{Req: req, State: StatePendingRequest, Added: now, seq: c.nextSeq}
	c.nextSeq++
	c.streams[req.StreamID] = append(c.streams[req.StreamID], e)
	c.pending++
	c.LastActivity = now
	return e
}

// pop removes the oldest pending request on stream.
func (c *ConnState) pop(stream int16) *Entry {
	q := c.streams[stream]
	if len(q) == 0 {
		return nil
	}
	e := q[0]
	q[0] = nil
	if len(q) == 1 {
		delete(c.streams, stream)
	} else {
		c.streams[stream] = q[1:]
	}
	c.pending--
	return e
}

// popOldest removes the earliest request across all streams.
func (c *ConnState) popOldest() *Entry {
	var oldest int16
	var found *Entry
	for stream, q := range c.streams {
		if found == nil || q[0].seq < found.seq {
			found, oldest = q[0], stream
		}
	}
	if found == nil {
		return nil
	}
	return c.pop(oldest)
}

// expireBefore removes every request added before cutoff, oldest first.
func (c *ConnState) expireBefore(cutoff time.Time) []*Entry {
	var out []*Entry
	for stream, q := range c.streams {
		i := 0
		for i < len(q) && q[i].Added.Before(cutoff) {
			out = append(out, q[i])
			i++
		}
		switch {
		case i == len(q):
			delete(c.streams, stream)
		case i > 0:
			c.streams[stream] = q[i:]
		}
		c.pending -= i
	}
	sortEntries(out)
	return out
}

// drain removes every pending request, oldest first.
func (c *ConnState) drain() []*Entry {
	out := make([]*Entry, 0, c.pending)
	for _, q := range c.streams {
		out = append(out, q...)
	}
	c.streams = make(map[int16][]*Entry)
	c.pending = 0
	sortEntries(out)
	return out
}

func sortEntries(es []*Entry) {
	sort.Slice(es, func(i, j int) bool { return es[i].seq < es[j].seq })
}
