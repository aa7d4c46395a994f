// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package connector

import (
	"sync"

	"github.com/mbeema/wiretap/pkg/conntrack"
	"github.com/mbeema/wiretap/pkg/hook"
)

// lostSegment records a data event evicted from a full queue. The shard
// turns it into a hole in the connection's stream before handling any later
// event of that connection.
type lostSegment struct {
	id  conntrack.ConnID
	dir hook.Direction
	seq uint64
}

type queued struct {
	n    int    // data events queued
	last uint64 // position of the newest one
}

// queue is a bounded, non-blocking event queue of one shard. When full, it
// evicts the oldest data event of the connection holding the most queued
// data events, so a burst on one connection only costs that connection
// bytes. Ties go to the connection that queued most recently.
type queue struct {
	depth int

	mu    sync.Mutex
	items []event
	lost  []lostSegment
	conns map[conntrack.ConnID]*queued
	pos   uint64

	ready chan struct{}
}

func newQueue(depth int) *queue {
	return &queue{
		depth: depth,
		items: make([]event, 0, depth),
		conns: make(map[conntrack.ConnID]*queued),
		ready: make(chan struct{}, 1),
	}
}

// push appends e and reports whether an event had to be dropped to make room.
// The dropped event is e itself only when nothing queued is a data event.
func (q *queue) push(e event) (dropped bool) {
	q.mu.Lock()
	if len(q.items) >= q.depth {
		dropped = true
		if !q.evictLocked() {
			if e.ev.Kind == hook.KindData {
				q.lost = append(q.lost, lostSegment{id: e.id, dir: e.ev.Direction, seq: e.ev.Seq})
			}
			q.mu.Unlock()
			return dropped
		}
	}
	q.pos++
	e.pos = q.pos
	q.items = append(q.items, e)
	if e.ev.Kind == hook.KindData {
		c := q.conns[e.id]
		if c == nil {
			c = &queued{}
			q.conns[e.id] = c
		}
		c.n++
		c.last = e.pos
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

func (q *queue) evictLocked() bool {
	var (
		victim conntrack.ConnID
		best   *queued
	)
	for id, c := range q.conns {
		if best == nil || c.n > best.n || (c.n == best.n && c.last > best.last) {
			victim, best = id, c
		}
	}
	if best == nil {
		return false
	}
	for i, e := range q.items {
		if e.id != victim || e.ev.Kind != hook.KindData {
			continue
		}
		q.lost = append(q.lost, lostSegment{id: e.id, dir: e.ev.Direction, seq: e.ev.Seq})
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = event{}
		q.items = q.items[:len(q.items)-1]
		break
	}
	if best.n--; best.n == 0 {
		delete(q.conns, victim)
	}
	return true
}

// pop takes every queued event and loss record. spare is reused as the next
// backing array.
func (q *queue) pop(spare []event) ([]event, []lostSegment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, lost := q.items, q.lost
	for i := range spare {
		spare[i] = event{}
	}
	q.items = spare[:0]
	q.lost = nil
	clear(q.conns)
	return items, lost
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
