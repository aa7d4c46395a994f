// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbeema/wiretap/pkg/conntrack"
	"github.com/mbeema/wiretap/pkg/protocol"
	"go.uber.org/zap"
)

// ErrOpcodeDomain is returned for a request whose opcode is not a request
// opcode, or a response whose opcode is not a response opcode.
var ErrOpcodeDomain = errors.New("opcode outside message domain")

// OrphanPolicy decides what happens to a response with no pending request.
type OrphanPolicy int

const (
	OrphanDrop   OrphanPolicy = iota // count and discard
	OrphanRecord                     // count, log at debug, discard
)

// ExpiryPolicy decides what happens to a request that never got a response.
type ExpiryPolicy int

const (
	ExpiryDrop           ExpiryPolicy = iota // count and discard
	ExpiryEmitIncomplete                     // hand to OnExpired
)

// ParseOrphanPolicy parses "drop" or "record".
func ParseOrphanPolicy(s string) (OrphanPolicy, error) {
	switch s {
	case "", "drop":
		return OrphanDrop, nil
	case "record":
		return OrphanRecord, nil
	}
	return OrphanDrop, fmt.Errorf("unknown orphan policy %q", s)
}

// ParseExpiryPolicy parses "drop" or "emit_incomplete".
func ParseExpiryPolicy(s string) (ExpiryPolicy, error) {
	switch s {
	case "", "drop":
		return ExpiryDrop, nil
	case "emit_incomplete":
		return ExpiryEmitIncomplete, nil
	}
	return ExpiryDrop, fmt.Errorf("unknown expiry policy %q", s)
}

// Transaction is one request paired with its response.
type Transaction struct {
	Conn conntrack.ConnID
	Req  protocol.Message
	Resp protocol.Message
}

// Latency returns the time between request and response capture.
func (t *Transaction) Latency() time.Duration {
	if t.Resp.TimestampNs < t.Req.TimestampNs {
		return 0
	}
	return time.Duration(t.Resp.TimestampNs - t.Req.TimestampNs)
}

// Incomplete is a request that expired without a response.
type Incomplete struct {
	Conn   conntrack.ConnID
	Req    protocol.Message
	Reason string // "timeout", "overflow" or "closed"
}

// Counters are the stitcher's running totals.
type Counters struct {
	Requests  uint64
	Paired    uint64
	Orphans   uint64
	Expired   uint64
	Events    uint64 // server pushed EVENT messages
	Rejected  uint64
	Overflows uint64
}

// Config tunes a Stitcher.
type Config struct {
	OrphanPolicy      OrphanPolicy
	ExpiryPolicy      ExpiryPolicy
	MaxPendingPerConn int
}

// DefaultMaxPendingPerConn bounds pending requests per connection. The CQL v4
// stream id space is 32768 per connection.
const DefaultMaxPendingPerConn = 32768

// eventStream is the stream id servers use for pushed events.
const eventStream = -1

// Stitcher pairs responses with pending requests per connection and stream
// id. Requests on one stream are answered in order, so each stream id keeps a
// FIFO queue. A Stitcher is owned by a single goroutine.
type Stitcher struct {
	cfg    Config
	logger *zap.Logger

	conns    map[conntrack.ConnID]*ConnState
	counters Counters

	onExpired func(Incomplete)
}

// NewStitcher creates a stitcher.
func NewStitcher(cfg Config, logger *zap.Logger) *Stitcher {
	if cfg.MaxPendingPerConn <= 0 {
		cfg.MaxPendingPerConn = DefaultMaxPendingPerConn
	}
	return &Stitcher{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[conntrack.ConnID]*ConnState),
	}
}

// OnExpired registers the sink for incomplete requests under
// ExpiryEmitIncomplete.
func (s *Stitcher) OnExpired(fn func(Incomplete)) {
	s.onExpired = fn
}

// SetPolicies swaps the orphan and expiry policies.
func (s *Stitcher) SetPolicies(orphan OrphanPolicy, expiry ExpiryPolicy) {
	s.cfg.OrphanPolicy = orphan
	s.cfg.ExpiryPolicy = expiry
}

// Counters returns a copy of the running totals.
func (s *Stitcher) Counters() Counters { return s.counters }

// Conn returns the state of one connection.
func (s *Stitcher) Conn(id conntrack.ConnID) (*ConnState, bool) {
	cs, ok := s.conns[id]
	return cs, ok
}

// Len returns the number of connections with state.
func (s *Stitcher) Len() int { return len(s.conns) }

// Request records a request as pending on its stream id.
func (s *Stitcher) Request(id conntrack.ConnID, msg protocol.Message, now time.Time) error {
	if msg.Type != protocol.Request || !protocol.ValidOpcode(msg.Protocol, protocol.Request, msg.Opcode) {
		s.counters.Rejected++
		return fmt.Errorf("%w: %s opcode 0x%02x as request", ErrOpcodeDomain, msg.Protocol, msg.Opcode)
	}

	cs, ok := s.conns[id]
	if !ok {
		cs = newConnState(id)
		s.conns[id] = cs
	}
	if cs.Pending() >= s.cfg.MaxPendingPerConn {
		if e := cs.popOldest(); e != nil {
			s.counters.Overflows++
			s.expire(id, e, "overflow")
		}
	}
	cs.push(msg, now)
	s.counters.Requests++
	return nil
}

// Response pairs a response with the oldest pending request on its stream id.
// It returns false for orphans and server pushed events.
func (s *Stitcher) Response(id conntrack.ConnID, msg protocol.Message, now time.Time) (Transaction, bool, error) {
	if msg.Type != protocol.Response || !protocol.ValidOpcode(msg.Protocol, protocol.Response, msg.Opcode) {
		s.counters.Rejected++
		return Transaction{}, false, fmt.Errorf("%w: %s opcode 0x%02x as response", ErrOpcodeDomain, msg.Protocol, msg.Opcode)
	}

	if msg.StreamID == eventStream {
		s.counters.Events++
		return Transaction{}, false, nil
	}

	var e *Entry
	if cs, ok := s.conns[id]; ok {
		cs.LastActivity = now
		e = cs.pop(msg.StreamID)
	}
	if e == nil {
		s.counters.Orphans++
		if s.cfg.OrphanPolicy == OrphanRecord {
			s.logger.Debug("orphan response",
				zap.Stringer("conn", id),
				zap.Int16("stream", msg.StreamID),
				zap.String("opcode", protocol.OpcodeName(msg.Protocol, msg.Type, msg.Opcode)),
			)
		}
		return Transaction{}, false, nil
	}

	e.complete(msg)
	e.emit()
	s.counters.Paired++
	return Transaction{Conn: id, Req: e.Req, Resp: e.Resp}, true, nil
}

// ExpireOlderThan expires requests pending for longer than timeout. Returns
// the number expired.
func (s *Stitcher) ExpireOlderThan(now time.Time, timeout time.Duration) int {
	cutoff := now.Add(-timeout)
	n := 0
	for id, cs := range s.conns {
		for _, e := range cs.expireBefore(cutoff) {
			s.expire(id, e, "timeout")
			n++
		}
		if cs.Pending() == 0 && cs.LastActivity.Before(cutoff) {
			delete(s.conns, id)
		}
	}
	return n
}

// CloseConn expires every pending request of a connection and forgets it.
func (s *Stitcher) CloseConn(id conntrack.ConnID) int {
	cs, ok := s.conns[id]
	if !ok {
		return 0
	}
	delete(s.conns, id)
	pending := cs.drain()
	for _, e := range pending {
		s.expire(id, e, "closed")
	}
	return len(pending)
}

func (s *Stitcher) expire(id conntrack.ConnID, e *Entry, reason string) {
	e.expire()
	s.counters.Expired++
	if s.cfg.ExpiryPolicy == ExpiryEmitIncomplete && s.onExpired != nil {
		s.onExpired(Incomplete{Conn: id, Req: e.Req, Reason: reason})
	}
}
