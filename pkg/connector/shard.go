// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package connector

import (
	"context"
	"errors"
	"time"

	"github.com/mbeema/wiretap/pkg/conntrack"
	"github.com/mbeema/wiretap/pkg/hook"
	"github.com/mbeema/wiretap/pkg/protocol"
	"github.com/mbeema/wiretap/pkg/reassembly"
	"github.com/mbeema/wiretap/pkg/traces"
	"go.uber.org/zap"
)

type event struct {
	id  conntrack.ConnID
	ev  *hook.RawEvent
	pos uint64
}

// control is a barrier: the shard processes the events queued ahead of it,
// applies policies and runs cleanup when set, then closes done.
type control struct {
	tick     time.Time
	policies *policies
	done     chan struct{}
}

type policies struct {
	orphan traces.OrphanPolicy
	expiry traces.ExpiryPolicy
}

// shard owns the connection and stitching state of the connections hashed
// to it. Everything below is touched only by the shard goroutine.
type shard struct {
	id      int
	c       *Connector
	logger  *zap.Logger
	queue   *queue
	spare   []event
	control chan control

	tracker  *conntrack.Tracker
	stitcher *traces.Stitcher

	warned   map[conntrack.ConnID]struct{}
	counters traces.Counters
	conns    int
}

func newShard(id int, c *Connector) *shard {
	s := &shard{
		id:       id,
		c:        c,
		logger:   c.logger.With(zap.Int("shard", id)),
		queue:    newQueue(c.cfg.QueueDepth),
		control:  make(chan control, 1),
		tracker:  conntrack.NewTracker(c.cfg.Tracker),
		stitcher: traces.NewStitcher(c.cfg.Stitcher, c.logger),
		warned:   make(map[conntrack.ConnID]struct{}),
	}
	s.tracker.OnEvict(func(conn *conntrack.Conn) {
		s.c.stats.CaptureLoss.WithLabelValues("conn_evicted").Inc()
		s.forget(conn.ID)
	})
	s.stitcher.OnExpired(func(in traces.Incomplete) {
		if fn := s.c.onIncomplete; fn != nil {
			fn(in)
		}
	})
	return s
}

func (s *shard) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue.ready:
			s.drain()
		case ctl := <-s.control:
			s.drain()
			if p := ctl.policies; p != nil {
				s.stitcher.SetPolicies(p.orphan, p.expiry)
			}
			if !ctl.tick.IsZero() {
				s.cleanup(ctl.tick)
			}
			close(ctl.done)
		}
	}
}

// drain handles the events already queued. Loss records go first: every
// event they refer to was older than anything still queued.
func (s *shard) drain() {
	items, lost := s.queue.pop(s.spare)
	if len(lost) > 0 {
		now := s.c.now()
		for _, l := range lost {
			s.recordLoss(s.tracker.Lose(l.id, l.dir, l.seq, now))
		}
	}
	for _, e := range items {
		s.handle(e)
	}
	s.spare = items
}

func (s *shard) handle(e event) {
	now := s.c.now()
	ev := e.ev

	switch ev.Kind {
	case hook.KindConnect, hook.KindAccept:
		role := conntrack.RoleClient
		if ev.Kind == hook.KindAccept {
			role = conntrack.RoleServer
		}
		if _, stale := s.tracker.Open(e.id, role, ev.RemoteAddr, ev.RemotePort, now); stale != nil {
			s.forget(stale.ID)
		}

	case hook.KindClose:
		conn := s.tracker.Close(e.id,
			func(m protocol.Message) { s.onMessage(e.id, m, now) },
			func(err error) { s.onDrop(e.id, err) })
		if conn != nil {
			s.logger.Debug("connection closed",
				zap.Stringer("conn", e.id),
				zap.String("protocol", conn.Protocol.String()),
				zap.Uint64("bytes_sent", conn.BytesSent),
				zap.Uint64("bytes_recv", conn.BytesRecv),
			)
		}
		s.forget(e.id)

	case hook.KindData:
		conn, loss := s.tracker.Ingest(e.id, ev, now)
		s.recordLoss(loss)
		if conn != nil {
			s.tracker.PollParseable(conn, ev.Direction,
				func(m protocol.Message) { s.onMessage(e.id, m, now) },
				func(err error) { s.onDrop(e.id, err) })
		}
	}
	s.publish()
}

func (s *shard) onMessage(id conntrack.ConnID, msg protocol.Message, now time.Time) {
	s.c.stats.MessagesDecoded.WithLabelValues(msg.Type.String()).Inc()

	if msg.Type == protocol.Request {
		if err := s.stitcher.Request(id, msg, now); err != nil {
			s.parseError(id, "opcode_domain", err)
		}
		return
	}
	tx, ok, err := s.stitcher.Response(id, msg, now)
	if err != nil {
		s.parseError(id, "opcode_domain", err)
		return
	}
	if ok {
		s.c.complete(tx)
	}
}

func (s *shard) onDrop(id conntrack.ConnID, err error) {
	if errors.Is(err, protocol.ErrTruncated) {
		s.c.stats.CaptureLoss.WithLabelValues("truncated").Inc()
		if _, seen := s.warned[id]; !seen {
			s.warned[id] = struct{}{}
			s.logger.Warn("message exceeds capture ceiling, dropped",
				zap.Stringer("conn", id), zap.Error(err))
		}
		return
	}
	s.parseError(id, protocol.Reason(err), err)
}

func (s *shard) parseError(id conntrack.ConnID, reason string, err error) {
	s.c.stats.ParseErrors.WithLabelValues(reason).Inc()
	s.logger.Debug("frame discarded",
		zap.Stringer("conn", id), zap.String("reason", reason), zap.Error(err))
}

func (s *shard) recordLoss(loss reassembly.Loss) {
	if loss.Gaps > 0 {
		s.c.stats.CaptureLoss.WithLabelValues("sequence_gap").Add(float64(loss.Gaps))
	}
	if loss.Overflows > 0 {
		s.c.stats.CaptureLoss.WithLabelValues("buffer_overflow").Add(float64(loss.Overflows))
	}
}

// forget expires the pending requests of a connection that is gone.
func (s *shard) forget(id conntrack.ConnID) {
	s.stitcher.CloseConn(id)
	delete(s.warned, id)
}

func (s *shard) cleanup(now time.Time) {
	pending, idle := s.c.timeouts()

	loss := s.tracker.Tick(now,
		func(conn *conntrack.Conn, m protocol.Message) { s.onMessage(conn.ID, m, now) },
		func(conn *conntrack.Conn, err error) { s.onDrop(conn.ID, err) })
	s.recordLoss(loss)

	expired := s.stitcher.ExpireOlderThan(now, pending)
	stale := s.tracker.CleanStale(idle, now)
	for _, conn := range stale {
		s.forget(conn.ID)
	}
	if expired > 0 || len(stale) > 0 {
		s.logger.Debug("cleanup",
			zap.Int("expired_requests", expired),
			zap.Int("idle_conns", len(stale)),
		)
	}
	s.publish()
}

// publish pushes stitcher counters and the connection count to the metrics.
func (s *shard) publish() {
	cur := s.stitcher.Counters()
	if d := cur.Orphans - s.counters.Orphans; d > 0 {
		s.c.stats.Orphans.Add(float64(d))
	}
	if d := cur.Expired - s.counters.Expired; d > 0 {
		s.c.stats.Expired.Add(float64(d))
	}
	s.counters = cur

	if n := s.tracker.Len(); n != s.conns {
		s.c.stats.Connections.Add(float64(n - s.conns))
		s.conns = n
	}
}
