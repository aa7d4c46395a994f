// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package connector owns the tracing pipeline: capture events go in through
// Ingest, completed transactions come out through TransferData.
package connector

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/mbeema/wiretap/pkg/conntrack"
	"github.com/mbeema/wiretap/pkg/discovery"
	"github.com/mbeema/wiretap/pkg/health"
	"github.com/mbeema/wiretap/pkg/hook"
	"github.com/mbeema/wiretap/pkg/table"
	"github.com/mbeema/wiretap/pkg/traces"
	"go.uber.org/zap"
)

// Config tunes a Connector.
type Config struct {
	Shards         int
	QueueDepth     int
	Tracker        conntrack.Config
	Stitcher       traces.Config
	PendingTimeout time.Duration
	IdleTimeout    time.Duration
}

// Defaults.
const (
	DefaultShards         = 4
	DefaultQueueDepth     = 4096
	DefaultPendingTimeout = 30 * time.Second
	DefaultIdleTimeout    = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.Shards <= 0 {
		c.Shards = DefaultShards
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = DefaultPendingTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// Connector shards capture events by connection across worker goroutines.
// Each worker owns the tracker and stitcher state of its connections, so
// per-connection state is never shared. Completed transactions collect in a
// single buffer drained by TransferData.
type Connector struct {
	cfg      Config
	logger   *zap.Logger
	stats    *health.Stats
	resolver *discovery.Resolver
	now      func() time.Time

	shards []*shard

	mu        sync.Mutex
	completed []table.Row

	onIncomplete func(traces.Incomplete)

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a connector. stats may be nil.
func New(cfg Config, resolver *discovery.Resolver, stats *health.Stats, logger *zap.Logger) *Connector {
	cfg = cfg.withDefaults()
	if stats == nil {
		stats = health.NewStats()
	}
	c := &Connector{
		cfg:      cfg,
		logger:   logger,
		stats:    stats,
		resolver: resolver,
		now:      time.Now,
	}
	c.shards = make([]*shard, cfg.Shards)
	for i := range c.shards {
		c.shards[i] = newShard(i, c)
	}
	return c
}

// OnIncomplete registers the sink for expired requests when the expiry
// policy is emit_incomplete. Set it before events are ingested.
func (c *Connector) OnIncomplete(fn func(traces.Incomplete)) {
	c.onIncomplete = fn
}

// Start launches the shard workers.
func (c *Connector) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return errors.New("connector already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	for _, s := range c.shards {
		c.wg.Add(1)
		go func(s *shard) {
			defer c.wg.Done()
			s.run(ctx)
		}(s)
	}
	c.running = true
	c.logger.Info("connector started",
		zap.Int("shards", c.cfg.Shards),
		zap.Int("queue_depth", c.cfg.QueueDepth),
	)
	return nil
}

// Stop stops the shard workers. Queued events not yet processed are
// discarded; completed transactions stay available to TransferData.
func (c *Connector) Stop() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	c.running = false
	return nil
}

// Running reports whether the shard workers are running.
func (c *Connector) Running() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

// Ingest routes a capture event to the shard owning its connection. It never
// blocks: when the shard queue is full, the connection with the most queued
// data loses its oldest event and its stream records the hole.
func (c *Connector) Ingest(ev *hook.RawEvent) {
	if ev.StartTimeNs == 0 && (ev.Kind == hook.KindConnect || ev.Kind == hook.KindAccept) {
		c.resolver.Refresh(ev.PID)
	}
	upid := c.resolver.Resolve(ev.PID, ev.StartTimeNs)
	id := conntrack.ConnID{UPID: upid, FD: ev.FD}
	c.stats.EventsReceived.WithLabelValues(ev.Kind.String()).Inc()

	s := c.shards[c.shardFor(id)]
	if s.queue.push(event{id: id, ev: ev}) {
		c.stats.CaptureLoss.WithLabelValues("queue_overflow").Inc()
	}
}

func (c *Connector) shardFor(id conntrack.ConnID) int {
	h := fnv.New32a()
	var b [20]byte
	binary.BigEndian.PutUint64(b[0:], id.UPID.High64())
	binary.BigEndian.PutUint64(b[8:], id.UPID.Low64())
	binary.BigEndian.PutUint32(b[16:], uint32(id.FD))
	h.Write(b[:])
	return int(h.Sum32() % uint32(len(c.shards)))
}

// Flush waits until every event ingested before the call is processed.
func (c *Connector) Flush(ctx context.Context) error {
	return c.broadcast(ctx, control{})
}

// Cleanup expires requests pending longer than the pending timeout and drops
// connections idle longer than the idle timeout, on every shard.
func (c *Connector) Cleanup(ctx context.Context, now time.Time) error {
	return c.broadcast(ctx, control{tick: now})
}

// SetTimeouts changes the pending and idle timeouts used by Cleanup.
func (c *Connector) SetTimeouts(pending, idle time.Duration) {
	c.runMu.Lock()
	if pending > 0 {
		c.cfg.PendingTimeout = pending
	}
	if idle > 0 {
		c.cfg.IdleTimeout = idle
	}
	c.runMu.Unlock()
}

// SetPolicies changes the orphan and expiry policies of every shard. Events
// ingested before the call are stitched under the old policies.
func (c *Connector) SetPolicies(ctx context.Context, orphan traces.OrphanPolicy, expiry traces.ExpiryPolicy) error {
	c.runMu.Lock()
	c.cfg.Stitcher.OrphanPolicy = orphan
	c.cfg.Stitcher.ExpiryPolicy = expiry
	running := c.running
	c.runMu.Unlock()

	if !running {
		for _, s := range c.shards {
			s.stitcher.SetPolicies(orphan, expiry)
		}
		return nil
	}
	return c.broadcast(ctx, control{policies: &policies{orphan: orphan, expiry: expiry}})
}

func (c *Connector) timeouts() (pending, idle time.Duration) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.cfg.PendingTimeout, c.cfg.IdleTimeout
}

func (c *Connector) broadcast(ctx context.Context, ctl control) error {
	c.runMu.Lock()
	running := c.running
	c.runMu.Unlock()
	if !running {
		return errors.New("connector not started")
	}

	done := make([]chan struct{}, len(c.shards))
	for i, s := range c.shards {
		msg := ctl
		msg.done = make(chan struct{})
		done[i] = msg.done
		select {
		case s.control <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, d := range done {
		select {
		case <-d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// complete adds a transaction to the completed buffer.
func (c *Connector) complete(tx traces.Transaction) {
	row := rowFromTransaction(tx)
	c.mu.Lock()
	c.completed = append(c.completed, row)
	n := len(c.completed)
	c.mu.Unlock()
	c.stats.Transactions.Inc()
	c.stats.PendingCompleted.Set(float64(n))
}

// TransferData moves every transaction completed since the previous call into
// t. A call with nothing new appends nothing. When the table rejects the
// batch the rows are kept for the next call, unless the rejection is a schema
// or alignment fault.
func (c *Connector) TransferData(t *table.Table) error {
	c.mu.Lock()
	batch := c.completed
	c.completed = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := t.Append(batch...); err != nil {
		c.stats.TransferErrors.Inc()
		if errors.Is(err, table.ErrTableFull) {
			c.mu.Lock()
			c.completed = append(batch, c.completed...)
			c.mu.Unlock()
		}
		return fmt.Errorf("transfer %d rows: %w", len(batch), err)
	}
	c.stats.RowsTransferred.Add(float64(len(batch)))
	c.stats.PendingCompleted.Set(float64(c.Pending()))
	return nil
}

// Pending returns the number of completed transactions not yet transferred.
func (c *Connector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.completed)
}

func rowFromTransaction(tx traces.Transaction) table.Row {
	return table.Row{
		Time:            int64(tx.Resp.TimestampNs),
		UPID:            UPIDValue(tx.Conn.UPID),
		ReqOp:           int64(tx.Req.Opcode),
		ReqBody:         tx.Req.Body,
		RespOp:          int64(tx.Resp.Opcode),
		RespBody:        tx.Resp.Body,
		ReqTimestampNs:  int64(tx.Req.TimestampNs),
		RespTimestampNs: int64(tx.Resp.TimestampNs),
		LatencyNs:       int64(tx.Latency()),
		FD:              int64(tx.Conn.FD),
	}
}

// UPIDValue returns the 128-bit column value of a process identity.
func UPIDValue(u discovery.UPID) table.UInt128 {
	return table.UInt128{High: u.High64(), Low: u.Low64()}
}
