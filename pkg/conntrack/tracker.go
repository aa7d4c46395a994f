// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package conntrack

import (
	"fmt"
	"sync"
	"time"

	"github.com/mbeema/wiretap/pkg/discovery"
	"github.com/mbeema/wiretap/pkg/hook"
	"github.com/mbeema/wiretap/pkg/protocol"
	"github.com/mbeema/wiretap/pkg/reassembly"
)

// Role tells which side of the connection the traced process is on.
type Role int

const (
	RoleUnknown Role = iota
	RoleClient       // local process called connect()
	RoleServer       // local process accepted via accept()
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// ConnID identifies one logical connection for its lifetime.
type ConnID struct {
	UPID discovery.UPID
	FD   int32
}

func (id ConnID) String() string {
	return fmt.Sprintf("%s/fd%d", id.UPID, id.FD)
}

// Conn is the tracked state of one connection: metadata, the detected
// protocol with its decoder, and one DataStream per direction.
type Conn struct {
	ID         ConnID
	Role       Role
	RemoteAddr uint32 // IPv4 in host byte order
	RemotePort uint16
	SSL        bool

	Protocol protocol.Protocol
	Decoder  protocol.Decoder
	Ignored  bool // not a traced protocol; data is dropped

	Send *reassembly.DataStream
	Recv *reassembly.DataStream

	Opened       time.Time
	LastActivity time.Time
	BytesSent    uint64
	BytesRecv    uint64

	detectAttempts int
}

// Stream returns the DataStream for dir.
func (c *Conn) Stream(dir hook.Direction) *reassembly.DataStream {
	if dir == hook.DirSend {
		return c.Send
	}
	return c.Recv
}

// RemoteAddrStr returns the remote address as a dotted-quad string.
func (c *Conn) RemoteAddrStr() string {
	return fmt.Sprintf("%d.%d.%d.%d",
		c.RemoteAddr&0xFF,
		(c.RemoteAddr>>8)&0xFF,
		(c.RemoteAddr>>16)&0xFF,
		(c.RemoteAddr>>24)&0xFF,
	)
}

// Config bounds a Tracker.
type Config struct {
	Stream            reassembly.Config
	CQLPorts          []uint16
	MaxConns          int
	MaxDetectAttempts int
	MaxBodyLen        int // rendered body limit, 0 for the decoder default
	CaptureCeiling    int // per-event payload clip, 0 keeps what the source delivered
}

// maxTrackedConns limits the number of tracked connections to prevent
// unbounded memory growth under connection storms.
const maxTrackedConns = 100000

// defaultDetectAttempts is how many data events may fail classification
// before a connection is ignored.
const defaultDetectAttempts = 4

// Tracker maps ConnIDs to connection state and feeds captured bytes into the
// right DataStream. Connection state is meant to be mutated by one goroutine;
// the lock only protects the map for observers such as Len.
type Tracker struct {
	cfg Config

	mu    sync.RWMutex
	conns map[ConnID]*Conn

	onEvict func(*Conn)
}

// NewTracker creates a new connection tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = maxTrackedConns
	}
	if cfg.MaxDetectAttempts <= 0 {
		cfg.MaxDetectAttempts = defaultDetectAttempts
	}
	if len(cfg.CQLPorts) == 0 {
		cfg.CQLPorts = []uint16{protocol.DefaultCQLPort}
	}
	return &Tracker{
		cfg:   cfg,
		conns: make(map[ConnID]*Conn),
	}
}

// OnEvict registers a callback for connections dropped to stay under
// MaxConns.
func (t *Tracker) OnEvict(fn func(*Conn)) {
	t.onEvict = fn
}

// Open records a connect() or accept(). A connection already tracked under
// the same id (fd reuse without a close event) is replaced and returned as
// stale.
func (t *Tracker) Open(id ConnID, role Role, remoteAddr uint32, remotePort uint16, now time.Time) (conn, stale *Conn) {
	conn = t.newConn(id, now)
	conn.Role = role
	conn.RemoteAddr = remoteAddr
	conn.RemotePort = remotePort

	t.mu.Lock()
	stale = t.conns[id]
	delete(t.conns, id)
	evicted := t.insertLocked(conn)
	t.mu.Unlock()

	if evicted != nil && t.onEvict != nil {
		t.onEvict(evicted)
	}
	return conn, stale
}

// Ingest appends a data event's bytes to the connection's stream for the
// event direction, creating the connection on first sight. It returns nil
// for connections that are not a traced protocol.
func (t *Tracker) Ingest(id ConnID, ev *hook.RawEvent, now time.Time) (*Conn, reassembly.Loss) {
	conn := t.getOrCreate(id, now)
	conn.LastActivity = now
	if ev.SSL {
		conn.SSL = true
	}
	if ev.Direction == hook.DirSend {
		conn.BytesSent += uint64(ev.OriginalLen)
	} else {
		conn.BytesRecv += uint64(ev.OriginalLen)
	}

	if conn.Ignored {
		return nil, reassembly.Loss{}
	}

	payload, missing := ev.Payload, ev.Missing()
	if c := t.cfg.CaptureCeiling; c > 0 && len(payload) > c {
		missing += len(payload) - c
		payload = payload[:c]
	}

	if conn.Decoder == nil && !t.classify(conn, payload) {
		return nil, reassembly.Loss{}
	}

	loss := conn.Stream(ev.Direction).Append(reassembly.Segment{
		Seq:         ev.Seq,
		TimestampNs: ev.TimestampNs,
		Payload:     payload,
		Missing:     missing,
	}, now)
	return conn, loss
}

// Lose records that a data event of the connection never reached the
// tracker. The stream gets a hole of unknown size in the event's place.
// Connections not yet classified have nothing buffered to protect.
func (t *Tracker) Lose(id ConnID, dir hook.Direction, seq uint64, now time.Time) reassembly.Loss {
	conn, ok := t.Get(id)
	if !ok || conn.Ignored || conn.Decoder == nil {
		return reassembly.Loss{}
	}
	return conn.Stream(dir).Append(reassembly.Segment{Seq: seq, Lost: true}, now)
}

// classify runs protocol detection on a connection's data. It returns false
// while the connection is unclassified.
func (t *Tracker) classify(conn *Conn, data []byte) bool {
	conn.detectAttempts++
	p := protocol.Detect(data, conn.RemotePort, t.cfg.CQLPorts)
	if p == protocol.Unknown {
		if conn.detectAttempts >= t.cfg.MaxDetectAttempts {
			conn.Ignored = true
		}
		return false
	}
	dec, err := protocol.NewDecoderWithLimit(p, t.cfg.MaxBodyLen)
	if err != nil {
		conn.Ignored = true
		return false
	}
	conn.Protocol = p
	conn.Decoder = dec
	return true
}

// PollParseable decodes every complete frame buffered for dir, in stream
// order. Returns the number of messages emitted.
func (t *Tracker) PollParseable(conn *Conn, dir hook.Direction, emit func(protocol.Message), drop func(error)) int {
	if conn == nil || conn.Decoder == nil {
		return 0
	}
	return reassembly.Extract(conn.Stream(dir), conn.Decoder, emit, drop)
}

// Tick closes sequence gaps that have waited too long and decodes what they
// were holding back.
func (t *Tracker) Tick(now time.Time, emit func(*Conn, protocol.Message), drop func(*Conn, error)) reassembly.Loss {
	var loss reassembly.Loss
	for _, conn := range t.snapshot() {
		if conn.Decoder == nil {
			continue
		}
		for _, dir := range []hook.Direction{hook.DirSend, hook.DirRecv} {
			l := conn.Stream(dir).Tick(now)
			if !l.Any() {
				continue
			}
			loss.Gaps += l.Gaps
			loss.Overflows += l.Overflows
			c := conn
			t.PollParseable(c, dir,
				func(m protocol.Message) { emit(c, m) },
				func(err error) { drop(c, err) })
		}
	}
	return loss
}

// Close flushes whatever complete frames remain on both directions, then
// forgets the connection. Returns nil if the id was not tracked.
func (t *Tracker) Close(id ConnID, emit func(protocol.Message), drop func(error)) *Conn {
	conn := t.Remove(id)
	if conn == nil {
		return nil
	}
	t.PollParseable(conn, hook.DirSend, emit, drop)
	t.PollParseable(conn, hook.DirRecv, emit, drop)
	return conn
}

// Get returns the connection for id.
func (t *Tracker) Get(id ConnID) (*Conn, bool) {
	t.mu.RLock()
	conn, ok := t.conns[id]
	t.mu.RUnlock()
	return conn, ok
}

// Remove removes a connection and returns its final state.
func (t *Tracker) Remove(id ConnID) *Conn {
	t.mu.Lock()
	conn := t.conns[id]
	delete(t.conns, id)
	t.mu.Unlock()
	return conn
}

// Len returns the number of tracked connections.
func (t *Tracker) Len() int {
	t.mu.RLock()
	n := len(t.conns)
	t.mu.RUnlock()
	return n
}

// CleanStale removes connections idle for longer than maxIdle and returns
// them so their pending requests can be expired.
func (t *Tracker) CleanStale(maxIdle time.Duration, now time.Time) []*Conn {
	cutoff := now.Add(-maxIdle)
	var removed []*Conn

	t.mu.Lock()
	for id, conn := range t.conns {
		if conn.LastActivity.Before(cutoff) {
			delete(t.conns, id)
			removed = append(removed, conn)
		}
	}
	t.mu.Unlock()

	return removed
}

func (t *Tracker) snapshot() []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

func (t *Tracker) newConn(id ConnID, now time.Time) *Conn {
	return &Conn{
		ID:           id,
		Send:         reassembly.NewDataStream(t.cfg.Stream),
		Recv:         reassembly.NewDataStream(t.cfg.Stream),
		Opened:       now,
		LastActivity: now,
	}
}

func (t *Tracker) getOrCreate(id ConnID, now time.Time) *Conn {
	t.mu.RLock()
	conn, ok := t.conns[id]
	t.mu.RUnlock()
	if ok {
		return conn
	}

	conn = t.newConn(id, now)
	t.mu.Lock()
	evicted := t.insertLocked(conn)
	t.mu.Unlock()

	if evicted != nil && t.onEvict != nil {
		t.onEvict(evicted)
	}
	return conn
}

// insertLocked adds conn, evicting the least recently active connection when
// full. Must be called under t.mu.
func (t *Tracker) insertLocked(conn *Conn) *Conn {
	var evicted *Conn
	if len(t.conns) >= t.cfg.MaxConns {
		evicted = t.evictOldestLocked()
	}
	t.conns[conn.ID] = conn
	return evicted
}

// evictOldestLocked removes the least recently active connection. Must be
// called under t.mu.
func (t *Tracker) evictOldestLocked() *Conn {
	var oldest *Conn
	for _, c := range t.conns {
		if oldest == nil || c.LastActivity.Before(oldest.LastActivity) {
			oldest = c
		}
	}
	if oldest != nil {
		delete(t.conns, oldest.ID)
	}
	return oldest
}
