// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type collectSink struct {
	mu     sync.Mutex
	events []*RawEvent
}

func (c *collectSink) Ingest(ev *RawEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collectSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestManagerHandleDeliversEvent(t *testing.T) {
	sink := &collectSink{}
	m := &Manager{logger: zap.NewNop(), sink: sink}

	m.handle(AppendEvent(nil, &RawEvent{
		Kind:      KindData,
		PID:       1234,
		FD:        3,
		Direction: DirSend,
		Payload:   []byte("ping"),
	}))

	if sink.len() != 1 {
		t.Fatalf("delivered %d events, want 1", sink.len())
	}
	if got := sink.events[0]; got.PID != 1234 || string(got.Payload) != "ping" {
		t.Errorf("event = pid %d payload %q", got.PID, got.Payload)
	}
	if m.Received() != 1 {
		t.Errorf("Received() = %d, want 1", m.Received())
	}
}

func TestManagerHandleSkipsEmptyData(t *testing.T) {
	sink := &collectSink{}
	m := &Manager{logger: zap.NewNop(), sink: sink}

	m.handle(AppendEvent(nil, &RawEvent{Kind: KindData, PID: 1, FD: 3}))

	if sink.len() != 0 {
		t.Errorf("delivered %d events, want 0 for empty data", sink.len())
	}
}

func TestManagerHandleCountsMalformed(t *testing.T) {
	sink := &collectSink{}
	m := &Manager{logger: zap.NewNop(), sink: sink}

	m.handle([]byte{1, 2, 3})

	if m.Malformed() != 1 {
		t.Errorf("Malformed() = %d, want 1", m.Malformed())
	}
	if sink.len() != 0 {
		t.Error("malformed datagram must not reach the sink")
	}
}

func TestManagerSocketRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "wiretap-hook")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "hook.sock")

	sink := &collectSink{}
	m := NewManager(sock, 1, zap.NewNop())
	if err := m.Start(context.Background(), sink); err != nil {
		t.Skipf("unix datagram sockets unavailable: %v", err)
	}
	defer m.Stop()

	em, err := NewEmitter(sock)
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}
	defer em.Close()

	if err := em.Emit(&RawEvent{Kind: KindClose, PID: 9, FD: 4}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.len() != 1 {
		t.Fatalf("delivered %d events, want 1", sink.len())
	}
	if sink.events[0].Kind != KindClose {
		t.Errorf("Kind = %v, want close", sink.events[0].Kind)
	}
}

func TestClockWall(t *testing.T) {
	c := NewClock()
	now := MonotonicNow()
	diff := time.Since(c.Wall(now))
	if diff < -time.Second || diff > time.Second {
		t.Errorf("Wall(now) off by %v", diff)
	}
}
