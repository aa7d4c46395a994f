// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// cqlreplay feeds a canned CQL client session into a running wiretap's
// capture socket, for demos and smoke tests without a Cassandra cluster.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbeema/wiretap/pkg/hook"
	"github.com/mbeema/wiretap/pkg/protocol/cql/cqltest"
	"go.uber.org/zap"
)

// session emits events as seen from one client connection.
type session struct {
	em   *hook.Emitter
	pid  uint32
	fd   int32
	seq  [2]uint64
	sent int
}

func (s *session) lifecycle(kind hook.Kind) error {
	return s.em.Emit(&hook.RawEvent{
		Kind:        kind,
		PID:         s.pid,
		TID:         s.pid,
		FD:          s.fd,
		TimestampNs: hook.MonotonicNow(),
		RemoteAddr:  0x7f000001,
		RemotePort:  9042,
	})
}

func (s *session) data(dir hook.Direction, frame []byte) error {
	s.seq[dir]++
	ev := &hook.RawEvent{
		Kind:        hook.KindData,
		PID:         s.pid,
		TID:         s.pid,
		FD:          s.fd,
		Direction:   dir,
		TimestampNs: hook.MonotonicNow(),
		Seq:         s.seq[dir],
		OriginalLen: uint32(len(frame)),
		Payload:     frame,
		RemoteAddr:  0x7f000001,
		RemotePort:  9042,
	}
	if len(frame) > hook.MaxPayload {
		ev.Payload = frame[:hook.MaxPayload]
	}
	s.sent++
	return s.em.Emit(ev)
}

func (s *session) exchange(req, resp []byte, latency time.Duration) error {
	if err := s.data(hook.DirSend, req); err != nil {
		return err
	}
	time.Sleep(latency)
	return s.data(hook.DirRecv, resp)
}

// run replays one connection: handshake, a schema read, a keyspace switch,
// a failing query and, with big set, a result above the capture ceiling.
func (s *session) run(big bool) error {
	if err := s.lifecycle(hook.KindConnect); err != nil {
		return err
	}
	steps := []struct {
		req, resp []byte
	}{
		{cqltest.Startup(0, "CQL_VERSION", "3.0.0"), cqltest.Ready(0)},
		{cqltest.Query(1, "SELECT * FROM system_schema.keyspaces"),
			cqltest.RowsResult(1, "system_schema", "keyspaces", []string{"keyspace_name", "durable_writes", "replication"}, 13, 0)},
		{cqltest.Query(2, "SELECT nope FROM system.local"), cqltest.Error(2, 0x2200, "Undefined column name nope")},
		{cqltest.Query(3, "INSERT INTO shop.orders (id, total) VALUES (42, 19.99)"), cqltest.VoidResult(3)},
	}
	if big {
		steps = append(steps, struct{ req, resp []byte }{
			cqltest.Query(4, "SELECT * FROM shop.orders"),
			cqltest.RowsResult(4, "shop", "orders", []string{"id", "total"}, 1000, hook.MaxPayload+4096),
		})
	}
	for _, st := range steps {
		if err := s.exchange(st.req, st.resp, 2*time.Millisecond); err != nil {
			return err
		}
	}
	return s.lifecycle(hook.KindClose)
}

func main() {
	var (
		socketPath string
		count      int
		interval   time.Duration
		big        bool
	)
	flag.StringVar(&socketPath, "socket", "/var/run/wiretap/hook.sock", "wiretap capture socket")
	flag.IntVar(&count, "count", 1, "sessions to replay (0 runs until interrupted)")
	flag.DurationVar(&interval, "interval", time.Second, "pause between sessions")
	flag.BoolVar(&big, "big", false, "include a result larger than the capture ceiling")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	em, err := hook.NewEmitter(socketPath)
	if err != nil {
		logger.Fatal("failed to open capture socket", zap.Error(err))
	}
	defer em.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pid := uint32(os.Getpid())
	for i := 0; count == 0 || i < count; i++ {
		s := &session{em: em, pid: pid, fd: int32(100 + i%1000)}
		if err := s.run(big); err != nil {
			logger.Fatal("replay failed", zap.Int("session", i), zap.Error(err))
		}
		logger.Info("session replayed", zap.Int("session", i), zap.Int("events", s.sent))

		select {
		case <-sigCh:
			return
		case <-time.After(interval):
		}
	}
}
