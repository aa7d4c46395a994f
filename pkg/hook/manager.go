// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Manager listens on a Unix DGRAM socket for capture events.
// A pool of reader goroutines drains the socket; since workers race each
// other, events of one connection may be delivered out of order and carry a
// Seq so downstream can restore the order.
type Manager struct {
	socketPath string
	logger     *zap.Logger
	numWorkers int

	sink   Sink
	conn   *net.UnixConn
	wg     sync.WaitGroup
	stopCh chan struct{}

	received  atomic.Uint64
	malformed atomic.Uint64
}

// NewManager creates a new datagram event source. workers <= 0 picks a
// default from GOMAXPROCS.
func NewManager(socketPath string, workers int, logger *zap.Logger) *Manager {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
		if workers < 2 {
			workers = 2
		}
		if workers > 8 {
			workers = 8
		}
	}

	return &Manager{
		socketPath: socketPath,
		logger:     logger,
		numWorkers: workers,
		stopCh:     make(chan struct{}),
	}
}

// Name implements Provider.
func (m *Manager) Name() string { return "socket" }

// Start begins listening for capture events.
func (m *Manager) Start(ctx context.Context, sink Sink) error {
	dir := filepath.Dir(m.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	// Remove stale socket
	os.Remove(m.socketPath)

	addr := &net.UnixAddr{Name: m.socketPath, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("listen unix: %w", err)
	}
	m.conn = conn
	m.sink = sink

	conn.SetReadBuffer(4 * 1024 * 1024)
	os.Chmod(m.socketPath, 0777)

	m.logger.Info("hook manager listening",
		zap.String("socket", m.socketPath),
		zap.Int("workers", m.numWorkers),
	)

	// DGRAM sockets guarantee message atomicity, each Read() gets one datagram.
	for i := 0; i < m.numWorkers; i++ {
		m.wg.Add(1)
		go m.readLoop(ctx, i)
	}

	return nil
}

// Stop shuts down the manager.
func (m *Manager) Stop() error {
	select {
	case <-m.stopCh:
		return nil
	default:
	}
	close(m.stopCh)
	if m.conn != nil {
		m.conn.Close()
	}
	m.wg.Wait()
	os.Remove(m.socketPath)
	m.logger.Info("hook manager stopped",
		zap.Uint64("received", m.received.Load()),
		zap.Uint64("malformed", m.malformed.Load()),
	)
	return nil
}

// Received returns the number of events decoded so far.
func (m *Manager) Received() uint64 { return m.received.Load() }

// Malformed returns the number of datagrams that failed to decode.
func (m *Manager) Malformed() uint64 { return m.malformed.Load() }

func (m *Manager) readLoop(ctx context.Context, workerID int) {
	defer m.wg.Done()

	// Each worker gets its own buffer to avoid contention
	buf := make([]byte, HeaderSize+MaxPayload)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		n, err := m.conn.Read(buf)
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				m.logger.Debug("read error", zap.Int("worker", workerID), zap.Error(err))
				continue
			}
		}

		m.handle(buf[:n])
	}
}

func (m *Manager) handle(datagram []byte) {
	ev, err := ParseEvent(datagram)
	if err != nil {
		m.malformed.Add(1)
		m.logger.Debug("event decode error", zap.Int("size", len(datagram)), zap.Error(err))
		return
	}
	if ev.Kind == KindData && len(ev.Payload) == 0 {
		return
	}
	m.received.Add(1)
	m.sink.Ingest(ev)
}

// Emitter writes capture events to a Manager's socket. Capture probes written
// in Go and the replay tooling use it; the kernel probes write the same
// layout directly.
type Emitter struct {
	conn *net.UnixConn
	buf  []byte
}

// NewEmitter dials the datagram socket at socketPath.
func NewEmitter(socketPath string) (*Emitter, error) {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Emitter{conn: conn, buf: make([]byte, 0, HeaderSize+MaxPayload)}, nil
}

// Emit encodes and sends one event.
func (e *Emitter) Emit(ev *RawEvent) error {
	e.buf = AppendEvent(e.buf[:0], ev)
	if _, err := e.conn.Write(e.buf); err != nil {
		return fmt.Errorf("emit event: %w", err)
	}
	return nil
}

// Close closes the underlying socket.
func (e *Emitter) Close() error {
	return e.conn.Close()
}
