// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbeema/wiretap/pkg/health"
	"github.com/mbeema/wiretap/pkg/redact"
	"github.com/mbeema/wiretap/pkg/table"
	"github.com/mbeema/wiretap/pkg/traces"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

type recordingExporter struct {
	name string
	fail int // number of calls to fail before succeeding

	mu       sync.Mutex
	calls    int
	spans    []*traces.Span
	shutdown bool
}

func (r *recordingExporter) Name() string { return r.name }

func (r *recordingExporter) ExportSpans(ctx context.Context, spans []*traces.Span) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.fail {
		return errors.New("collector unavailable")
	}
	r.spans = append(r.spans, spans...)
	return nil
}

func (r *recordingExporter) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = true
	return nil
}

func (r *recordingExporter) snapshot() (int, []*traces.Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, append([]*traces.Span(nil), r.spans...)
}

func queryRow(pid uint32, body string) table.Row {
	return table.Row{
		UPID:            table.UInt128{High: uint64(pid), Low: 5},
		ReqOp:           0x07,
		ReqBody:         body,
		RespOp:          0x08,
		RespBody:        "Response type = VOID",
		ReqTimestampNs:  1000,
		RespTimestampNs: 3000,
		LatencyNs:       2000,
		FD:              9,
	}
}

func newTestManager(mc ManagerConfig, exps ...Exporter) *Manager {
	if mc.SampleRate == 0 {
		mc.SampleRate = 1.0
	}
	m := NewManager(mc, zap.NewNop())
	m.backoff = time.Millisecond
	for _, e := range exps {
		m.AddExporter(e)
	}
	return m
}

func TestManagerSpansNamesAndRedacts(t *testing.T) {
	m := newTestManager(ManagerConfig{
		ServiceName: "wiretap",
		Redactor:    redact.New(true, nil),
		ServiceOf: func(pid uint32) string {
			if pid == 4100 {
				return "orders"
			}
			return ""
		},
	})

	spans := m.Spans([]table.Row{
		queryRow(4100, "SELECT * FROM ks.t WHERE k = 'secret'\nValues = [0x01]"),
		queryRow(4200, "SELECT * FROM system_schema.keyspaces"),
	})
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].ServiceName != "orders" || spans[1].ServiceName != "wiretap" {
		t.Errorf("service names = %q/%q", spans[0].ServiceName, spans[1].ServiceName)
	}
	if got := spans[0].Attributes["db.statement"]; got != "SELECT * FROM ks.t WHERE k = ?" {
		t.Errorf("db.statement = %q", got)
	}
	if !spans[0].StartTime.Equal(time.Unix(0, 1000)) {
		t.Errorf("StartTime = %v", spans[0].StartTime)
	}
}

func TestManagerSampleRateZeroKeepsErrors(t *testing.T) {
	m := newTestManager(ManagerConfig{})
	m.SetSampleRate(0)

	errRow := queryRow(1, "SELECT nope FROM t")
	errRow.RespOp = 0x00
	errRow.RespBody = "[8704] Undefined column name nope"

	spans := m.Spans([]table.Row{queryRow(1, "SELECT 1"), errRow})
	if len(spans) != 1 || !spans[0].IsError() {
		t.Fatalf("spans = %v, want only the error span", spans)
	}
	if _, sampled, _ := m.Stats(); sampled != 1 {
		t.Errorf("sampled out = %d, want 1", sampled)
	}
}

func TestManagerExportsAndCounts(t *testing.T) {
	stats := health.NewStats()
	rec := &recordingExporter{name: "rec"}
	m := newTestManager(ManagerConfig{Stats: stats}, rec)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.ExportRows([]table.Row{queryRow(1, "SELECT 1"), queryRow(2, "SELECT 2")})
	m.ExportRows([]table.Row{queryRow(3, "SELECT 3")})
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	_, spans := rec.snapshot()
	if len(spans) != 3 {
		t.Errorf("exported spans = %d, want 3", len(spans))
	}
	if !rec.shutdown {
		t.Error("exporter not shut down")
	}
	if got := testutil.ToFloat64(stats.RowsExported.WithLabelValues("rec")); got != 3 {
		t.Errorf("rows exported = %v, want 3", got)
	}
	if exported, _, dropped := m.Stats(); exported != 3 || dropped != 0 {
		t.Errorf("Stats() exported=%d dropped=%d, want 3/0", exported, dropped)
	}
}

func TestManagerStopFlushesRowsQueuedAfterCancel(t *testing.T) {
	rec := &recordingExporter{name: "rec"}
	m := newTestManager(ManagerConfig{}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	// Let the processing loop observe the cancellation.
	time.Sleep(20 * time.Millisecond)

	m.ExportRows([]table.Row{queryRow(1, "SELECT late")})
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, spans := rec.snapshot(); len(spans) != 1 {
		t.Errorf("exported spans = %d, want 1", len(spans))
	}
}

func TestManagerRetriesTransientFailure(t *testing.T) {
	rec := &recordingExporter{name: "flaky", fail: 2}
	m := newTestManager(ManagerConfig{}, rec)

	m.flush(context.Background(), []table.Row{queryRow(1, "SELECT 1")})

	calls, spans := rec.snapshot()
	if calls != 3 || len(spans) != 1 {
		t.Errorf("calls=%d spans=%d, want 3/1", calls, len(spans))
	}
}

func TestManagerOpensBreakerPerExporter(t *testing.T) {
	stats := health.NewStats()
	dead := &recordingExporter{name: "dead", fail: 1 << 30}
	live := &recordingExporter{name: "live"}
	m := newTestManager(ManagerConfig{Stats: stats}, dead, live)

	for i := 0; i < 3; i++ {
		m.flush(context.Background(), []table.Row{queryRow(1, "SELECT 1")})
	}

	deadCalls, _ := dead.snapshot()
	// 4 attempts on the first flush, 1 more opens the breaker, the third
	// flush is rejected without a call.
	if deadCalls != breakerThreshold {
		t.Errorf("dead exporter calls = %d, want %d", deadCalls, breakerThreshold)
	}
	if _, spans := live.snapshot(); len(spans) != 3 {
		t.Errorf("live exporter spans = %d, want 3", len(spans))
	}
	if got := testutil.ToFloat64(stats.ExportErrors.WithLabelValues("dead")); got != 3 {
		t.Errorf("export errors = %v, want 3", got)
	}
}

func TestManagerWithoutExportersIgnoresRows(t *testing.T) {
	m := newTestManager(ManagerConfig{})
	m.ExportRows([]table.Row{queryRow(1, "SELECT 1")})
	if m.QueueDepth() != 0 {
		t.Errorf("QueueDepth() = %d, want 0", m.QueueDepth())
	}
}
