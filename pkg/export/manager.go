// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/wiretap/pkg/config"
	"github.com/mbeema/wiretap/pkg/health"
	"github.com/mbeema/wiretap/pkg/redact"
	"github.com/mbeema/wiretap/pkg/table"
	"github.com/mbeema/wiretap/pkg/traces"
	"go.uber.org/zap"
)

// Exporter ships spans built from drained rows.
type Exporter interface {
	Name() string
	ExportSpans(ctx context.Context, spans []*traces.Span) error
	Shutdown(ctx context.Context) error
}

// ErrCircuitOpen is returned when an exporter's circuit breaker rejects a batch.
var ErrCircuitOpen = errors.New("circuit breaker open")

const (
	defaultChannelSize = 64

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0

	breakerThreshold = 5
	breakerReset     = 30 * time.Second
)

// sink pairs an exporter with its own circuit breaker.
type sink struct {
	exp     Exporter
	breaker *CircuitBreaker
}

// ManagerConfig holds what the Manager needs besides its exporters.
type ManagerConfig struct {
	Exporters   *config.ExportersConfig
	ServiceName string
	Version     string
	AgentID     string
	SampleRate  float64
	Redactor    *redact.Redactor
	Stats       *health.Stats

	// ServiceOf names the process a row belongs to. Optional.
	ServiceOf func(pid uint32) string
	// Wall converts capture timestamps to wall time. Defaults to the
	// capture clock of this host.
	Wall traces.WallClock
}

// Manager converts drained rows to spans and fans them out to exporters.
type Manager struct {
	logger      *zap.Logger
	sinks       []*sink
	serviceName string
	serviceOf   func(uint32) string
	wall        traces.WallClock
	redactor    *redact.Redactor
	stats       *health.Stats
	sampler     atomic.Pointer[traces.Sampler]

	rowCh chan []table.Row

	spanCount    atomic.Int64
	sampledCount atomic.Int64
	dropCount    atomic.Int64

	backoff time.Duration

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewManager creates a Manager with the exporters enabled in mc.Exporters.
// A collector that cannot be dialed is logged and skipped.
func NewManager(mc ManagerConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		logger:      logger,
		serviceName: mc.ServiceName,
		serviceOf:   mc.ServiceOf,
		wall:        mc.Wall,
		redactor:    mc.Redactor,
		stats:       mc.Stats,
		rowCh:       make(chan []table.Row, defaultChannelSize),
		backoff:     initialBackoff,
		stopCh:      make(chan struct{}),
	}
	if m.redactor == nil {
		m.redactor = redact.New(false, nil)
	}
	if m.wall == nil {
		m.wall = func(ns uint64) time.Time { return time.Unix(0, int64(ns)) }
	}
	m.SetSampleRate(mc.SampleRate)

	cfg := mc.Exporters
	if cfg == nil {
		return m
	}
	if cfg.OTLP.Enabled {
		exp, err := NewOTLPExporter(&cfg.OTLP, mc.ServiceName, mc.Version, mc.AgentID, logger)
		if err != nil {
			logger.Warn("failed to create OTLP exporter", zap.Error(err))
		} else {
			m.AddExporter(exp)
		}
	}
	if cfg.Stdout.Enabled {
		m.AddExporter(NewStdoutExporter(cfg.Stdout.Format, logger))
	}
	return m
}

// AddExporter registers an exporter. Call before Start.
func (m *Manager) AddExporter(exp Exporter) {
	m.sinks = append(m.sinks, &sink{
		exp:     exp,
		breaker: NewCircuitBreaker(breakerThreshold, breakerReset),
	})
}

// Exporters returns the names of the registered exporters.
func (m *Manager) Exporters() []string {
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.exp.Name()
	}
	return names
}

// SetSampleRate swaps the sampler; safe to call while running.
func (m *Manager) SetSampleRate(rate float64) {
	m.sampler.Store(traces.NewSampler(rate))
}

// Start begins the export goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.processRows(ctx)

	m.logger.Info("export manager started",
		zap.Strings("exporters", m.Exporters()),
		zap.Float64("sample_rate", m.sampler.Load().Rate()),
	)
	return nil
}

// Stop flushes queued rows and shuts down exporters.
func (m *Manager) Stop() error {
	close(m.stopCh)
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Rows queued after the processing loop returned.
	m.drainQueue(ctx)

	var errs []error
	for _, s := range m.sinks {
		if err := s.exp.Shutdown(ctx); err != nil {
			m.logger.Error("exporter shutdown error", zap.String("exporter", s.exp.Name()), zap.Error(err))
			errs = append(errs, err)
		}
	}

	m.logger.Info("export manager stopped",
		zap.Int64("spans_exported", m.spanCount.Load()),
		zap.Int64("spans_sampled_out", m.sampledCount.Load()),
		zap.Int64("dropped", m.dropCount.Load()),
	)
	return errors.Join(errs...)
}

// ExportRows queues a drained batch. The batch is dropped when the queue is
// full; the rows are already recorded in the table.
func (m *Manager) ExportRows(rows []table.Row) {
	if len(rows) == 0 || len(m.sinks) == 0 {
		return
	}
	select {
	case m.rowCh <- rows:
	default:
		m.dropCount.Add(int64(len(rows)))
		m.logger.Warn("export queue full, dropping rows", zap.Int("rows", len(rows)))
	}
}

func (m *Manager) processRows(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case rows := <-m.rowCh:
			m.flush(ctx, rows)

		case <-m.stopCh:
			m.drainQueue(ctx)
			return

		case <-ctx.Done():
			m.drainQueue(context.Background())
			return
		}
	}
}

func (m *Manager) drainQueue(ctx context.Context) {
	for {
		select {
		case rows := <-m.rowCh:
			m.flush(ctx, rows)
		default:
			return
		}
	}
}

// Spans converts rows to sampled, redacted spans.
func (m *Manager) Spans(rows []table.Row) []*traces.Span {
	spans := make([]*traces.Span, 0, len(rows))
	for _, r := range rows {
		spans = append(spans, m.span(r))
	}
	kept := m.sampler.Load().Filter(spans)
	m.sampledCount.Add(int64(len(rows) - len(kept)))
	return kept
}

func (m *Manager) span(r table.Row) *traces.Span {
	service := m.serviceName
	if m.serviceOf != nil {
		if name := m.serviceOf(uint32(r.UPID.High)); name != "" {
			service = name
		}
	}
	s := traces.SpanFromRow(r, service, m.wall)
	if m.redactor.Enabled() {
		if stmt, ok := s.Attributes["db.statement"]; ok {
			s.Attributes["db.statement"] = m.redactor.Statement(stmt)
		}
		m.redactor.RedactMap(s.Attributes, "db.response.summary")
		s.StatusMsg = m.redactor.Redact(s.StatusMsg)
	}
	return s
}

func (m *Manager) flush(ctx context.Context, rows []table.Row) {
	spans := m.Spans(rows)
	if len(spans) == 0 {
		return
	}
	delivered := false
	for _, s := range m.sinks {
		name := s.exp.Name()
		err := m.retryExport(ctx, s, func(expCtx context.Context) error {
			return s.exp.ExportSpans(expCtx, spans)
		})
		if err != nil {
			if m.stats != nil {
				m.stats.ExportErrors.WithLabelValues(name).Inc()
			}
			continue
		}
		delivered = true
		if m.stats != nil {
			m.stats.RowsExported.WithLabelValues(name).Add(float64(len(spans)))
		}
	}
	if delivered {
		m.spanCount.Add(int64(len(spans)))
	} else {
		m.dropCount.Add(int64(len(spans)))
	}
}

// retryExport attempts an export with exponential backoff behind the
// sink's circuit breaker.
func (m *Manager) retryExport(ctx context.Context, s *sink, exportFn func(context.Context) error) error {
	name := s.exp.Name()
	if !s.breaker.Allow() {
		m.logger.Debug("circuit breaker open, dropping export", zap.String("exporter", name))
		return ErrCircuitOpen
	}

	backoff := m.backoff

	for attempt := 0; ; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := exportFn(exportCtx)
		cancel()

		if err == nil {
			s.breaker.RecordSuccess()
			return nil
		}

		s.breaker.RecordFailure()

		if attempt == maxRetries || s.breaker.State() == CircuitOpen {
			m.logger.Error("export failed",
				zap.String("exporter", name),
				zap.Int("attempts", attempt+1),
				zap.Stringer("breaker", s.breaker.State()),
				zap.Error(err),
			)
			return err
		}

		m.logger.Warn("export failed, retrying",
			zap.String("exporter", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
}

// Stats returns exported, sampled-out and dropped span counts.
func (m *Manager) Stats() (exported, sampledOut, dropped int64) {
	return m.spanCount.Load(), m.sampledCount.Load(), m.dropCount.Load()
}

// QueueDepth returns the number of batches waiting for export.
func (m *Manager) QueueDepth() int {
	return len(m.rowCh)
}

// QueueFull reports whether the next ExportRows would drop its batch.
func (m *Manager) QueueFull() bool {
	return len(m.rowCh) == cap(m.rowCh)
}
