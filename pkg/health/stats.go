// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "wiretap"

// Stats holds the self-monitoring metrics of the agent on a private registry.
type Stats struct {
	startTime time.Time
	registry  *prometheus.Registry

	EventsReceived   *prometheus.CounterVec // by kind
	CaptureLoss      *prometheus.CounterVec // by reason
	ParseErrors      *prometheus.CounterVec // by reason
	MessagesDecoded  *prometheus.CounterVec // by type
	Transactions     prometheus.Counter
	Orphans          prometheus.Counter
	Expired          prometheus.Counter
	TransferErrors   prometheus.Counter
	RowsTransferred  prometheus.Counter
	RowsExported     *prometheus.CounterVec // by exporter
	ExportErrors     *prometheus.CounterVec // by exporter
	Connections      prometheus.Gauge
	PendingCompleted prometheus.Gauge
}

// NewStats creates and registers the agent metrics.
func NewStats() *Stats {
	r := prometheus.NewRegistry()
	s := &Stats{
		startTime: time.Now(),
		registry:  r,
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Capture events received by kind",
		}, []string{"kind"}),
		CaptureLoss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_loss_total",
			Help:      "Messages or bytes lost to capture limits by reason",
		}, []string{"reason"}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Frames discarded by decode errors by reason",
		}, []string{"reason"}),
		MessagesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_decoded_total",
			Help:      "Protocol messages decoded by type",
		}, []string{"type"}),
		Transactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Request/response pairs completed",
		}),
		Orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_responses_total",
			Help:      "Responses with no pending request",
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_requests_total",
			Help:      "Requests that never got a response",
		}),
		TransferErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_errors_total",
			Help:      "Failed transfers into the record table",
		}),
		RowsTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_transferred_total",
			Help:      "Rows moved into the record table",
		}),
		RowsExported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_exported_total",
			Help:      "Rows exported by exporter",
		}, []string{"exporter"}),
		ExportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_errors_total",
			Help:      "Export failures by exporter",
		}, []string{"exporter"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_connections",
			Help:      "Connections currently tracked",
		}),
		PendingCompleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "completed_buffer_rows",
			Help:      "Completed transactions waiting for transfer",
		}),
	}
	r.MustRegister(
		s.EventsReceived, s.CaptureLoss, s.ParseErrors, s.MessagesDecoded,
		s.Transactions, s.Orphans, s.Expired, s.TransferErrors,
		s.RowsTransferred, s.RowsExported, s.ExportErrors,
		s.Connections, s.PendingCompleted,
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Agent uptime in seconds",
		}, func() float64 { return time.Since(s.startTime).Seconds() }),
	)
	return s
}

// Registry returns the registry the metrics are registered on.
func (s *Stats) Registry() *prometheus.Registry { return s.registry }

// Uptime returns agent uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}
