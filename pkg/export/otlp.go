// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"maps"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mbeema/wiretap/pkg/config"
	"github.com/mbeema/wiretap/pkg/traces"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// maxRequestBytes keeps export requests under the collector's default
// 4 MiB gRPC receive limit.
const maxRequestBytes = 4 * 1024 * 1024

const scopeName = "github.com/mbeema/wiretap"

// OTLPExporter sends spans via OTLP gRPC with automatic reconnection.
type OTLPExporter struct {
	logger         *zap.Logger
	serviceName    string
	serviceVersion string
	agentID        string
	endpoint       string
	timeout        time.Duration
	headers        metadata.MD
	opts           []grpc.DialOption

	mu       sync.RWMutex
	conn     *grpc.ClientConn
	traceSvc coltracepb.TraceServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC trace exporter.
func NewOTLPExporter(cfg *config.OTLPConfig, serviceName, serviceVersion, agentID string, logger *zap.Logger) (*OTLPExporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(maxRequestBytes+64*1024),
			grpc.UseCompressor("gzip"),
		),
	}
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}

	e := &OTLPExporter{
		logger:         logger,
		serviceName:    serviceName,
		serviceVersion: serviceVersion,
		agentID:        agentID,
		endpoint:       cfg.Endpoint,
		timeout:        cfg.Timeout,
		opts:           opts,
	}
	if len(cfg.Headers) > 0 {
		e.headers = metadata.New(cfg.Headers)
	}

	if err := e.connect(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *OTLPExporter) Name() string { return "otlp" }

// connect establishes or re-establishes the gRPC connection.
func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}
	e.conn = conn
	e.traceSvc = coltracepb.NewTraceServiceClient(conn)
	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}
	switch conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	default:
		return nil
	}
}

// reconnect closes the old connection and creates a new one.
func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		state := e.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))
	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}
	return nil
}

// resourceFor returns the resource of one observed process. The agent id
// ties every span back to the wiretap instance that recorded it.
func (e *OTLPExporter) resourceFor(serviceName string, pid uint32, startTimeNs uint64) *resourcepb.Resource {
	hostname, _ := os.Hostname()
	if serviceName == "" {
		serviceName = e.serviceName
	}

	attrs := []*commonpb.KeyValue{
		strAttr("service.name", serviceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d-%d", hostname, pid, startTimeNs)),
		strAttr("telemetry.sdk.name", "wiretap"),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(pid)),
	}
	if e.agentID != "" {
		attrs = append(attrs, strAttr("wiretap.agent.id", e.agentID))
	}
	if e.serviceVersion != "" {
		attrs = append(attrs, strAttr("telemetry.sdk.version", e.serviceVersion))
	}
	return &resourcepb.Resource{Attributes: attrs}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

type processKey struct {
	name        string
	pid         uint32
	startTimeNs uint64
}

// buildRequests groups spans per observed process and splits the result so
// no request exceeds maxRequestBytes.
func (e *OTLPExporter) buildRequests(spans []*traces.Span) []*coltracepb.ExportTraceServiceRequest {
	grouped := make(map[processKey][]*tracepb.Span)
	var order []processKey
	for _, s := range spans {
		ps, err := convertSpan(s)
		if err != nil {
			e.logger.Debug("skip span conversion", zap.Error(err))
			continue
		}
		key := processKey{name: s.ServiceName, pid: s.PID, startTimeNs: s.StartTimeNs}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], ps)
	}

	scope := &commonpb.InstrumentationScope{Name: scopeName, Version: e.serviceVersion}

	var reqs []*coltracepb.ExportTraceServiceRequest
	cur := &coltracepb.ExportTraceServiceRequest{}
	size := 0
	for _, key := range order {
		var rs *tracepb.ResourceSpans
		for _, ps := range grouped[key] {
			n := proto.Size(ps)
			if size > 0 && size+n > maxRequestBytes {
				reqs = append(reqs, cur)
				cur = &coltracepb.ExportTraceServiceRequest{}
				size = 0
				rs = nil
			}
			if rs == nil {
				rs = &tracepb.ResourceSpans{
					Resource:   e.resourceFor(key.name, key.pid, key.startTimeNs),
					ScopeSpans: []*tracepb.ScopeSpans{{Scope: scope}},
				}
				cur.ResourceSpans = append(cur.ResourceSpans, rs)
			}
			rs.ScopeSpans[0].Spans = append(rs.ScopeSpans[0].Spans, ps)
			size += n
		}
	}
	if size > 0 {
		reqs = append(reqs, cur)
	}
	return reqs
}

// ExportSpans sends spans via OTLP gRPC.
func (e *OTLPExporter) ExportSpans(ctx context.Context, spans []*traces.Span) error {
	if len(spans) == 0 {
		return nil
	}
	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}
	if e.headers != nil {
		ctx = metadata.NewOutgoingContext(ctx, e.headers)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	e.mu.RLock()
	svc := e.traceSvc
	e.mu.RUnlock()

	for _, req := range e.buildRequests(spans) {
		resp, err := svc.Export(ctx, req)
		if err != nil {
			return fmt.Errorf("export traces: %w", err)
		}
		if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedSpans() > 0 {
			e.logger.Warn("collector rejected spans",
				zap.Int64("rejected", ps.GetRejectedSpans()),
				zap.String("message", ps.GetErrorMessage()),
			)
		}
	}
	return nil
}

func convertSpan(s *traces.Span) (*tracepb.Span, error) {
	traceID, err := hexToBytes(s.TraceID, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid trace ID: %w", err)
	}
	spanID, err := hexToBytes(s.SpanID, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid span ID: %w", err)
	}

	ps := &tracepb.Span{
		TraceId:           traceID,
		SpanId:            spanID,
		Name:              strings.ToValidUTF8(s.Name, "�"),
		Kind:              convertSpanKind(s.Kind),
		StartTimeUnixNano: uint64(s.StartTime.UnixNano()),
		EndTimeUnixNano:   uint64(s.EndTime.UnixNano()),
		Status:            &tracepb.Status{},
	}

	switch s.Status {
	case traces.StatusOK:
		ps.Status.Code = tracepb.Status_STATUS_CODE_OK
	case traces.StatusError:
		ps.Status.Code = tracepb.Status_STATUS_CODE_ERROR
		ps.Status.Message = strings.ToValidUTF8(s.StatusMsg, "�")
	default:
		ps.Status.Code = tracepb.Status_STATUS_CODE_UNSET
	}

	// Recorded bodies can hold binary column values.
	for _, k := range slices.Sorted(maps.Keys(s.Attributes)) {
		ps.Attributes = append(ps.Attributes, strAttr(k, strings.ToValidUTF8(s.Attributes[k], "�")))
	}
	return ps, nil
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		err := e.conn.Close()
		e.conn = nil
		return err
	}
	return nil
}

func hexToBytes(s string, expectedLen int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != expectedLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", expectedLen, len(b))
	}
	return b, nil
}

func convertSpanKind(k traces.SpanKind) tracepb.Span_SpanKind {
	switch k {
	case traces.SpanKindServer:
		return tracepb.Span_SPAN_KIND_SERVER
	case traces.SpanKindClient:
		return tracepb.Span_SPAN_KIND_CLIENT
	default:
		return tracepb.Span_SPAN_KIND_INTERNAL
	}
}
