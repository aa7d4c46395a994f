// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mbeema/wiretap/pkg/protocol"
	"github.com/mbeema/wiretap/pkg/protocol/cql"
	"github.com/mbeema/wiretap/pkg/table"
)

// SpanKind identifies the relationship of a span to its parent.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
)

func (k SpanKind) String() string {
	switch k {
	case SpanKindServer:
		return "SERVER"
	case SpanKindClient:
		return "CLIENT"
	default:
		return "INTERNAL"
	}
}

// StatusCode represents the span status.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

// Span is an OTEL-compatible view of one recorded transaction.
type Span struct {
	TraceID   string
	SpanID    string
	Name      string
	Kind      SpanKind
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Status    StatusCode
	StatusMsg string

	ServiceName string
	PID         uint32
	StartTimeNs uint64 // process start, second half of the upid
	FD          int64

	Attributes map[string]string
}

// WallClock converts a capture timestamp to wall time.
type WallClock func(monoNs uint64) time.Time

// SpanFromRow builds a CLIENT span for a recorded CQL transaction.
func SpanFromRow(r table.Row, service string, wall WallClock) *Span {
	reqOp := protocol.OpcodeName(protocol.CQL, protocol.Request, uint8(r.ReqOp))
	respOp := protocol.OpcodeName(protocol.CQL, protocol.Response, uint8(r.RespOp))

	s := &Span{
		TraceID:     GenerateTraceID(),
		SpanID:      GenerateSpanID(),
		Name:        "CQL " + reqOp,
		Kind:        SpanKindClient,
		StartTime:   wall(uint64(r.ReqTimestampNs)),
		EndTime:     wall(uint64(r.RespTimestampNs)),
		Duration:    time.Duration(r.LatencyNs),
		Status:      StatusOK,
		ServiceName: service,
		PID:         uint32(r.UPID.High),
		StartTimeNs: r.UPID.Low,
		FD:          r.FD,
		Attributes: map[string]string{
			"db.system":             "cassandra",
			"db.operation":          reqOp,
			"db.cassandra.response": respOp,
			"process.pid":           fmt.Sprintf("%d", uint32(r.UPID.High)),
			"network.fd":            fmt.Sprintf("%d", r.FD),
		},
	}
	if r.ReqBody != "" {
		s.Attributes["db.statement"] = r.ReqBody
	}
	if r.RespBody != "" {
		s.Attributes["db.response.summary"] = r.RespBody
	}
	if cql.RespOp(r.RespOp) == cql.RespError {
		s.SetError(r.RespBody)
	}
	if ks := keyspaceOf(r.RespBody); ks != "" {
		s.Attributes["db.name"] = ks
	}
	return s
}

// keyspaceOf picks the keyspace out of a SET_KEYSPACE summary.
func keyspaceOf(body string) string {
	const prefix = "Response type = SET_KEYSPACE\nKeyspace = "
	if !strings.HasPrefix(body, prefix) {
		return ""
	}
	ks := body[len(prefix):]
	if i := strings.IndexByte(ks, '\n'); i >= 0 {
		ks = ks[:i]
	}
	return ks
}

// SetAttribute sets a span attribute.
func (s *Span) SetAttribute(key, value string) {
	if s.Attributes == nil {
		s.Attributes = make(map[string]string)
	}
	s.Attributes[key] = value
}

// SetError marks the span as errored with a message.
func (s *Span) SetError(msg string) {
	s.Status = StatusError
	s.StatusMsg = msg
}

// IsError reports whether the span recorded a server error.
func (s *Span) IsError() bool { return s.Status == StatusError }

// GenerateTraceID generates a random 32-character hex trace ID.
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// GenerateSpanID generates a random 16-character hex span ID.
func GenerateSpanID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
