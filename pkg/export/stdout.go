package export

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mbeema/wiretap/pkg/traces"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

// StdoutExporter prints spans to stdout for debugging.
type StdoutExporter struct {
	format string // "text" or "json"
	logger *zap.Logger

	mu    sync.Mutex
	out   io.Writer
	arena fastjson.Arena
	buf   []byte
}

// NewStdoutExporter creates a new stdout exporter.
func NewStdoutExporter(format string, logger *zap.Logger) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	return &StdoutExporter{
		format: format,
		logger: logger,
		out:    os.Stdout,
	}
}

func (e *StdoutExporter) Name() string { return "stdout" }

// ExportSpans prints one line per span.
func (e *StdoutExporter) ExportSpans(ctx context.Context, spans []*traces.Span) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range spans {
		var err error
		if e.format == "json" {
			err = e.printJSON(s)
		} else {
			err = e.printText(s)
		}
		if err != nil {
			return fmt.Errorf("write span: %w", err)
		}
	}
	return nil
}

func (e *StdoutExporter) printText(s *traces.Span) error {
	status := "OK"
	if s.IsError() {
		status = "ERR"
	}
	_, err := fmt.Fprintf(e.out,
		"[SPAN] trace=%s span=%s name=%-16s %-3s %10s pid=%d fd=%d svc=%s %s\n",
		s.TraceID[:min(len(s.TraceID), 16)], s.SpanID[:min(len(s.SpanID), 8)], s.Name,
		status, s.Duration, s.PID, s.FD, s.ServiceName,
		formatAttrs(s.Attributes),
	)
	return err
}

func (e *StdoutExporter) printJSON(s *traces.Span) error {
	e.arena.Reset()
	a := &e.arena

	attrs := a.NewObject()
	for _, k := range slices.Sorted(maps.Keys(s.Attributes)) {
		attrs.Set(k, a.NewString(s.Attributes[k]))
	}

	obj := a.NewObject()
	obj.Set("_type", a.NewString("span"))
	obj.Set("trace_id", a.NewString(s.TraceID))
	obj.Set("span_id", a.NewString(s.SpanID))
	obj.Set("name", a.NewString(s.Name))
	obj.Set("kind", a.NewString(s.Kind.String()))
	obj.Set("start", a.NewString(s.StartTime.Format(time.RFC3339Nano)))
	obj.Set("end", a.NewString(s.EndTime.Format(time.RFC3339Nano)))
	obj.Set("duration_us", a.NewNumberInt(int(s.Duration.Microseconds())))
	if s.IsError() {
		obj.Set("status", a.NewString("error"))
		obj.Set("status_message", a.NewString(s.StatusMsg))
	} else {
		obj.Set("status", a.NewString("ok"))
	}
	obj.Set("service", a.NewString(s.ServiceName))
	obj.Set("pid", a.NewNumberInt(int(s.PID)))
	obj.Set("fd", a.NewNumberInt(int(s.FD)))
	obj.Set("attributes", attrs)

	e.buf = obj.MarshalTo(e.buf[:0])
	e.buf = append(e.buf, '\n')
	_, err := e.out.Write(e.buf)
	return err
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(ctx context.Context) error {
	return nil
}

// formatAttrs renders attributes sorted by key, one line per span.
func formatAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(attrs))
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		parts = append(parts, fmt.Sprintf("%s=%q", k, attrs[k]))
	}
	return strings.Join(parts, " ")
}
