package traces

import (
	"testing"
)

func spanWithID(id string) *Span {
	return &Span{TraceID: id, Status: StatusOK}
}

func TestSamplerKeepAll(t *testing.T) {
	s := NewSampler(1.0)
	for i := 0; i < 100; i++ {
		if !s.Keep(spanWithID(GenerateTraceID())) {
			t.Fatalf("rate=1.0 should keep all spans")
		}
	}
}

func TestSamplerDropAll(t *testing.T) {
	s := NewSampler(0.0)
	for i := 0; i < 100; i++ {
		if s.Keep(spanWithID(GenerateTraceID())) {
			t.Fatalf("rate=0.0 should drop all non-error spans")
		}
	}
}

func TestSamplerAlwaysKeepErrors(t *testing.T) {
	s := NewSampler(0.0)
	sp := spanWithID(GenerateTraceID())
	sp.SetError("[8704] Invalid query")
	if !s.Keep(sp) {
		t.Fatal("errors should always be kept even at rate=0")
	}
}

func TestSamplerDeterministic(t *testing.T) {
	s := NewSampler(0.5)
	sp := spanWithID(GenerateTraceID())
	first := s.Keep(sp)
	for i := 0; i < 100; i++ {
		if s.Keep(sp) != first {
			t.Fatal("sampling decision should be deterministic for the same trace id")
		}
	}
}

func TestSamplerThreshold(t *testing.T) {
	s := NewSampler(0.5)
	if !s.Keep(spanWithID("0000000000000000ffffffffffffffff")) {
		t.Error("low hash should be kept at rate 0.5")
	}
	if s.Keep(spanWithID("ffffffffffffffff0000000000000000")) {
		t.Error("high hash should be dropped at rate 0.5")
	}
}

func TestSamplerFilter(t *testing.T) {
	s := NewSampler(0.0)
	errSpan := spanWithID("ffffffffffffffff0000000000000000")
	errSpan.SetError("boom")
	kept := s.Filter([]*Span{spanWithID(GenerateTraceID()), errSpan})
	if len(kept) != 1 || kept[0] != errSpan {
		t.Errorf("Filter kept %d spans, want only the error", len(kept))
	}
}
