// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"encoding/binary"
	"encoding/hex"
)

// Sampler decides which exported spans are kept. The decision hashes the
// trace id, so a span is sampled the same way by every exporter. Server
// errors are always kept.
type Sampler struct {
	rate      float64
	threshold uint64
}

// NewSampler creates a sampler with the given rate (0.0-1.0).
func NewSampler(rate float64) *Sampler {
	if rate <= 0 {
		return &Sampler{rate: 0, threshold: 0}
	}
	if rate >= 1.0 {
		return &Sampler{rate: 1.0, threshold: ^uint64(0)}
	}
	return &Sampler{
		rate:      rate,
		threshold: uint64(rate * float64(^uint64(0))),
	}
}

// Keep reports whether span should be exported.
func (s *Sampler) Keep(span *Span) bool {
	if span.IsError() || s.rate >= 1.0 {
		return true
	}
	if s.rate <= 0 {
		return false
	}
	if len(span.TraceID) < 16 {
		return true
	}
	b, err := hex.DecodeString(span.TraceID[:16])
	if err != nil {
		return true
	}
	return binary.BigEndian.Uint64(b) <= s.threshold
}

// Filter returns the spans to keep, reusing the input slice.
func (s *Sampler) Filter(spans []*Span) []*Span {
	kept := spans[:0]
	for _, sp := range spans {
		if s.Keep(sp) {
			kept = append(kept, sp)
		}
	}
	return kept
}

// Rate returns the configured sampling rate.
func (s *Sampler) Rate() float64 {
	return s.rate
}
