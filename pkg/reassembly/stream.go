// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"time"
)

// MaxBufferSize is the default maximum bytes buffered per direction.
const MaxBufferSize = 256 * 1024 // 256KB

// Defaults for sequence reordering.
const (
	DefaultGapTimeout = time.Second
	DefaultMaxParked  = 64
)

// Config bounds a DataStream.
type Config struct {
	MaxBufferSize int           // bytes held per direction
	GapTimeout    time.Duration // how long a sequence gap may stay open
	MaxParked     int           // out-of-order segments held while a gap is open
}

// DefaultConfig returns the stream limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxBufferSize: MaxBufferSize,
		GapTimeout:    DefaultGapTimeout,
		MaxParked:     DefaultMaxParked,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = d.MaxBufferSize
	}
	if c.GapTimeout <= 0 {
		c.GapTimeout = d.GapTimeout
	}
	if c.MaxParked <= 0 {
		c.MaxParked = d.MaxParked
	}
	return c
}

// Segment is one captured syscall's worth of bytes for a direction.
type Segment struct {
	Seq         uint64 // 0 disables reordering
	TimestampNs uint64
	Payload     []byte
	Missing     int  // bytes the capture side could not deliver after Payload
	Lost        bool // the whole segment was dropped before reaching the stream
}

// Loss counts capture loss observed while feeding a stream.
type Loss struct {
	Gaps      int // sequence gaps given up on
	Overflows int // times old bytes were dropped to make room
}

func (l *Loss) add(o Loss) {
	l.Gaps += o.Gaps
	l.Overflows += o.Overflows
}

// Any reports whether any loss was recorded.
func (l Loss) Any() bool { return l.Gaps > 0 || l.Overflows > 0 }

// hole marks bytes that logically sit before buf[at] but were never captured.
// size < 0 means the amount is unknown (lost segments).
type hole struct {
	at   int
	size int
}

// mark records the capture timestamp of the segment starting at buf[at].
type mark struct {
	at int
	ts uint64
}

// DataStream is an ordered byte accumulator for one direction of one
// connection. Bytes are held in sequence order; segments that arrive ahead of
// a gap are parked until the gap fills or times out. Bytes the capture side
// never delivered are tracked as holes so the framer can tell a frame that is
// still arriving from one that never will.
//
// A DataStream is owned by a single goroutine and is not safe for concurrent
// use.
type DataStream struct {
	cfg Config

	buf   []byte
	holes []hole
	marks []mark

	// skip is the number of logical bytes still to discard as they arrive.
	skip     int
	lostSync bool

	nextSeq   uint64
	parked    map[uint64]Segment
	gapOpened time.Time

	lastActivity time.Time
}

// NewDataStream creates an empty stream.
func NewDataStream(cfg Config) *DataStream {
	return &DataStream{
		cfg: cfg.withDefaults(),
		buf: make([]byte, 0, 4096),
	}
}

// Append adds a segment. Segments carrying Seq > 0 are delivered in sequence
// order; a segment older than the next expected one is a duplicate or arrived
// after its gap was abandoned, and is dropped.
func (s *DataStream) Append(seg Segment, now time.Time) Loss {
	s.lastActivity = now
	var loss Loss

	if seg.Seq == 0 {
		loss.add(s.write(seg))
		return loss
	}
	if s.nextSeq == 0 {
		s.nextSeq = seg.Seq
	}

	switch {
	case seg.Seq < s.nextSeq:
		return loss
	case seg.Seq > s.nextSeq:
		if s.parked == nil {
			s.parked = make(map[uint64]Segment)
		}
		if len(s.parked) == 0 {
			s.gapOpened = now
		}
		s.parked[seg.Seq] = seg
		if len(s.parked) > s.cfg.MaxParked {
			loss.add(s.abandonGap(now))
		}
		return loss
	}

	loss.add(s.write(seg))
	s.nextSeq++
	loss.add(s.drainParked(now))
	return loss
}

// Tick gives up on a sequence gap that has been open longer than GapTimeout.
func (s *DataStream) Tick(now time.Time) Loss {
	if len(s.parked) == 0 || now.Sub(s.gapOpened) < s.cfg.GapTimeout {
		return Loss{}
	}
	return s.abandonGap(now)
}

// abandonGap declares the missing segments lost and resumes at the earliest
// parked one.
func (s *DataStream) abandonGap(now time.Time) Loss {
	loss := Loss{Gaps: 1}
	first := uint64(0)
	for seq := range s.parked {
		if first == 0 || seq < first {
			first = seq
		}
	}
	s.addHole(-1)
	s.nextSeq = first
	loss.add(s.drainParked(now))
	return loss
}

func (s *DataStream) drainParked(now time.Time) Loss {
	var loss Loss
	progressed := false
	for {
		seg, ok := s.parked[s.nextSeq]
		if !ok {
			break
		}
		delete(s.parked, s.nextSeq)
		loss.add(s.write(seg))
		s.nextSeq++
		progressed = true
	}
	if progressed && len(s.parked) > 0 {
		s.gapOpened = now
	}
	return loss
}

// write appends a segment in order, applying any pending skip and the
// buffer cap.
func (s *DataStream) write(seg Segment) Loss {
	if seg.Lost {
		// Unknown size: any frame being skipped ends somewhere inside it.
		if s.skip > 0 {
			s.skip = 0
			s.lostSync = true
		}
		s.addHole(-1)
		return Loss{}
	}
	payload, missing := seg.Payload, seg.Missing

	if s.skip > 0 {
		n := min(s.skip, len(payload))
		payload = payload[n:]
		s.skip -= n
		if s.skip > 0 {
			n = min(s.skip, missing)
			missing -= n
			s.skip -= n
			if s.skip == 0 && missing > 0 {
				// The skipped frame ended inside uncaptured bytes.
				s.lostSync = true
			}
		}
	}

	var loss Loss
	if over := len(s.buf) + len(payload) - s.cfg.MaxBufferSize; over > 0 {
		loss.Overflows++
		s.lostSync = true
		if over > len(s.buf) {
			payload = payload[over-len(s.buf):]
			over = len(s.buf)
		}
		s.dropFront(over)
	}

	if len(payload) > 0 {
		s.marks = append(s.marks, mark{at: len(s.buf), ts: seg.TimestampNs})
		s.buf = append(s.buf, payload...)
	}
	if missing > 0 {
		s.addHole(missing)
	}
	return loss
}

func (s *DataStream) addHole(size int) {
	at := len(s.buf)
	if n := len(s.holes); n > 0 && s.holes[n-1].at == at {
		last := &s.holes[n-1]
		if last.size < 0 || size < 0 {
			last.size = -1
		} else {
			last.size += size
		}
		return
	}
	s.holes = append(s.holes, hole{at: at, size: size})
}

// dropFront removes n buffered bytes, holes included, after an overflow.
func (s *DataStream) dropFront(n int) {
	s.Consume(n)
	for len(s.holes) > 0 && s.holes[0].at == 0 {
		s.holes = s.holes[1:]
	}
}

// Head returns the contiguous captured bytes at the front of the stream and
// whether a hole follows them.
func (s *DataStream) Head() (data []byte, holeNext bool) {
	if len(s.holes) > 0 {
		return s.buf[:s.holes[0].at], true
	}
	return s.buf, false
}

// TimestampNs returns the capture time of the first buffered byte.
func (s *DataStream) TimestampNs() uint64 {
	if len(s.marks) == 0 {
		return 0
	}
	return s.marks[0].ts
}

// Consume removes n bytes from the front of the head. n must not exceed
// len(Head()).
func (s *DataStream) Consume(n int) {
	if n <= 0 {
		return
	}
	if n > len(s.buf) {
		n = len(s.buf)
	}
	s.buf = s.buf[n:]
	if len(s.buf) == 0 {
		s.buf = s.buf[:0:0]
	}

	for i := range s.holes {
		s.holes[i].at -= n
		if s.holes[i].at < 0 {
			s.holes[i].at = 0
		}
	}

	keep := 0
	for i, m := range s.marks {
		if m.at <= n {
			keep = i
		}
	}
	s.marks = s.marks[keep:]
	for i := range s.marks {
		s.marks[i].at -= n
		if s.marks[i].at < 0 {
			s.marks[i].at = 0
		}
	}
	if len(s.buf) == 0 {
		s.marks = s.marks[:0]
	}
}

// PopHole removes the hole at the front of the stream. It must only be called
// once Head() is empty. Returns the hole's size, negative when unknown.
func (s *DataStream) PopHole() int {
	if len(s.holes) == 0 || s.holes[0].at != 0 {
		return 0
	}
	size := s.holes[0].size
	s.holes = s.holes[1:]
	return size
}

// Discard drops n logical bytes from the front of the stream, stepping over
// holes. Bytes not yet captured are discarded as they arrive. If a hole
// swallows the end of the discarded range, the stream loses sync.
func (s *DataStream) Discard(n int) {
	for n > 0 {
		head, holeNext := s.Head()
		take := min(n, len(head))
		s.Consume(take)
		n -= take
		if n == 0 {
			return
		}
		if !holeNext {
			s.skip += n
			return
		}
		size := s.PopHole()
		if size < 0 || size > n {
			s.lostSync = true
			return
		}
		n -= size
	}
}

// LostSync reports whether the front of the stream may be mid-frame.
func (s *DataStream) LostSync() bool { return s.lostSync }

// MarkLost flags the stream for resynchronization.
func (s *DataStream) MarkLost() { s.lostSync = true }

// MarkSynced clears the resynchronization flag.
func (s *DataStream) MarkSynced() { s.lostSync = false }

// Len returns the number of buffered bytes.
func (s *DataStream) Len() int { return len(s.buf) }

// Parked returns the number of out-of-order segments waiting on a gap.
func (s *DataStream) Parked() int { return len(s.parked) }

// HasData reports whether anything is buffered or parked.
func (s *DataStream) HasData() bool {
	return len(s.buf) > 0 || len(s.holes) > 0 || len(s.parked) > 0
}

// LastActivity returns the time of the most recent Append.
func (s *DataStream) LastActivity() time.Time { return s.lastActivity }

// Reset clears all buffered state.
func (s *DataStream) Reset() {
	s.buf = s.buf[:0:0]
	s.holes = nil
	s.marks = nil
	s.skip = 0
	s.lostSync = false
	s.parked = nil
	s.nextSeq = 0
}
