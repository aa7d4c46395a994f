package cql

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// reader walks a frame body. The first decoding failure sticks: later reads
// return zero values and err reports the first problem.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: short %s at offset %d", ErrMalformedBody, what, r.off)
	}
}

func (r *reader) remaining() int { return len(r.b) - r.off }

func (r *reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.remaining() < n {
		r.fail(what)
		return nil
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

func (r *reader) byte() uint8 {
	p := r.take(1, "byte")
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *reader) short() uint16 {
	p := r.take(2, "short")
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

func (r *reader) int() int32 {
	p := r.take(4, "int")
	if p == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(p))
}

// string reads a [string]: a short length and UTF-8 bytes.
func (r *reader) string() string {
	n := int(r.short())
	return string(r.take(n, "string"))
}

// longString reads a [long string]: an int length and UTF-8 bytes.
func (r *reader) longString() string {
	n := int(r.int())
	return string(r.take(n, "long string"))
}

// bytes reads [bytes]. A negative length is a null value and yields nil with
// the length returned.
func (r *reader) bytes() ([]byte, int) {
	n := int(r.int())
	if r.err != nil || n < 0 {
		return nil, n
	}
	return r.take(n, "bytes"), n
}

// shortBytes reads [short bytes].
func (r *reader) shortBytes() []byte {
	n := int(r.short())
	return r.take(n, "short bytes")
}

// count reads a short element count and checks it against the bytes left,
// given that each element needs at least minSize bytes.
func (r *reader) count(minSize int) int {
	n := int(r.short())
	if r.err == nil && n*minSize > r.remaining() {
		r.err = fmt.Errorf("%w: count %d exceeds body", ErrMalformedBody, n)
		return 0
	}
	return n
}

func (r *reader) stringList() []string {
	n := r.count(2)
	out := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.string())
	}
	return out
}

type stringPair struct {
	key, value string
}

// stringMap reads a [string map] preserving wire order.
func (r *reader) stringMap() []stringPair {
	n := r.count(4)
	out := make([]stringPair, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.string()
		v := r.string()
		out = append(out, stringPair{k, v})
	}
	return out
}

type multimapEntry struct {
	key    string
	values []string
}

func (r *reader) stringMultimap() []multimapEntry {
	n := r.count(4)
	out := make([]multimapEntry, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.string()
		v := r.stringList()
		out = append(out, multimapEntry{k, v})
	}
	return out
}

// skipBytesMap skips a [bytes map] (custom payload).
func (r *reader) skipBytesMap() {
	n := r.count(6)
	for i := 0; i < n && r.err == nil; i++ {
		r.string()
		r.bytes()
	}
}

func (r *reader) uuid() [16]byte {
	var id [16]byte
	copy(id[:], r.take(16, "uuid"))
	return id
}

// inet reads an [inet]: address size byte, address, int port.
func (r *reader) inet() string {
	n := int(r.byte())
	addr := r.take(n, "inet address")
	port := r.int()
	if r.err != nil {
		return ""
	}
	return net.JoinHostPort(net.IP(addr).String(), strconv.Itoa(int(port)))
}

// Column type option ids that carry nested options.
const (
	optionCustom = 0x0000
	optionList   = 0x0020
	optionMap    = 0x0021
	optionSet    = 0x0022
	optionUDT    = 0x0030
	optionTuple  = 0x0031
)

// maxOptionDepth bounds nested collection types.
const maxOptionDepth = 16

// skipOption skips a column type [option], including nested types.
func (r *reader) skipOption(depth int) {
	if depth > maxOptionDepth {
		if r.err == nil {
			r.err = fmt.Errorf("%w: type nesting deeper than %d", ErrMalformedBody, maxOptionDepth)
		}
		return
	}
	id := r.short()
	if r.err != nil {
		return
	}
	switch id {
	case optionCustom:
		r.string()
	case optionList, optionSet:
		r.skipOption(depth + 1)
	case optionMap:
		r.skipOption(depth + 1)
		r.skipOption(depth + 1)
	case optionUDT:
		r.string() // keyspace
		r.string() // type name
		n := r.count(4)
		for i := 0; i < n && r.err == nil; i++ {
			r.string()
			r.skipOption(depth + 1)
		}
	case optionTuple:
		n := r.count(2)
		for i := 0; i < n && r.err == nil; i++ {
			r.skipOption(depth + 1)
		}
	}
}
