// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package cql

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/snappy"
	"github.com/valyala/fastjson"
)

// DefaultMaxBodyLen bounds the rendered body text of one message.
const DefaultMaxBodyLen = 16 * 1024

// Message is a decoded frame: its header plus a human-readable body.
type Message struct {
	Header
	Body    string
	Clipped bool // Body was cut at the decoder's MaxBodyLen
}

// Decoder renders frames of one connection. It remembers the compression
// negotiated by STARTUP, so use one Decoder per connection. Not safe for
// concurrent use.
type Decoder struct {
	MaxBodyLen int

	compression string
	arena       fastjson.Arena
}

// NewDecoder creates a decoder for a fresh connection.
func NewDecoder() *Decoder {
	return &Decoder{MaxBodyLen: DefaultMaxBodyLen}
}

// Compression returns the algorithm negotiated on this connection, if any.
func (d *Decoder) Compression() string { return d.compression }

// Decode renders exactly one frame. Truncated captures never reach Decode:
// callers check the declared length against what was captured first.
func (d *Decoder) Decode(buf []byte) (Message, error) {
	f, n, err := ParseFrame(buf)
	if err != nil {
		return Message{}, err
	}
	if n != len(buf) {
		return Message{}, fmt.Errorf("%w: %d trailing bytes after frame", ErrMalformedBody, len(buf)-n)
	}
	return d.DecodeFrame(f)
}

// DecodeFrame renders an already framed message.
func (d *Decoder) DecodeFrame(f Frame) (Message, error) {
	body := f.Body
	if f.Flags&FlagCompression != 0 && len(body) > 0 {
		var err error
		if body, err = d.decompress(body); err != nil {
			return Message{}, err
		}
	}

	r := &reader{b: body}
	var trailer []string
	if f.IsResponse() {
		if f.Flags&FlagTracing != 0 {
			id := r.uuid()
			if r.err == nil {
				trailer = append(trailer, "Tracing id = "+uuid.UUID(id).String())
			}
		}
		if f.Flags&FlagWarning != 0 {
			if w := r.stringList(); r.err == nil {
				trailer = append(trailer, "Warnings = "+d.jsonList(w))
			}
		}
	}
	if f.Flags&FlagCustomPayload != 0 {
		r.skipBytesMap()
	}
	if r.err != nil {
		return Message{}, r.err
	}

	var text string
	if f.IsResponse() {
		text = d.response(RespOp(f.Opcode), r, f.ProtocolVersion())
	} else {
		text = d.request(ReqOp(f.Opcode), r)
	}
	if r.err != nil {
		return Message{}, fmt.Errorf("%s: %w", f.Header, r.err)
	}

	if len(trailer) > 0 {
		if text != "" {
			text += "\n"
		}
		text += strings.Join(trailer, "\n")
	}

	msg := Message{Header: f.Header, Body: text}
	if d.MaxBodyLen > 0 && len(msg.Body) > d.MaxBodyLen {
		msg.Body = msg.Body[:d.MaxBodyLen]
		msg.Clipped = true
	}
	return msg, nil
}

func (d *Decoder) decompress(body []byte) ([]byte, error) {
	switch d.compression {
	case "snappy":
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrMalformedBody, err)
		}
		return out, nil
	case "":
		return nil, fmt.Errorf("%w: compressed frame without negotiated compression", ErrUnsupportedCompression)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, d.compression)
	}
}

func (d *Decoder) request(op ReqOp, r *reader) string {
	switch op {
	case ReqStartup:
		opts := r.stringMap()
		for _, kv := range opts {
			if strings.EqualFold(kv.key, "COMPRESSION") {
				d.compression = strings.ToLower(kv.value)
			}
		}
		return d.jsonMap(opts)
	case ReqOptions:
		return ""
	case ReqRegister:
		return d.jsonList(r.stringList())
	case ReqQuery:
		q := r.longString()
		if values := d.queryValues(r); values != "" {
			return q + "\n" + values
		}
		return q
	case ReqPrepare:
		return r.longString()
	case ReqExecute:
		id := r.shortBytes()
		n := d.countValues(r)
		return fmt.Sprintf("Id = %s\nNumber of values = %d", hex.EncodeToString(id), n)
	case ReqBatch:
		return d.batch(r)
	case ReqAuthResponse:
		_, n := r.bytes()
		return "Token length = " + strconv.Itoa(max(n, 0))
	}
	return ""
}

func (d *Decoder) response(op RespOp, r *reader, version uint8) string {
	switch op {
	case RespReady:
		return ""
	case RespError:
		code := r.int()
		msg := r.string()
		return fmt.Sprintf("[%d] %s", code, msg)
	case RespAuthenticate:
		return r.string()
	case RespSupported:
		return d.jsonMultimap(r.stringMultimap())
	case RespResult:
		return d.result(r, version)
	case RespEvent:
		return d.event(r)
	case RespAuthChallenge, RespAuthSuccess:
		_, n := r.bytes()
		return "Token length = " + strconv.Itoa(max(n, 0))
	}
	return ""
}

// Query parameter flags (<flags> after <consistency>).
const (
	queryValues      = 0x01
	queryNamedValues = 0x40
)

// queryParams reads <consistency><flags> and returns the flags.
func queryParams(r *reader) uint32 {
	r.short() // consistency
	return uint32(r.byte())
}

// queryValues renders bound values as a JSON array of hex strings (null for
// null or unset values). Returns "" when the query binds nothing.
func (d *Decoder) queryValues(r *reader) string {
	if r.remaining() == 0 {
		return ""
	}
	flags := queryParams(r)
	if flags&queryValues == 0 {
		return ""
	}
	n := r.count(4)
	d.arena.Reset()
	arr := d.arena.NewArray()
	for i := 0; i < n && r.err == nil; i++ {
		if flags&queryNamedValues != 0 {
			r.string()
		}
		v, l := r.bytes()
		if l < 0 {
			arr.SetArrayItem(i, d.arena.NewNull())
			continue
		}
		arr.SetArrayItem(i, d.arena.NewString(hex.EncodeToString(v)))
	}
	if n == 0 {
		return ""
	}
	return string(arr.MarshalTo(nil))
}

func (d *Decoder) countValues(r *reader) int {
	if r.remaining() == 0 {
		return 0
	}
	flags := queryParams(r)
	if flags&queryValues == 0 {
		return 0
	}
	return int(r.short())
}

// batch renders one statement per line: the query text, or id=<hex> for a
// prepared statement.
func (d *Decoder) batch(r *reader) string {
	r.byte() // batch type
	n := r.count(3)
	lines := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		switch kind := r.byte(); kind {
		case 0:
			lines = append(lines, r.longString())
		case 1:
			lines = append(lines, "id="+hex.EncodeToString(r.shortBytes()))
		default:
			r.err = fmt.Errorf("%w: batch statement kind %d", ErrMalformedBody, kind)
		}
		values := r.count(4)
		for j := 0; j < values && r.err == nil; j++ {
			r.bytes()
		}
	}
	return strings.Join(lines, "\n")
}

func (d *Decoder) event(r *reader) string {
	typ := r.string()
	switch typ {
	case "TOPOLOGY_CHANGE", "STATUS_CHANGE":
		change := r.string()
		addr := r.inet()
		return typ + " " + change + " " + addr
	case "SCHEMA_CHANGE":
		return typ + " " + schemaChange(r, " ")
	}
	return typ
}

// schemaChange reads <change_type><target><options> and joins the parts
// with sep.
func schemaChange(r *reader, sep string) string {
	change := r.string()
	target := r.string()
	parts := []string{change, target}
	switch target {
	case "KEYSPACE":
		parts = append(parts, r.string())
	case "TABLE", "TYPE":
		ks := r.string()
		parts = append(parts, ks+"."+r.string())
	case "FUNCTION", "AGGREGATE":
		ks := r.string()
		name := r.string()
		args := r.stringList()
		parts = append(parts, ks+"."+name+"("+strings.Join(args, ",")+")")
	}
	return strings.Join(parts, sep)
}

func (d *Decoder) jsonMap(pairs []stringPair) string {
	d.arena.Reset()
	obj := d.arena.NewObject()
	for _, kv := range pairs {
		obj.Set(kv.key, d.arena.NewString(kv.value))
	}
	return string(obj.MarshalTo(nil))
}

func (d *Decoder) jsonList(items []string) string {
	d.arena.Reset()
	return string(d.stringArray(items).MarshalTo(nil))
}

func (d *Decoder) jsonMultimap(entries []multimapEntry) string {
	d.arena.Reset()
	obj := d.arena.NewObject()
	for _, e := range entries {
		obj.Set(e.key, d.stringArray(e.values))
	}
	return string(obj.MarshalTo(nil))
}

// stringArray builds an array in the current arena generation.
func (d *Decoder) stringArray(items []string) *fastjson.Value {
	arr := d.arena.NewArray()
	for i, s := range items {
		arr.SetArrayItem(i, d.arena.NewString(s))
	}
	return arr
}
