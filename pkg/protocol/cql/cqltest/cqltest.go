// Package cqltest builds native protocol frames for tests.
package cqltest

import (
	"encoding/binary"
	"net"
)

// Protocol version bytes.
const (
	V4Request  = 0x04
	V4Response = 0x84
)

// Opcodes used by the builders.
const (
	OpError    = 0x00
	OpStartup  = 0x01
	OpReady    = 0x02
	OpOptions  = 0x05
	OpSupport  = 0x06
	OpQuery    = 0x07
	OpResult   = 0x08
	OpPrepare  = 0x09
	OpExecute  = 0x0A
	OpRegister = 0x0B
	OpEvent    = 0x0C
	OpBatch    = 0x0D
)

// Body accumulates a frame body in protocol notation.
type Body struct {
	b []byte
}

func (b *Body) Byte(v uint8) *Body {
	b.b = append(b.b, v)
	return b
}

func (b *Body) Short(v uint16) *Body {
	b.b = binary.BigEndian.AppendUint16(b.b, v)
	return b
}

func (b *Body) Int(v int32) *Body {
	b.b = binary.BigEndian.AppendUint32(b.b, uint32(v))
	return b
}

// Str appends a [string].
func (b *Body) Str(s string) *Body {
	b.Short(uint16(len(s)))
	b.b = append(b.b, s...)
	return b
}

// LongStr appends a [long string].
func (b *Body) LongStr(s string) *Body {
	b.Int(int32(len(s)))
	b.b = append(b.b, s...)
	return b
}

// Bytes appends [bytes]; nil appends a null value.
func (b *Body) Bytes(p []byte) *Body {
	if p == nil {
		return b.Int(-1)
	}
	b.Int(int32(len(p)))
	b.b = append(b.b, p...)
	return b
}

// ShortBytes appends [short bytes].
func (b *Body) ShortBytes(p []byte) *Body {
	b.Short(uint16(len(p)))
	b.b = append(b.b, p...)
	return b
}

// StrList appends a [string list].
func (b *Body) StrList(items ...string) *Body {
	b.Short(uint16(len(items)))
	for _, s := range items {
		b.Str(s)
	}
	return b
}

// StrMap appends a [string map] from alternating keys and values.
func (b *Body) StrMap(kv ...string) *Body {
	b.Short(uint16(len(kv) / 2))
	for _, s := range kv {
		b.Str(s)
	}
	return b
}

// Inet appends an [inet].
func (b *Body) Inet(ip net.IP, port int32) *Body {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	b.Byte(uint8(len(ip)))
	b.b = append(b.b, ip...)
	return b.Int(port)
}

// Raw appends p verbatim.
func (b *Body) Raw(p []byte) *Body {
	b.b = append(b.b, p...)
	return b
}

// Build returns the encoded body.
func (b *Body) Build() []byte { return b.b }

// Frame encodes a frame with the given header fields and body.
func Frame(version, flags uint8, stream int16, opcode uint8, body []byte) []byte {
	out := make([]byte, 9, 9+len(body))
	out[0] = version
	out[1] = flags
	binary.BigEndian.PutUint16(out[2:4], uint16(stream))
	out[4] = opcode
	binary.BigEndian.PutUint32(out[5:9], uint32(len(body)))
	return append(out, body...)
}

// Startup builds a STARTUP request.
func Startup(stream int16, kv ...string) []byte {
	return Frame(V4Request, 0, stream, OpStartup, new(Body).StrMap(kv...).Build())
}

// Ready builds a READY response.
func Ready(stream int16) []byte {
	return Frame(V4Response, 0, stream, OpReady, nil)
}

// Register builds a REGISTER request.
func Register(stream int16, events ...string) []byte {
	return Frame(V4Request, 0, stream, OpRegister, new(Body).StrList(events...).Build())
}

// Options builds an OPTIONS request.
func Options(stream int16) []byte {
	return Frame(V4Request, 0, stream, OpOptions, nil)
}

// Query builds a QUERY request at consistency ONE without values.
func Query(stream int16, q string) []byte {
	body := new(Body).LongStr(q).Short(0x0001).Byte(0)
	return Frame(V4Request, 0, stream, OpQuery, body.Build())
}

// QueryWithValues builds a QUERY request binding values.
func QueryWithValues(stream int16, q string, values ...[]byte) []byte {
	body := new(Body).LongStr(q).Short(0x0001).Byte(0x01).Short(uint16(len(values)))
	for _, v := range values {
		body.Bytes(v)
	}
	return Frame(V4Request, 0, stream, OpQuery, body.Build())
}

// Error builds an ERROR response.
func Error(stream int16, code int32, msg string) []byte {
	return Frame(V4Response, 0, stream, OpError, new(Body).Int(code).Str(msg).Build())
}

// VoidResult builds a RESULT Void response.
func VoidResult(stream int16) []byte {
	return Frame(V4Response, 0, stream, OpResult, new(Body).Int(1).Build())
}

// RowsResult builds a RESULT Rows response with a global table spec, varchar
// columns and rows rows of padding data. pad lets tests push the frame past
// the capture ceiling.
func RowsResult(stream int16, ks, table string, cols []string, rows int32, pad int) []byte {
	return Frame(V4Response, 0, stream, OpResult, RowsBody(ks, table, cols, rows, pad))
}

// RowsBody builds the body of a RESULT Rows response.
func RowsBody(ks, table string, cols []string, rows int32, pad int) []byte {
	body := new(Body).Int(2).Int(0x0001).Int(int32(len(cols))).Str(ks).Str(table)
	for _, c := range cols {
		body.Str(c).Short(0x000D) // varchar
	}
	body.Int(rows)
	if pad > 0 {
		body.Raw(make([]byte, pad))
	}
	return body.Build()
}
