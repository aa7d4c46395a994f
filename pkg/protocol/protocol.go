// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"errors"
	"fmt"

	"github.com/mbeema/wiretap/pkg/protocol/cql"
)

// Protocol identifies the wire protocol of a connection. The set is closed;
// a connection is classified once and keeps its decoder.
type Protocol uint8

const (
	Unknown Protocol = iota
	CQL
)

func (p Protocol) String() string {
	switch p {
	case CQL:
		return "cql"
	default:
		return "unknown"
	}
}

// Type tells requests from responses.
type Type uint8

const (
	Request Type = iota
	Response
)

func (t Type) String() string {
	if t == Request {
		return "request"
	}
	return "response"
}

// Message is a decoded protocol message.
type Message struct {
	Protocol    Protocol
	Type        Type
	Opcode      uint8
	Body        string
	StreamID    int16
	TimestampNs uint64
	Truncated   bool // Body was clipped to the decoder's body limit
}

// Decoder frames and decodes the messages of one connection.
type Decoder interface {
	// HeaderLen is the number of bytes needed to read a frame's length.
	HeaderLen() int

	// FrameLen returns the total size of the frame at the start of data.
	// It returns ErrNeedMoreData when the header is incomplete.
	FrameLen(data []byte) (int, error)

	// Resync returns the offset of the first plausible frame start in data,
	// or -1.
	Resync(data []byte) int

	// Decode renders exactly one frame. ts is the capture time of its first
	// byte.
	Decode(frame []byte, ts uint64) (Message, error)
}

// Errors shared by all decoders. Decoders wrap them so callers can classify
// failures with errors.Is.
var (
	ErrNeedMoreData = cql.ErrNeedMoreData
	ErrTruncated    = cql.ErrTruncated
)

// NewDecoder returns a fresh decoder for p.
func NewDecoder(p Protocol) (Decoder, error) {
	return NewDecoderWithLimit(p, 0)
}

// NewDecoderWithLimit returns a fresh decoder for p whose rendered bodies are
// clipped at maxBodyLen bytes. Zero keeps the protocol default.
func NewDecoderWithLimit(p Protocol, maxBodyLen int) (Decoder, error) {
	switch p {
	case CQL:
		d := cql.NewDecoder()
		if maxBodyLen > 0 {
			d.MaxBodyLen = maxBodyLen
		}
		return &cqlDecoder{d: d}, nil
	default:
		return nil, fmt.Errorf("no decoder for protocol %s", p)
	}
}

// ValidOpcode reports whether op belongs to the opcode domain of t in p.
func ValidOpcode(p Protocol, t Type, op uint8) bool {
	switch p {
	case CQL:
		if t == Request {
			return cql.IsReqOp(op)
		}
		return cql.IsRespOp(op)
	default:
		return false
	}
}

// OpcodeName returns the name of op for logs.
func OpcodeName(p Protocol, t Type, op uint8) string {
	switch p {
	case CQL:
		if t == Request {
			return cql.ReqOp(op).String()
		}
		return cql.RespOp(op).String()
	default:
		return fmt.Sprintf("0x%02x", op)
	}
}

// Reason maps a decode error to a short metric label.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, cql.ErrTruncated):
		return "truncated"
	case errors.Is(err, cql.ErrInvalidHeader):
		return "invalid_header"
	case errors.Is(err, cql.ErrUnknownOpcode):
		return "unknown_opcode"
	case errors.Is(err, cql.ErrUnsupportedCompression):
		return "unsupported_compression"
	case errors.Is(err, cql.ErrMalformedBody):
		return "malformed_body"
	default:
		return "other"
	}
}
