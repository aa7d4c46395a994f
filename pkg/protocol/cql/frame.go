// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package cql decodes Cassandra native protocol v3 and v4 messages captured
// off the wire. v5 connections are rejected: after the handshake v5 wraps
// messages in checksummed segments, which this decoder does not unwrap.
package cql

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is the size of a v3+ frame header.
const HeaderLen = 9

// Supported protocol versions.
const (
	MinVersion = 3
	MaxVersion = 4
)

// MaxFrameBody is the largest body length the protocol allows (256 MiB).
const MaxFrameBody = 256 * 1024 * 1024

// Header flags.
const (
	FlagCompression   = 0x01
	FlagTracing       = 0x02
	FlagCustomPayload = 0x04
	FlagWarning       = 0x08
	FlagBeta          = 0x10

	knownFlags = FlagCompression | FlagTracing | FlagCustomPayload | FlagWarning | FlagBeta
)

// directionBit is set in the version byte of responses.
const directionBit = 0x80

var (
	// ErrNeedMoreData means the buffer holds less than one complete frame.
	ErrNeedMoreData = errors.New("cql: need more data")
	// ErrInvalidHeader means the bytes cannot be a frame header.
	ErrInvalidHeader = errors.New("cql: invalid frame header")
	// ErrUnknownOpcode means the opcode is outside the closed set for the
	// frame's direction.
	ErrUnknownOpcode = errors.New("cql: unknown opcode")
	// ErrTruncated means the frame declares more bytes than can ever be
	// delivered.
	ErrTruncated = errors.New("cql: frame truncated")
	// ErrMalformedBody means the body does not match its opcode's layout.
	ErrMalformedBody = errors.New("cql: malformed body")
	// ErrUnsupportedCompression means the body is compressed with an
	// algorithm this decoder cannot undo.
	ErrUnsupportedCompression = errors.New("cql: unsupported compression")
)

// Header is a decoded frame header.
type Header struct {
	Version uint8 // raw version byte, direction bit included
	Flags   uint8
	Stream  int16
	Opcode  uint8
	Length  int32
}

// IsResponse reports whether the direction bit is set.
func (h Header) IsResponse() bool {
	return h.Version&directionBit != 0
}

// ProtocolVersion returns the version number without the direction bit.
func (h Header) ProtocolVersion() uint8 {
	return h.Version &^ directionBit
}

// FrameLen returns the total frame size, header included.
func (h Header) FrameLen() int {
	return HeaderLen + int(h.Length)
}

func (h Header) String() string {
	dir := "request"
	op := ReqOp(h.Opcode).String()
	if h.IsResponse() {
		dir = "response"
		op = RespOp(h.Opcode).String()
	}
	return fmt.Sprintf("v%d %s %s stream=%d len=%d", h.ProtocolVersion(), dir, op, h.Stream, h.Length)
}

// Frame is one header plus its (still encoded) body.
type Frame struct {
	Header
	Body []byte
}

// ParseHeader decodes and validates a frame header at the start of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, ErrNeedMoreData
	}
	h := Header{
		Version: buf[0],
		Flags:   buf[1],
		Stream:  int16(binary.BigEndian.Uint16(buf[2:4])),
		Opcode:  buf[4],
		Length:  int32(binary.BigEndian.Uint32(buf[5:9])),
	}
	if err := h.validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

func (h Header) validate() error {
	if v := h.ProtocolVersion(); v < MinVersion || v > MaxVersion {
		return fmt.Errorf("%w: version 0x%02x", ErrInvalidHeader, h.Version)
	}
	if h.Flags&^knownFlags != 0 {
		return fmt.Errorf("%w: flags 0x%02x", ErrInvalidHeader, h.Flags)
	}
	if h.Length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrInvalidHeader, h.Length)
	}
	if h.Length > MaxFrameBody {
		return fmt.Errorf("%w: body length %d exceeds %d", ErrTruncated, h.Length, MaxFrameBody)
	}
	if h.IsResponse() {
		// Server-pushed events use stream -1.
		if !IsRespOp(h.Opcode) {
			return fmt.Errorf("%w: response opcode 0x%02x", ErrUnknownOpcode, h.Opcode)
		}
		if h.Stream < -1 {
			return fmt.Errorf("%w: response stream %d", ErrInvalidHeader, h.Stream)
		}
		return nil
	}
	if !IsReqOp(h.Opcode) {
		return fmt.Errorf("%w: request opcode 0x%02x", ErrUnknownOpcode, h.Opcode)
	}
	if h.Stream < 0 {
		return fmt.Errorf("%w: request stream %d", ErrInvalidHeader, h.Stream)
	}
	return nil
}

// ParseFrame decodes one frame from the start of buf. It returns the frame
// and the number of bytes it occupies. The body aliases buf.
func ParseFrame(buf []byte) (Frame, int, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return Frame{}, 0, err
	}
	n := h.FrameLen()
	if len(buf) < n {
		return Frame{}, 0, ErrNeedMoreData
	}
	return Frame{Header: h, Body: buf[HeaderLen:n]}, n, nil
}

// FindFrameBoundary returns the offset of the first position in buf at which
// a valid header starts, or -1 if there is none. Headers cut off by the end of
// buf are not considered.
func FindFrameBoundary(buf []byte) int {
	for i := 0; i+HeaderLen <= len(buf); i++ {
		v := buf[i] &^ directionBit
		if v < MinVersion || v > MaxVersion {
			continue
		}
		if _, err := ParseHeader(buf[i:]); err == nil {
			return i
		}
	}
	return -1
}
