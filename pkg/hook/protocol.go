// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"encoding/binary"
	"fmt"
)

// Message types matching the msg_type field written by the capture probes.
const (
	MsgConnect = 1
	MsgDataOut = 2
	MsgDataIn  = 3
	MsgClose   = 4
	MsgSSLOut  = 5
	MsgSSLIn   = 6
	MsgAccept  = 7
)

// HeaderSize is the fixed size of the binary event header.
//
//	[0]     msg_type
//	[1:4]   pad
//	[4:8]   pid
//	[8:12]  tid
//	[12:16] fd
//	[16:20] payload_len
//	[20:24] original_len
//	[24:32] timestamp_ns
//	[32:40] start_time_ns
//	[40:48] seq
//	[48:52] remote_addr
//	[52:54] remote_port (network byte order)
//	[54:56] pad
const HeaderSize = 56

// MaxPayload is the capture ceiling of the kernel side: the largest payload a
// single event can carry.
const MaxPayload = 30 * 1024

// Header is the Go representation of the event header.
type Header struct {
	MsgType     uint8
	PID         uint32
	TID         uint32
	FD          int32
	PayloadLen  uint32
	OriginalLen uint32
	TimestampNS uint64
	StartTimeNS uint64
	Seq         uint64
	RemoteAddr  uint32
	RemotePort  uint16
}

// MsgTypeName returns a human-readable name for a message type.
func MsgTypeName(t uint8) string {
	switch t {
	case MsgConnect:
		return "CONNECT"
	case MsgDataOut:
		return "DATA_OUT"
	case MsgDataIn:
		return "DATA_IN"
	case MsgClose:
		return "CLOSE"
	case MsgSSLOut:
		return "SSL_OUT"
	case MsgSSLIn:
		return "SSL_IN"
	case MsgAccept:
		return "ACCEPT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// ParseHeader decodes a binary event header.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("buffer too small: %d < %d", len(buf), HeaderSize)
	}

	port := binary.LittleEndian.Uint16(buf[52:54])
	return Header{
		MsgType:     buf[0],
		PID:         binary.LittleEndian.Uint32(buf[4:8]),
		TID:         binary.LittleEndian.Uint32(buf[8:12]),
		FD:          int32(binary.LittleEndian.Uint32(buf[12:16])),
		PayloadLen:  binary.LittleEndian.Uint32(buf[16:20]),
		OriginalLen: binary.LittleEndian.Uint32(buf[20:24]),
		TimestampNS: binary.LittleEndian.Uint64(buf[24:32]),
		StartTimeNS: binary.LittleEndian.Uint64(buf[32:40]),
		Seq:         binary.LittleEndian.Uint64(buf[40:48]),
		RemoteAddr:  binary.LittleEndian.Uint32(buf[48:52]),
		RemotePort:  (port >> 8) | (port << 8),
	}, nil
}

// ParseEvent decodes a complete event from a byte buffer. The payload is
// copied so buf may be reused by the caller.
func ParseEvent(buf []byte) (*RawEvent, error) {
	hdr, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if hdr.PayloadLen > MaxPayload {
		return nil, fmt.Errorf("payload length %d exceeds capture ceiling %d", hdr.PayloadLen, MaxPayload)
	}

	ev := &RawEvent{
		PID:         hdr.PID,
		TID:         hdr.TID,
		StartTimeNs: hdr.StartTimeNS,
		FD:          hdr.FD,
		TimestampNs: hdr.TimestampNS,
		Seq:         hdr.Seq,
		OriginalLen: hdr.OriginalLen,
		RemoteAddr:  hdr.RemoteAddr,
		RemotePort:  hdr.RemotePort,
	}

	switch hdr.MsgType {
	case MsgConnect:
		ev.Kind = KindConnect
	case MsgAccept:
		ev.Kind = KindAccept
	case MsgClose:
		ev.Kind = KindClose
	case MsgDataOut, MsgSSLOut:
		ev.Kind = KindData
		ev.Direction = DirSend
		ev.SSL = hdr.MsgType == MsgSSLOut
	case MsgDataIn, MsgSSLIn:
		ev.Kind = KindData
		ev.Direction = DirRecv
		ev.SSL = hdr.MsgType == MsgSSLIn
	default:
		return nil, fmt.Errorf("unknown message type %s", MsgTypeName(hdr.MsgType))
	}

	if hdr.PayloadLen > 0 {
		if uint32(len(buf)) < uint32(HeaderSize)+hdr.PayloadLen {
			return nil, fmt.Errorf("payload truncated: have %d, need %d",
				len(buf)-HeaderSize, hdr.PayloadLen)
		}
		ev.Payload = make([]byte, hdr.PayloadLen)
		copy(ev.Payload, buf[HeaderSize:HeaderSize+hdr.PayloadLen])
	}
	if ev.OriginalLen < uint32(len(ev.Payload)) {
		ev.OriginalLen = uint32(len(ev.Payload))
	}

	return ev, nil
}

// AppendEvent encodes ev in the binary event format and appends it to dst.
// Payloads beyond MaxPayload are clipped and OriginalLen records the full
// size, the same way the kernel side reports truncated captures.
func AppendEvent(dst []byte, ev *RawEvent) []byte {
	payload := ev.Payload
	if len(payload) > MaxPayload {
		payload = payload[:MaxPayload]
	}
	orig := ev.OriginalLen
	if orig < uint32(len(ev.Payload)) {
		orig = uint32(len(ev.Payload))
	}

	var msgType uint8
	switch ev.Kind {
	case KindConnect:
		msgType = MsgConnect
	case KindAccept:
		msgType = MsgAccept
	case KindClose:
		msgType = MsgClose
	default:
		switch {
		case ev.Direction == DirSend && ev.SSL:
			msgType = MsgSSLOut
		case ev.Direction == DirSend:
			msgType = MsgDataOut
		case ev.SSL:
			msgType = MsgSSLIn
		default:
			msgType = MsgDataIn
		}
	}

	var hdr [HeaderSize]byte
	hdr[0] = msgType
	binary.LittleEndian.PutUint32(hdr[4:8], ev.PID)
	binary.LittleEndian.PutUint32(hdr[8:12], ev.TID)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(ev.FD))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[20:24], orig)
	binary.LittleEndian.PutUint64(hdr[24:32], ev.TimestampNs)
	binary.LittleEndian.PutUint64(hdr[32:40], ev.StartTimeNs)
	binary.LittleEndian.PutUint64(hdr[40:48], ev.Seq)
	binary.LittleEndian.PutUint32(hdr[48:52], ev.RemoteAddr)
	binary.LittleEndian.PutUint16(hdr[52:54], (ev.RemotePort>>8)|(ev.RemotePort<<8))

	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}
