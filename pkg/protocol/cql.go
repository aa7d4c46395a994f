package protocol

import "github.com/mbeema/wiretap/pkg/protocol/cql"

// cqlDecoder adapts cql.Decoder to Decoder.
type cqlDecoder struct {
	d *cql.Decoder
}

func (c *cqlDecoder) HeaderLen() int { return cql.HeaderLen }

func (c *cqlDecoder) FrameLen(data []byte) (int, error) {
	h, err := cql.ParseHeader(data)
	if err != nil {
		return 0, err
	}
	return h.FrameLen(), nil
}

func (c *cqlDecoder) Resync(data []byte) int {
	return cql.FindFrameBoundary(data)
}

func (c *cqlDecoder) Decode(frame []byte, ts uint64) (Message, error) {
	m, err := c.d.Decode(frame)
	if err != nil {
		return Message{}, err
	}
	typ := Request
	if m.IsResponse() {
		typ = Response
	}
	return Message{
		Protocol:    CQL,
		Type:        typ,
		Opcode:      m.Opcode,
		Body:        m.Body,
		StreamID:    m.Stream,
		TimestampNs: ts,
		Truncated:   m.Clipped,
	}, nil
}
