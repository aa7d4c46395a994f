package protocol

import (
	"github.com/mbeema/wiretap/pkg/protocol/cql"
)

// DefaultCQLPort is the native transport port.
const DefaultCQLPort = 9042

// Detect classifies a connection from the first bytes seen in either
// direction. A well-formed CQL header is decisive. Otherwise a known CQL port
// is enough: the agent may have attached mid-connection, and the framer
// resynchronizes on the next frame boundary.
func Detect(data []byte, port uint16, cqlPorts []uint16) Protocol {
	if len(data) >= cql.HeaderLen {
		if _, err := cql.ParseHeader(data); err == nil {
			return CQL
		}
	}
	for _, p := range cqlPorts {
		if p == port && port != 0 {
			return CQL
		}
	}
	return Unknown
}
