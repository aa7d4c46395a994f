package reassembly

import (
	"errors"
	"fmt"

	"github.com/mbeema/wiretap/pkg/protocol"
)

// Extract decodes every complete frame at the front of ds. emit receives
// decoded messages in stream order; drop receives one error per frame or
// range given up on. Frames whose declared length runs into a capture hole
// are dropped before any body decode. After a parse error the stream skips
// to the next plausible frame boundary. Returns the number of messages
// emitted.
func Extract(ds *DataStream, dec protocol.Decoder, emit func(protocol.Message), drop func(error)) int {
	emitted := 0
	for {
		data, holeNext := ds.Head()
		if len(data) == 0 {
			if !holeNext {
				return emitted
			}
			// Nothing captured before the hole: whatever follows it starts
			// mid-frame.
			ds.PopHole()
			ds.MarkLost()
			continue
		}

		if ds.LostSync() {
			off := dec.Resync(data)
			if off < 0 {
				if holeNext {
					ds.Consume(len(data))
					continue
				}
				// Keep a possible header prefix for the next append.
				if keep := dec.HeaderLen() - 1; len(data) > keep {
					ds.Consume(len(data) - keep)
				}
				return emitted
			}
			ds.Consume(off)
			ds.MarkSynced()
			continue
		}

		total, err := dec.FrameLen(data)
		switch {
		case errors.Is(err, protocol.ErrNeedMoreData):
			if !holeNext {
				return emitted
			}
			drop(fmt.Errorf("%w: header cut by capture gap", protocol.ErrTruncated))
			ds.Consume(len(data))
			continue
		case err != nil:
			drop(err)
			ds.MarkLost()
			continue
		}

		if total > len(data) {
			if !holeNext {
				return emitted
			}
			drop(fmt.Errorf("%w: frame of %d bytes, %d captured", protocol.ErrTruncated, total, len(data)))
			ds.Discard(total)
			continue
		}

		msg, err := dec.Decode(data[:total], ds.TimestampNs())
		ds.Consume(total)
		if err != nil {
			drop(err)
			continue
		}
		emitted++
		emit(msg)
	}
}
