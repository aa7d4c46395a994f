//go:build linux

package ebpf

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/mbeema/wiretap/pkg/hook"
	"go.uber.org/zap"
)

// eventReader wraps a BPF ring buffer reader and delivers decoded events to
// a sink. Records use the same binary layout as the datagram source.
type eventReader struct {
	reader *ringbuf.Reader
	sink   hook.Sink
	logger *zap.Logger

	closeOnce sync.Once
	malformed atomic.Uint64
}

// newEventReader creates a ring buffer reader for the given BPF map.
func newEventReader(eventsMap *ebpf.Map, sink hook.Sink, logger *zap.Logger) (*eventReader, error) {
	rd, err := ringbuf.NewReader(eventsMap)
	if err != nil {
		return nil, fmt.Errorf("create ring buffer reader: %w", err)
	}
	return &eventReader{
		reader: rd,
		sink:   sink,
		logger: logger,
	}, nil
}

// readLoop reads events from the ring buffer until the reader is closed.
func (er *eventReader) readLoop() {
	var record ringbuf.Record
	for {
		err := er.reader.ReadInto(&record)
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			er.logger.Debug("ring buffer read error", zap.Error(err))
			continue
		}

		er.dispatch(record.RawSample)
	}
}

// dispatch decodes one raw sample. ParseEvent copies the payload, so the
// record buffer can be reused by the next ReadInto.
func (er *eventReader) dispatch(raw []byte) {
	ev, err := hook.ParseEvent(raw)
	if err != nil {
		if er.malformed.Add(1) == 1 {
			er.logger.Warn("malformed ring buffer sample", zap.Int("len", len(raw)), zap.Error(err))
		}
		return
	}
	// fd -1 marks exec notifications from the probes; nothing to trace.
	if ev.FD < 0 {
		return
	}
	if ev.Kind == hook.KindData && len(ev.Payload) == 0 {
		return
	}
	er.sink.Ingest(ev)
}

func (er *eventReader) close() {
	er.closeOnce.Do(func() {
		er.reader.Close()
	})
}
