//go:build linux

package ebpf

import (
	"context"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/mbeema/wiretap/pkg/hook"
	"go.uber.org/zap"
)

// Provider implements hook.Provider by reading capture events from a BPF
// ring buffer map pinned by the kernel-side probes. Loading and attaching the
// probes is the probe loader's job; the agent only consumes the map.
type Provider struct {
	pinPath string
	logger  *zap.Logger

	eventsMap   *ebpf.Map
	eventReader *eventReader

	wg sync.WaitGroup
}

var _ hook.Provider = (*Provider)(nil)

// NewProvider creates a ring buffer provider. When the host cannot support
// it, a StubProvider is returned instead.
func NewProvider(pinPath string, logger *zap.Logger) hook.Provider {
	support := Detect(pinPath)
	if !support.Available {
		return NewStubProvider(support.Reason, logger)
	}
	logger.Info("ring buffer capture available",
		zap.String("kernel", support.KernelVersion),
		zap.Bool("btf", support.HasBTF),
		zap.String("pin_path", pinPath),
	)
	return &Provider{pinPath: pinPath, logger: logger}
}

// pinOptions opens the pinned ring buffer read-write: the reader maps the
// consumer position page writable to advance it.
var pinOptions = &ebpf.LoadPinOptions{}

// Start opens the pinned map and begins reading events.
func (p *Provider) Start(ctx context.Context, sink hook.Sink) error {
	m, err := ebpf.LoadPinnedMap(p.pinPath, pinOptions)
	if err != nil {
		return fmt.Errorf("load pinned map %s: %w", p.pinPath, err)
	}
	if m.Type() != ebpf.RingBuf {
		m.Close()
		return fmt.Errorf("pinned map %s is %s, want RingBuf", p.pinPath, m.Type())
	}
	p.eventsMap = m

	p.eventReader, err = newEventReader(m, sink, p.logger)
	if err != nil {
		m.Close()
		return fmt.Errorf("create event reader: %w", err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.eventReader.readLoop()
	}()

	go func() {
		<-ctx.Done()
		p.eventReader.close()
	}()

	p.logger.Info("ring buffer provider started", zap.String("map", p.pinPath))
	return nil
}

// Stop closes the reader and the map handle.
func (p *Provider) Stop() error {
	if p.eventReader != nil {
		p.eventReader.close()
	}
	p.wg.Wait()
	if p.eventsMap != nil {
		p.eventsMap.Close()
	}
	return nil
}

func (p *Provider) Name() string {
	return "ringbuf"
}
