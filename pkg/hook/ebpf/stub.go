package ebpf

import (
	"context"

	"github.com/mbeema/wiretap/pkg/hook"
	"go.uber.org/zap"
)

// StubProvider is a no-op hook.Provider for hosts where no capture source is
// available (macOS, old kernels, missing pinned map). The agent starts
// normally and drains empty batches.
type StubProvider struct {
	reason string
	logger *zap.Logger
}

var _ hook.Provider = (*StubProvider)(nil)

// NewStubProvider creates a stub provider that logs why capture is unavailable.
func NewStubProvider(reason string, logger *zap.Logger) *StubProvider {
	return &StubProvider{reason: reason, logger: logger}
}

func (s *StubProvider) Start(_ context.Context, _ hook.Sink) error {
	s.logger.Warn("socket capture unavailable, running in stub mode",
		zap.String("reason", s.reason),
	)
	return nil
}

func (s *StubProvider) Stop() error {
	return nil
}

func (s *StubProvider) Name() string {
	return "stub"
}

// Reason returns why the stub was selected.
func (s *StubProvider) Reason() string {
	return s.reason
}
