//go:build !linux

package ebpf

import (
	"github.com/mbeema/wiretap/pkg/hook"
	"go.uber.org/zap"
)

// NewProvider on non-Linux platforms returns a stub provider.
func NewProvider(pinPath string, logger *zap.Logger) hook.Provider {
	return NewStubProvider("ring buffer capture requires Linux", logger)
}
