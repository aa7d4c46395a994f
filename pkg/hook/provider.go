// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import "context"

// Provider is the interface for raw event sources.
// Implementations include the pinned ring buffer reader (Linux 5.8+), the
// Unix DGRAM socket manager and a stub for unsupported platforms.
type Provider interface {
	// Start begins reading capture events and delivering them to sink.
	Start(ctx context.Context, sink Sink) error

	// Stop shuts down the provider and releases resources.
	Stop() error

	// Name returns the provider name (e.g., "ringbuf", "socket", "stub").
	Name() string
}
