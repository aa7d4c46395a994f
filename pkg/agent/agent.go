// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mbeema/wiretap/pkg/config"
	"github.com/mbeema/wiretap/pkg/conntrack"
	"github.com/mbeema/wiretap/pkg/connector"
	"github.com/mbeema/wiretap/pkg/discovery"
	"github.com/mbeema/wiretap/pkg/export"
	"github.com/mbeema/wiretap/pkg/health"
	"github.com/mbeema/wiretap/pkg/hook"
	hookebpf "github.com/mbeema/wiretap/pkg/hook/ebpf"
	"github.com/mbeema/wiretap/pkg/protocol"
	"github.com/mbeema/wiretap/pkg/reassembly"
	"github.com/mbeema/wiretap/pkg/redact"
	"github.com/mbeema/wiretap/pkg/table"
	"github.com/mbeema/wiretap/pkg/traces"
	"go.uber.org/zap"
)

// cleanupInterval is how often pending requests and idle connections are
// swept. Gap timeouts are checked on the same tick.
const cleanupInterval = time.Second

// Agent wires the capture source to the connector and drains completed
// transactions into the record table and the exporters.
type Agent struct {
	cfg     atomic.Pointer[config.Config]
	logger  *zap.Logger
	id      string
	version string

	stats     *health.Stats
	health    *health.Server
	provider  hook.Provider
	resolver  *discovery.Resolver
	connector *connector.Connector
	table     *table.Table
	exporter  *export.Manager
	clock     *hook.Clock

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// New builds an agent from cfg. Nothing runs until Start.
func New(cfg *config.Config, version string, logger *zap.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	id := uuid.NewString()
	logger = logger.With(zap.String("agent_id", id))

	a := &Agent{
		logger:  logger,
		id:      id,
		version: version,
		stats:   health.NewStats(),
		clock:   hook.NewClock(),
	}
	a.cfg.Store(cfg)

	orphan, err := traces.ParseOrphanPolicy(cfg.Tracing.OrphanPolicy)
	if err != nil {
		return nil, err
	}
	expiry, err := traces.ParseExpiryPolicy(cfg.Tracing.ExpiryPolicy)
	if err != nil {
		return nil, err
	}

	a.resolver = discovery.NewResolver(cfg.Hook.ASID, cfg.Discovery.EnvVars, logger)
	a.connector = connector.New(connector.Config{
		Shards:     cfg.Hook.Shards,
		QueueDepth: cfg.Hook.QueueDepth,
		Tracker: conntrack.Config{
			Stream: reassembly.Config{
				MaxBufferSize: cfg.Tracing.MaxBufferSize,
				GapTimeout:    cfg.Tracing.GapTimeout,
			},
			CQLPorts:       cfg.Tracing.CQLPorts,
			MaxConns:       cfg.Tracing.MaxConns,
			MaxBodyLen:     cfg.Tracing.MaxBodyLen,
			CaptureCeiling: cfg.Tracing.CaptureCeiling,
		},
		Stitcher: traces.Config{
			OrphanPolicy:      orphan,
			ExpiryPolicy:      expiry,
			MaxPendingPerConn: cfg.Tracing.MaxPendingPerConn,
		},
		PendingTimeout: cfg.Tracing.PendingTimeout,
		IdleTimeout:    cfg.Tracing.IdleTimeout,
	}, a.resolver, a.stats, logger.Named("connector"))
	a.connector.OnIncomplete(a.onIncomplete)

	a.table = table.New(cfg.Transfer.TableMaxRows)

	redactor, err := redact.FromConfig(cfg.Redaction)
	if err != nil {
		return nil, err
	}
	mc := export.ManagerConfig{
		Exporters:   &cfg.Exporters,
		ServiceName: cfg.ServiceName,
		Version:     version,
		AgentID:     id,
		SampleRate:  cfg.Tracing.Sampling.Rate,
		Redactor:    redactor,
		Stats:       a.stats,
		Wall:        a.clock.Wall,
	}
	if cfg.ServiceName == "" || cfg.ServiceName == "auto" {
		mc.ServiceName = "wiretap"
		mc.ServiceOf = a.resolver.ServiceName
	}
	a.exporter = export.NewManager(mc, logger.Named("export"))

	a.provider = selectProvider(cfg.Hook, logger)

	if cfg.Health.Enabled {
		a.health = health.NewServer(cfg.Health.Port, version, id, a.stats, logger)
		a.health.AddCheck("capture", a.checkCapture)
		a.health.AddCheck("connector", a.checkConnector)
		a.health.AddCheck("export", a.checkExport)
	}
	return a, nil
}

func (a *Agent) checkCapture() error {
	if stub, ok := a.provider.(*hookebpf.StubProvider); ok {
		return fmt.Errorf("no capture source: %s", stub.Reason())
	}
	return nil
}

func (a *Agent) checkConnector() error {
	if !a.connector.Running() {
		return errors.New("connector not running")
	}
	return nil
}

func (a *Agent) checkExport() error {
	if a.exporter.QueueFull() {
		return fmt.Errorf("export queue full (%d batches)", a.exporter.QueueDepth())
	}
	return nil
}

// selectProvider picks the capture source named by the config.
func selectProvider(cfg config.HookConfig, logger *zap.Logger) hook.Provider {
	switch cfg.Source {
	case "socket":
		return hook.NewManager(cfg.SocketPath, cfg.Workers, logger.Named("hook"))
	case "ringbuf":
		return hookebpf.NewProvider(cfg.RingbufPinPath, logger.Named("hook"))
	default:
		return hookebpf.NewStubProvider("capture disabled by config", logger)
	}
}

// ID returns the agent instance id.
func (a *Agent) ID() string { return a.id }

// Stats returns the agent self-monitoring metrics.
func (a *Agent) Stats() *health.Stats { return a.stats }

// Ingest hands a capture event to the connector.
func (a *Agent) Ingest(ev *hook.RawEvent) { a.connector.Ingest(ev) }

// Start runs every subsystem.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("agent already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	a.ctx = ctx
	a.cancel = cancel
	cfg := a.cfg.Load()

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("start health server: %w", err)
		}
	}
	if err := a.connector.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start connector: %w", err)
	}
	// The exporter outlives ctx: Stop exports the final drain before
	// shutting it down.
	if err := a.exporter.Start(context.WithoutCancel(ctx)); err != nil {
		cancel()
		return fmt.Errorf("start exporter: %w", err)
	}
	if err := a.provider.Start(ctx, a.connector); err != nil {
		cancel()
		a.connector.Stop()
		return fmt.Errorf("start %s capture: %w", a.provider.Name(), err)
	}

	a.wg.Add(2)
	go a.drainLoop(ctx)
	go a.cleanupLoop(ctx)

	a.running = true
	if a.health != nil {
		a.health.SetReady(true)
	}
	a.logger.Info("agent started",
		zap.String("version", a.version),
		zap.String("source", a.provider.Name()),
		zap.Uint16s("cql_ports", cfg.Tracing.CQLPorts),
		zap.Duration("transfer_interval", cfg.Transfer.Interval),
	)
	return nil
}

// Stop shuts the agent down. Transactions completed before Stop are drained
// and exported.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false

	if a.health != nil {
		a.health.SetReady(false)
	}
	var errs []error
	if err := a.provider.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop capture: %w", err))
	}

	a.cancel()
	a.wg.Wait()

	if err := a.connector.Stop(); err != nil {
		errs = append(errs, err)
	}
	if _, err := a.drain(); err != nil {
		errs = append(errs, err)
	}
	if err := a.exporter.Stop(); err != nil {
		errs = append(errs, err)
	}
	if a.health != nil {
		if err := a.health.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	exported, sampledOut, dropped := a.exporter.Stats()
	a.logger.Info("agent stopped",
		zap.Int64("spans_exported", exported),
		zap.Int64("spans_sampled_out", sampledOut),
		zap.Int64("spans_dropped", dropped),
		zap.Int("pending_rows", a.connector.Pending()),
	)
	return errors.Join(errs...)
}

// Reload applies the tracing settings of cfg that can change at runtime:
// timeouts, policies and the sampling rate. Everything else needs a restart.
func (a *Agent) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	orphan, err := traces.ParseOrphanPolicy(cfg.Tracing.OrphanPolicy)
	if err != nil {
		return err
	}
	expiry, err := traces.ParseExpiryPolicy(cfg.Tracing.ExpiryPolicy)
	if err != nil {
		return err
	}

	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if changed := config.RestartRequired(a.cfg.Load(), cfg); len(changed) > 0 {
		a.logger.Warn("config changes take effect on restart", zap.Strings("settings", changed))
	}
	a.connector.SetTimeouts(cfg.Tracing.PendingTimeout, cfg.Tracing.IdleTimeout)
	if err := a.connector.SetPolicies(ctx, orphan, expiry); err != nil {
		return fmt.Errorf("apply policies: %w", err)
	}
	a.exporter.SetSampleRate(cfg.Tracing.Sampling.Rate)
	a.cfg.Store(cfg)

	a.logger.Info("configuration reloaded",
		zap.Duration("pending_timeout", cfg.Tracing.PendingTimeout),
		zap.Duration("idle_timeout", cfg.Tracing.IdleTimeout),
		zap.String("orphan_policy", cfg.Tracing.OrphanPolicy),
		zap.String("expiry_policy", cfg.Tracing.ExpiryPolicy),
		zap.Float64("sample_rate", cfg.Tracing.Sampling.Rate),
	)
	return nil
}

func (a *Agent) drainLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Load().Transfer.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.drain(); err != nil {
				a.transferFailed(err)
			}
		}
	}
}

// drain moves completed transactions into the record table, hands them to
// the exporters and empties the table.
func (a *Agent) drain() ([]table.Row, error) {
	if err := a.connector.TransferData(a.table); err != nil {
		return nil, err
	}
	if a.table.Len() == 0 {
		return nil, nil
	}
	rows := a.table.Snapshot()
	a.table.Reset()
	a.exporter.ExportRows(rows)
	return rows, nil
}

func (a *Agent) transferFailed(err error) {
	if a.cfg.Load().DebugAssertions {
		panic(fmt.Sprintf("wiretap: transfer failed: %v", err))
	}
	a.logger.Error("transfer failed", zap.Error(err))
}

func (a *Agent) cleanupLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(time.Minute)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := a.connector.Cleanup(ctx, now); err != nil && ctx.Err() == nil {
				a.logger.Warn("cleanup failed", zap.Error(err))
			}
		case <-pruneTicker.C:
			if n := a.resolver.Prune(); n > 0 {
				a.logger.Debug("pruned exited processes", zap.Int("count", n))
			}
		}
	}
}

// onIncomplete reports a request that never got a response.
func (a *Agent) onIncomplete(in traces.Incomplete) {
	a.logger.Info("incomplete request",
		zap.Stringer("conn", in.Conn),
		zap.String("reason", in.Reason),
		zap.Int16("stream", in.Req.StreamID),
		zap.String("op", protocol.OpcodeName(in.Req.Protocol, in.Req.Type, in.Req.Opcode)),
		zap.String("body", in.Req.Body),
	)
}
