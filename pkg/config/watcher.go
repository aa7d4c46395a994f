// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads a config directory when one of its YAML or TOML files is
// written, created, renamed or removed. Bursts of events collapse into one
// reload after the debounce delay. A reload that yields the config already
// applied is skipped, so editors that touch files without changing them do
// not reach onChange. onChange runs on the watcher goroutine.
type Watcher struct {
	dir      string
	onChange func(*Config, string)
	logger   *zap.Logger
	debounce time.Duration

	fsw      *fsnotify.Watcher
	last     *Config
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewWatcher creates a config directory watcher. current is the config in
// effect, nil when unknown. onChange receives each changed, valid config and
// the base name of the file that triggered it.
func NewWatcher(dir string, current *Config, onChange func(*Config, string), logger *zap.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		onChange: onChange,
		logger:   logger,
		debounce: defaultDebounce,
		last:     current,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins watching the config directory.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.fsw = fsw

	go w.loop(ctx)
	w.logger.Info("config watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop shuts the watcher down and waits for a reload in progress.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fsw != nil {
			w.fsw.Close()
			<-w.done
		}
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()
	var trigger string

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isConfigFile(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			trigger = filepath.Base(event.Name)
			w.logger.Debug("config file changed", zap.String("file", trigger), zap.Stringer("op", event.Op))
			timer.Reset(w.debounce)

		case <-timer.C:
			w.reload(trigger)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		}
	}
}

func isConfigFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".toml":
		return true
	}
	return false
}

func (w *Watcher) reload(trigger string) {
	cfg, err := LoadDir(w.dir)
	if err != nil {
		w.logger.Error("config reload failed", zap.String("file", trigger), zap.Error(err))
		return
	}
	if w.last != nil && reflect.DeepEqual(w.last, cfg) {
		w.logger.Debug("config unchanged", zap.String("file", trigger))
		return
	}
	w.last = cfg
	w.onChange(cfg, trigger)
}

// RestartRequired lists the settings that differ between old and next and
// only take effect on restart. Timeouts, orphan and expiry policies, the
// sampling rate and the log level apply live.
func RestartRequired(old, next *Config) []string {
	var changed []string
	diff := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			changed = append(changed, name)
		}
	}
	diff("service_name", old.ServiceName, next.ServiceName)
	diff("hook", old.Hook, next.Hook)
	diff("tracing.cql_ports", old.Tracing.CQLPorts, next.Tracing.CQLPorts)
	diff("tracing.capture_ceiling", old.Tracing.CaptureCeiling, next.Tracing.CaptureCeiling)
	diff("tracing.max_buffer_size", old.Tracing.MaxBufferSize, next.Tracing.MaxBufferSize)
	diff("tracing.max_body_len", old.Tracing.MaxBodyLen, next.Tracing.MaxBodyLen)
	diff("tracing.max_conns", old.Tracing.MaxConns, next.Tracing.MaxConns)
	diff("tracing.gap_timeout", old.Tracing.GapTimeout, next.Tracing.GapTimeout)
	diff("tracing.max_pending_per_conn", old.Tracing.MaxPendingPerConn, next.Tracing.MaxPendingPerConn)
	diff("transfer", old.Transfer, next.Transfer)
	diff("exporters", old.Exporters, next.Exporters)
	diff("discovery", old.Discovery, next.Discovery)
	diff("health", old.Health, next.Health)
	diff("redaction", old.Redaction, next.Redaction)
	diff("debug_assertions", old.DebugAssertions, next.DebugAssertions)
	return changed
}
