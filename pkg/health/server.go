// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

// Check reports whether one subsystem can do its job. nil means it can.
type Check func() error

type namedCheck struct {
	name string
	fn   Check
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Name string
	Err  error
}

// Server exposes /health (liveness), /ready (the agent is started and every
// registered check passes) and /metrics.
type Server struct {
	logger  *zap.Logger
	stats   *Stats
	version string
	addr    string
	agentID string

	started atomic.Bool
	mu      sync.RWMutex
	checks  []namedCheck

	server  *http.Server
	ln      net.Listener
	metrics http.Handler
	arenas  fastjson.ArenaPool
}

// NewServer creates a health server.
func NewServer(addr, version, agentID string, stats *Stats, logger *zap.Logger) *Server {
	return &Server{
		addr:    addr,
		version: version,
		agentID: agentID,
		stats:   stats,
		logger:  logger,
		metrics: promhttp.HandlerFor(stats.Registry(), promhttp.HandlerOpts{}),
	}
}

// AddCheck registers a readiness check. Checks run on every /ready request
// in registration order and must not block.
func (s *Server) AddCheck(name string, fn Check) {
	s.mu.Lock()
	s.checks = append(s.checks, namedCheck{name: name, fn: fn})
	s.mu.Unlock()
}

// SetReady gates readiness on the agent lifecycle: false while starting or
// stopping regardless of the checks.
func (s *Server) SetReady(ready bool) {
	s.started.Store(ready)
}

// Ready runs the checks. The agent is ready when it is started and no check
// fails.
func (s *Server) Ready() (bool, []CheckResult) {
	s.mu.RLock()
	checks := s.checks
	s.mu.RUnlock()

	ok := s.started.Load()
	results := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		err := c.fn()
		if err != nil {
			ok = false
		}
		results = append(results, CheckResult{Name: c.name, Err: err})
	}
	return ok, results
}

// Start begins serving health endpoints.
func (s *Server) Start(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", s.metrics)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()

	s.logger.Info("health server started", zap.Stringer("addr", ln.Addr()))
	return nil
}

// Addr returns the listening address once started, else the configured one.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the health server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a := s.arenas.Get()
	defer s.arenas.Put(a)
	a.Reset()

	uptime := s.stats.Uptime()
	obj := a.NewObject()
	obj.Set("status", a.NewString("healthy"))
	obj.Set("version", a.NewString(s.version))
	obj.Set("agent_id", a.NewString(s.agentID))
	obj.Set("uptime", a.NewString(uptime.Truncate(time.Second).String()))
	obj.Set("uptime_seconds", a.NewNumberInt(int(uptime/time.Second)))
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	ok, results := s.Ready()

	a := s.arenas.Get()
	defer s.arenas.Put(a)
	a.Reset()

	obj := a.NewObject()
	checks := a.NewObject()
	for _, r := range results {
		if r.Err != nil {
			checks.Set(r.Name, a.NewString(r.Err.Error()))
		} else {
			checks.Set(r.Name, a.NewString("ok"))
		}
	}
	obj.Set("checks", checks)

	code := http.StatusOK
	switch {
	case ok:
		obj.Set("status", a.NewString("ready"))
	case !s.started.Load():
		obj.Set("status", a.NewString("not_started"))
		code = http.StatusServiceUnavailable
	default:
		obj.Set("status", a.NewString("degraded"))
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, obj)
}

func writeJSON(w http.ResponseWriter, code int, v *fastjson.Value) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(v.MarshalTo(nil))
}
