// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package discovery

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// processInfo is what the resolver caches per pid.
type processInfo struct {
	startTimeNs uint64
	service     string
}

// Resolver turns pids into UPIDs and service names. Lookups hit /proc once
// per process: an entry is dropped by Prune or Refresh once its pid exits or
// belongs to a newer process. Failed lookups are not cached.
type Resolver struct {
	asid    uint32
	envVars []string
	logger  *zap.Logger

	mu    sync.RWMutex
	cache map[uint32]*processInfo

	// createTime is swapped in tests.
	createTime func(pid uint32) (uint64, error)
}

// NewResolver creates a resolver stamping asid into every UPID.
func NewResolver(asid uint32, envVars []string, logger *zap.Logger) *Resolver {
	if len(envVars) == 0 {
		envVars = []string{"OTEL_SERVICE_NAME", "SERVICE_NAME", "DD_SERVICE", "APP_NAME"}
	}
	return &Resolver{
		asid:       asid,
		envVars:    envVars,
		logger:     logger,
		cache:      make(map[uint32]*processInfo),
		createTime: processCreateTime,
	}
}

// Resolve returns the UPID for pid. A non-zero startTimeNs reported by the
// kernel side wins over the /proc lookup.
func (r *Resolver) Resolve(pid uint32, startTimeNs uint64) UPID {
	if startTimeNs != 0 {
		return UPID{ASID: r.asid, PID: pid, StartTimeNs: startTimeNs}
	}
	return UPID{ASID: r.asid, PID: pid, StartTimeNs: r.lookup(pid).startTimeNs}
}

func (r *Resolver) lookup(pid uint32) *processInfo {
	r.mu.RLock()
	info, ok := r.cache[pid]
	r.mu.RUnlock()
	if ok {
		return info
	}

	st, err := r.createTime(pid)
	if err != nil {
		r.logger.Debug("process start time unavailable", zap.Uint32("pid", pid), zap.Error(err))
		return &processInfo{}
	}
	info = &processInfo{startTimeNs: st}

	r.mu.Lock()
	if existing, ok := r.cache[pid]; ok {
		info = existing
	} else {
		r.cache[pid] = info
	}
	r.mu.Unlock()
	return info
}

// ServiceName returns a service name for pid: a service env var if set, else
// the executable name, else "pid-N".
func (r *Resolver) ServiceName(pid uint32) string {
	info := r.lookup(pid)

	r.mu.RLock()
	name := info.service
	r.mu.RUnlock()
	if name != "" {
		return name
	}

	name = r.discoverName(pid)
	r.mu.Lock()
	info.service = name
	r.mu.Unlock()
	return name
}

func (r *Resolver) discoverName(pid uint32) string {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Sprintf("pid-%d", pid)
	}

	if envs, err := proc.Environ(); err == nil {
		for _, env := range envs {
			for _, varName := range r.envVars {
				if strings.HasPrefix(env, varName+"=") && len(env) > len(varName)+1 {
					return env[len(varName)+1:]
				}
			}
		}
	}

	if name, err := proc.Name(); err == nil && name != "" {
		return strings.TrimSuffix(name, ".exe")
	}
	return fmt.Sprintf("pid-%d", pid)
}

// Forget removes a pid from the cache.
func (r *Resolver) Forget(pid uint32) {
	r.mu.Lock()
	delete(r.cache, pid)
	r.mu.Unlock()
}

// Refresh re-reads the start time of pid and drops the cached entry when the
// pid now belongs to another process. Called on connect and accept, where a
// reused pid first shows up.
func (r *Resolver) Refresh(pid uint32) {
	r.mu.RLock()
	info, ok := r.cache[pid]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if st, err := r.createTime(pid); err != nil || st != info.startTimeNs {
		r.evict(pid, info)
	}
}

// Prune removes cached entries for processes that exited or whose pid was
// reused since the lookup.
func (r *Resolver) Prune() int {
	r.mu.RLock()
	snapshot := make(map[uint32]*processInfo, len(r.cache))
	for pid, info := range r.cache {
		snapshot[pid] = info
	}
	r.mu.RUnlock()

	removed := 0
	for pid, info := range snapshot {
		st, err := r.createTime(pid)
		if err == nil && st == info.startTimeNs {
			continue
		}
		if r.evict(pid, info) {
			removed++
		}
	}
	return removed
}

// evict deletes pid's entry if it is still info.
func (r *Resolver) evict(pid uint32, info *processInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache[pid] != info {
		return false
	}
	delete(r.cache, pid)
	return true
}

// Len returns the number of cached pids.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// processCreateTime returns the process start time in ns since the epoch.
func processCreateTime(pid uint32) (uint64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	ms, err := proc.CreateTime()
	if err != nil {
		return 0, err
	}
	return uint64(ms) * 1_000_000, nil
}
