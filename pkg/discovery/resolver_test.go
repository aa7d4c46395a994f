// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package discovery

import (
	"errors"
	"os"
	"testing"

	"go.uber.org/zap"
)

func TestUPIDHalves(t *testing.T) {
	u := UPID{ASID: 2, PID: 4242, StartTimeNs: 99}
	if got, want := u.High64(), uint64(2)<<32|4242; got != want {
		t.Errorf("High64() = %#x, want %#x", got, want)
	}
	if u.Low64() != 99 {
		t.Errorf("Low64() = %d, want 99", u.Low64())
	}
	if back := FromUint128(u.High64(), u.Low64()); back != u {
		t.Errorf("FromUint128 = %+v, want %+v", back, u)
	}
}

func TestResolvePrefersKernelStartTime(t *testing.T) {
	r := NewResolver(0, nil, zap.NewNop())
	called := false
	r.createTime = func(uint32) (uint64, error) {
		called = true
		return 1, nil
	}

	u := r.Resolve(100, 555)
	if u.StartTimeNs != 555 {
		t.Errorf("StartTimeNs = %d, want 555", u.StartTimeNs)
	}
	if called {
		t.Error("lookup should be skipped when the event carries a start time")
	}
}

func TestResolveCachesLookup(t *testing.T) {
	r := NewResolver(7, nil, zap.NewNop())
	calls := 0
	r.createTime = func(pid uint32) (uint64, error) {
		calls++
		return uint64(pid) * 10, nil
	}

	a := r.Resolve(12, 0)
	b := r.Resolve(12, 0)
	if a != b {
		t.Errorf("Resolve not stable: %v vs %v", a, b)
	}
	if a.StartTimeNs != 120 || a.ASID != 7 {
		t.Errorf("Resolve = %+v", a)
	}
	if calls != 1 {
		t.Errorf("createTime called %d times, want 1", calls)
	}

	r.Forget(12)
	r.Resolve(12, 0)
	if calls != 2 {
		t.Errorf("createTime called %d times after Forget, want 2", calls)
	}
}

func TestResolveLookupFailureNotCached(t *testing.T) {
	r := NewResolver(0, nil, zap.NewNop())
	fail := true
	r.createTime = func(uint32) (uint64, error) {
		if fail {
			return 0, errors.New("gone")
		}
		return 77, nil
	}

	u := r.Resolve(31337, 0)
	if u.PID != 31337 || u.StartTimeNs != 0 {
		t.Errorf("Resolve = %+v, want pid only", u)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after a failed lookup", r.Len())
	}

	fail = false
	if u := r.Resolve(31337, 0); u.StartTimeNs != 77 {
		t.Errorf("StartTimeNs = %d after recovery, want 77", u.StartTimeNs)
	}
}

func TestResolveCurrentProcess(t *testing.T) {
	r := NewResolver(0, nil, zap.NewNop())
	u := r.Resolve(uint32(os.Getpid()), 0)
	if u.StartTimeNs == 0 {
		t.Log("process start time unavailable (may be OK in restricted environments)")
	}
	if name := r.ServiceName(uint32(os.Getpid())); name == "" {
		t.Error("expected non-empty service name for the test process")
	}
}

func TestPruneRemovesExitedAndReusedPids(t *testing.T) {
	r := NewResolver(0, nil, zap.NewNop())
	starts := map[uint32]uint64{10: 111, 11: 500, 12: 900}
	r.createTime = func(pid uint32) (uint64, error) {
		st, ok := starts[pid]
		if !ok {
			return 0, errors.New("no such process")
		}
		return st, nil
	}

	for pid := range starts {
		r.Resolve(pid, 0)
	}
	starts[10] = 222 // pid reused by a new process
	delete(starts, 11)

	if removed := r.Prune(); removed != 2 {
		t.Errorf("Prune() = %d, want 2", removed)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if u := r.Resolve(10, 0); u.StartTimeNs != 222 {
		t.Errorf("StartTimeNs = %d after pid reuse, want 222", u.StartTimeNs)
	}
	if u := r.Resolve(12, 0); u.StartTimeNs != 900 {
		t.Errorf("StartTimeNs = %d, want 900", u.StartTimeNs)
	}
}

func TestRefreshDetectsPidReuse(t *testing.T) {
	r := NewResolver(0, nil, zap.NewNop())
	st := uint64(111)
	r.createTime = func(uint32) (uint64, error) { return st, nil }

	first := r.Resolve(30860, 0)
	r.Refresh(30860)
	if again := r.Resolve(30860, 0); again != first {
		t.Errorf("Resolve = %v after no-op Refresh, want %v", again, first)
	}

	st = 222
	r.Refresh(30860)
	if second := r.Resolve(30860, 0); second.StartTimeNs != 222 {
		t.Errorf("StartTimeNs = %d after Refresh, want 222", second.StartTimeNs)
	}
}
