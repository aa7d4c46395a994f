// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package ebpf

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// bpffsMagic is the f_type statfs reports for a mounted bpf filesystem.
const bpffsMagic = 0xcafe4a11

// Detect checks whether the kernel has ring buffers (5.8+) and whether the
// capture probes have pinned their event map at pinPath.
func Detect(pinPath string) Support {
	kver := kernelVersion()
	s := Support{KernelVersion: kver, PinPath: pinPath, HasBTF: btfAvailable()}

	major, minor, err := parseKernelVersion(kver)
	if err != nil {
		s.Reason = fmt.Sprintf("cannot parse kernel version %q: %v", kver, err)
		return s
	}
	if !ringbufSupported(major, minor) {
		s.Reason = fmt.Sprintf("kernel %d.%d < 5.8 (ring buffer requires 5.8+)", major, minor)
		return s
	}

	if _, err := os.Stat(pinPath); err != nil {
		s.Reason = fmt.Sprintf("no pinned event map at %s: %v", pinPath, err)
		return s
	}
	var st unix.Statfs_t
	if err := unix.Statfs(pinPath, &st); err == nil && int64(st.Type) != bpffsMagic {
		s.Reason = fmt.Sprintf("%s is not on a bpf filesystem", pinPath)
		return s
	}

	s.Available = true
	return s
}

// kernelVersion returns the running kernel version string.
func kernelVersion() string {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "unknown"
	}
	return strings.TrimRight(string(uname.Release[:]), "\x00")
}

// btfAvailable checks if the kernel exposes BTF type information.
func btfAvailable() bool {
	_, err := os.Stat("/sys/kernel/btf/vmlinux")
	return err == nil
}
