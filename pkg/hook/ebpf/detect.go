package ebpf

import "fmt"

// Support describes whether a pinned capture ring buffer can be consumed on
// this host.
type Support struct {
	Available     bool
	KernelVersion string
	HasBTF        bool
	PinPath       string
	Reason        string // non-empty when Available is false
}

// parseKernelVersion extracts major.minor from a kernel version string.
func parseKernelVersion(version string) (major, minor int, err error) {
	n, err := fmt.Sscanf(version, "%d.%d", &major, &minor)
	if err != nil || n != 2 {
		return 0, 0, fmt.Errorf("expected major.minor format, got %q", version)
	}
	return major, minor, nil
}

// ringbufSupported reports whether major.minor has BPF ring buffers (5.8+).
func ringbufSupported(major, minor int) bool {
	return major > 5 || (major == 5 && minor >= 8)
}
