//go:build linux

package workers

import "golang.org/x/sys/unix"

// loadScale is the fixed-point scale the kernel uses for sysinfo loads.
const loadScale = 1 << 16

// SystemLoad returns the one-minute load average from sysinfo(2).
func SystemLoad() (float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return float64(info.Loads[0]) / loadScale, nil
}
