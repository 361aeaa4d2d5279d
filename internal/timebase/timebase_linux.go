//go:build linux

package timebase

import "golang.org/x/sys/unix"

// monotonicNanos reads CLOCK_MONOTONIC_RAW, which is not slewed by NTP
// and so behaves like a free-running counter.
func monotonicNanos() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		return fallbackNanos()
	}
	return ts.Sec*1e9 + ts.Nsec
}
