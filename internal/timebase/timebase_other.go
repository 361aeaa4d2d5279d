//go:build !linux

package timebase

func monotonicNanos() int64 {
	return fallbackNanos()
}
