// Package timebase provides the wrapping tick counter the control loop
// and the reference pin driver measure against, plus the modular
// arithmetic helpers for counts taken from it.
//
// The counter models a free-running hardware port timer: it counts at
// TickHz and wraps at Modulus. Differences between counts are residues
// modulo the wrap width, never signed deltas.
package timebase

import "time"

// Timebase is a wrapping tick counter.
type Timebase interface {
	// Ticks returns the current count, in [0, Modulus).
	Ticks() uint32
	// SleepTicks blocks for approximately n ticks.
	SleepTicks(n uint32)
	// Modulus returns the wrap width of the counter.
	Modulus() uint32
	// TickHz returns the counter rate.
	TickHz() int64
}

// WrapDiff returns the centered residue of a-b modulo m, in
// [-m/2, m/2). A count of 4 taken after 65530 on a 65536 timer is an
// advance of 10, not a negative jump.
func WrapDiff(a, b, m uint32) int32 {
	a, b = a%m, b%m
	d := a - b
	if a < b {
		d += m
	}
	if d >= m/2 {
		return int32(d) - int32(m)
	}
	return int32(d)
}

// WrapDelta returns the forward distance from b to a modulo m, in
// [0, m). Used for elapsed-interval measurements, where the counter
// only ever advances.
func WrapDelta(a, b, m uint32) uint32 {
	a, b = a%m, b%m
	d := a - b
	if a < b {
		d += m
	}
	return d
}

// WrapAdd returns (a + n) modulo m.
func WrapAdd(a, n, m uint32) uint32 {
	return (a + n) % m
}

// System is a Timebase derived from the OS monotonic clock, scaled to
// the configured tick rate and reduced modulo the wrap width.
type System struct {
	tickHz  int64
	modulus uint32
}

// NewSystem returns a Timebase over the OS monotonic clock.
func NewSystem(tickHz int64, modulus uint32) *System {
	return &System{tickHz: tickHz, modulus: modulus}
}

// Ticks returns the current count.
func (s *System) Ticks() uint32 {
	ns := monotonicNanos()
	// Split the conversion so ns*tickHz cannot overflow.
	total := uint64(ns/1e9)*uint64(s.tickHz) + uint64(ns%1e9)*uint64(s.tickHz)/1e9
	return uint32(total % uint64(s.modulus))
}

// SleepTicks blocks for approximately n ticks.
func (s *System) SleepTicks(n uint32) {
	time.Sleep(time.Duration(int64(n) * 1e9 / s.tickHz))
}

// Modulus returns the wrap width.
func (s *System) Modulus() uint32 { return s.modulus }

// TickHz returns the counter rate.
func (s *System) TickHz() int64 { return s.tickHz }

var processStart = time.Now()

func fallbackNanos() int64 {
	return time.Since(processStart).Nanoseconds()
}
