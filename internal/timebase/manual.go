package timebase

import "sync"

// Manual is a hand-driven Timebase for tests. SleepTicks advances the
// counter by the requested amount plus SleepSlip, so scheduling latency
// can be injected deterministically.
type Manual struct {
	mu        sync.Mutex
	count     uint32
	modulus   uint32
	tickHz    int64
	SleepSlip uint32
}

// NewManual returns a Manual timebase starting at zero.
func NewManual(tickHz int64, modulus uint32) *Manual {
	return &Manual{modulus: modulus, tickHz: tickHz}
}

// Ticks returns the current count.
func (m *Manual) Ticks() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// SleepTicks advances the counter by n plus SleepSlip.
func (m *Manual) SleepTicks(n uint32) {
	m.mu.Lock()
	m.count = (m.count + n + m.SleepSlip) % m.modulus
	m.mu.Unlock()
}

// Advance moves the counter forward by n ticks.
func (m *Manual) Advance(n uint32) {
	m.mu.Lock()
	m.count = (m.count + n) % m.modulus
	m.mu.Unlock()
}

// Set places the counter at an absolute count.
func (m *Manual) Set(count uint32) {
	m.mu.Lock()
	m.count = count % m.modulus
	m.mu.Unlock()
}

// Modulus returns the wrap width.
func (m *Manual) Modulus() uint32 { return m.modulus }

// TickHz returns the counter rate.
func (m *Manual) TickHz() int64 { return m.tickHz }
