// Package synth models the programmable frequency synthesizer: the
// register state needed for a target audio rate and the per-check
// fractional-index correction derived from the local timer count.
package synth

import (
	"errors"
	"fmt"

	"github.com/soundgrid/clockgen/internal/timebase"
)

// ErrUnsupportedFrequency is returned for target rates outside the
// 44.1 kHz and 48 kHz families.
var ErrUnsupportedFrequency = errors.New("synth: unsupported frequency")

// Settings is the synthesizer register state.
//
// Adder is the expected advance of the local timer count between check
// points, reduced modulo the timer wrap width; comparisons against it
// are always wrapping. FracIndex indexes the bounded fractional
// correction table. FirstUpdate is true exactly once after a source or
// rate change and allows the first correction to seed FracIndex without
// the steady-state step limit.
type Settings struct {
	Adder       uint32
	FracIndex   uint32
	FirstUpdate bool
}

// Model owns the Settings and derives updates from measured timer
// counts. Pure computation, no I/O.
type Model struct {
	tickHz    int64
	modulus   uint32
	tableSize uint32
	frames    int // audio frames per check interval

	set        Settings
	checkpoint uint32 // expected timer count at the next check
	lastCount  uint32
	haveCount  bool
}

// NewModel returns a Model for the given timer tick rate and wrap
// width. frames is the check interval in audio frames. A table smaller
// than three entries cannot express down/center/up and is replaced by
// the default size.
func NewModel(tickHz int64, modulus uint32, tableSize uint32, frames int) *Model {
	if frames <= 0 {
		frames = 256
	}
	if tableSize < 3 {
		tableSize = 65
	}
	return &Model{tickHz: tickHz, modulus: modulus, tableSize: tableSize, frames: frames}
}

// SupportedRate reports whether hz belongs to a supported rate family
// (44.1 kHz and 48 kHz multiples up to x4).
func SupportedRate(hz int) bool {
	for _, base := range []int{44100, 48000} {
		for _, mult := range []int{1, 2, 4} {
			if hz == base*mult {
				return true
			}
		}
	}
	return false
}

// ComputeSettings derives the register state for a target rate. It is a
// pure function of the target rate and the fixed timer tick rate: the
// same input always yields the same Settings.
func (m *Model) ComputeSettings(targetHz int) (Settings, error) {
	if !SupportedRate(targetHz) {
		return Settings{}, fmt.Errorf("%w: %d Hz", ErrUnsupportedFrequency, targetHz)
	}
	return Settings{
		Adder:       uint32(m.IntervalTicks(targetHz) % uint64(m.modulus)),
		FracIndex:   m.tableSize / 2,
		FirstUpdate: true,
	}, nil
}

// IntervalTicks returns the nominal timer ticks per check interval for
// a rate, before modulus reduction.
func (m *Model) IntervalTicks(targetHz int) uint64 {
	// Round to nearest; the residual fraction is what the frac index
	// dithers out in steady state.
	num := uint64(m.tickHz) * uint64(m.frames)
	return (num + uint64(targetHz)/2) / uint64(targetHz)
}

// Apply installs freshly computed Settings and discards measurement
// history, re-arming the first-update seeding.
func (m *Model) Apply(s Settings) {
	m.set = s
	m.haveCount = false
	m.checkpoint = 0
	m.lastCount = 0
}

// Settings returns the current register state.
func (m *Model) Settings() Settings {
	return m.set
}

// Update computes the next register state from a measured timer count
// and the servo correction (in ticks, already clamped).
//
// The measured count is compared against the expected check point with
// wrapping subtraction; a count that wrapped past zero is an ordinary
// small advance, never a huge negative jump. While FirstUpdate is set
// the frac index is seeded directly from the error; afterwards it moves
// at most one table step per call. A stalled timer (count identical to
// the previous sample) holds the prior state: a stall is not zero error.
func (m *Model) Update(measured uint32, correction float64) Settings {
	if !m.haveCount {
		m.lastCount = measured
		m.checkpoint = timebase.WrapAdd(measured, m.set.Adder, m.modulus)
		m.haveCount = true
		return m.set
	}
	if measured == m.lastCount {
		return m.set
	}

	errTicks := timebase.WrapDiff(measured, m.checkpoint, m.modulus)
	m.lastCount = measured
	m.checkpoint = timebase.WrapAdd(m.checkpoint, m.set.Adder, m.modulus)

	// Positive error: the timer ran past the check point, the output
	// clock is fast; move the frac index down. Negative: move up.
	bias := float64(errTicks) + correction

	if m.set.FirstUpdate {
		m.set.FracIndex = m.seedIndex(bias)
		m.set.FirstUpdate = false
		return m.set
	}

	switch {
	case bias > 0 && m.set.FracIndex > 0:
		m.set.FracIndex--
	case bias < 0 && m.set.FracIndex < m.tableSize-1:
		m.set.FracIndex++
	}
	return m.set
}

// seedIndex maps an initial error onto the table without the one-step
// limit, so acquisition converges quickly.
func (m *Model) seedIndex(bias float64) uint32 {
	center := int64(m.tableSize / 2)
	// One table step per seedQuantum ticks of error.
	seedQuantum := int64(m.modulus) / (2 * int64(m.tableSize))
	if seedQuantum < 1 {
		seedQuantum = 1
	}
	idx := center - int64(bias)/seedQuantum
	if idx < 0 {
		idx = 0
	}
	if idx > int64(m.tableSize)-1 {
		idx = int64(m.tableSize) - 1
	}
	return uint32(idx)
}
