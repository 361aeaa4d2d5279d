// Package pll implements the software phase-locked loop: a PI
// controller over reference-edge timing errors, with a hysteresis lock
// state machine and reference-timeout detection.
package pll

import (
	"time"

	"github.com/soundgrid/clockgen/internal/refsource"
	"github.com/soundgrid/clockgen/internal/timebase"
)

// LockState is the loop's lock quality.
type LockState int

const (
	Unlocked LockState = iota
	Acquiring
	Locked
)

func (s LockState) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case Acquiring:
		return "acquiring"
	case Locked:
		return "locked"
	default:
		return "unknown"
	}
}

// Config holds the deployment tuning parameters. Thresholds and MaxStep
// are in timer ticks; LockThreshold must be below UnlockThreshold.
type Config struct {
	Kp              float64
	Ki              float64
	MaxStep         float64
	LockThreshold   float64
	UnlockThreshold float64
	DwellCount      int
	Timeout         time.Duration
}

// Core tracks the active reference against the local timer and produces
// clamped corrections for the synthesizer model. It is driven by a
// single control-loop goroutine and needs no locking.
type Core struct {
	cfg     Config
	modulus uint32

	expected uint32 // nominal edge interval, modulo the timer width
	integral float64
	state    LockState
	dwell    int

	lastTicks uint32
	haveLast  bool
	lastSeen  time.Time
}

// New returns a Core for the given timer wrap width.
func New(cfg Config, modulus uint32) *Core {
	return &Core{cfg: cfg, modulus: modulus, state: Unlocked}
}

// Retarget sets the nominal tick interval between reference edges
// (modulo the timer width) and resets acquisition state.
func (c *Core) Retarget(expectedInterval uint32) {
	c.expected = expectedInterval % c.modulus
	c.Reset()
}

// Reset clears the integrator and drops back to Unlocked. Called on
// every source switch so stale history cannot corrupt acquisition on
// the new reference.
func (c *Core) Reset() {
	c.integral = 0
	c.state = Unlocked
	c.dwell = 0
	c.haveLast = false
	// The timeout window restarts at the switch, so a dead reference is
	// detected even when it never produces a first edge.
	c.lastSeen = time.Now()
}

// Observe consumes one reference event and returns the correction to
// feed the synthesizer model, clamped to [-MaxStep, MaxStep]. The first
// event after a reset only establishes the edge baseline and returns
// zero correction.
func (c *Core) Observe(ev refsource.Event) float64 {
	c.lastSeen = time.Now()
	if !c.haveLast {
		c.haveLast = true
		c.lastTicks = ev.Timestamp
		return 0
	}

	elapsed := timebase.WrapDelta(ev.Timestamp, c.lastTicks, c.modulus)
	errTicks := float64(timebase.WrapDiff(elapsed, c.expected, c.modulus))
	c.lastTicks = ev.Timestamp

	c.integral += errTicks
	out := c.cfg.Kp*errTicks + c.cfg.Ki*c.integral
	if out > c.cfg.MaxStep {
		out = c.cfg.MaxStep
	} else if out < -c.cfg.MaxStep {
		out = -c.cfg.MaxStep
	}

	c.observeLock(errTicks)
	return out
}

// observeLock re-evaluates the lock state machine for one error sample.
// Entry to Locked requires DwellCount consecutive samples under the
// lock threshold; a Locked loop only degrades to Acquiring when a
// sample exceeds the higher unlock threshold (hysteresis).
func (c *Core) observeLock(errTicks float64) {
	mag := errTicks
	if mag < 0 {
		mag = -mag
	}
	switch c.state {
	case Unlocked:
		c.state = Acquiring
		if mag <= c.cfg.LockThreshold {
			c.dwell = 1
		}
	case Acquiring:
		if mag <= c.cfg.LockThreshold {
			c.dwell++
			if c.dwell >= c.cfg.DwellCount {
				c.state = Locked
			}
		} else {
			c.dwell = 0
		}
	case Locked:
		if mag > c.cfg.UnlockThreshold {
			c.state = Acquiring
			c.dwell = 0
		}
	}
}

// State returns the current lock state.
func (c *Core) State() LockState {
	return c.state
}

// TimedOut reports whether no reference event has been observed within
// the configured timeout, measured from the last event or the last
// reset, whichever is later.
func (c *Core) TimedOut(now time.Time) bool {
	if c.cfg.Timeout <= 0 || c.lastSeen.IsZero() {
		return false
	}
	return now.Sub(c.lastSeen) > c.cfg.Timeout
}
