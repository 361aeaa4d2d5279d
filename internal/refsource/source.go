// Package refsource defines the clock reference sources the engine can
// track and the timestamped events they produce.
package refsource

import (
	"fmt"

	"github.com/soundgrid/clockgen/internal/timebase"
)

// Source identifies a clock reference. Exactly one source is active at
// a time; the controller switches atomically between them.
type Source int

const (
	Internal Source = iota
	SPDIF
	ADAT
	HostFeedback
)

func (s Source) String() string {
	switch s {
	case Internal:
		return "internal"
	case SPDIF:
		return "spdif"
	case ADAT:
		return "adat"
	case HostFeedback:
		return "hostfb"
	default:
		return "unknown"
	}
}

// Parse maps a config or console name to a Source.
func Parse(name string) (Source, error) {
	switch name {
	case "internal", "":
		return Internal, nil
	case "spdif":
		return SPDIF, nil
	case "adat":
		return ADAT, nil
	case "hostfb", "host", "hostfeedback":
		return HostFeedback, nil
	default:
		return Internal, fmt.Errorf("unknown source %q", name)
	}
}

// Event is one timestamped edge or rate report from a reference source.
// Timestamp is the local timer count at the recovered edge, in
// [0, timer modulus). Events are consumed once and never queued beyond
// the current control-loop iteration.
type Event struct {
	Source    Source
	Timestamp uint32
}

// StartLocal emits synthetic reference edges from the local timebase at
// the given tick interval, standing in for an external reference when
// the free-running oscillator is active, or when the host-feedback path
// is active (the host sends rate reports, not edges, so the loop tracks
// the local oscillator at the host-commanded rate between reports). The
// returned stop function ends the feed; the channel is closed on return.
func StartLocal(tb timebase.Timebase, intervalTicks uint32, src Source) (<-chan Event, func()) {
	ch := make(chan Event, 1)
	done := make(chan struct{})
	go func() {
		defer close(ch)
		for {
			select {
			case <-done:
				return
			default:
			}
			tb.SleepTicks(intervalTicks)
			ev := Event{Source: src, Timestamp: tb.Ticks()}
			select {
			case ch <- ev:
			case <-done:
				return
			default:
				// Loop not keeping up; drop rather than queue stale edges.
			}
		}
	}()
	return ch, func() { close(done) }
}
