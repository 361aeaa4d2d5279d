// Package refpin drives the synthesizer reference-clock pin from its
// own goroutine so that a committed toggle is never delayed by servo
// arithmetic or source arbitration in the control loop.
//
// The driver exclusively owns the pin. All other components reach it
// only through Init, Toggle and ToggleTimed; each call is a
// self-contained message on a depth-1 channel, and the next request is
// taken up only after the previous one's timing has been committed.
package refpin

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"

	"github.com/soundgrid/clockgen/internal/logger"
	"github.com/soundgrid/clockgen/internal/timebase"
)

// ErrMissedDeadline reports a timed toggle that could not meet its
// relative offset. The toggle still happened, immediately; reports on
// the Missed channel wrap this error with the lateness in ticks.
var ErrMissedDeadline = errors.New("refpin: missed toggle deadline")

type reqKind int

const (
	reqInit reqKind = iota
	reqToggle
	reqToggleTimed
)

type request struct {
	kind   reqKind
	offset int32
}

// Driver services toggle requests against its own timebase. A nil pin
// runs the driver detached (internal synthesizer path): timing and
// level bookkeeping are kept, no hardware is touched.
type Driver struct {
	pin         gpio.PinIO
	tb          timebase.Timebase
	jitterBound uint32

	reqs   chan request
	done   chan struct{}
	missed chan error
	fault  chan error

	mu    sync.Mutex
	level gpio.Level
}

// New returns an unstarted Driver. jitterBound is the documented bound,
// in ticks, on timed-toggle lateness before a missed deadline is
// reported.
func New(pin gpio.PinIO, tb timebase.Timebase, jitterBound uint32) *Driver {
	return &Driver{
		pin:         pin,
		tb:          tb,
		jitterBound: jitterBound,
		reqs:        make(chan request, 1),
		done:        make(chan struct{}),
		missed:      make(chan error, 1),
		fault:       make(chan error, 1),
	}
}

// Start launches the driver goroutine.
func (d *Driver) Start() {
	go d.loop()
}

// Stop ends the driver goroutine. Pending committed requests are still
// served before shutdown.
func (d *Driver) Stop() {
	close(d.done)
}

// Init sets the pin to the defined idle level (low). Idempotent.
func (d *Driver) Init() {
	d.submit(request{kind: reqInit})
}

// Toggle flips the pin level as soon as possible.
func (d *Driver) Toggle() {
	d.submit(request{kind: reqToggle})
}

// ToggleTimed schedules a flip relativeOffset ticks after the request
// is accepted, measured on the driver's own timebase. A non-positive
// offset has already elapsed: the pin flips immediately and a missed
// deadline is reported.
func (d *Driver) ToggleTimed(relativeOffset int32) {
	d.submit(request{kind: reqToggleTimed, offset: relativeOffset})
}

// Missed delivers missed-deadline reports, each wrapping
// ErrMissedDeadline with the lateness in ticks. Unread reports are
// dropped, not queued.
func (d *Driver) Missed() <-chan error {
	return d.missed
}

// Fault delivers a hard pin failure. After a fault the driver keeps
// bookkeeping levels but the hardware is gone; the controller is
// expected to fall back to the internal source.
func (d *Driver) Fault() <-chan error {
	return d.fault
}

func (d *Driver) submit(r request) {
	select {
	case d.reqs <- r:
	case <-d.done:
	}
}

func (d *Driver) loop() {
	for {
		select {
		case <-d.done:
			// A request accepted before Stop is still served.
			for {
				select {
				case r := <-d.reqs:
					d.serve(r)
				default:
					return
				}
			}
		case r := <-d.reqs:
			d.serve(r)
		}
	}
}

func (d *Driver) serve(r request) {
	switch r.kind {
	case reqInit:
		d.mu.Lock()
		d.level = gpio.Low
		d.mu.Unlock()
		d.out(gpio.Low)
	case reqToggle:
		d.flip()
	case reqToggleTimed:
		d.serveTimed(r.offset)
	}
}

func (d *Driver) serveTimed(offset int32) {
	if offset <= 0 {
		d.flip()
		d.reportMissed(-offset)
		return
	}
	target := timebase.WrapAdd(d.tb.Ticks(), uint32(offset), d.tb.Modulus())
	d.tb.SleepTicks(uint32(offset))
	late := timebase.WrapDiff(d.tb.Ticks(), target, d.tb.Modulus())
	d.flip()
	if late > int32(d.jitterBound) {
		d.reportMissed(late)
	}
}

func (d *Driver) flip() {
	d.mu.Lock()
	if d.level == gpio.Low {
		d.level = gpio.High
	} else {
		d.level = gpio.Low
	}
	l := d.level
	d.mu.Unlock()
	d.out(l)
}

func (d *Driver) out(l gpio.Level) {
	if d.pin == nil {
		return
	}
	if err := d.pin.Out(l); err != nil {
		logger.Error("refpin: %s: %v", d.pin.Name(), err)
		select {
		case d.fault <- err:
		default:
		}
	}
}

func (d *Driver) reportMissed(late int32) {
	select {
	case d.missed <- fmt.Errorf("%w: %d ticks late", ErrMissedDeadline, late):
	default:
	}
}

// Level returns the last commanded pin level. Test hook; the control
// loop never reads the pin back.
func (d *Driver) Level() gpio.Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}
