// Package controller runs the clock-generation loop: it arbitrates the
// reference sources, feeds the software PLL, updates the synthesizer
// model and paces the reference pin driver.
package controller

import (
	"context"
	"time"

	"github.com/soundgrid/clockgen/internal/config"
	"github.com/soundgrid/clockgen/internal/ctlplane"
	"github.com/soundgrid/clockgen/internal/logger"
	"github.com/soundgrid/clockgen/internal/pll"
	"github.com/soundgrid/clockgen/internal/refpin"
	"github.com/soundgrid/clockgen/internal/refsource"
	"github.com/soundgrid/clockgen/internal/synth"
	"github.com/soundgrid/clockgen/internal/timebase"
)

// Feeds are the external collaborators' channels. Any of them may be
// nil: a deployment can wire zero, one or both digital receivers, and
// may omit the audio and rate-interrupt channels entirely.
type Feeds struct {
	SPDIF <-chan refsource.Event
	ADAT  <-chan refsource.Event
	// Audio carries audio-pipeline synchronization messages; their
	// content is opaque here, they only wake the loop.
	Audio <-chan struct{}
	// RateChange carries host-driven rate-change interrupts, each with
	// the requested target frequency in Hz.
	RateChange <-chan int
}

// Controller is the single thread of control over PLL, synthesizer
// model and source state. All handlers run to completion between
// waits; no internal locking is needed.
type Controller struct {
	cfg    *config.Config
	tb     timebase.Timebase
	core   *pll.Core
	model  *synth.Model
	dev    synth.RegisterWriter
	pin    *refpin.Driver
	bridge *ctlplane.Bridge
	feeds  Feeds

	active     refsource.Source
	rateHz     int
	degraded   bool
	localCh    <-chan refsource.Event
	stopTicker func()
}

// New assembles a controller. pin may be nil when the synthesizer is
// internal and no reference pin is driven.
func New(cfg *config.Config, tb timebase.Timebase, core *pll.Core, model *synth.Model,
	dev synth.RegisterWriter, pin *refpin.Driver, bridge *ctlplane.Bridge, feeds Feeds) *Controller {
	return &Controller{
		cfg:    cfg,
		tb:     tb,
		core:   core,
		model:  model,
		dev:    dev,
		pin:    pin,
		bridge: bridge,
		feeds:  feeds,
	}
}

// Run executes the control loop until ctx is done. It starts on the
// configured preferred source and target rate, falling back to the
// internal oscillator if that fails.
func (c *Controller) Run(ctx context.Context) error {
	if c.pin != nil {
		c.pin.Init()
	}
	preferred, err := refsource.Parse(c.cfg.Sources.Preferred)
	if err != nil {
		logger.Error("controller: %v, using internal", err)
		preferred = refsource.Internal
	}
	if err := c.switchTo(preferred, c.cfg.Sources.TargetRate); err != nil {
		logger.Error("controller: start on %s: %v, falling back to internal", preferred, err)
		if err := c.switchTo(refsource.Internal, 48000); err != nil {
			return err
		}
	}
	defer c.stopLocal()

	timeout := c.cfg.ReferenceTimeout()
	check := time.NewTicker(timeout / 2)
	defer check.Stop()

	var missed <-chan error
	var fault <-chan error
	if c.pin != nil {
		missed = c.pin.Missed()
		fault = c.pin.Fault()
	}

	// Feed channels are cleared to nil when a collaborator closes them;
	// a closed channel left in the select would stay permanently ready
	// and spin the loop.
	spdif, adat := c.feeds.SPDIF, c.feeds.ADAT
	audio, rateChange := c.feeds.Audio, c.feeds.RateChange

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-spdif:
			if !ok {
				spdif = nil
				continue
			}
			c.handleEvent(ev)
		case ev, ok := <-adat:
			if !ok {
				adat = nil
				continue
			}
			c.handleEvent(ev)
		case ev, ok := <-c.localCh:
			if ok {
				c.handleEvent(ev)
			}
		case _, ok := <-audio:
			if !ok {
				audio = nil
			}
			// Wakeup only; the audio pipeline owns the message content.
		case hz, ok := <-rateChange:
			if !ok {
				rateChange = nil
				continue
			}
			c.handleRateChange(hz)
		case cmd := <-c.bridge.Commands():
			c.handleCommand(cmd)
		case <-check.C:
			c.checkTimeout()
		case err := <-missed:
			logger.Error("controller: %v", err)
			c.degraded = true
			c.publish()
		case err := <-fault:
			logger.Error("controller: reference pin fault: %v, forcing internal source", err)
			c.degraded = true
			if serr := c.switchTo(refsource.Internal, c.rateHz); serr != nil {
				return serr
			}
		}
	}
}

// handleEvent processes one reference event. Events are handled in
// arrival order; an event tagged with anything but the active source is
// stale (raced a switch) and is discarded.
func (c *Controller) handleEvent(ev refsource.Event) {
	if ev.Source != c.active {
		return
	}
	before := c.core.State()
	corr := c.core.Observe(ev)
	prev := c.model.Settings()
	next := c.model.Update(ev.Timestamp, corr)
	if next.FracIndex != prev.FracIndex || prev.FirstUpdate {
		if err := c.dev.WriteFrac(next.FracIndex); err != nil {
			logger.Error("controller: %v", err)
		}
	}
	if c.pin != nil {
		// Pace the synthesizer's reference input off the edge stream:
		// one flip half an edge interval out, nudged by the correction.
		offset := int32(next.Adder/2) + int32(corr)
		c.pin.ToggleTimed(offset)
	}
	if state := c.core.State(); state != before {
		if state == pll.Locked {
			c.degraded = false
		}
		c.publish()
	}
}

// handleCommand applies a control-plane request. A rejected rate leaves
// the active source and rate untouched.
func (c *Controller) handleCommand(cmd ctlplane.Command) {
	switch cmd.Kind {
	case ctlplane.CmdSelectSource:
		if err := c.switchTo(cmd.Source, c.rateHz); err != nil {
			logger.Error("controller: select %s: %v", cmd.Source, err)
		}
	case ctlplane.CmdSetTargetRate:
		c.handleRateChange(cmd.RateHz)
	}
}

// handleRateChange re-runs the switch sequence for a new target rate,
// even when the active source is unchanged.
func (c *Controller) handleRateChange(hz int) {
	if hz == c.rateHz {
		return
	}
	if err := c.switchTo(c.active, hz); err != nil {
		logger.Error("controller: rate %d: %v", hz, err)
	}
}

// checkTimeout falls back to the internal oscillator when a
// non-internal reference has gone silent.
func (c *Controller) checkTimeout() {
	if c.active == refsource.Internal {
		return
	}
	if !c.core.TimedOut(time.Now()) {
		return
	}
	logger.Error("controller: %s reference timeout, falling back to internal", c.active)
	c.degraded = true
	if err := c.switchTo(refsource.Internal, c.rateHz); err != nil {
		logger.Error("controller: fallback: %v", err)
	}
}

// switchTo performs the source/rate switch sequence: validate and
// compute the new settings first (fail closed), then reset the PLL,
// install the settings and only then resume event forwarding for the
// new source. Events from the old source that are still in flight are
// dropped by the handleEvent source tag check.
func (c *Controller) switchTo(src refsource.Source, rateHz int) error {
	set, err := c.model.ComputeSettings(rateHz)
	if err != nil {
		// Unsupported rate: surface it, keep the active source and rate.
		c.publish()
		return err
	}
	c.stopLocal()

	c.core.Retarget(set.Adder)
	c.model.Apply(set)
	if err := c.dev.Enable(rateHz); err != nil {
		return err
	}
	if err := c.dev.WriteFrac(set.FracIndex); err != nil {
		logger.Error("controller: %v", err)
	}

	// Internal and host-feedback sources have no external edge stream:
	// the loop tracks the local oscillator at the target rate.
	if src == refsource.Internal || src == refsource.HostFeedback {
		ch, stop := refsource.StartLocal(c.tb, uint32(c.model.IntervalTicks(rateHz)), src)
		c.localCh = ch
		c.stopTicker = stop
	}
	c.active = src
	c.rateHz = rateHz
	logger.Info("controller: source=%s rate=%d adder=%d", src, rateHz, set.Adder)
	c.publish()
	return nil
}

func (c *Controller) stopLocal() {
	if c.stopTicker != nil {
		c.stopTicker()
		c.stopTicker = nil
		c.localCh = nil
	}
}

func (c *Controller) publish() {
	c.bridge.Publish(ctlplane.Status{
		Source:   c.active,
		Lock:     c.core.State(),
		RateHz:   c.rateHz,
		Degraded: c.degraded,
	})
}
