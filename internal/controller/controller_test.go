package controller

import (
	"context"
	"testing"
	"time"

	"github.com/soundgrid/clockgen/internal/config"
	"github.com/soundgrid/clockgen/internal/ctlplane"
	"github.com/soundgrid/clockgen/internal/pll"
	"github.com/soundgrid/clockgen/internal/refsource"
	"github.com/soundgrid/clockgen/internal/synth"
	"github.com/soundgrid/clockgen/internal/timebase"
)

type harness struct {
	cfg    *config.Config
	bridge *ctlplane.Bridge
	dev    *synth.Emulated
	spdif  chan refsource.Event
	adat   chan refsource.Event
	rate   chan int
	adder  uint32
	done   chan error
	cancel context.CancelFunc
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Timer.TickHz = 1_000_000
	cfg.Sources.Preferred = "spdif"
	cfg.Sources.Timeout = "10s"
	cfg.Lock.DwellCount = 4
	if mutate != nil {
		mutate(cfg)
	}

	tb := timebase.NewSystem(cfg.Timer.TickHz, cfg.Timer.Modulus)
	model := synth.NewModel(cfg.Timer.TickHz, cfg.Timer.Modulus, cfg.Synth.TableSize, cfg.Synth.CheckFrames)
	core := pll.New(pll.Config{
		Kp:              cfg.Servo.Kp,
		Ki:              cfg.Servo.Ki,
		MaxStep:         cfg.Servo.MaxStep,
		LockThreshold:   cfg.Lock.LockThreshold,
		UnlockThreshold: cfg.Lock.UnlockThreshold,
		DwellCount:      cfg.Lock.DwellCount,
		Timeout:         cfg.ReferenceTimeout(),
	}, cfg.Timer.Modulus)
	dev := synth.NewEmulated()
	bridge := ctlplane.NewBridge()

	h := &harness{
		cfg:    cfg,
		bridge: bridge,
		dev:    dev,
		spdif:  make(chan refsource.Event),
		adat:   make(chan refsource.Event),
		rate:   make(chan int),
		done:   make(chan error, 1),
	}
	h.adder = uint32(model.IntervalTicks(cfg.Sources.TargetRate) % uint64(cfg.Timer.Modulus))

	ctrl := New(cfg, tb, core, model, dev, nil, bridge, Feeds{
		SPDIF:      h.spdif,
		ADAT:       h.adat,
		RateChange: h.rate,
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("controller did not stop")
		}
	})
	return h
}

func (h *harness) waitStatus(t *testing.T, what string, cond func(ctlplane.Status) bool) ctlplane.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := h.bridge.Status()
		if cond(st) {
			return st
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; last status: %s", what, h.bridge.Status())
	return ctlplane.Status{}
}

// send delivers events from src advancing by the nominal interval plus
// errTicks per edge.
func (h *harness) send(ch chan refsource.Event, src refsource.Source, ts *uint32, errTicks int32, n int) {
	for i := 0; i < n; i++ {
		*ts = (*ts + h.adder + uint32(errTicks)) % h.cfg.Timer.Modulus
		ch <- refsource.Event{Source: src, Timestamp: *ts}
	}
}

func TestLocksOnPreferredSource(t *testing.T) {
	h := newHarness(t, nil)
	h.waitStatus(t, "spdif active", func(st ctlplane.Status) bool {
		return st.Source == refsource.SPDIF && st.RateHz == 48000
	})

	var ts uint32
	h.send(h.spdif, refsource.SPDIF, &ts, 0, h.cfg.Lock.DwellCount+3)
	h.waitStatus(t, "locked", func(st ctlplane.Status) bool {
		return st.Lock == pll.Locked
	})
	if h.dev.Rate() != 48000 {
		t.Errorf("synth enabled at %d, want 48000", h.dev.Rate())
	}
}

func TestSwitchSequencingDropsStaleEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.waitStatus(t, "spdif active", func(st ctlplane.Status) bool {
		return st.Source == refsource.SPDIF
	})

	var spdifTs uint32
	h.send(h.spdif, refsource.SPDIF, &spdifTs, 0, h.cfg.Lock.DwellCount+3)
	h.waitStatus(t, "locked on spdif", func(st ctlplane.Status) bool {
		return st.Lock == pll.Locked
	})

	h.bridge.SelectSource(refsource.ADAT)
	h.waitStatus(t, "adat active", func(st ctlplane.Status) bool {
		return st.Source == refsource.ADAT && st.Lock == pll.Unlocked
	})

	// S/PDIF edges still arriving after the switch carry wild errors.
	// If any of them reached the PLL, the interleaved zero-error ADAT
	// acquisition below could never complete its dwell.
	var adatTs uint32 = 7
	for i := 0; i < h.cfg.Lock.DwellCount+3; i++ {
		h.send(h.spdif, refsource.SPDIF, &spdifTs, 2000, 1)
		h.send(h.adat, refsource.ADAT, &adatTs, 0, 1)
	}
	st := h.waitStatus(t, "locked on adat", func(st ctlplane.Status) bool {
		return st.Lock == pll.Locked
	})
	if st.Source != refsource.ADAT {
		t.Errorf("locked on %s, want adat", st.Source)
	}
}

func TestUnsupportedRateFailsClosed(t *testing.T) {
	h := newHarness(t, nil)
	h.waitStatus(t, "spdif active", func(st ctlplane.Status) bool {
		return st.Source == refsource.SPDIF
	})

	h.bridge.SetTargetRate(32000)
	time.Sleep(50 * time.Millisecond)
	st := h.bridge.Status()
	if st.RateHz != 48000 || st.Source != refsource.SPDIF {
		t.Errorf("rejected rate changed state: %s", st)
	}
	if h.dev.Rate() != 48000 {
		t.Errorf("synth reprogrammed to %d on rejected rate", h.dev.Rate())
	}

	// The loop keeps serving events after the rejection.
	var ts uint32
	h.send(h.spdif, refsource.SPDIF, &ts, 0, h.cfg.Lock.DwellCount+3)
	h.waitStatus(t, "still locking", func(st ctlplane.Status) bool {
		return st.Lock == pll.Locked
	})
}

func TestRateChangeInterruptRearms(t *testing.T) {
	h := newHarness(t, nil)
	h.waitStatus(t, "spdif active", func(st ctlplane.Status) bool {
		return st.Source == refsource.SPDIF
	})
	var ts uint32
	h.send(h.spdif, refsource.SPDIF, &ts, 0, h.cfg.Lock.DwellCount+3)
	h.waitStatus(t, "locked", func(st ctlplane.Status) bool {
		return st.Lock == pll.Locked
	})

	// Host rate-change interrupt: same source, new rate. The switch
	// sequence reruns, dropping lock and reprogramming the synth.
	h.rate <- 96000
	st := h.waitStatus(t, "rate change applied", func(st ctlplane.Status) bool {
		return st.RateHz == 96000
	})
	if st.Lock == pll.Locked {
		t.Error("lock must drop across a rate change")
	}
	if st.Source != refsource.SPDIF {
		t.Errorf("source changed to %s across rate change", st.Source)
	}
	if h.dev.Rate() != 96000 {
		t.Errorf("synth enabled at %d, want 96000", h.dev.Rate())
	}
}

func TestClosedFeedKeepsServingOthers(t *testing.T) {
	h := newHarness(t, nil)
	h.waitStatus(t, "spdif active", func(st ctlplane.Status) bool {
		return st.Source == refsource.SPDIF
	})

	// The S/PDIF decoder goes away entirely. The loop must keep
	// serving commands and the remaining feeds.
	close(h.spdif)
	h.bridge.SelectSource(refsource.ADAT)
	h.waitStatus(t, "adat active", func(st ctlplane.Status) bool {
		return st.Source == refsource.ADAT
	})

	var ts uint32
	h.send(h.adat, refsource.ADAT, &ts, 0, h.cfg.Lock.DwellCount+3)
	h.waitStatus(t, "locked on adat", func(st ctlplane.Status) bool {
		return st.Lock == pll.Locked
	})
}

func TestHostFeedbackFreeRunsAtHostRate(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Sources.Preferred = "hostfb"
		c.Sources.Timeout = "100ms"
	})
	// The host sends rate reports, not edges; the loop must track the
	// local oscillator instead of timing out on a silent reference.
	h.waitStatus(t, "hostfb active", func(st ctlplane.Status) bool {
		return st.Source == refsource.HostFeedback && st.RateHz == 48000
	})
	time.Sleep(3 * h.cfg.ReferenceTimeout())
	if st := h.bridge.Status(); st.Source != refsource.HostFeedback {
		t.Fatalf("hostfb source fell back to %s", st.Source)
	}

	h.rate <- 88200
	st := h.waitStatus(t, "host rate applied", func(st ctlplane.Status) bool {
		return st.RateHz == 88200
	})
	if st.Source != refsource.HostFeedback {
		t.Errorf("source changed to %s across host rate report", st.Source)
	}
	if h.dev.Rate() != 88200 {
		t.Errorf("synth enabled at %d, want 88200", h.dev.Rate())
	}
}

func TestReferenceTimeoutFallsBackToInternal(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Sources.Timeout = "50ms"
	})
	h.waitStatus(t, "spdif active", func(st ctlplane.Status) bool {
		return st.Source == refsource.SPDIF
	})

	// No S/PDIF edges ever arrive; the silent reference must not be
	// tracked forever.
	st := h.waitStatus(t, "fallback to internal", func(st ctlplane.Status) bool {
		return st.Source == refsource.Internal
	})
	if !st.Degraded {
		t.Error("fallback must surface as degraded")
	}
}
