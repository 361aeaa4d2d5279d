package clockgen

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/soundgrid/clockgen/internal/config"
	"github.com/soundgrid/clockgen/internal/refsource"
	"github.com/soundgrid/clockgen/internal/synth"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Sources.Timeout = "10s"
	e, err := New(cfg, Feeds{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run returned %v, want context.Canceled", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return e
}

func waitStatus(t *testing.T, e *Engine, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; last status: %s", what, e.Bridge().Status())
}

func TestEngineStartsOnDefaults(t *testing.T) {
	e := testEngine(t)
	waitStatus(t, e, "internal source at 48k", func() bool {
		st := e.Bridge().Status()
		return st.Source == refsource.Internal && st.RateHz == 48000
	})
	dev, ok := e.Device().(*synth.Emulated)
	if !ok {
		t.Fatalf("default device is %T, want emulated", e.Device())
	}
	waitStatus(t, e, "synth enabled", func() bool {
		return dev.Rate() == 48000
	})
}

func TestEngineRejectsUnsupportedRate(t *testing.T) {
	e := testEngine(t)
	waitStatus(t, e, "startup", func() bool {
		return e.Bridge().Status().RateHz == 48000
	})

	e.Bridge().SetTargetRate(32000)
	time.Sleep(50 * time.Millisecond)
	if st := e.Bridge().Status(); st.RateHz != 48000 {
		t.Errorf("rejected rate changed status: %s", st)
	}

	e.Bridge().SetTargetRate(96000)
	waitStatus(t, e, "96k applied", func() bool {
		return e.Bridge().Status().RateHz == 96000
	})
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Lock.LockThreshold = cfg.Lock.UnlockThreshold + 1
	if _, err := New(cfg, Feeds{}); err == nil {
		t.Error("expected validation error for inverted thresholds")
	}
}
