// Package clockgen assembles and runs the clock engine, for embedding
// in a device daemon or driving from cmd/clockgen.
package clockgen

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/driver/driverreg"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"github.com/soundgrid/clockgen/internal/config"
	"github.com/soundgrid/clockgen/internal/controller"
	"github.com/soundgrid/clockgen/internal/ctlplane"
	"github.com/soundgrid/clockgen/internal/logger"
	"github.com/soundgrid/clockgen/internal/pll"
	"github.com/soundgrid/clockgen/internal/refpin"
	"github.com/soundgrid/clockgen/internal/refsource"
	"github.com/soundgrid/clockgen/internal/synth"
	"github.com/soundgrid/clockgen/internal/timebase"
)

// Feeds re-exports the controller's external input channels.
type Feeds = controller.Feeds

// Engine is an assembled clock engine.
type Engine struct {
	cfg     *config.Config
	bridge  *ctlplane.Bridge
	ctrl    *controller.Controller
	pin     *refpin.Driver
	dev     synth.RegisterWriter
	console *ctlplane.Console
}

// New builds an engine from config. The synthesizer device is the
// external I2C part when synth.bus is set and emulated is false,
// otherwise the in-memory device. The reference pin driver runs only
// when pin.name is set.
func New(cfg *config.Config, feeds Feeds) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
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

	var dev synth.RegisterWriter
	if cfg.Synth.Bus != "" && !cfg.Synth.Emulated {
		d, err := synth.NewI2CDevice(cfg.Synth.Bus, cfg.Synth.Addr)
		if err != nil {
			return nil, err
		}
		dev = d
	} else {
		dev = synth.NewEmulated()
	}

	var pinDrv *refpin.Driver
	if cfg.Pin.Name != "" {
		p, err := openPin(cfg.Pin.Name)
		if err != nil {
			return nil, err
		}
		pinDrv = refpin.New(p, tb, cfg.Pin.JitterBoundTicks)
	}

	bridge := ctlplane.NewBridge()
	ctrl := controller.New(cfg, tb, core, model, dev, pinDrv, bridge, feeds)

	e := &Engine{
		cfg:    cfg,
		bridge: bridge,
		ctrl:   ctrl,
		pin:    pinDrv,
		dev:    dev,
	}
	if cfg.Control.Port != "" {
		console, err := ctlplane.OpenSerial(cfg.Control.Port, cfg.Control.Baud, bridge)
		if err != nil {
			return nil, err
		}
		e.console = console
	}
	return e, nil
}

// Bridge exposes the control plane for embedding callers.
func (e *Engine) Bridge() *ctlplane.Bridge {
	return e.bridge
}

// Device exposes the synthesizer register device. The emulated device's
// read-back accessors are the observation point for tests.
func (e *Engine) Device() synth.RegisterWriter {
	return e.dev
}

// Run starts the pin driver and the serial console (when configured)
// and runs the control loop until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if e.pin != nil {
		e.pin.Start()
		defer e.pin.Stop()
	}
	if e.console != nil {
		go func() {
			if err := e.console.Run(); err != nil {
				logger.Error("console: %v", err)
			}
		}()
		defer e.console.Close()
	}
	defer e.dev.Close()
	return e.ctrl.Run(ctx)
}

// Run assembles an engine from cfg and runs it until ctx is done.
func Run(ctx context.Context, cfg *config.Config, feeds Feeds, quiet bool) error {
	logger.Quiet = quiet
	e, err := New(cfg, feeds)
	if err != nil {
		return err
	}
	return e.Run(ctx)
}

// openPin resolves a GPIO by name through the periph registry.
func openPin(name string) (gpio.PinIO, error) {
	if _, err := driverreg.Init(); err != nil {
		logger.Info("periph driverreg init: %v", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("clockgen: gpio %q not found", name)
	}
	return p, nil
}

// Sources lists the selectable reference sources, for CLI help output.
func Sources() []refsource.Source {
	return []refsource.Source{refsource.Internal, refsource.SPDIF, refsource.ADAT, refsource.HostFeedback}
}
