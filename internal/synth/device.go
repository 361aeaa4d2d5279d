package synth

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/driver/driverreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"

	"github.com/soundgrid/clockgen/internal/logger"
)

// RegisterWriter programs synthesizer registers. Enable configures and
// starts the part for a rate family; WriteFrac reprograms the
// fractional divider from a table index.
type RegisterWriter interface {
	Enable(targetHz int) error
	WriteFrac(index uint32) error
	Close() error
}

// Si5351-class register map subset used here.
const (
	regOutputEnable = 0x03
	regDividerMSB   = 0x2a
	regDividerLSB   = 0x2b
	regFrac         = 0x2c
)

// I2CDevice drives an external synthesizer part over I2C.
type I2CDevice struct {
	mu  sync.Mutex
	dev *i2c.Dev
	bus i2c.BusCloser
}

var _ RegisterWriter = (*I2CDevice)(nil)

// NewI2CDevice opens the named I2C bus and addresses the synthesizer.
func NewI2CDevice(busName string, addr uint16) (*I2CDevice, error) {
	if _, err := driverreg.Init(); err != nil {
		logger.Info("synth: periph driverreg init: %v", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("synth: open i2c %q: %w", busName, err)
	}
	return &I2CDevice{
		dev: &i2c.Dev{Addr: addr, Bus: bus},
		bus: bus,
	}, nil
}

// Enable programs the rate-family divider and enables the output.
func (d *I2CDevice) Enable(targetHz int) error {
	if !SupportedRate(targetHz) {
		return fmt.Errorf("%w: %d Hz", ErrUnsupportedFrequency, targetHz)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	div := dividerFor(targetHz)
	if err := d.dev.Tx([]byte{regDividerMSB, byte(div >> 8), byte(div)}, nil); err != nil {
		return fmt.Errorf("synth: write divider: %w", err)
	}
	if err := d.dev.Tx([]byte{regOutputEnable, 0x01}, nil); err != nil {
		return fmt.Errorf("synth: enable output: %w", err)
	}
	return nil
}

// WriteFrac reprograms the fractional divider register.
func (d *I2CDevice) WriteFrac(index uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dev.Tx([]byte{regFrac, byte(index)}, nil); err != nil {
		return fmt.Errorf("synth: write frac: %w", err)
	}
	return nil
}

// Close releases the I2C bus.
func (d *I2CDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bus.Close()
}

// dividerFor maps a rate to the master-clock divider register value.
// The part runs its VCO at a fixed multiple of 512*fs.
func dividerFor(targetHz int) uint16 {
	mclk := targetHz * 512
	const vco = 2457600000 // 2.4576 GHz family VCO
	return uint16(vco / mclk)
}

// Emulated is the in-memory register device for the internal
// synthesizer path and for tests.
type Emulated struct {
	mu      sync.Mutex
	enabled bool
	rate    int
	frac    uint32
	writes  int
}

var _ RegisterWriter = (*Emulated)(nil)

// NewEmulated returns a disabled emulated device.
func NewEmulated() *Emulated {
	return &Emulated{}
}

// Enable records the rate family and marks the output running.
func (e *Emulated) Enable(targetHz int) error {
	if !SupportedRate(targetHz) {
		return fmt.Errorf("%w: %d Hz", ErrUnsupportedFrequency, targetHz)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = true
	e.rate = targetHz
	return nil
}

// WriteFrac records the fractional register value.
func (e *Emulated) WriteFrac(index uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frac = index
	e.writes++
	return nil
}

// Close marks the output stopped.
func (e *Emulated) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = false
	return nil
}

// Frac returns the last written fractional index.
func (e *Emulated) Frac() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frac
}

// Rate returns the enabled rate, or zero when disabled.
func (e *Emulated) Rate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return 0
	}
	return e.rate
}

// Writes returns the number of frac register writes.
func (e *Emulated) Writes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writes
}
