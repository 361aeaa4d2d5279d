// Package config loads and defaults the clockgen YAML configuration.
// PI gains, lock thresholds and dwell counts are deployment tuning
// parameters and live here rather than as literals in the control loop.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full clockgen configuration.
type Config struct {
	Timer   TimerConfig   `yaml:"timer"`
	Servo   ServoConfig   `yaml:"servo"`
	Lock    LockConfig    `yaml:"lock"`
	Synth   SynthConfig   `yaml:"synth"`
	Pin     PinConfig     `yaml:"pin"`
	Sources SourcesConfig `yaml:"sources"`
	Control ControlConfig `yaml:"control"`
}

// TimerConfig describes the free-running reference timer the loop
// measures against. The counter wraps at Modulus; all arithmetic on
// its counts is done modulo that value.
type TimerConfig struct {
	TickHz  int64  `yaml:"tick_hz"`
	Modulus uint32 `yaml:"modulus"`
}

// ServoConfig holds the PI controller gains. The correction applied per
// observation is clamp(Kp*err + Ki*integral, -MaxStep, +MaxStep), in
// timer ticks.
type ServoConfig struct {
	Kp      float64 `yaml:"kp"`
	Ki      float64 `yaml:"ki"`
	MaxStep float64 `yaml:"max_step"`
}

// LockConfig holds the lock state machine thresholds, in timer ticks.
// LockThreshold must be below UnlockThreshold (hysteresis).
type LockConfig struct {
	LockThreshold   float64 `yaml:"lock_threshold"`
	UnlockThreshold float64 `yaml:"unlock_threshold"`
	DwellCount      int     `yaml:"dwell_count"`
}

// SynthConfig describes the frequency synthesizer: the fractional table
// size, the check interval in audio frames, and the register transport
// (periph I2C bus/address, or the in-memory emulated device).
type SynthConfig struct {
	TableSize   uint32 `yaml:"table_size"`
	CheckFrames int    `yaml:"check_frames"`
	Bus         string `yaml:"bus"`
	Addr        uint16 `yaml:"addr"`
	Emulated    bool   `yaml:"emulated"`
}

// PinConfig names the GPIO pin that feeds the external synthesizer's
// reference input. Empty Name disables the pin path (internal synth).
type PinConfig struct {
	Name             string `yaml:"name"`
	JitterBoundTicks uint32 `yaml:"jitter_bound_ticks"`
}

// SourcesConfig selects the preferred reference source and target rate.
type SourcesConfig struct {
	Preferred  string `yaml:"preferred"` // internal, spdif, adat, hostfb
	TargetRate int    `yaml:"target_rate"`
	Timeout    string `yaml:"timeout"` // reference timeout, e.g. "250ms"
}

// ControlConfig describes the optional serial control-plane console.
type ControlConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Timer: TimerConfig{
			TickHz:  100_000_000,
			Modulus: 65536,
		},
		Servo: ServoConfig{
			Kp:      0.1,
			Ki:      0.01,
			MaxStep: 500,
		},
		Lock: LockConfig{
			LockThreshold:   50,
			UnlockThreshold: 200,
			DwellCount:      8,
		},
		Synth: SynthConfig{
			TableSize:   65,
			CheckFrames: 256,
			Addr:        0x60,
			Emulated:    true,
		},
		Pin: PinConfig{
			JitterBoundTicks: 100,
		},
		Sources: SourcesConfig{
			Preferred:  "internal",
			TargetRate: 48000,
			Timeout:    "250ms",
		},
		Control: ControlConfig{
			Baud: 115200,
		},
	}
}

// Load reads a YAML config file and applies defaults to unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configurations the control loop cannot run with.
func (c *Config) Validate() error {
	if c.Timer.TickHz <= 0 {
		return fmt.Errorf("config: timer tick_hz must be positive")
	}
	if c.Timer.Modulus == 0 {
		return fmt.Errorf("config: timer modulus must be nonzero")
	}
	if c.Lock.LockThreshold >= c.Lock.UnlockThreshold {
		return fmt.Errorf("config: lock_threshold %v must be below unlock_threshold %v",
			c.Lock.LockThreshold, c.Lock.UnlockThreshold)
	}
	if c.Lock.DwellCount <= 0 {
		return fmt.Errorf("config: dwell_count must be positive")
	}
	if c.Synth.TableSize < 3 {
		return fmt.Errorf("config: synth table_size %d too small", c.Synth.TableSize)
	}
	return nil
}

// ReferenceTimeout parses Sources.Timeout; invalid or empty means 250ms.
func (c *Config) ReferenceTimeout() time.Duration {
	d, err := time.ParseDuration(c.Sources.Timeout)
	if err != nil || d <= 0 {
		return 250 * time.Millisecond
	}
	return d
}

func applyDefaults(c *Config) {
	d := Default()
	if c.Timer.TickHz == 0 {
		c.Timer.TickHz = d.Timer.TickHz
	}
	if c.Timer.Modulus == 0 {
		c.Timer.Modulus = d.Timer.Modulus
	}
	if c.Servo.Kp == 0 && c.Servo.Ki == 0 {
		c.Servo.Kp, c.Servo.Ki = d.Servo.Kp, d.Servo.Ki
	}
	if c.Servo.MaxStep == 0 {
		c.Servo.MaxStep = d.Servo.MaxStep
	}
	if c.Lock.LockThreshold == 0 {
		c.Lock.LockThreshold = d.Lock.LockThreshold
	}
	if c.Lock.UnlockThreshold == 0 {
		c.Lock.UnlockThreshold = d.Lock.UnlockThreshold
	}
	if c.Lock.DwellCount == 0 {
		c.Lock.DwellCount = d.Lock.DwellCount
	}
	if c.Synth.TableSize == 0 {
		c.Synth.TableSize = d.Synth.TableSize
	}
	if c.Synth.CheckFrames == 0 {
		c.Synth.CheckFrames = d.Synth.CheckFrames
	}
	if c.Synth.Addr == 0 {
		c.Synth.Addr = d.Synth.Addr
	}
	if c.Pin.JitterBoundTicks == 0 {
		c.Pin.JitterBoundTicks = d.Pin.JitterBoundTicks
	}
	if c.Sources.Preferred == "" {
		c.Sources.Preferred = d.Sources.Preferred
	}
	if c.Sources.TargetRate == 0 {
		c.Sources.TargetRate = d.Sources.TargetRate
	}
	if c.Sources.Timeout == "" {
		c.Sources.Timeout = d.Sources.Timeout
	}
	if c.Control.Baud == 0 {
		c.Control.Baud = d.Control.Baud
	}
}
