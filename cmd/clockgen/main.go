// clockgen generates or recovers the master audio sample clock for a
// digital-audio streaming device: it locks a software PLL to the
// selected reference (internal oscillator, S/PDIF, ADAT or host rate
// feedback) and programs the frequency synthesizer that clocks the
// audio hardware.
//
// Usage:
//
//	clockgen -run -config clockgen.yml   run the engine until interrupted
//	clockgen -rates                      list supported sample rates
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/soundgrid/clockgen/internal/config"
	"github.com/soundgrid/clockgen/internal/logger"
	"github.com/soundgrid/clockgen/internal/synth"
	"github.com/soundgrid/clockgen/pkg/clockgen"
)

func main() {
	run := flag.Bool("run", false, "run the clock engine")
	rates := flag.Bool("rates", false, "list supported sample rates and exit")
	configPath := flag.String("config", "", "path to YAML config (default clockgen.yml)")
	source := flag.String("source", "", "preferred reference source (overrides config)")
	rate := flag.Int("rate", 0, "target sample rate in Hz (overrides config)")
	pin := flag.String("pin", "", "reference pin GPIO name (overrides config)")
	quiet := flag.Bool("quiet", false, "suppress informational output")
	flag.Parse()

	if *rates {
		for _, base := range []int{44100, 48000} {
			for _, mult := range []int{1, 2, 4} {
				fmt.Println(base * mult)
			}
		}
		return
	}

	path, explicit := *configPath, *configPath != ""
	if !explicit {
		path = "clockgen.yml"
	}
	cfg, err := loadConfig(path, explicit)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *source != "" {
		cfg.Sources.Preferred = *source
	}
	if *rate != 0 {
		if !synth.SupportedRate(*rate) {
			log.Fatalf("unsupported rate %d (see -rates)", *rate)
		}
		cfg.Sources.TargetRate = *rate
	}
	if *pin != "" {
		cfg.Pin.Name = *pin
	}

	if !*run {
		flag.Usage()
		os.Exit(2)
	}

	logger.Quiet = *quiet
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := clockgen.Run(ctx, cfg, clockgen.Feeds{}, *quiet); err != nil &&
		!errors.Is(err, context.Canceled) {
		log.Fatalf("clockgen: %v", err)
	}
}

// loadConfig resolves the effective configuration. An explicit path
// must load cleanly. On the default path a missing file means defaults,
// but a file that exists and fails to load is reported, not silently
// replaced by defaults.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if explicit {
			return nil, err
		}
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		if explicit {
			return nil, err
		}
		logger.Error("config %s: %v, using defaults", path, err)
		return config.Default(), nil
	}
	return cfg, nil
}
