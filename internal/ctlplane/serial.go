package ctlplane

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/tarm/serial"

	"github.com/soundgrid/clockgen/internal/logger"
)

// Console serves line-oriented control-plane commands over a stream,
// typically the device's control UART.
type Console struct {
	rw     io.ReadWriter
	closer io.Closer
	bridge *Bridge
}

// OpenSerial opens the control UART and returns a console bound to it.
func OpenSerial(device string, baud int, b *Bridge) (*Console, error) {
	p, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("ctlplane: open %s: %w", device, err)
	}
	return &Console{rw: p, closer: p, bridge: b}, nil
}

// NewConsole returns a console over an arbitrary stream. Used by tests
// and by deployments that tunnel the control plane elsewhere.
func NewConsole(rw io.ReadWriter, b *Bridge) *Console {
	return &Console{rw: rw, bridge: b}
}

// Run reads commands until the stream ends. Recognized lines are
// "source <name>", "rate <hz>" and "status"; each gets a one-line
// reply. Unknown input is answered with an error line, never fatal.
func (c *Console) Run() error {
	sc := bufio.NewScanner(c.rw)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(strings.ToLower(line)) == "status" {
			c.reply(c.bridge.Status().String())
			continue
		}
		cmd, err := ParseCommand(line)
		if err != nil {
			c.reply("err " + err.Error())
			continue
		}
		switch cmd.Kind {
		case CmdSelectSource:
			c.bridge.SelectSource(cmd.Source)
		case CmdSetTargetRate:
			c.bridge.SetTargetRate(cmd.RateHz)
		}
		c.reply("ok")
	}
	return sc.Err()
}

// Close releases the underlying port, ending Run.
func (c *Console) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func (c *Console) reply(line string) {
	if _, err := fmt.Fprintln(c.rw, line); err != nil {
		logger.Error("ctlplane: write: %v", err)
	}
}
