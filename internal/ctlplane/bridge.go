// Package ctlplane is the thin bridge between the clock engine and the
// configuration endpoint: commands in (source selection, target rate),
// status out (active source, lock state, current rate).
package ctlplane

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/soundgrid/clockgen/internal/pll"
	"github.com/soundgrid/clockgen/internal/refsource"
)

// CommandKind discriminates control-plane commands.
type CommandKind int

const (
	CmdSelectSource CommandKind = iota
	CmdSetTargetRate
)

// Command is one inbound control-plane request.
type Command struct {
	Kind   CommandKind
	Source refsource.Source
	RateHz int
}

// Status is the engine state surfaced upstream.
type Status struct {
	Source   refsource.Source
	Lock     pll.LockState
	RateHz   int
	Degraded bool // missed pin deadline or reference fallback in effect
}

func (s Status) String() string {
	return fmt.Sprintf("source=%s lock=%s rate=%d degraded=%v",
		s.Source, s.Lock, s.RateHz, s.Degraded)
}

// Bridge carries commands to the controller and the latest status back.
// Status delivery is latest-wins: an unread update is replaced, never
// queued behind the consumer.
type Bridge struct {
	cmds    chan Command
	updates chan Status

	mu   sync.RWMutex
	last Status
}

// NewBridge returns an empty bridge.
func NewBridge() *Bridge {
	return &Bridge{
		cmds:    make(chan Command, 4),
		updates: make(chan Status, 1),
	}
}

// Commands is the controller's inbound command channel.
func (b *Bridge) Commands() <-chan Command {
	return b.cmds
}

// SelectSource requests a switch to the given reference source.
func (b *Bridge) SelectSource(src refsource.Source) {
	b.cmds <- Command{Kind: CmdSelectSource, Source: src}
}

// SetTargetRate requests a new target sample rate.
func (b *Bridge) SetTargetRate(hz int) {
	b.cmds <- Command{Kind: CmdSetTargetRate, RateHz: hz}
}

// Publish records a status snapshot and notifies any update listener.
func (b *Bridge) Publish(st Status) {
	b.mu.Lock()
	b.last = st
	b.mu.Unlock()
	select {
	case b.updates <- st:
	default:
		select {
		case <-b.updates:
		default:
		}
		select {
		case b.updates <- st:
		default:
		}
	}
}

// Status returns the most recently published snapshot.
func (b *Bridge) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}

// Updates delivers status snapshots, latest-wins.
func (b *Bridge) Updates() <-chan Status {
	return b.updates
}

// ParseCommand parses a console line ("source adat", "rate 96000").
// "status" is handled by the console itself and is not a Command.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(line)))
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}
	switch fields[0] {
	case "source":
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("usage: source <internal|spdif|adat|hostfb>")
		}
		src, err := refsource.Parse(fields[1])
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: CmdSelectSource, Source: src}, nil
	case "rate":
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("usage: rate <hz>")
		}
		hz, err := strconv.Atoi(fields[1])
		if err != nil {
			return Command{}, fmt.Errorf("rate %q: %w", fields[1], err)
		}
		return Command{Kind: CmdSetTargetRate, RateHz: hz}, nil
	default:
		return Command{}, fmt.Errorf("unknown command %q", fields[0])
	}
}
