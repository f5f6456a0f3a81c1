/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: readiness.go
Description: Readiness State Machine. Starts the device process and polls the Device Control
Channel until the device is booted and interactive, bounded by a total budget. Terminal outcomes
are ready, died (the device process exited) and timeout. Polling never sleeps past the deadline.
*/

package readiness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kleascm/heapkey/pkg/mobile"
	"github.com/sirupsen/logrus"
)

// State is a readiness state.
type State string

const (
	StateLaunching State = "launching"
	StateWaiting   State = "waiting"
	StateBooting   State = "booting"
	StateReady     State = "ready"
	StateDied      State = "died"
	StateTimeout   State = "timeout"
)

// Terminal reports whether the machine stops in s.
func (s State) Terminal() bool {
	return s == StateReady || s == StateDied || s == StateTimeout
}

var (
	// ErrDied means the device process exited before the device became ready.
	ErrDied = errors.New("device process exited unexpectedly")
	// ErrTimeout means the budget elapsed before the device became ready.
	ErrTimeout = errors.New("device did not become ready in time")
)

// BootCompletedCommand queries the boot-completion flag.
const BootCompletedCommand = "getprop sys.boot_completed"

// Config bounds the readiness wait.
type Config struct {
	WaitForDevice time.Duration // initial wait for a device handle
	PollInterval  time.Duration
	Timeout       time.Duration // total budget
	Grace         time.Duration // pause after the boot flag before reporting ready
}

// DefaultConfig mirrors the emulator's observed boot behaviour.
func DefaultConfig() Config {
	return Config{
		WaitForDevice: 90 * time.Second,
		PollInterval:  5 * time.Second,
		Timeout:       420 * time.Second,
		Grace:         5 * time.Second,
	}
}

// Validate rejects non-positive bounds.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Grace < 0 || c.WaitForDevice < 0 {
		return fmt.Errorf("grace and wait-for-device must not be negative")
	}
	return nil
}

// Clock abstracts time so tests can drive the machine deterministically.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock uses the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Outcome describes how the machine finished.
type Outcome struct {
	State   State
	Serial  string
	Polls   int
	Skipped bool // device was already ready; nothing was launched
	Elapsed time.Duration
}

// Machine is the readiness state machine for one device.
type Machine struct {
	ch       mobile.Channel
	launcher mobile.Launcher
	cfg      Config
	clock    Clock
	log      logrus.FieldLogger

	// Serial restricts matching to one device; empty matches any emulator.
	Serial string
	// OnTransition is called on every state change.
	OnTransition func(from, to State)
	// OnPoll is called after every poll that did not finish the machine.
	OnPoll func(State)

	state State
}

// New creates a machine. A nil clock means RealClock.
func New(ch mobile.Channel, launcher mobile.Launcher, cfg Config, clock Clock, log logrus.FieldLogger) *Machine {
	if clock == nil {
		clock = RealClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Machine{ch: ch, launcher: launcher, cfg: cfg, clock: clock, log: log}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

func (m *Machine) transition(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("Readiness transition")
	if m.OnTransition != nil {
		m.OnTransition(from, to)
	}
}

func (m *Machine) matches(d mobile.DeviceEntry) bool {
	if m.Serial != "" {
		return d.Serial == m.Serial
	}
	return d.IsEmulator()
}

// probe classifies the device once: waiting (absent), booting (offline or flag unset), or ready.
func (m *Machine) probe(ctx context.Context) (State, string) {
	devices, err := m.ch.Devices(ctx)
	if err != nil {
		m.log.WithError(err).Debug("Device query failed")
		return StateWaiting, ""
	}
	var entry *mobile.DeviceEntry
	for i := range devices {
		if m.matches(devices[i]) {
			entry = &devices[i]
			break
		}
	}
	if entry == nil {
		return StateWaiting, ""
	}
	if entry.State != mobile.DeviceOnline {
		return StateBooting, entry.Serial
	}
	res, err := m.ch.Execute(ctx, BootCompletedCommand, 10*time.Second)
	if err != nil || strings.TrimSpace(res.Stdout) != "1" {
		return StateBooting, entry.Serial
	}
	return StateReady, entry.Serial
}

// Run drives the machine to a terminal state. ErrDied and ErrTimeout are fatal; a cancelled
// context returns ctx.Err(). Every channel call runs under the budget, so a stalled adb server
// cannot hold the machine past it.
func (m *Machine) Run(ctx context.Context) (Outcome, error) {
	if err := m.cfg.Validate(); err != nil {
		return Outcome{}, err
	}
	start := m.clock.Now()
	deadline := start.Add(m.cfg.Timeout)
	budget, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	out := Outcome{}
	finish := func(s State) Outcome {
		m.transition(s)
		out.State = s
		out.Elapsed = m.clock.Now().Sub(start)
		return out
	}
	timedOut := func() (Outcome, error) {
		return finish(StateTimeout), fmt.Errorf("%w after %s", ErrTimeout, m.cfg.Timeout)
	}
	// expired reports whether the budget ran out while the caller is still waiting.
	expired := func() bool { return ctx.Err() == nil && budget.Err() != nil }

	if state, serial := m.probe(budget); state == StateReady {
		out.Serial = serial
		out.Skipped = true
		m.log.WithField("serial", serial).Info("Device already booted, skipping readiness wait")
		return finish(StateReady), nil
	}

	m.transition(StateLaunching)
	proc, err := m.launcher.Launch(budget)
	if err != nil {
		if expired() {
			return timedOut()
		}
		return finish(StateDied), fmt.Errorf("%w: %v", ErrDied, err)
	}

	if wait := minDuration(m.cfg.WaitForDevice, deadline.Sub(m.clock.Now())); wait > 0 {
		if err := m.ch.WaitForDevice(budget, wait); err != nil {
			m.log.WithError(err).Debug("wait-for-device did not complete")
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(m.state), err
		}
		if budget.Err() != nil {
			return timedOut()
		}
		if proc.Exited() {
			return finish(StateDied), fmt.Errorf("%w (pid %d)", ErrDied, proc.PID())
		}

		state, serial := m.probe(budget)
		out.Polls++
		if state == StateReady {
			out.Serial = serial
			m.transition(StateBooting)
			if grace := minDuration(m.cfg.Grace, deadline.Sub(m.clock.Now())); grace > 0 {
				if err := m.clock.Sleep(budget, grace); err != nil && ctx.Err() != nil {
					return finish(m.state), ctx.Err()
				}
			}
			return finish(StateReady), nil
		}
		m.transition(state)
		if m.OnPoll != nil {
			m.OnPoll(state)
		}

		remaining := deadline.Sub(m.clock.Now())
		if remaining <= 0 || expired() {
			return timedOut()
		}
		if err := m.clock.Sleep(budget, minDuration(m.cfg.PollInterval, remaining)); err != nil {
			if expired() {
				return timedOut()
			}
			return finish(m.state), ctx.Err()
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
