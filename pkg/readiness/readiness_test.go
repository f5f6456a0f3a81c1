/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: readiness_test.go
Description: Tests for the readiness state machine driven by a manual clock and a fake channel.
*/

package readiness_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kleascm/heapkey/pkg/mobile"
	"github.com/kleascm/heapkey/pkg/mobile/mobiletest"
	"github.com/kleascm/heapkey/pkg/readiness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func (c *manualClock) slept() time.Duration {
	var total time.Duration
	for _, d := range c.sleeps {
		total += d
	}
	return total
}

func bootFlag(value string) func(string) (mobile.Result, error) {
	return func(cmd string) (mobile.Result, error) {
		if cmd == readiness.BootCompletedCommand {
			return mobile.Result{Stdout: value}, nil
		}
		return mobile.Result{}, nil
	}
}

type transition struct {
	to State
	at time.Duration
}

type State = readiness.State

func TestOfflineThenReady(t *testing.T) {
	clock := newClock()
	start := clock.now
	calls := 0
	ch := &mobiletest.Channel{
		OnDevices: func() ([]mobile.DeviceEntry, error) {
			calls++
			switch {
			case calls == 1:
				return nil, nil
			case calls <= 4:
				return []mobile.DeviceEntry{{Serial: "emulator-5554", State: mobile.DeviceOffline}}, nil
			default:
				return []mobile.DeviceEntry{{Serial: "emulator-5554", State: mobile.DeviceOnline}}, nil
			}
		},
		OnExecute: bootFlag("1"),
	}
	launcher := &mobiletest.Launcher{}

	m := readiness.New(ch, launcher, readiness.DefaultConfig(), clock, nil)
	var seen []transition
	m.OnTransition = func(_, to readiness.State) {
		seen = append(seen, transition{to: to, at: clock.now.Sub(start)})
	}

	out, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, readiness.StateReady, out.State)
	assert.Equal(t, "emulator-5554", out.Serial)
	assert.Equal(t, 4, out.Polls)
	assert.Equal(t, 1, launcher.Launches)

	assert.Equal(t, []transition{
		{to: readiness.StateLaunching, at: 0},
		{to: readiness.StateBooting, at: 0},
		{to: readiness.StateReady, at: 20 * time.Second},
	}, seen)
	// Three poll intervals, then the grace delay.
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}, clock.sleeps)
}

func TestAlreadyBootedSkipsLaunch(t *testing.T) {
	clock := newClock()
	ch := &mobiletest.Channel{
		OnDevices: func() ([]mobile.DeviceEntry, error) {
			return []mobile.DeviceEntry{{Serial: "emulator-5554", State: mobile.DeviceOnline}}, nil
		},
		OnExecute: bootFlag("1\n"),
	}
	launcher := &mobiletest.Launcher{}

	out, err := readiness.New(ch, launcher, readiness.DefaultConfig(), clock, nil).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, readiness.StateReady, out.State)
	assert.Zero(t, launcher.Launches)
	assert.Empty(t, clock.sleeps)
}

func TestDeadlineNeverExceeded(t *testing.T) {
	clock := newClock()
	ch := &mobiletest.Channel{}
	cfg := readiness.DefaultConfig()
	cfg.Timeout = 12 * time.Second

	var states []readiness.State
	m := readiness.New(ch, &mobiletest.Launcher{}, cfg, clock, nil)
	m.OnPoll = func(s readiness.State) { states = append(states, s) }

	out, err := m.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, readiness.ErrTimeout)
	assert.False(t, errors.Is(err, readiness.ErrDied))
	assert.Equal(t, readiness.StateTimeout, out.State)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 2 * time.Second}, clock.sleeps)
	assert.LessOrEqual(t, clock.slept(), cfg.Timeout)
	assert.Equal(t, cfg.Timeout, out.Elapsed)
	for _, s := range states {
		assert.Equal(t, readiness.StateWaiting, s)
	}
}

func TestGraceCappedAtDeadline(t *testing.T) {
	clock := newClock()
	calls := 0
	ch := &mobiletest.Channel{
		OnDevices: func() ([]mobile.DeviceEntry, error) {
			calls++
			if calls < 3 {
				return nil, nil
			}
			return []mobile.DeviceEntry{{Serial: "emulator-5554", State: mobile.DeviceOnline}}, nil
		},
		OnExecute: bootFlag("1"),
	}
	cfg := readiness.DefaultConfig()
	cfg.Timeout = 7 * time.Second

	out, err := readiness.New(ch, &mobiletest.Launcher{}, cfg, clock, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, readiness.StateReady, out.State)
	assert.Equal(t, []time.Duration{5 * time.Second, 2 * time.Second}, clock.sleeps)
}

func TestProcessDied(t *testing.T) {
	clock := newClock()
	proc := &mobiletest.Process{Pid: 99}
	ch := &mobiletest.Channel{
		OnDevices: func() ([]mobile.DeviceEntry, error) {
			return []mobile.DeviceEntry{{Serial: "emulator-5554", State: mobile.DeviceOnline}}, nil
		},
		OnExecute: bootFlag(""),
	}
	m := readiness.New(ch, &mobiletest.Launcher{Proc: proc}, readiness.DefaultConfig(), clock, nil)
	m.OnPoll = func(readiness.State) { proc.Dead = true }

	out, err := m.Run(context.Background())
	assert.ErrorIs(t, err, readiness.ErrDied)
	assert.False(t, errors.Is(err, readiness.ErrTimeout))
	assert.Equal(t, readiness.StateDied, out.State)
	assert.Equal(t, 1, out.Polls)
}

func TestLaunchFailureIsDied(t *testing.T) {
	launcher := &mobiletest.Launcher{Err: errors.New("exec: emulator not found")}
	out, err := readiness.New(&mobiletest.Channel{}, launcher, readiness.DefaultConfig(), newClock(), nil).Run(context.Background())
	assert.ErrorIs(t, err, readiness.ErrDied)
	assert.Equal(t, readiness.StateDied, out.State)
}

func TestSerialFilter(t *testing.T) {
	clock := newClock()
	ch := &mobiletest.Channel{
		OnDevices: func() ([]mobile.DeviceEntry, error) {
			return []mobile.DeviceEntry{{Serial: "emulator-5556", State: mobile.DeviceOnline}}, nil
		},
		OnExecute: bootFlag("1"),
	}
	cfg := readiness.DefaultConfig()
	cfg.Timeout = time.Second
	m := readiness.New(ch, &mobiletest.Launcher{}, cfg, clock, nil)
	m.Serial = "emulator-5554"

	_, err := m.Run(context.Background())
	assert.ErrorIs(t, err, readiness.ErrTimeout)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := readiness.New(&mobiletest.Channel{}, &mobiletest.Launcher{}, readiness.DefaultConfig(), newClock(), nil).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// stalledChannel never answers a device listing until its context ends.
type stalledChannel struct {
	mobiletest.Channel
}

func (c *stalledChannel) Devices(ctx context.Context) ([]mobile.DeviceEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, nil
	}
}

func TestStalledChannelStillTimesOut(t *testing.T) {
	cfg := readiness.Config{PollInterval: 10 * time.Millisecond, Timeout: 200 * time.Millisecond}
	m := readiness.New(&stalledChannel{}, &mobiletest.Launcher{}, cfg, nil, nil)

	begin := time.Now()
	out, err := m.Run(context.Background())
	elapsed := time.Since(begin)

	assert.ErrorIs(t, err, readiness.ErrTimeout)
	assert.Equal(t, readiness.StateTimeout, out.State)
	assert.Less(t, elapsed, time.Second)
}

func TestStalledChannelHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	cfg := readiness.Config{PollInterval: 10 * time.Millisecond, Timeout: time.Minute}

	_, err := readiness.New(&stalledChannel{}, &mobiletest.Launcher{}, cfg, nil, nil).Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errors.Is(err, readiness.ErrTimeout))
}

func TestConfigValidate(t *testing.T) {
	cfg := readiness.DefaultConfig()
	require.NoError(t, cfg.Validate())
	cfg.PollInterval = 0
	assert.Error(t, cfg.Validate())
}
