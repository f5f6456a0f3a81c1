/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: adb_channel.go
Description: ADBChannel implements the Device Control Channel on top of the adb client.
Handles remote shell commands and scripts, package installation, device listing, elevated
access, file pulls and emulator shutdown, with output parsing and per-call timeouts.
*/

package mobile

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrInstallFailed is returned when adb does not confirm an installation.
var ErrInstallFailed = errors.New("install failed")

// DevicesTimeout bounds one `adb devices` listing.
const DevicesTimeout = 10 * time.Second

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

// Run executes name with args. A non-zero exit status is not an error.
func (ExecRunner) Run(ctx context.Context, stdin string, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() != nil {
		return stdout.Bytes(), stderr.Bytes(), -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return stdout.Bytes(), stderr.Bytes(), -1, err
	}
	return stdout.Bytes(), stderr.Bytes(), 0, nil
}

// ADBChannel implements Channel for a single device via adb.
type ADBChannel struct {
	ADB        string        // adb binary
	Serial     string        // device serial, empty for the only attached device
	RootSettle time.Duration // pause after `adb root` while adbd restarts

	runner Runner
	log    logrus.FieldLogger
	sleep  func(time.Duration)
}

// NewADBChannel creates a channel. A nil runner means ExecRunner.
func NewADBChannel(adb, serial string, runner Runner, log logrus.FieldLogger) *ADBChannel {
	if adb == "" {
		adb = "adb"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ADBChannel{
		ADB:        adb,
		Serial:     serial,
		RootSettle: 3 * time.Second,
		runner:     runner,
		log:        log,
		sleep:      time.Sleep,
	}
}

// WithSleep replaces the sleeper used for settle delays.
func (c *ADBChannel) WithSleep(sleep func(time.Duration)) *ADBChannel {
	c.sleep = sleep
	return c
}

func (c *ADBChannel) args(args ...string) []string {
	if c.Serial == "" {
		return args
	}
	return append([]string{"-s", c.Serial}, args...)
}

func (c *ADBChannel) run(ctx context.Context, timeout time.Duration, stdin string, args ...string) ([]byte, []byte, int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	c.log.WithField("args", strings.Join(args, " ")).Debug("adb")
	stdout, stderr, code, err := c.runner.Run(ctx, stdin, c.ADB, c.args(args...)...)
	if err != nil {
		return stdout, stderr, code, fmt.Errorf("adb %s: %w", args[0], err)
	}
	return stdout, stderr, code, nil
}

func (c *ADBChannel) Execute(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	stdout, _, code, err := c.run(ctx, timeout, "", "shell", command)
	if err != nil {
		return Result{}, err
	}
	return Result{Stdout: strings.TrimSpace(string(stdout)), ExitCode: code}, nil
}

func (c *ADBChannel) Script(ctx context.Context, script string, timeout time.Duration) (Result, error) {
	stdout, stderr, code, err := c.run(ctx, timeout, script, "shell")
	if err != nil {
		return Result{}, err
	}
	if len(stderr) > 0 {
		c.log.WithField("stderr", truncate(strings.TrimSpace(string(stderr)), 200)).Debug("Script stderr")
	}
	return Result{Stdout: strings.TrimSpace(string(stdout)), ExitCode: code}, nil
}

func (c *ADBChannel) InstallPackage(ctx context.Context, path string, flags []string, timeout time.Duration) error {
	args := append([]string{"install"}, flags...)
	args = append(args, path)
	stdout, stderr, _, err := c.run(ctx, timeout, "", args...)
	if err != nil {
		return err
	}
	output := append(stdout, stderr...)
	if !bytes.Contains(output, []byte("Success")) {
		return fmt.Errorf("%w: %s", ErrInstallFailed, strings.TrimSpace(string(output)))
	}
	return nil
}

// Devices lists every attached device; the serial filter does not apply.
func (c *ADBChannel) Devices(ctx context.Context) ([]DeviceEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, DevicesTimeout)
	defer cancel()
	stdout, _, _, err := c.runner.Run(ctx, "", c.ADB, "devices")
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}
	return ParseDevices(string(stdout)), nil
}

// ParseDevices parses `adb devices` output.
func ParseDevices(output string) []DeviceEntry {
	var devices []DeviceEntry
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		state := DeviceState(fields[1])
		switch state {
		case DeviceOnline, DeviceOffline, DeviceUnauthorized:
		default:
			state = DeviceUnknown
		}
		devices = append(devices, DeviceEntry{Serial: fields[0], State: state})
	}
	return devices
}

func (c *ADBChannel) WaitForDevice(ctx context.Context, timeout time.Duration) error {
	_, _, _, err := c.run(ctx, timeout, "", "wait-for-device")
	return err
}

func (c *ADBChannel) Root(ctx context.Context) bool {
	if _, _, _, err := c.run(ctx, 30*time.Second, "", "root"); err != nil {
		c.log.WithError(err).Warn("adb root failed")
	}
	c.sleep(c.RootSettle)
	res, err := c.Execute(ctx, "whoami", 10*time.Second)
	if err != nil {
		return false
	}
	return strings.Contains(res.Stdout, "root")
}

func (c *ADBChannel) Pull(ctx context.Context, remote, local string, timeout time.Duration) error {
	stdout, stderr, code, err := c.run(ctx, timeout, "", "pull", remote, local)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("adb pull %s: exit %d: %s", remote, code, strings.TrimSpace(string(append(stdout, stderr...))))
	}
	return nil
}

func (c *ADBChannel) KillEmulator(ctx context.Context) error {
	_, _, code, err := c.run(ctx, 30*time.Second, "", "emu", "kill")
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("adb emu kill: exit %d", code)
	}
	return nil
}

func (c *ADBChannel) Bind(serial string) {
	if c.Serial != "" || serial == "" {
		return
	}
	c.Serial = serial
	c.log.WithField("serial", serial).Debug("Channel bound to device")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
