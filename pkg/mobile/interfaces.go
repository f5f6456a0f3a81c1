/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: interfaces.go
Description: Core interfaces for driving a virtual Android device. Defines the Device Control
Channel, the device process supervised during boot, and the command runner both are built on.
*/

package mobile

import (
	"context"
	"time"
)

// DeviceState is the state adb reports for a device.
type DeviceState string

const (
	DeviceOnline       DeviceState = "device"
	DeviceOffline      DeviceState = "offline"
	DeviceUnauthorized DeviceState = "unauthorized"
	DeviceUnknown      DeviceState = "unknown"
)

// DeviceEntry is one line of `adb devices`.
type DeviceEntry struct {
	Serial string
	State  DeviceState
}

// IsEmulator reports whether the serial belongs to an emulator instance.
func (d DeviceEntry) IsEmulator() bool {
	return len(d.Serial) >= 9 && d.Serial[:9] == "emulator-"
}

// Result is the outcome of a remote shell command.
type Result struct {
	Stdout   string
	ExitCode int
}

// OK reports a zero exit status.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Channel is the bidirectional command channel to a single virtual device.
// Errors are returned only for channel-level failures; a remote command that ran and exited
// non-zero is reported through Result.ExitCode.
type Channel interface {
	// Execute runs a remote shell command.
	Execute(ctx context.Context, command string, timeout time.Duration) (Result, error)
	// Script runs a multi-line script through the remote shell's stdin.
	Script(ctx context.Context, script string, timeout time.Duration) (Result, error)
	// InstallPackage installs a local package file.
	InstallPackage(ctx context.Context, path string, flags []string, timeout time.Duration) error
	// Devices lists attached devices and their states.
	Devices(ctx context.Context) ([]DeviceEntry, error)
	// WaitForDevice blocks until a device handle appears or timeout elapses.
	WaitForDevice(ctx context.Context, timeout time.Duration) error
	// Root asks for elevated access. Best-effort: false means the channel stayed unprivileged.
	Root(ctx context.Context) bool
	// Pull copies a remote file to the host.
	Pull(ctx context.Context, remote, local string, timeout time.Duration) error
	// KillEmulator stops the emulator behind the channel.
	KillEmulator(ctx context.Context) error
	// Bind pins later calls to serial unless a device was already configured.
	Bind(serial string)
}

// Process is a device process started in the background and supervised by polling.
type Process interface {
	Exited() bool
	PID() int
}

// Launcher starts the device process.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// Runner executes local programs. ExecRunner is the production implementation; tests script it.
type Runner interface {
	Run(ctx context.Context, stdin string, name string, args ...string) (stdout, stderr []byte, exitCode int, err error)
}
