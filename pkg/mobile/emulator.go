/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: emulator.go
Description: Background emulator process. Starts the emulator for an AVD with its output
captured to a log file, exposes liveness for the readiness poller, and finds an emulator that is
already running for the same AVD so a second instance is never started.
*/

package mobile

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// DefaultEmulatorArgs are passed after `-avd NAME`.
var DefaultEmulatorArgs = []string{"-no-snapshot", "-writable-system", "-no-audio"}

// Emulator launches an AVD in the background.
type Emulator struct {
	Path    string   // emulator binary
	AVD     string   // AVD name
	Args    []string // extra arguments, DefaultEmulatorArgs when nil
	LogPath string   // emulator stdout/stderr
	Env     []string // extra environment (ANDROID_HOME, ANDROID_SDK_ROOT)
	Dir     string

	log logrus.FieldLogger
}

// NewEmulator creates a launcher for avd.
func NewEmulator(path, avd, logPath string, env []string, log logrus.FieldLogger) *Emulator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Emulator{Path: path, AVD: avd, LogPath: logPath, Env: env, log: log}
}

// Launch starts the emulator, or adopts one already running for the same AVD.
func (e *Emulator) Launch(ctx context.Context) (Process, error) {
	if pid, ok := FindRunningEmulator(ctx, e.AVD); ok {
		e.log.WithFields(logrus.Fields{"avd": e.AVD, "pid": pid}).Info("Adopting running emulator")
		return &existingProcess{pid: pid}, nil
	}

	args := append([]string{"-avd", e.AVD}, e.Args...)
	if e.Args == nil {
		args = append(args, DefaultEmulatorArgs...)
	}

	var logFile *os.File
	if e.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(e.LogPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create emulator log directory: %w", err)
		}
		f, err := os.Create(e.LogPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create emulator log: %w", err)
		}
		logFile = f
	}

	// The emulator must outlive ctx cancellation of individual stages, so it is not bound to ctx.
	cmd := exec.Command(e.Path, args...)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(), e.Env...)
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("failed to start emulator: %w", err)
	}

	p := &childProcess{cmd: cmd}
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		p.exited.Store(true)
		e.log.WithError(err).WithField("pid", cmd.Process.Pid).Debug("Emulator process exited")
	}()
	e.log.WithFields(logrus.Fields{"avd": e.AVD, "pid": cmd.Process.Pid, "log": e.LogPath}).Info("Emulator started")
	return p, nil
}

type childProcess struct {
	cmd    *exec.Cmd
	exited atomic.Bool
}

func (p *childProcess) Exited() bool { return p.exited.Load() }
func (p *childProcess) PID() int     { return p.cmd.Process.Pid }

type existingProcess struct {
	pid int32
}

func (p *existingProcess) Exited() bool {
	ok, err := process.PidExists(p.pid)
	return err == nil && !ok
}

func (p *existingProcess) PID() int { return int(p.pid) }

// FindRunningEmulator looks for an emulator process started for avd.
func FindRunningEmulator(ctx context.Context, avd string) (int32, bool) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, false
	}
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		if MatchesEmulatorCmdline(cmdline, avd) {
			return p.Pid, true
		}
	}
	return 0, false
}

// MatchesEmulatorCmdline reports whether cmdline launches the emulator for avd.
func MatchesEmulatorCmdline(cmdline, avd string) bool {
	if !strings.Contains(cmdline, "emulator") && !strings.Contains(cmdline, "qemu-system") {
		return false
	}
	fields := strings.Fields(cmdline)
	for i, f := range fields {
		if f == "@"+avd {
			return true
		}
		if f == "-avd" && i+1 < len(fields) && fields[i+1] == avd {
			return true
		}
	}
	return false
}
