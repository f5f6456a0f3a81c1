/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: fake.go
Description: Scriptable fakes for the Device Control Channel, the command runner and the device
process. Used by stage tests to drive every branch without a real device.
*/

package mobiletest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kleascm/heapkey/pkg/mobile"
)

// Channel is a fake mobile.Channel. Nil hooks fall back to benign defaults.
type Channel struct {
	OnExecute func(cmd string) (mobile.Result, error)
	OnScript  func(script string) (mobile.Result, error)
	OnDevices func() ([]mobile.DeviceEntry, error)
	OnInstall func(path string, flags []string) error
	OnPull    func(remote, local string) error
	OnWait    func() error
	RootOK    bool

	Commands  []string
	Scripts   []string
	Installed []string
	RootCalls int
	Killed    bool
	// Bound is the serial the channel was pinned to.
	Bound string
	// BoundAt is len(Commands) when Bind took effect.
	BoundAt int
}

var _ mobile.Channel = (*Channel)(nil)

func (c *Channel) Execute(ctx context.Context, cmd string, timeout time.Duration) (mobile.Result, error) {
	c.Commands = append(c.Commands, cmd)
	if err := ctx.Err(); err != nil {
		return mobile.Result{}, err
	}
	if c.OnExecute == nil {
		return mobile.Result{}, nil
	}
	return c.OnExecute(cmd)
}

func (c *Channel) Script(ctx context.Context, script string, timeout time.Duration) (mobile.Result, error) {
	c.Scripts = append(c.Scripts, script)
	if err := ctx.Err(); err != nil {
		return mobile.Result{}, err
	}
	if c.OnScript == nil {
		return mobile.Result{}, nil
	}
	return c.OnScript(script)
}

func (c *Channel) InstallPackage(ctx context.Context, path string, flags []string, timeout time.Duration) error {
	c.Installed = append(c.Installed, path)
	if c.OnInstall == nil {
		return nil
	}
	return c.OnInstall(path, flags)
}

func (c *Channel) Devices(ctx context.Context) ([]mobile.DeviceEntry, error) {
	if c.OnDevices == nil {
		return nil, nil
	}
	return c.OnDevices()
}

func (c *Channel) WaitForDevice(ctx context.Context, timeout time.Duration) error {
	if c.OnWait == nil {
		return nil
	}
	return c.OnWait()
}

func (c *Channel) Root(ctx context.Context) bool {
	c.RootCalls++
	return c.RootOK
}

func (c *Channel) Pull(ctx context.Context, remote, local string, timeout time.Duration) error {
	if c.OnPull == nil {
		return fmt.Errorf("pull not scripted")
	}
	return c.OnPull(remote, local)
}

func (c *Channel) KillEmulator(ctx context.Context) error {
	c.Killed = true
	return nil
}

func (c *Channel) Bind(serial string) {
	if c.Bound != "" || serial == "" {
		return
	}
	c.Bound = serial
	c.BoundAt = len(c.Commands)
}

// Ran reports whether a command containing substr was executed.
func (c *Channel) Ran(substr string) bool {
	for _, cmd := range c.Commands {
		if strings.Contains(cmd, substr) {
			return true
		}
	}
	return false
}

// Process is a fake mobile.Process.
type Process struct {
	Dead bool
	Pid  int
}

func (p *Process) Exited() bool { return p.Dead }
func (p *Process) PID() int     { return p.Pid }

// Launcher is a fake mobile.Launcher returning Proc.
type Launcher struct {
	Proc     *Process
	Err      error
	Launches int
}

func (l *Launcher) Launch(ctx context.Context) (mobile.Process, error) {
	l.Launches++
	if l.Err != nil {
		return nil, l.Err
	}
	if l.Proc == nil {
		l.Proc = &Process{Pid: 4242}
	}
	return l.Proc, nil
}

// Call is one recorded Runner invocation.
type Call struct {
	Stdin string
	Name  string
	Args  []string
}

// Reply is a scripted Runner response.
type Reply struct {
	Stdout string
	Stderr string
	Code   int
	Err    error
}

// Runner is a fake mobile.Runner answering by the first argument that matches a key.
type Runner struct {
	Replies map[string]Reply
	Calls   []Call
}

func (r *Runner) Run(ctx context.Context, stdin string, name string, args ...string) ([]byte, []byte, int, error) {
	r.Calls = append(r.Calls, Call{Stdin: stdin, Name: name, Args: args})
	joined := strings.Join(args, " ")
	for key, reply := range r.Replies {
		if strings.Contains(joined, key) {
			return []byte(reply.Stdout), []byte(reply.Stderr), reply.Code, reply.Err
		}
	}
	return nil, nil, 0, nil
}

// Storage simulates the device files touched by dd, stat and rm.
type Storage struct {
	Files map[string]int64
	// CopySize decides how many bytes a dd command writes. Nil writes 1 MiB.
	CopySize func(cmd string) int64
}

// NewStorage creates empty storage.
func NewStorage() *Storage {
	return &Storage{Files: make(map[string]int64)}
}

// Exec handles dd, stat and rm commands. ok is false for anything else.
func (s *Storage) Exec(cmd string) (res mobile.Result, ok bool) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return mobile.Result{}, false
	}
	switch fields[0] {
	case "dd":
		size := int64(1 << 20)
		if s.CopySize != nil {
			size = s.CopySize(cmd)
		}
		for _, f := range fields {
			if strings.HasPrefix(f, "of=") {
				s.Files[strings.TrimPrefix(f, "of=")] = size
			}
		}
		return mobile.Result{Stdout: fmt.Sprintf("%d bytes copied", size)}, true
	case "stat":
		size, exists := s.Files[fields[len(fields)-1]]
		if !exists {
			return mobile.Result{Stdout: "stat: No such file or directory", ExitCode: 1}, true
		}
		return mobile.Result{Stdout: fmt.Sprintf("%d", size)}, true
	case "rm":
		for _, f := range fields[1:] {
			if !strings.HasPrefix(f, "-") {
				delete(s.Files, f)
			}
		}
		return mobile.Result{}, true
	}
	return mobile.Result{}, false
}

// RunScript applies the trailing `rm -f` of a batched script, resolved against its `cd`.
func (s *Storage) RunScript(script string) {
	dir := ""
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), ";"))
		if strings.HasPrefix(line, "cd ") {
			dir = strings.TrimSpace(strings.TrimPrefix(line, "cd "))
		}
		if strings.HasPrefix(line, "rm -f ") {
			name := strings.TrimSpace(strings.TrimPrefix(line, "rm -f "))
			if dir != "" && !strings.HasPrefix(name, "/") {
				name = dir + "/" + name
			}
			delete(s.Files, name)
		}
	}
}

// Empty reports whether no files remain.
func (s *Storage) Empty() bool { return len(s.Files) == 0 }

// Clock is a manual clock: Sleep advances Now and records the duration.
type Clock struct {
	Current time.Time
	Sleeps  []time.Duration
}

func (c *Clock) Now() time.Time { return c.Current }

func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	c.Sleeps = append(c.Sleeps, d)
	c.Current = c.Current.Add(d)
	return ctx.Err()
}
