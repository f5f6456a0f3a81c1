/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: capture.go
Description: Memory Acquisition Stage. Copies a bounded window of the target process's memory
into a device-local artifact, trying each window of the policy in order and verifying the copy
by size. The artifact lives only until extraction and is always removable.
*/

package capture

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kleascm/heapkey/pkg/mobile"
	"github.com/sirupsen/logrus"
)

// BlockSize is the copy block size (1 MiB).
const BlockSize = 1 << 20

// DefaultDir is where artifacts are written on the device.
const DefaultDir = "/data/local/tmp"

// DefaultTimeout bounds one window copy.
const DefaultTimeout = 300 * time.Second

var (
	// ErrCaptureFailed is returned when no window of the policy produced a usable copy.
	ErrCaptureFailed = errors.New("memory capture failed")
	// ErrNoWindows is returned for an empty policy.
	ErrNoWindows = errors.New("scan window policy is empty")
)

// Window is a region of the process's memory, in 1 MiB blocks.
type Window struct {
	SkipMiB  int `yaml:"skip_mib" json:"skip_mib"`
	CountMiB int `yaml:"count_mib" json:"count_mib"`
}

func (w Window) String() string {
	return fmt.Sprintf("skip=%dMiB count=%dMiB", w.SkipMiB, w.CountMiB)
}

// Policy lists the windows to try, in order.
type Policy []Window

// Validate rejects empty policies and non-positive windows.
func (p Policy) Validate() error {
	if len(p) == 0 {
		return ErrNoWindows
	}
	for _, w := range p {
		if w.SkipMiB < 0 || w.CountMiB <= 0 {
			return fmt.Errorf("invalid scan window %s", w)
		}
	}
	return nil
}

// Error carries the windows tried and the maps diagnostic. It unwraps to ErrCaptureFailed.
type Error struct {
	PID      int
	Tried    []Window
	Segments []Segment
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: pid %d, %d window(s) tried", ErrCaptureFailed, e.PID, len(e.Tried))
}

func (e *Error) Unwrap() error { return ErrCaptureFailed }

// Capture is a device-resident copy of a memory window.
type Capture struct {
	Artifact string
	PID      int
	Window   Window
	Size     int64

	ch      mobile.Channel
	removed bool
}

// Remove deletes the artifact from the device. Calling it again is a no-op.
func (c *Capture) Remove(ctx context.Context) error {
	if c == nil || c.removed {
		return nil
	}
	if _, err := c.ch.Execute(ctx, "rm -f "+c.Artifact, 30*time.Second); err != nil {
		return fmt.Errorf("failed to remove %s: %w", c.Artifact, err)
	}
	c.removed = true
	return nil
}

// Acquirer copies process memory through the Device Control Channel.
type Acquirer struct {
	Policy  Policy
	Timeout time.Duration
	MinSize int64  // smallest artifact accepted, BlockSize by default
	Dir     string // device directory for artifacts

	ch      mobile.Channel
	log     logrus.FieldLogger
	newName func() string
}

// NewAcquirer creates an acquirer for policy.
func NewAcquirer(ch mobile.Channel, policy Policy, log logrus.FieldLogger) *Acquirer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Acquirer{
		Policy:  policy,
		Timeout: DefaultTimeout,
		MinSize: BlockSize,
		Dir:     DefaultDir,
		ch:      ch,
		log:     log,
		newName: func() string { return "heapkey-" + uuid.NewString() + ".bin" },
	}
}

// ArtifactPath returns a fresh artifact path under the acquirer's directory.
func (a *Acquirer) ArtifactPath() string {
	return path.Join(a.Dir, a.newName())
}

// CopyCommand renders the window copy for pid into artifact.
func CopyCommand(pid int, w Window, artifact string) string {
	return fmt.Sprintf("dd if=/proc/%d/mem bs=%d skip=%d count=%d of=%s 2>&1", pid, BlockSize, w.SkipMiB, w.CountMiB, artifact)
}

// Acquire copies the first window that yields a usable artifact. On total failure the returned
// error is an *Error carrying the maps diagnostic, and no artifact is left behind.
func (a *Acquirer) Acquire(ctx context.Context, pid int) (*Capture, error) {
	if err := a.Policy.Validate(); err != nil {
		return nil, err
	}
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}

	artifact := a.ArtifactPath()
	failure := &Error{PID: pid}
	for _, w := range a.Policy {
		if err := ctx.Err(); err != nil {
			a.discard(artifact)
			return nil, err
		}
		failure.Tried = append(failure.Tried, w)
		fields := logrus.Fields{"pid": pid, "window": w.String(), "artifact": artifact}

		res, err := a.ch.Execute(ctx, CopyCommand(pid, w, artifact), a.Timeout)
		if err != nil {
			a.log.WithFields(fields).WithError(err).Warn("Memory copy failed")
			a.discard(artifact)
			continue
		}
		// dd reports an I/O error at the first unmapped page but keeps what it copied.
		a.log.WithFields(fields).WithField("dd", lastLine(res.Stdout)).Debug("Memory copy finished")

		size, err := a.size(ctx, artifact)
		if err != nil || size < a.MinSize {
			a.log.WithFields(fields).WithField("size", size).Warn("Memory copy too small")
			a.discard(artifact)
			continue
		}

		a.log.WithFields(fields).WithField("size", size).Info("Memory captured")
		return &Capture{Artifact: artifact, PID: pid, Window: w, Size: size, ch: a.ch}, nil
	}

	failure.Segments = a.Diagnose(ctx, pid)
	for _, s := range failure.Segments {
		a.log.WithFields(logrus.Fields{
			"segment":  s.String(),
			"bytes":    s.Size(),
			"readable": s.Readable(),
		}).Info("Process mapping")
	}
	return nil, failure
}

func (a *Acquirer) size(ctx context.Context, artifact string) (int64, error) {
	res, err := a.ch.Execute(ctx, "stat -c %s "+artifact, 30*time.Second)
	if err != nil {
		return 0, err
	}
	if !res.OK() {
		return 0, fmt.Errorf("stat exited %d", res.ExitCode)
	}
	return strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
}

// discard removes a partial artifact. It runs even when ctx is already cancelled.
func (a *Acquirer) discard(artifact string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := a.ch.Execute(ctx, "rm -f "+artifact, 30*time.Second); err != nil {
		a.log.WithError(err).WithField("artifact", artifact).Warn("Failed to remove partial capture")
	}
}

// Diagnose returns the first mapped segments of pid.
func (a *Acquirer) Diagnose(ctx context.Context, pid int) []Segment {
	res, err := a.ch.Execute(ctx, fmt.Sprintf("head -5 /proc/%d/maps", pid), 10*time.Second)
	if err != nil {
		a.log.WithError(err).Debug("Maps diagnostic failed")
		return nil
	}
	return ParseMaps(res.Stdout)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
