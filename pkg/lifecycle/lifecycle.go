/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: lifecycle.go
Description: Application Lifecycle Controller. Locates the package file, installs it when the
application is absent, resolves a launch entry point and launches it, holds the run at the
operator's login gate, and finally resolves the running process by application id.
*/

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kleascm/heapkey/pkg/mobile"
	"github.com/kleascm/heapkey/pkg/profile"
	"github.com/kleascm/heapkey/pkg/readiness"
	"github.com/sirupsen/logrus"
)

var (
	// ErrPackageNotFound means no package file matched the profile.
	ErrPackageNotFound = errors.New("application package not found")
	// ErrInstallFailed means the device refused the package.
	ErrInstallFailed = errors.New("install failed")
	// ErrNotRunning means no process exists for the application id.
	ErrNotRunning = errors.New("application is not running")
)

const (
	// DefaultInstallTimeout bounds a single install; large packages take minutes.
	DefaultInstallTimeout = 300 * time.Second
	// LoginSettle is the pause after the operator confirms login.
	LoginSettle = 2 * time.Second

	commandTimeout = 30 * time.Second
)

// PackageNotFoundError lists what was found instead.
type PackageNotFoundError struct {
	Dir   string
	Found []string
}

func (e *PackageNotFoundError) Error() string {
	if len(e.Found) == 0 {
		return fmt.Sprintf("no package file in %s", e.Dir)
	}
	return fmt.Sprintf("no matching package file in %s (found: %s)", e.Dir, strings.Join(e.Found, ", "))
}

func (e *PackageNotFoundError) Unwrap() error { return ErrPackageNotFound }

// NotRunningError carries the crashes logged for the application, if any.
type NotRunningError struct {
	Package string
	Crashes []*mobile.CrashReport
}

func (e *NotRunningError) Error() string {
	if len(e.Crashes) == 0 {
		return fmt.Sprintf("%s is not running", e.Package)
	}
	return fmt.Sprintf("%s is not running (last crash: %s)", e.Package, e.Crashes[len(e.Crashes)-1].Message)
}

func (e *NotRunningError) Unwrap() error { return ErrNotRunning }

// LocatePackage finds the package file for p under dir: the exact file name first, then a name
// carrying the product marker and any category marker, then the only *.apk present when the
// profile allows it.
func LocatePackage(dir string, p *profile.Profile) (string, error) {
	if p.APK.File != "" {
		exact := filepath.Join(dir, p.APK.File)
		if info, err := os.Stat(exact); err == nil && !info.IsDir() {
			return exact, nil
		}
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.apk"))
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", dir, err)
	}
	sort.Strings(matches)

	for _, m := range matches {
		if fuzzyMatch(strings.ToLower(filepath.Base(m)), p.APK) {
			return m, nil
		}
	}
	if p.APK.AllowAny && len(matches) == 1 {
		return matches[0], nil
	}

	found := make([]string, 0, len(matches))
	for _, m := range matches {
		found = append(found, filepath.Base(m))
	}
	return "", &PackageNotFoundError{Dir: dir, Found: found}
}

func fuzzyMatch(name string, apk profile.APK) bool {
	if apk.Product != "" && !strings.Contains(name, strings.ToLower(apk.Product)) {
		return false
	}
	if len(apk.Categories) == 0 {
		return apk.Product != ""
	}
	for _, c := range apk.Categories {
		if strings.Contains(name, strings.ToLower(c)) {
			return true
		}
	}
	return false
}

// Gate blocks until the operator acknowledges. Implementations must not time out.
type Gate interface {
	Wait(ctx context.Context, prompt string) error
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, prompt string) error

func (f GateFunc) Wait(ctx context.Context, prompt string) error { return f(ctx, prompt) }

// Launch methods.
const (
	LaunchActivity = "activity"
	LaunchMonkey   = "monkey"
)

// Controller drives one application on one device.
type Controller struct {
	InstallTimeout time.Duration

	ch    mobile.Channel
	p     *profile.Profile
	clock readiness.Clock
	log   logrus.FieldLogger
}

// New creates a controller for profile p.
func New(ch mobile.Channel, p *profile.Profile, clock readiness.Clock, log logrus.FieldLogger) *Controller {
	if clock == nil {
		clock = readiness.RealClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Controller{
		InstallTimeout: DefaultInstallTimeout,
		ch:             ch,
		p:              p,
		clock:          clock,
		log:            log.WithField("package", p.Package),
	}
}

// Installed reports whether the application id is present on the device.
func (c *Controller) Installed(ctx context.Context) (bool, error) {
	res, err := c.ch.Execute(ctx, "pm list packages "+c.p.Package, commandTimeout)
	if err != nil {
		return false, fmt.Errorf("failed to list packages: %w", err)
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) == "package:"+c.p.Package {
			return true, nil
		}
	}
	return false, nil
}

// EnsureInstalled installs apkPath unless the application is already present. It reports
// whether an install happened.
func (c *Controller) EnsureInstalled(ctx context.Context, apkPath string) (bool, error) {
	present, err := c.Installed(ctx)
	if err != nil {
		return false, err
	}
	if present {
		c.log.Info("Application already installed")
		return false, nil
	}

	c.log.WithField("apk", filepath.Base(apkPath)).Info("Installing application")
	if err := c.ch.InstallPackage(ctx, apkPath, c.p.InstallFlags, c.InstallTimeout); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	return true, nil
}

// ResolveActivity asks the package manager for the launcher component, "" when unknown.
func (c *Controller) ResolveActivity(ctx context.Context) string {
	cmd := fmt.Sprintf("cmd package resolve-activity --brief %s 2>/dev/null | tail -1", c.p.Package)
	res, err := c.ch.Execute(ctx, cmd, commandTimeout)
	if err != nil {
		c.log.WithError(err).Debug("resolve-activity failed")
		return ""
	}
	component := strings.TrimSpace(res.Stdout)
	if !strings.Contains(component, "/") {
		return ""
	}
	return component
}

// Launch starts the application and waits the profile's settle delay. The entry point is the
// profile's fixed activity, then the resolved launcher activity, then the component reported by
// the package file (info may be nil), then the monkey launcher. It returns the method used.
func (c *Controller) Launch(ctx context.Context, info *mobile.APKInfo) (string, error) {
	component := c.p.Activity
	if component == "" {
		component = c.ResolveActivity(ctx)
	}
	if component == "" && info != nil {
		component = info.Component()
	}

	method := LaunchMonkey
	if component != "" {
		res, err := c.ch.Execute(ctx, fmt.Sprintf("am start -n %q", component), commandTimeout)
		if err != nil {
			return "", fmt.Errorf("failed to launch %s: %w", component, err)
		}
		if res.OK() && !strings.Contains(res.Stdout, "Error:") {
			method = LaunchActivity
			c.log.WithField("activity", component).Info("Application launched")
		} else {
			c.log.WithField("activity", component).Warn("Activity launch refused, using monkey")
		}
	}

	if method == LaunchMonkey {
		cmd := fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", c.p.Package)
		res, err := c.ch.Execute(ctx, cmd, commandTimeout)
		if err != nil {
			return "", fmt.Errorf("failed to launch %s: %w", c.p.Package, err)
		}
		if !res.OK() {
			c.log.WithField("exit_code", res.ExitCode).Warn("Monkey launcher reported an error")
		}
	}

	if err := c.clock.Sleep(ctx, c.p.Settle); err != nil {
		return method, err
	}
	return method, nil
}

// AwaitLogin blocks on the operator gate, then lets the application settle.
func (c *Controller) AwaitLogin(ctx context.Context, gate Gate, prompt string) error {
	if err := gate.Wait(ctx, prompt); err != nil {
		return err
	}
	return c.clock.Sleep(ctx, LoginSettle)
}

// ResolveProcess re-acquires elevated access and returns the application's PID. With several
// processes the first reported wins.
func (c *Controller) ResolveProcess(ctx context.Context) (int, error) {
	if !c.ch.Root(ctx) {
		c.log.Warn("Limited root access, continuing")
	}

	res, err := c.ch.Execute(ctx, "pidof "+c.p.Package, commandTimeout)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve process: %w", err)
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		crashes, cerr := mobile.CollectCrashes(ctx, c.ch, c.p.Package)
		if cerr != nil {
			c.log.WithError(cerr).Debug("Crash collection failed")
		}
		return 0, &NotRunningError{Package: c.p.Package, Crashes: crashes}
	}

	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("unexpected pidof output %q", strings.TrimSpace(res.Stdout))
	}
	c.log.WithField("pid", pid).Info("Process found")
	return pid, nil
}
