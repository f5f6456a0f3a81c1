/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: pipeline.go
Description: Run orchestration. Drives one extraction end to end: setup, device readiness, root,
install, launch, the operator login gate, process resolution, memory capture, extraction,
enrichment, the broker probe and persistence, then the emulator cleanup prompt. Stages run
strictly in order; every stage is logged, timed and echoed to the operator console.
*/

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kleascm/heapkey/pkg/broker"
	"github.com/kleascm/heapkey/pkg/capture"
	"github.com/kleascm/heapkey/pkg/config"
	"github.com/kleascm/heapkey/pkg/console"
	"github.com/kleascm/heapkey/pkg/enrich"
	"github.com/kleascm/heapkey/pkg/extract"
	"github.com/kleascm/heapkey/pkg/lifecycle"
	"github.com/kleascm/heapkey/pkg/logging"
	"github.com/kleascm/heapkey/pkg/mobile"
	"github.com/kleascm/heapkey/pkg/persist"
	"github.com/kleascm/heapkey/pkg/profile"
	"github.com/kleascm/heapkey/pkg/readiness"
	"github.com/kleascm/heapkey/pkg/record"
	"github.com/sirupsen/logrus"
)

// Stage names one step of a run.
type Stage string

const (
	StageSetup     Stage = "setup"
	StageReadiness Stage = "readiness"
	StageRoot      Stage = "root"
	StageInstall   Stage = "install"
	StageLaunch    Stage = "launch"
	StageGate      Stage = "gate"
	StageProcess   Stage = "process"
	StageCapture   Stage = "capture"
	StageExtract   Stage = "extract"
	StageEnrich    Stage = "enrich"
	StageBroker    Stage = "broker"
	StagePersist   Stage = "persist"
	StageCleanup   Stage = "cleanup"
)

// Stage statuses as recorded in logs and the run summary.
const (
	StatusOK      = "ok"
	StatusWarning = "warning"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// LoginPrompt is shown at the operator gate.
const LoginPrompt = "Press ENTER when you are logged in..."

// Console is the operator-facing surface a run writes to and reads from.
type Console interface {
	Header(title string)
	Step(step, text string)
	Success(format string, args ...any)
	Warning(format string, args ...any)
	Error(format string, args ...any)
	Info(format string, args ...any)
	Block(text string)
	Print(text string)
	Wait(ctx context.Context, prompt string) error
	Confirm(ctx context.Context, question string) (bool, error)
}

var _ Console = (*console.Console)(nil)

// Options carries the collaborators of a run. Zero values select production implementations.
type Options struct {
	Setup         SetupFunc
	Runner        mobile.Runner
	Clock         readiness.Clock
	Console       Console
	Gate          lifecycle.Gate // defaults to Console
	HTTPClient    *http.Client
	BrokerConnect broker.ConnectFunc
	Log           logrus.FieldLogger
	RunID         string
}

// Result is what a run produced, complete or not.
type Result struct {
	RunID   string
	Record  *record.Record
	Stages  []persist.StageResult
	Files   []string
	Summary string
}

// Pipeline runs extractions for one profile.
type Pipeline struct {
	cfg  *config.Config
	p    *profile.Profile
	opts Options
}

// New creates a pipeline. Device settings missing from cfg are taken from the profile.
func New(cfg *config.Config, p *profile.Profile, opts Options) (*Pipeline, error) {
	if cfg == nil || p == nil {
		return nil, fmt.Errorf("config and profile are required")
	}
	cfg.ApplyProfile(p)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if opts.Runner == nil {
		opts.Runner = mobile.ExecRunner{}
	}
	if opts.Setup == nil {
		opts.Setup = SDKSetup(opts.Runner)
	}
	if opts.Clock == nil {
		opts.Clock = readiness.RealClock{}
	}
	if opts.Console == nil {
		opts.Console = console.Stdio()
	}
	if opts.Gate == nil {
		opts.Gate = opts.Console
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Pipeline{cfg: cfg, p: p, opts: opts}, nil
}

// Run executes one extraction. The returned Result is never nil; a failed stage is reported as
// a *StageError.
func (pl *Pipeline) Run(ctx context.Context) (*Result, error) {
	runID := pl.opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	r := &run{
		Pipeline: pl,
		con:      pl.opts.Console,
		clock:    pl.opts.Clock,
		log:      pl.opts.Log.WithFields(logrus.Fields{"run_id": runID, "profile": pl.p.Name}),
		result:   &Result{RunID: runID},
	}
	return r.execute(ctx)
}

type stageFunc func(ctx context.Context, log *logrus.Entry) error

type stageDef struct {
	stage Stage
	kind  Kind
	title string
	fn    stageFunc
}

// run is the state of one execution.
type run struct {
	*Pipeline
	con    Console
	clock  readiness.Clock
	log    *logrus.Entry
	result *Result

	dev     *Device
	booted  bool
	apk     *mobile.APKInfo
	pid     int
	capture *capture.Capture

	// Set by a stage to mark its outcome without failing it.
	warn    error
	skipped string
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	started := r.clock.Now()
	r.con.Header(strings.ToUpper(r.p.Title) + " CREDENTIALS EXTRACTOR")
	r.log.WithField("profile", r.p.Name).Info("Run started")

	err := r.stages(ctx)

	if r.booted && ctx.Err() == nil {
		_ = r.step(ctx, 0, 0, stageDef{StageCleanup, KindFatal, "Cleanup", r.cleanup})
	}
	r.finish(started, err)
	return r.result, err
}

func (r *run) stages(ctx context.Context) error {
	defs := []stageDef{
		{StageSetup, KindFatal, "Preparing Android SDK and AVD", r.setup},
		{StageReadiness, KindFatal, "Starting emulator", r.readiness},
		{StageRoot, KindFatal, "Enabling root access", r.root},
		{StageInstall, KindFatal, "Installing " + r.p.Title, r.install},
		{StageLaunch, KindFatal, "Launching " + r.p.Title, r.launch},
		{StageGate, KindFatal, "Waiting for login", r.gate},
		{StageProcess, KindFatal, "Locating application process", r.process},
		{StageCapture, KindNoCredentials, "Capturing process memory", r.acquire},
		{StageExtract, KindNoCredentials, "Extracting credentials", r.extract},
		{StageEnrich, KindFatal, "Querying account API", r.enrich},
		{StageBroker, KindFatal, "Probing MQTT broker", r.probe},
		{StagePersist, KindFatal, "Saving credentials", r.persist},
	}
	defer r.removeCapture(ctx)

	for i, d := range defs {
		if err := r.step(ctx, i+1, len(defs), d); err != nil {
			return err
		}
	}
	return nil
}

// step runs one stage and records its outcome. n == 0 suppresses the numbered banner.
func (r *run) step(ctx context.Context, n, total int, d stageDef) error {
	r.warn, r.skipped = nil, ""
	if n > 0 {
		r.con.Step(fmt.Sprintf("%d/%d", n, total), d.title)
	}
	log := r.log.WithField("stage", string(d.stage))

	start := r.clock.Now()
	err := d.fn(ctx, log)
	elapsed := r.clock.Now().Sub(start)

	status, reported := StatusOK, r.warn
	switch {
	case err != nil:
		status, reported = StatusFailed, err
	case r.skipped != "":
		status, reported = StatusSkipped, nil
	case r.warn != nil:
		status = StatusWarning
	}
	logging.LogStage(r.log, string(d.stage), status, elapsed, reported)

	res := persist.StageResult{Stage: string(d.stage), Status: status, Duration: elapsed}
	if reported != nil {
		res.Error = reported.Error()
	}
	r.result.Stages = append(r.result.Stages, res)

	switch {
	case err != nil:
		r.con.Error("%v", err)
		return &StageError{Stage: d.stage, Kind: d.kind, Err: err}
	case r.skipped != "":
		r.con.Info("Skipped: %s", r.skipped)
	}
	return nil
}

func (r *run) controller(log logrus.FieldLogger) *lifecycle.Controller {
	return lifecycle.New(r.dev.Channel, r.p, r.clock, log)
}

func (r *run) setup(ctx context.Context, log *logrus.Entry) error {
	dev, err := r.opts.Setup(ctx, r.cfg, log)
	if err != nil {
		return err
	}
	r.dev = dev
	if dev.Created {
		r.con.Success("Created AVD %s", r.cfg.AVDName)
	}
	r.con.Success("AVD %s ready", r.cfg.AVDName)
	return nil
}

func (r *run) readiness(ctx context.Context, log *logrus.Entry) error {
	m := readiness.New(r.dev.Channel, r.dev.Launcher, r.cfg.Boot, r.clock, log)
	m.Serial = r.cfg.DeviceSerial
	m.OnTransition = func(from, to readiness.State) {
		r.con.Info("Device %s", to)
	}

	out, err := m.Run(ctx)
	if err != nil {
		if errors.Is(err, readiness.ErrTimeout) || errors.Is(err, readiness.ErrDied) {
			r.con.Info("Check the emulator output in %s", emulatorLog(r.cfg))
		}
		return err
	}
	r.booted = true
	r.dev.Channel.Bind(out.Serial)
	if out.Skipped {
		r.con.Success("Emulator already running (%s)", out.Serial)
	} else {
		r.con.Success("Emulator ready (%s) after %s", out.Serial, out.Elapsed.Round(time.Second))
	}
	return nil
}

func (r *run) root(ctx context.Context, log *logrus.Entry) error {
	if !r.dev.Channel.Root(ctx) {
		r.warn = errors.New("root access not granted")
		r.con.Warning("Limited root access, continuing")
		return nil
	}
	r.con.Success("Root access enabled")
	return nil
}

func (r *run) install(ctx context.Context, log *logrus.Entry) error {
	apk, err := lifecycle.LocatePackage(r.cfg.WorkDir, r.p)
	if err != nil {
		var nf *lifecycle.PackageNotFoundError
		if errors.As(err, &nf) {
			r.con.Info("Place %s in %s", r.p.APK.File, nf.Dir)
		}
		return err
	}
	r.con.Success("Found %s", filepath.Base(apk))

	if r.dev.AAPT != "" {
		info, err := mobile.InspectAPK(ctx, r.opts.Runner, r.dev.AAPT, apk)
		switch {
		case err != nil:
			log.WithError(err).Debug("Package inspection failed")
		case info.PackageName != "" && info.PackageName != r.p.Package:
			r.warn = fmt.Errorf("package file declares %s, expected %s", info.PackageName, r.p.Package)
			r.con.Warning("%v", r.warn)
		default:
			r.apk = info
		}
	}

	ctrl := r.controller(log)
	installed, err := ctrl.EnsureInstalled(ctx, apk)
	if err != nil {
		return err
	}
	if !installed {
		r.con.Success("%s already installed", r.p.Package)
		return nil
	}
	present, err := ctrl.Installed(ctx)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("%w: %s not listed after install", lifecycle.ErrInstallFailed, r.p.Package)
	}
	r.con.Success("Installed %s", r.p.Package)
	return nil
}

func (r *run) launch(ctx context.Context, log *logrus.Entry) error {
	method, err := r.controller(log).Launch(ctx, r.apk)
	if err != nil {
		return err
	}
	r.con.Success("%s launched (%s)", r.p.Title, method)
	return nil
}

func (r *run) gate(ctx context.Context, log *logrus.Entry) error {
	r.con.Block(fmt.Sprintf("Log in to your %s account in the emulator window.\n"+
		"Wait until the home screen has loaded, then come back here.", r.p.Title))
	if err := r.controller(log).AwaitLogin(ctx, r.opts.Gate, LoginPrompt); err != nil {
		return err
	}
	r.con.Success("Login confirmed")
	return nil
}

func (r *run) process(ctx context.Context, log *logrus.Entry) error {
	pid, err := r.controller(log).ResolveProcess(ctx)
	if err != nil {
		var nr *lifecycle.NotRunningError
		if errors.As(err, &nr) {
			for _, c := range nr.Crashes {
				r.con.Info("Crash: %s", c.Message)
			}
			r.con.Info("Make sure the app is open and logged in")
		}
		return err
	}
	r.pid = pid
	r.con.Success("Found %s (PID %d)", r.p.Package, pid)
	return nil
}

func (r *run) acquire(ctx context.Context, log *logrus.Entry) error {
	acq := capture.NewAcquirer(r.dev.Channel, r.p.Windows, log)
	acq.Timeout = r.cfg.CaptureTimeout
	r.con.Info("Dumping memory, this may take a few minutes")

	c, err := acq.Acquire(ctx, r.pid)
	if err != nil {
		var ce *capture.Error
		if errors.As(err, &ce) {
			for _, w := range ce.Tried {
				r.con.Info("Tried window %s", w)
			}
		}
		return err
	}
	r.capture = c
	r.con.Success("Captured %s (%d bytes)", c.Window, c.Size)
	return nil
}

func (r *run) extract(ctx context.Context, log *logrus.Entry) error {
	defer r.removeCapture(ctx)

	eng, err := extract.NewEngine(r.dev.Channel, &r.p.Patterns, log)
	if err != nil {
		return err
	}
	eng.Mode = r.cfg.ExtractMode
	eng.Timeout = r.cfg.ExtractTimeout

	rec, err := eng.Extract(ctx, r.capture.Artifact)
	if rec != nil {
		r.result.Record = rec
	}
	if err != nil {
		if errors.Is(err, extract.ErrTokenNotFound) {
			r.con.Info("Make sure you are logged in to %s and try again", r.p.Title)
		}
		return err
	}
	r.con.Success("Recovered %d field(s): %s", rec.Len(), strings.Join(rec.Fields(), ", "))
	return nil
}

// removeCapture deletes the device artifact, also after cancellation.
func (r *run) removeCapture(ctx context.Context) {
	if r.capture == nil {
		return
	}
	if err := r.capture.Remove(context.WithoutCancel(ctx)); err != nil {
		r.log.WithError(err).Warn("Failed to remove memory capture")
	}
}

func (r *run) enrich(ctx context.Context, log *logrus.Entry) error {
	if !r.cfg.Enrich.Enabled {
		r.skipped = "enrichment disabled"
		return nil
	}
	client := enrich.NewClient(r.p.Enrich, r.opts.HTTPClient, log)

	var failed []string
	for _, out := range client.Enrich(ctx, r.result.Record) {
		switch {
		case out.Skipped:
			continue
		case out.Err != nil:
			failed = append(failed, string(out.Kind))
			r.con.Warning("%s: %v", out.Kind, out.Err)
		default:
			r.con.Success("%s: %s", out.Kind, out.Detail)
		}
	}
	if len(failed) > 0 {
		r.warn = fmt.Errorf("enrichment failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

func (r *run) probe(ctx context.Context, log *logrus.Entry) error {
	if !r.cfg.Broker.Probe {
		r.skipped = "broker probe disabled"
		return nil
	}
	probe := broker.NewProbe(r.cfg.Broker.Timeout, r.p.Broker.DefaultPort, log)
	probe.DefaultDomain = r.p.Broker.DefaultDomain
	if r.opts.BrokerConnect != nil {
		probe.WithConnect(r.opts.BrokerConnect)
	}

	err := probe.Run(ctx, r.result.Record)
	switch {
	case errors.Is(err, broker.ErrNoBroker), errors.Is(err, broker.ErrNoCredentials):
		r.skipped = err.Error()
	case err != nil:
		r.warn = err
		r.con.Warning("Broker did not accept the credentials: %v", err)
	default:
		r.con.Success("Broker accepted the credentials")
	}
	return nil
}

func (r *run) persist(ctx context.Context, log *logrus.Entry) error {
	rec, now := r.result.Record, r.clock.Now()

	envPath := filepath.Join(r.cfg.OutputDir, r.p.Output.EnvFile)
	if err := persist.WriteEnv(envPath, rec, r.p, now); err != nil {
		return err
	}
	reportPath := filepath.Join(r.cfg.OutputDir, r.p.Output.ReportFile)
	report, err := persist.WriteReport(reportPath, rec, r.p, now)
	if err != nil {
		return err
	}
	r.result.Files = append(r.result.Files, envPath, reportPath)
	log.WithFields(logrus.Fields{"env": envPath, "report": reportPath}).Info("Credentials saved")

	r.con.Print(report)
	r.con.Success("Saved %s", envPath)
	r.con.Success("Saved %s", reportPath)
	return nil
}

func (r *run) cleanup(ctx context.Context, log *logrus.Entry) error {
	stop := r.cfg.StopEmulator == config.StopYes
	if r.cfg.StopEmulator == config.StopAsk {
		answer, err := r.con.Confirm(ctx, "Do you want to stop the emulator?")
		if err != nil {
			r.warn = err
			return nil
		}
		stop = answer
	}
	if !stop {
		r.skipped = "emulator left running"
		return nil
	}
	if err := r.dev.Channel.KillEmulator(ctx); err != nil {
		r.warn = err
		r.con.Warning("Failed to stop the emulator: %v", err)
		return nil
	}
	r.con.Success("Emulator stopped")
	return nil
}

// finish logs the run outcome and writes the JSON summary.
func (r *run) finish(started time.Time, err error) {
	rec := r.result.Record
	valid, fields := false, 0
	var names []string
	if rec != nil {
		valid, fields, names = rec.Valid(), rec.Len(), rec.Fields()
	}
	logging.LogRunSummary(r.log, valid, fields, r.clock.Now().Sub(started))

	if r.cfg.Summary.Enabled {
		path, werr := persist.WriteSummary(r.cfg.Summary.Dir, persist.Summary{
			RunID:     r.result.RunID,
			Profile:   r.p.Name,
			Timestamp: started,
			Valid:     valid,
			Stages:    r.result.Stages,
			Fields:    names,
			Record:    rec,
			Files:     r.result.Files,
		}, r.cfg.Summary.IncludeSecrets)
		if werr != nil {
			r.log.WithError(werr).Warn("Failed to write run summary")
		} else {
			r.result.Summary = path
		}
	}

	switch {
	case err == nil:
		r.con.Header("EXTRACTION COMPLETE")
	case IsNoCredentials(err):
		r.con.Error("No credentials recovered")
	default:
		r.con.Error("Run aborted")
	}
}
