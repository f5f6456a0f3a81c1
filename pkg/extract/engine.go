/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: engine.go
Description: Pattern Extraction Engine. Runs a pattern set against a device-resident memory
capture, either as one batched remote script or by pulling the capture and matching locally.
Both modes parse the same delimited output into a Credential Record.
*/

package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kleascm/heapkey/pkg/mobile"
	"github.com/kleascm/heapkey/pkg/record"
	"github.com/sirupsen/logrus"
)

// Mode selects where matching happens.
type Mode string

const (
	// ModeRemote runs the pattern script on the device in one round trip.
	ModeRemote Mode = "remote"
	// ModeLocal pulls the capture and matches in-process.
	ModeLocal Mode = "local"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRemote, ModeLocal:
		return Mode(s), nil
	case "":
		return ModeRemote, nil
	}
	return "", fmt.Errorf("unknown extraction mode %q (want remote or local)", s)
}

// ErrTokenNotFound is returned when the capture holds no primary session token.
var ErrTokenNotFound = errors.New("user token not found; verify the account is logged in")

// DefaultTimeout bounds the batched remote script.
const DefaultTimeout = 180 * time.Second

// Engine runs a pattern set over a capture.
type Engine struct {
	Mode    Mode
	Timeout time.Duration
	TempDir string // local mode pull target, os.TempDir() when empty

	ch  mobile.Channel
	set *PatternSet
	log logrus.FieldLogger
}

// NewEngine validates set and creates an engine in remote mode.
func NewEngine(ch mobile.Channel, set *PatternSet, log logrus.FieldLogger) (*Engine, error) {
	if set == nil {
		return nil, fmt.Errorf("pattern set is required")
	}
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pattern set: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{Mode: ModeRemote, Timeout: DefaultTimeout, ch: ch, set: set, log: log}, nil
}

// Extract recovers a record from the capture at artifact. The capture is removed on the device
// in both modes. When the record carries no token it is still returned, with ErrTokenNotFound.
func (e *Engine) Extract(ctx context.Context, artifact string) (*record.Record, error) {
	var (
		rec *record.Record
		err error
	)
	switch e.Mode {
	case ModeLocal:
		rec, err = e.extractLocal(ctx, artifact)
	default:
		rec, err = e.extractRemote(ctx, artifact)
	}
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"mode":   e.Mode,
		"fields": rec.Fields(),
	}).Info("Extraction finished")
	if !rec.Valid() {
		return rec, ErrTokenNotFound
	}
	return rec, nil
}

func (e *Engine) extractRemote(ctx context.Context, artifact string) (*record.Record, error) {
	script := e.set.Script(artifact)
	e.log.WithFields(logrus.Fields{"artifact": artifact, "fields": len(e.set.Fields)}).Debug("Running extraction script")
	res, err := e.ch.Script(ctx, script, e.Timeout)
	if err != nil {
		return nil, fmt.Errorf("extraction script failed: %w", err)
	}
	// The last section commonly exits non-zero when it finds nothing.
	if !res.OK() {
		e.log.WithField("exit", res.ExitCode).Debug("Extraction script exited non-zero")
	}
	return Parse(res.Stdout, e.set), nil
}

func (e *Engine) extractLocal(ctx context.Context, artifact string) (*record.Record, error) {
	defer func() {
		if _, rmErr := e.ch.Execute(ctx, "rm -f "+artifact, 30*time.Second); rmErr != nil {
			e.log.WithError(rmErr).Warn("Failed to remove device capture")
		}
	}()

	f, err := os.CreateTemp(e.TempDir, "heapkey-capture-*.bin")
	if err != nil {
		return nil, fmt.Errorf("failed to create local capture file: %w", err)
	}
	local := f.Name()
	f.Close()
	defer os.Remove(local)

	if err := e.ch.Pull(ctx, artifact, local, e.Timeout); err != nil {
		return nil, fmt.Errorf("failed to pull capture: %w", err)
	}
	in, err := os.Open(local)
	if err != nil {
		return nil, fmt.Errorf("failed to open pulled capture: %w", err)
	}
	defer in.Close()

	text, err := Printable(in, MinRun)
	if err != nil {
		return nil, fmt.Errorf("failed to scan capture: %w", err)
	}
	return e.set.ExtractText(text), nil
}
