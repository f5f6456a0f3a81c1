/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: errors.go
Description: Run failure taxonomy. Infrastructure failures abort the run as Fatal; a capture or
extraction that yields no session token is reported as NoCredentials. Both map to exit code 1.
*/

package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a stage failure.
type Kind int

const (
	// KindFatal is an infrastructure failure: boot, install, launch or process resolution.
	KindFatal Kind = iota
	// KindNoCredentials means the run completed but recovered no session token.
	KindNoCredentials
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindNoCredentials:
		return "no_credentials"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// StageError is returned by Run for any failed stage.
type StageError struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ExitCode maps a Run error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

// IsNoCredentials reports whether err is a NoCredentials stage failure.
func IsNoCredentials(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Kind == KindNoCredentials
}
