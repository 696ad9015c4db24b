package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel kinds, matched with errors.Is against a *ProtocolFailure.
var (
	ErrStalled     = errors.New("supervisor: process stalled")
	ErrFatalOutput = errors.New("supervisor: fatal output")
	ErrExitNonZero = errors.New("supervisor: non-zero exit")
)

// FailureKind categorizes a failed supervision.
type FailureKind int

const (
	FailureStalled FailureKind = iota
	FailureFatalOutput
	FailureExitNonZero
)

func (k FailureKind) String() string {
	switch k {
	case FailureStalled:
		return "stalled"
	case FailureFatalOutput:
		return "fatal_output"
	case FailureExitNonZero:
		return "exit_non_zero"
	default:
		return "unknown"
	}
}

func (k FailureKind) sentinel() error {
	switch k {
	case FailureStalled:
		return ErrStalled
	case FailureFatalOutput:
		return ErrFatalOutput
	default:
		return ErrExitNonZero
	}
}

// ProtocolFailure is the terminal outcome of a failed supervised process.
// None of these are retried: all parties must restart together.
type ProtocolFailure struct {
	Kind     FailureKind
	Protocol string
	Command  []string
	// Line is the offending stderr line for FailureFatalOutput.
	Line string
	// Timeout is the inactivity budget in force when FailureStalled fired.
	Timeout  time.Duration
	ExitCode int
	Cause    error
}

func (e *ProtocolFailure) Error() string {
	cmd := strings.Join(e.Command, " ")
	switch e.Kind {
	case FailureStalled:
		if e.Timeout == DefaultTimeout {
			return fmt.Sprintf("%s protocol has been stalling for 24 hours: %s", e.Protocol, cmd)
		}
		return fmt.Sprintf("%s protocol produced no output for %s: %s", e.Protocol, e.Timeout, cmd)
	case FailureFatalOutput:
		return fmt.Sprintf("failed %s protocol: %s: stderr: %s", e.Protocol, cmd, e.Line)
	default:
		if e.Cause != nil {
			return fmt.Sprintf("failed %s protocol: %s exited with code %d: %v", e.Protocol, cmd, e.ExitCode, e.Cause)
		}
		return fmt.Sprintf("failed %s protocol: %s exited with code %d", e.Protocol, cmd, e.ExitCode)
	}
}

// Is matches the sentinel for the failure kind.
func (e *ProtocolFailure) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (e *ProtocolFailure) Unwrap() error {
	return e.Cause
}

// AsFailure extracts a *ProtocolFailure from err.
func AsFailure(err error) (*ProtocolFailure, bool) {
	var pf *ProtocolFailure
	if errors.As(err, &pf) {
		return pf, true
	}
	return nil, false
}
