package model

import (
	"errors"
	"fmt"

	"github.com/m-lab/speedtest/pkg/speedtest/spec"
)

// ConfigError is returned when the configuration document cannot be fetched
// or parsed.
type ConfigError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "config"
	if e.URL != "" {
		msg += " " + e.URL
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ServerListError is returned when no usable server list can be fetched.
type ServerListError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ServerListError) Error() string {
	msg := "server list"
	if e.URL != "" {
		msg += " " + e.URL
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ServerListError) Unwrap() error { return e.Err }

// ErrNoServerAvailable is returned when there are no candidates to select from.
var ErrNoServerAvailable = errors.New("no server available")

// NoServerAvailableError wraps ErrNoServerAvailable with a reason.
type NoServerAvailableError struct {
	Reason string
}

func (e *NoServerAvailableError) Error() string {
	return ErrNoServerAvailable.Error() + ": " + e.Reason
}

func (e *NoServerAvailableError) Unwrap() error { return ErrNoServerAvailable }

// ProbeFailure is a failed latency probe. It never aborts selection: the
// probe is counted as Unreachable.
type ProbeFailure struct {
	URL string
	// StatusCode is set when the server answered with a non-success status.
	StatusCode int
	Err        error
}

func (e *ProbeFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("probe %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("probe %s: %v", e.URL, e.Err)
}

func (e *ProbeFailure) Unwrap() error { return e.Err }

// TransferFailure is a failed transfer attempt.
type TransferFailure struct {
	Direction  spec.Direction
	URL        string
	StatusCode int
	Err        error
}

func (e *TransferFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: status %d", e.Direction, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Direction, e.URL, e.Err)
}

func (e *TransferFailure) Unwrap() error { return e.Err }

// SessionStateError is returned when a phase is invoked before the phase it
// depends on has completed.
type SessionStateError struct {
	Phase    spec.Phase
	Requires spec.Phase
}

func (e *SessionStateError) Error() string {
	return fmt.Sprintf("session: %s requires %s to complete first", e.Phase, e.Requires)
}

// PhaseError attaches the failing phase to a fatal error.
type PhaseError struct {
	Phase spec.Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return string(e.Phase) + ": " + e.Err.Error()
}

func (e *PhaseError) Unwrap() error { return e.Err }
