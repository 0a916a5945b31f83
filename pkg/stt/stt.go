// Package stt captures one spoken utterance and turns it into text.
//
// A capture is modelled as a single-shot session: Service.Start returns a
// Session whose Done channel yields exactly one Outcome, or closes without a
// value if the session is stopped first.
package stt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
)

// ErrorCode classifies a failed capture.
type ErrorCode string

const (
	CodeNoMatch    ErrorCode = "no_match"
	CodeAudio      ErrorCode = "audio"
	CodeNetwork    ErrorCode = "network"
	CodeTimeout    ErrorCode = "timeout"
	CodePermission ErrorCode = "permission"
	CodeBusy       ErrorCode = "busy"
	CodeClient     ErrorCode = "client"
)

// Sentinel errors.
var (
	// ErrCaptureActive is returned by Start while another session is running.
	ErrCaptureActive = errors.New("stt: capture already active")

	// ErrNoSpeech is returned by a recorder that captured nothing usable.
	ErrNoSpeech = errors.New("stt: no speech captured")

	// ErrPermissionDenied is returned when microphone access is refused.
	ErrPermissionDenied = errors.New("stt: microphone permission denied")
)

// Error carries an ErrorCode alongside the underlying cause.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stt: %s", e.Code)
	}
	return fmt.Sprintf("stt: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps err to the closest ErrorCode.
func Classify(err error) ErrorCode {
	var sttErr *Error
	var netErr net.Error
	var execErr *exec.Error
	switch {
	case errors.As(err, &sttErr):
		return sttErr.Code
	case errors.Is(err, ErrNoSpeech):
		return CodeNoMatch
	case errors.Is(err, ErrPermissionDenied):
		return CodePermission
	case errors.Is(err, ErrCaptureActive):
		return CodeBusy
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.As(err, &execErr):
		return CodeAudio
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return CodeTimeout
		}
		return CodeNetwork
	default:
		return CodeClient
	}
}

// OutcomeKind says which of the three terminal results a session produced.
type OutcomeKind int

const (
	OutcomeText OutcomeKind = iota
	OutcomeEmpty
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeText:
		return "text"
	case OutcomeEmpty:
		return "empty"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is the single terminal result of a capture session.
type Outcome struct {
	Kind OutcomeKind
	Text string
	Code ErrorCode
	Err  error
}

// Recognizer captures and transcribes one utterance. It must return promptly
// when ctx is cancelled.
type Recognizer interface {
	Recognize(ctx context.Context) (string, error)
}

// RecognizerFunc adapts a function to Recognizer.
type RecognizerFunc func(ctx context.Context) (string, error)

// Recognize calls f.
func (f RecognizerFunc) Recognize(ctx context.Context) (string, error) {
	return f(ctx)
}
