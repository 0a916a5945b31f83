package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxDuration caps one utterance.
const DefaultMaxDuration = 30 * time.Second

// wavHeaderSize is the size of a canonical RIFF/WAVE header; anything at or
// below it holds no samples.
const wavHeaderSize = 44

// stopGrace is how long past MaxDuration a recorder may run before it is killed.
const stopGrace = 2 * time.Second

// DefaultRecordCommand records 16 kHz mono WAV to stdout with sox. Recording
// starts on the first sound and stops after 1.5s of silence.
func DefaultRecordCommand(max time.Duration) []string {
	if max <= 0 {
		max = DefaultMaxDuration
	}
	return []string{
		"rec", "-q", "-c", "1", "-r", "16000", "-b", "16", "-t", "wav", "-",
		"silence", "1", "0.1", "1%", "1", "1.5", "1%",
		"trim", "0", strconv.FormatFloat(max.Seconds(), 'f', -1, 64),
	}
}

// CommandRecorder runs an external recorder that writes WAV to stdout.
type CommandRecorder struct {
	Command     []string
	MaxDuration time.Duration
}

// NewCommandRecorder returns a recorder for command, or the sox default
// when command is empty.
func NewCommandRecorder(command []string, max time.Duration) *CommandRecorder {
	if max <= 0 {
		max = DefaultMaxDuration
	}
	if len(command) == 0 {
		command = DefaultRecordCommand(max)
	}
	return &CommandRecorder{Command: command, MaxDuration: max}
}

// Binary returns the executable the recorder runs.
func (r *CommandRecorder) Binary() string {
	if len(r.Command) == 0 {
		return ""
	}
	return r.Command[0]
}

// Record runs the command until it exits or the utterance cap is reached.
func (r *CommandRecorder) Record(ctx context.Context) ([]byte, error) {
	if len(r.Command) == 0 {
		return nil, &Error{Code: CodeAudio, Err: errors.New("no recorder command")}
	}

	max := r.MaxDuration
	if max <= 0 {
		max = DefaultMaxDuration
	}
	runCtx, cancel := context.WithTimeout(ctx, max+stopGrace)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.Command[0], r.Command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case runCtx.Err() != nil:
		return nil, &Error{Code: CodeTimeout, Err: fmt.Errorf("recorder exceeded %s", max)}
	case err != nil:
		return nil, &Error{Code: CodeAudio, Err: fmt.Errorf("%s: %w: %s", r.Command[0], err, strings.TrimSpace(stderr.String()))}
	}

	if stdout.Len() <= wavHeaderSize {
		return nil, ErrNoSpeech
	}
	return stdout.Bytes(), nil
}

var _ Recorder = (*CommandRecorder)(nil)
