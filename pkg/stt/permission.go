package stt

import (
	"context"
	"os/exec"
	"sync"
)

// Permission gates microphone capture.
type Permission interface {
	// Granted reports whether capture may start now.
	Granted() bool
	// Request asks for access and reports the answer.
	Request(ctx context.Context) (bool, error)
}

// CommandPermission grants capture when the recorder binary is installed.
type CommandPermission struct {
	Binary string
}

// Granted resolves Binary on PATH.
func (p CommandPermission) Granted() bool {
	if p.Binary == "" {
		return false
	}
	_, err := exec.LookPath(p.Binary)
	return err == nil
}

// Request re-checks PATH; there is nothing to prompt for on a desktop shell.
func (p CommandPermission) Request(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.Granted(), nil
}

// StaticPermission has a fixed answer. A request stores the answer, so a
// denied-then-granted sequence can be scripted with Set.
type StaticPermission struct {
	mu      sync.Mutex
	granted bool
	answer  bool
}

// NewStaticPermission returns a permission that is currently granted or not,
// and answers requests with answer.
func NewStaticPermission(granted, answer bool) *StaticPermission {
	return &StaticPermission{granted: granted, answer: answer}
}

// Granted reports the current state.
func (p *StaticPermission) Granted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted
}

// Request grants or denies according to the configured answer.
func (p *StaticPermission) Request(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.granted = p.answer
	return p.answer, nil
}

// Set changes both the current state and the request answer.
func (p *StaticPermission) Set(granted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.granted = granted
	p.answer = granted
}

var (
	_ Permission = CommandPermission{}
	_ Permission = (*StaticPermission)(nil)
)
