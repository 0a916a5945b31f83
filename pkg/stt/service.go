package stt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Service runs at most one capture session at a time.
type Service struct {
	rec    Recognizer
	logger *slog.Logger

	mu     sync.Mutex
	active *Session
}

// NewService creates a Service around rec.
func NewService(rec Recognizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		rec:    rec,
		logger: logger.With("component", "stt.service"),
	}
}

// Session is one in-flight capture.
type Session struct {
	ID string

	done   chan Outcome
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
}

// Done yields exactly one Outcome, or closes without a value after Stop.
func (s *Session) Done() <-chan Outcome {
	return s.done
}

// Stop cancels the capture. No Outcome is delivered after Stop returns.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.cancel()
}

// deliver sends o unless the session was stopped, then closes the channel.
func (s *Session) deliver(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.done <- o
	}
	close(s.done)
}

// Start begins a capture. The session ends on its own once the recognizer
// returns; ctx bounds the whole capture.
func (svc *Service) Start(ctx context.Context) (*Session, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.active != nil {
		return nil, ErrCaptureActive
	}

	ctx, cancel := context.WithCancel(ctx)
	sess := &Session{
		ID:     uuid.NewString(),
		done:   make(chan Outcome, 1),
		cancel: cancel,
	}
	svc.active = sess

	go svc.run(ctx, sess)
	return sess, nil
}

// Active reports whether a capture is in progress.
func (svc *Service) Active() bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.active != nil
}

func (svc *Service) run(ctx context.Context, sess *Session) {
	logger := svc.logger.With("session_id", sess.ID)
	logger.Debug("capture started")

	text, err := svc.rec.Recognize(ctx)
	sess.cancel()

	var out Outcome
	switch {
	case err != nil && errors.Is(err, ErrNoSpeech):
		out = Outcome{Kind: OutcomeEmpty}
	case err != nil:
		out = Outcome{Kind: OutcomeError, Code: Classify(err), Err: err}
	case strings.TrimSpace(text) == "":
		out = Outcome{Kind: OutcomeEmpty}
	default:
		out = Outcome{Kind: OutcomeText, Text: strings.TrimSpace(text)}
	}

	svc.mu.Lock()
	if svc.active == sess {
		svc.active = nil
	}
	svc.mu.Unlock()

	sess.mu.Lock()
	stopped := sess.stopped
	sess.mu.Unlock()
	if stopped {
		logger.Debug("capture stopped, result discarded")
	} else if out.Kind == OutcomeError {
		logger.Warn("capture failed", "code", out.Code, "error", err)
	} else {
		logger.Debug("capture finished", "outcome", out.Kind.String())
	}

	sess.deliver(out)
}
