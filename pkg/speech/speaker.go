// Package speech turns assistant replies into audible speech off the caller's
// goroutine.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-realtalk/pkg/tts"
)

// DefaultQueueSize is how many replies may wait behind the one being spoken.
const DefaultQueueSize = 8

// ErrClosed is returned by Speak after Close.
var ErrClosed = errors.New("speech: speaker closed")

// ErrQueueFull is returned by Speak when the backlog is full.
var ErrQueueFull = errors.New("speech: queue full")

// Synthesizer converts text or SSML into an audio clip.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*tts.AudioResult, error)
}

// Player plays one clip to completion.
type Player interface {
	Play(ctx context.Context, clip *tts.AudioResult) error
}

// Speaker serialises synthesis and playback on a single worker goroutine.
type Speaker struct {
	synth   Synthesizer
	player  Player
	logger  *slog.Logger
	timeout time.Duration

	queue chan string

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	onSpoken func(text string, err error)
}

// Option configures a Speaker.
type Option func(*Speaker)

// WithQueueSize sets the backlog capacity.
func WithQueueSize(n int) Option {
	return func(s *Speaker) {
		if n > 0 {
			s.queue = make(chan string, n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Speaker) {
		s.logger = logger
	}
}

// WithOnSpoken registers fn to run on the worker after each clip, with the
// synthesis or playback error if any.
func WithOnSpoken(fn func(text string, err error)) Option {
	return func(s *Speaker) {
		s.onSpoken = fn
	}
}

// WithSynthesisTimeout bounds each synthesis request.
func WithSynthesisTimeout(d time.Duration) Option {
	return func(s *Speaker) {
		s.timeout = d
	}
}

// NewSpeaker starts the worker. Call Close to stop it.
func NewSpeaker(synth Synthesizer, player Player, opts ...Option) *Speaker {
	s := &Speaker{
		synth:   synth,
		player:  player,
		logger:  slog.Default(),
		timeout: 20 * time.Second,
		queue:   make(chan string, DefaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "speech.speaker")
	s.ctx, s.cancel = context.WithCancel(context.Background())

	go s.run()
	return s
}

// Speak queues text and returns immediately.
func (s *Speaker) Speak(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	select {
	case s.queue <- text:
		return nil
	default:
		s.logger.Warn("speech queue full, dropping reply", "chars", len(text))
		return ErrQueueFull
	}
}

// Close stops accepting text, speaks what is already queued and waits for
// the worker. If ctx ends first, playback is cut short.
func (s *Speaker) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return ctx.Err()
	}
}

func (s *Speaker) run() {
	defer close(s.done)
	defer s.cancel()

	for text := range s.queue {
		err := s.speak(text)
		if err != nil && s.ctx.Err() == nil {
			s.logger.Error("speech failed", "error", err, "chars", len(text))
		}
		if s.onSpoken != nil {
			s.onSpoken(text, err)
		}
	}
}

func (s *Speaker) speak(text string) error {
	synthCtx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		synthCtx, cancel = context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
	}

	clip, err := s.synth.Synthesize(synthCtx, text)
	if err != nil {
		return err
	}
	s.logger.Debug("clip synthesized", "bytes", len(clip.Audio), "latency_ms", clip.LatencyMs)

	return s.player.Play(s.ctx, clip)
}
