package speech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-realtalk/internal/log"
	"github.com/teslashibe/go-realtalk/pkg/tts"
)

type fakePlayer struct {
	mu      sync.Mutex
	played  int
	started chan struct{}
	release chan struct{}
	err     error
}

func (p *fakePlayer) Play(ctx context.Context, clip *tts.AudioResult) error {
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	p.played++
	p.mu.Unlock()
	return p.err
}

func (p *fakePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played
}

func TestSpeakInOrder(t *testing.T) {
	synth := tts.NewMock()
	player := &fakePlayer{}
	s := NewSpeaker(synth, player, WithLogger(log.Nop()))

	require.NoError(t, s.Speak("<speak>one</speak>"))
	require.NoError(t, s.Speak("two"))
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, []string{"<speak>one</speak>", "two"}, synth.Texts())
	assert.Equal(t, 2, player.count())
}

func TestSpeakAfterClose(t *testing.T) {
	s := NewSpeaker(tts.NewMock(), &fakePlayer{}, WithLogger(log.Nop()))
	require.NoError(t, s.Close(context.Background()))
	assert.ErrorIs(t, s.Speak("late"), ErrClosed)
	assert.NoError(t, s.Close(context.Background()))
}

func TestQueueFullDrops(t *testing.T) {
	synth := tts.NewMock()
	player := &fakePlayer{started: make(chan struct{}, 4), release: make(chan struct{})}
	s := NewSpeaker(synth, player, WithLogger(log.Nop()), WithQueueSize(1))

	require.NoError(t, s.Speak("a"))
	<-player.started

	require.NoError(t, s.Speak("b"))
	assert.ErrorIs(t, s.Speak("c"), ErrQueueFull)

	close(player.release)
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, []string{"a", "b"}, synth.Texts())
}

func TestFailuresAreSwallowed(t *testing.T) {
	synth := tts.NewMock()
	boom := errors.New("synthesis down")
	calls := 0
	next := synth.SynthesizeFunc
	synth.SynthesizeFunc = func(ctx context.Context, text string) (*tts.AudioResult, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return next(ctx, text)
	}

	var mu sync.Mutex
	var errs []error
	player := &fakePlayer{}
	s := NewSpeaker(synth, player, WithLogger(log.Nop()), WithOnSpoken(func(text string, err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}))

	require.NoError(t, s.Speak("first"))
	require.NoError(t, s.Speak("second"))
	require.NoError(t, s.Close(context.Background()))

	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], boom)
	assert.NoError(t, errs[1])
	assert.Equal(t, 1, player.count())
}

func TestCloseDeadlineCutsPlayback(t *testing.T) {
	player := &fakePlayer{started: make(chan struct{}, 1), release: make(chan struct{})}
	s := NewSpeaker(tts.NewMock(), player, WithLogger(log.Nop()))

	require.NoError(t, s.Speak("long reply"))
	<-player.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Close(ctx), context.DeadlineExceeded)
	assert.Equal(t, 0, player.count())
}
