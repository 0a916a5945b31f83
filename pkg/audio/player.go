// Package audio plays synthesized clips through a local command line player.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/teslashibe/go-realtalk/pkg/tts"
)

// FilePlaceholder in a player command is replaced by the path of a temp file
// holding the clip. Commands without it receive the clip on stdin.
const FilePlaceholder = "{file}"

// ErrNoPlayer is returned when no player command is configured or found.
var ErrNoPlayer = errors.New("audio: no player command available")

// DefaultCommand picks a player for the current platform.
func DefaultCommand() []string {
	if runtime.GOOS == "darwin" {
		return []string{"afplay", FilePlaceholder}
	}
	if _, err := exec.LookPath("ffplay"); err == nil {
		return []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", "-i", "pipe:0"}
	}
	return []string{"mpg123", "-q", "-"}
}

// Player runs one clip at a time through an external command.
type Player struct {
	command []string
	logger  *slog.Logger

	mu      sync.Mutex
	playing bool
	cancel  context.CancelFunc

	// Callbacks
	OnPlaybackStart func()
	OnPlaybackEnd   func()
}

// NewPlayer creates a player for command. An empty command uses DefaultCommand.
func NewPlayer(command []string, logger *slog.Logger) *Player {
	if len(command) == 0 {
		command = DefaultCommand()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{
		command: command,
		logger:  logger.With("component", "audio.player"),
	}
}

// Command returns the configured player command.
func (p *Player) Command() []string {
	return append([]string(nil), p.command...)
}

// Play blocks until clip has finished playing, ctx is cancelled, or Cancel
// is called.
func (p *Player) Play(ctx context.Context, clip *tts.AudioResult) error {
	if clip == nil || len(clip.Audio) == 0 {
		return nil
	}
	if len(p.command) == 0 || p.command[0] == "" {
		return ErrNoPlayer
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	args, cleanup, err := p.resolveArgs(clip)
	if err != nil {
		return err
	}
	defer cleanup()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if !p.usesFile() {
		cmd.Stdin = bytes.NewReader(clip.Audio)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	p.mu.Lock()
	p.playing = true
	p.cancel = cancel
	p.mu.Unlock()
	if p.OnPlaybackStart != nil {
		p.OnPlaybackStart()
	}

	err = cmd.Run()

	p.mu.Lock()
	p.playing = false
	p.cancel = nil
	p.mu.Unlock()
	if p.OnPlaybackEnd != nil {
		p.OnPlaybackEnd()
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return fmt.Errorf("%w: %v", ErrNoPlayer, err)
		}
		return fmt.Errorf("audio: %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}

	p.logger.Debug("clip played", "bytes", len(clip.Audio), "encoding", clip.Format.Encoding)
	return nil
}

// Cancel stops any current playback immediately.
func (p *Player) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// IsPlaying returns whether audio is currently playing.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *Player) usesFile() bool {
	for _, a := range p.command {
		if strings.Contains(a, FilePlaceholder) {
			return true
		}
	}
	return false
}

// resolveArgs substitutes the temp file path into the command when needed.
func (p *Player) resolveArgs(clip *tts.AudioResult) ([]string, func(), error) {
	if !p.usesFile() {
		return p.command, func() {}, nil
	}

	f, err := os.CreateTemp("", "realtalk-*"+clip.Format.Encoding.Extension())
	if err != nil {
		return nil, nil, fmt.Errorf("audio: temp file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }
	if _, err := f.Write(clip.Audio); err != nil {
		f.Close()
		cleanup()
		return nil, nil, fmt.Errorf("audio: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("audio: close temp file: %w", err)
	}

	args := make([]string, len(p.command))
	for i, a := range p.command {
		args[i] = strings.ReplaceAll(a, FilePlaceholder, f.Name())
	}
	return args, cleanup, nil
}
