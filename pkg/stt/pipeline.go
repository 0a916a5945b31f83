package stt

import (
	"context"
	"log/slog"
	"time"
)

// Recorder captures one utterance as encoded audio (WAV).
type Recorder interface {
	Record(ctx context.Context) ([]byte, error)
}

// Transcriber converts encoded audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Pipeline is a Recognizer that records and then transcribes.
type Pipeline struct {
	Recorder    Recorder
	Transcriber Transcriber
	Logger      *slog.Logger
}

// Recognize records until the recorder stops, then transcribes the clip.
func (p *Pipeline) Recognize(ctx context.Context) (string, error) {
	start := time.Now()
	audio, err := p.Recorder.Record(ctx)
	if err != nil {
		return "", err
	}
	recorded := time.Since(start)

	text, err := p.Transcriber.Transcribe(ctx, audio)
	if err != nil {
		return "", err
	}

	if p.Logger != nil {
		p.Logger.Debug("utterance transcribed",
			"audio_bytes", len(audio),
			"record_ms", recorded.Milliseconds(),
			"transcribe_ms", (time.Since(start) - recorded).Milliseconds(),
		)
	}
	return text, nil
}

var _ Recognizer = (*Pipeline)(nil)
