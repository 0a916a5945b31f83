// Package tts provides a unified interface for text-to-speech providers.
//
// Google Cloud Text-to-Speech is the primary backend: it understands SSML,
// which the assistant persona relies on for pauses, emphasis and prosody.
// OpenAI TTS is available as a plain-text fallback. All providers implement
// Provider, so Chain can stack them without changing caller code.
//
// Example usage:
//
//	provider, _ := tts.NewGoogle(ctx,
//	    tts.WithAPIKey(os.Getenv("GOOGLE_API_KEY")),
//	    tts.WithVoice("en-US-Studio-O"),
//	)
//	defer provider.Close()
//
//	result, _ := provider.Synthesize(ctx, "<speak>Hello <break time=\"300ms\"/> world</speak>")
//	// result.Audio contains MP3 bytes
package tts

import (
	"context"
	"time"
)

// Provider defines the TTS provider interface.
type Provider interface {
	// Synthesize converts text or SSML to audio, returning the complete clip.
	Synthesize(ctx context.Context, text string) (*AudioResult, error)

	// Health checks provider connectivity and credentials.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// AudioResult represents a complete audio synthesis result.
type AudioResult struct {
	// Audio contains the encoded audio data.
	Audio []byte

	// Format describes the audio encoding and sample rate.
	Format AudioFormat

	// CharCount is the number of characters synthesized.
	CharCount int

	// LatencyMs is the request round trip in milliseconds.
	LatencyMs int64
}

// AudioFormat describes the audio encoding parameters.
type AudioFormat struct {
	// Encoding specifies the container/codec.
	Encoding Encoding

	// SampleRate in Hz, 0 when the provider chose it.
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int
}

// Encoding represents audio encoding types.
type Encoding string

const (
	EncodingMP3      Encoding = "mp3"
	EncodingLinear16 Encoding = "linear16" // WAV-wrapped PCM16
	EncodingOggOpus  Encoding = "ogg_opus"
)

// Extension returns the file extension for an encoding, with the dot.
func (e Encoding) Extension() string {
	switch e {
	case EncodingLinear16:
		return ".wav"
	case EncodingOggOpus:
		return ".ogg"
	default:
		return ".mp3"
	}
}

// defaultSynthesisTimeout bounds one synthesis call when no timeout is configured.
const defaultSynthesisTimeout = 20 * time.Second
