package tts

import (
	"log/slog"
	"time"

	"google.golang.org/api/option"
)

// Config holds TTS provider configuration.
// Use functional options (WithXxx) to set these values.
type Config struct {
	// Provider credentials
	APIKey          string
	CredentialsFile string
	BaseURL         string

	// Voice configuration
	LanguageCode string
	VoiceID      string
	ModelID      string
	SpeakingRate float64
	Pitch        float64

	// Audio output
	OutputFormat Encoding

	// Timeout bounds one request.
	Timeout time.Duration

	// Retry configuration
	MaxRetries int
	RetryDelay time.Duration

	// Extra Google client options, applied after credentials.
	ClientOptions []option.ClientOption

	// Observability
	Logger *slog.Logger
}

// Option is a functional option for configuring TTS providers.
type Option func(*Config)

// WithAPIKey sets the API key for the provider.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithCredentialsFile authenticates Google with a service account JSON file.
func WithCredentialsFile(path string) Option {
	return func(c *Config) {
		c.CredentialsFile = path
	}
}

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithLanguage sets the BCP-47 language code of the voice.
func WithLanguage(code string) Option {
	return func(c *Config) {
		c.LanguageCode = code
	}
}

// WithVoice sets the voice name.
func WithVoice(voiceID string) Option {
	return func(c *Config) {
		c.VoiceID = voiceID
	}
}

// WithModel sets the model ID.
func WithModel(modelID string) Option {
	return func(c *Config) {
		c.ModelID = modelID
	}
}

// WithProsody sets speaking rate (1.0 is normal) and pitch in semitones.
func WithProsody(rate, pitch float64) Option {
	return func(c *Config) {
		c.SpeakingRate = rate
		c.Pitch = pitch
	}
}

// WithOutputFormat sets the audio output format.
func WithOutputFormat(format Encoding) Option {
	return func(c *Config) {
		c.OutputFormat = format
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithRetry configures retry behavior for failed requests.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithClientOptions appends Google API client options.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(c *Config) {
		c.ClientOptions = append(c.ClientOptions, opts...)
	}
}

// WithLogger sets the structured logger for the provider.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig returns the default voice: a US English studio voice,
// MP3 output, normal rate and slightly lowered pitch.
func DefaultConfig() *Config {
	return &Config{
		LanguageCode: "en-US",
		VoiceID:      "en-US-Studio-O",
		SpeakingRate: 1.0,
		Pitch:        -2.0,
		OutputFormat: EncodingMP3,
		Timeout:      defaultSynthesisTimeout,
		MaxRetries:   2,
		RetryDelay:   200 * time.Millisecond,
		Logger:       slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that an API key is present.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrNoAPIKey
	}
	return nil
}
