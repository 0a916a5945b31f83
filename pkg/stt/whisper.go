package stt

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Whisper transcribes WAV clips with the OpenAI transcription endpoint.
type Whisper struct {
	client   *openai.Client
	model    string
	language string
}

// WhisperOption configures Whisper.
type WhisperOption func(*whisperConfig)

type whisperConfig struct {
	baseURL    string
	model      string
	language   string
	httpClient *http.Client
}

// WithWhisperBaseURL points the client at an OpenAI-compatible server.
func WithWhisperBaseURL(url string) WhisperOption {
	return func(c *whisperConfig) { c.baseURL = url }
}

// WithWhisperModel sets the transcription model.
func WithWhisperModel(model string) WhisperOption {
	return func(c *whisperConfig) { c.model = model }
}

// WithWhisperLanguage sets the ISO-639-1 language hint.
func WithWhisperLanguage(lang string) WhisperOption {
	return func(c *whisperConfig) { c.language = lang }
}

// WithWhisperHTTPClient overrides the HTTP client.
func WithWhisperHTTPClient(client *http.Client) WhisperOption {
	return func(c *whisperConfig) { c.httpClient = client }
}

// NewWhisper creates a transcriber. apiKey is required.
func NewWhisper(apiKey string, opts ...WhisperOption) (*Whisper, error) {
	if apiKey == "" {
		return nil, &Error{Code: CodeClient, Err: errors.New("openai api key required")}
	}
	cfg := whisperConfig{
		model:      openai.Whisper1,
		language:   "en",
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.baseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.baseURL, "/")
	}
	clientConfig.HTTPClient = cfg.httpClient

	return &Whisper{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    cfg.model,
		language: cfg.language,
	}, nil
}

// Transcribe uploads audio and returns the recognised text.
func (w *Whisper) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", ErrNoSpeech
	}
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(audio),
		Language: w.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", classifyOpenAIError(ctx, err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func classifyOpenAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return &Error{Code: CodeBusy, Err: err}
		case apiErr.HTTPStatusCode >= 500:
			return &Error{Code: CodeNetwork, Err: err}
		default:
			return &Error{Code: CodeClient, Err: err}
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode >= 500 {
			return &Error{Code: CodeNetwork, Err: err}
		}
		return &Error{Code: CodeClient, Err: err}
	}
	return &Error{Code: Classify(err), Err: err}
}

var _ Transcriber = (*Whisper)(nil)
