package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/texttospeech/v1"
)

const providerGoogle = "google"

// Google implements Provider with Cloud Text-to-Speech.
type Google struct {
	svc    *texttospeech.Service
	config *Config
	logger *slog.Logger
}

// NewGoogle creates a Cloud Text-to-Speech provider. Credentials come from,
// in order: an API key, a service account file, or Application Default
// Credentials.
func NewGoogle(ctx context.Context, opts ...Option) (*Google, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	clientOpts, err := googleCredentials(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.BaseURL))
	}
	clientOpts = append(clientOpts, cfg.ClientOptions...)

	svc, err := texttospeech.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, WrapError(providerGoogle, fmt.Errorf("create service: %w", err))
	}

	return &Google{
		svc:    svc,
		config: cfg,
		logger: cfg.Logger.With("component", "tts.google"),
	}, nil
}

func googleCredentials(ctx context.Context, cfg *Config) ([]option.ClientOption, error) {
	switch {
	case cfg.APIKey != "":
		return []option.ClientOption{option.WithAPIKey(cfg.APIKey)}, nil
	case cfg.CredentialsFile != "":
		return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}, nil
	default:
		ts, err := google.DefaultTokenSource(ctx, texttospeech.CloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoCredentials, err)
		}
		return []option.ClientOption{option.WithTokenSource(ts)}, nil
	}
}

// Synthesize converts text or SSML to audio. Input starting with a <speak>
// root is sent as SSML, anything else as plain text.
func (g *Google) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if g.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	req := g.buildRequest(text)

	var resp *texttospeech.SynthesizeSpeechResponse
	err := g.doWithRetry(ctx, func() error {
		var err error
		resp, err = g.svc.Text.Synthesize(req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, convertGoogleError(err)
	}

	audio, err := base64.StdEncoding.DecodeString(resp.AudioContent)
	if err != nil {
		return nil, WrapError(providerGoogle, fmt.Errorf("decode audio: %w", err))
	}
	if len(audio) == 0 {
		return nil, WrapError(providerGoogle, ErrEmptyAudio)
	}

	latency := time.Since(start).Milliseconds()
	g.logger.Debug("synthesized audio",
		"chars", len(text),
		"ssml", req.Input.Ssml != "",
		"bytes", len(audio),
		"latency_ms", latency,
		"voice", g.config.VoiceID,
	)

	return &AudioResult{
		Audio:     audio,
		Format:    AudioFormat{Encoding: g.config.OutputFormat, Channels: 1},
		CharCount: len(text),
		LatencyMs: latency,
	}, nil
}

// buildRequest assembles the synthesize request for text.
func (g *Google) buildRequest(text string) *texttospeech.SynthesizeSpeechRequest {
	input := &texttospeech.SynthesisInput{}
	if IsMarkup(text) {
		input.Ssml = strings.TrimSpace(text)
	} else {
		input.Text = text
	}

	return &texttospeech.SynthesizeSpeechRequest{
		Input: input,
		Voice: &texttospeech.VoiceSelectionParams{
			LanguageCode: g.config.LanguageCode,
			Name:         g.config.VoiceID,
		},
		AudioConfig: &texttospeech.AudioConfig{
			AudioEncoding: googleEncoding(g.config.OutputFormat),
			SpeakingRate:  g.config.SpeakingRate,
			Pitch:         g.config.Pitch,
		},
	}
}

// Health lists voices for the configured language.
func (g *Google) Health(ctx context.Context) error {
	_, err := g.svc.Voices.List().LanguageCode(g.config.LanguageCode).Context(ctx).Do()
	if err != nil {
		return convertGoogleError(err)
	}
	return nil
}

// Close is a no-op; the service shares its HTTP client.
func (g *Google) Close() error {
	return nil
}

// VoiceID returns the configured voice.
func (g *Google) VoiceID() string {
	return g.config.VoiceID
}

// doWithRetry retries fn on rate limits and server errors.
func (g *Google) doWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.config.RetryDelay * time.Duration(attempt)):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var apiErr *APIError
		if !errors.As(convertGoogleError(lastErr), &apiErr) || !apiErr.IsRetryable() {
			return lastErr
		}
		g.logger.Warn("retrying request",
			"attempt", attempt+1,
			"status", apiErr.StatusCode,
		)
	}
	return lastErr
}

func convertGoogleError(err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return &APIError{
			StatusCode: gErr.Code,
			Message:    gErr.Message,
			Provider:   providerGoogle,
		}
	}
	return WrapError(providerGoogle, err)
}

func googleEncoding(e Encoding) string {
	switch e {
	case EncodingLinear16:
		return "LINEAR16"
	case EncodingOggOpus:
		return "OGG_OPUS"
	default:
		return "MP3"
	}
}

// Verify Google implements Provider at compile time.
var _ Provider = (*Google)(nil)
