package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-realtalk/internal/config"
	"github.com/teslashibe/go-realtalk/internal/httpc"
	"github.com/teslashibe/go-realtalk/pkg/audio"
	"github.com/teslashibe/go-realtalk/pkg/completion"
	"github.com/teslashibe/go-realtalk/pkg/enrich"
	"github.com/teslashibe/go-realtalk/pkg/history"
	"github.com/teslashibe/go-realtalk/pkg/inference"
	"github.com/teslashibe/go-realtalk/pkg/speech"
	"github.com/teslashibe/go-realtalk/pkg/stt"
	"github.com/teslashibe/go-realtalk/pkg/tts"
	"github.com/teslashibe/go-realtalk/pkg/turn"
	"github.com/teslashibe/go-realtalk/pkg/web"
)

const (
	speakerDrainTimeout = 10 * time.Second
	healthCheckTimeout  = 5 * time.Second
)

// errTranscriptionDisabled is reported for every capture when no Whisper key
// is configured.
var errTranscriptionDisabled = errors.New("transcription not configured")

// app owns every long-lived component of the assistant.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store    history.Store
	provider inference.Provider
	speaker  *speech.Speaker
	synth    tts.Provider
	orch     *turn.Orchestrator
	server   *web.Server
}

// newApp wires the components described by cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, requestLog bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := history.Open(ctx, cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	a.store = store
	logger.Info("history opened", "driver", cfg.Storage.Driver, "path", cfg.Storage.Path)

	provider, err := newInference(cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.provider = provider
	checkInference(ctx, provider, logger)
	completer := completion.New(provider,
		completion.WithTimeout(cfg.Completion.Timeout*time.Duration(cfg.Completion.MaxRetries+1)),
		completion.WithLogger(logger),
	)

	var news enrich.HeadlineSource
	if cfg.News.APIKey != "" {
		news = enrich.NewNewsAPI(cfg.News.APIKey,
			enrich.WithNewsBaseURL(cfg.News.BaseURL),
			enrich.WithCountry(cfg.News.Country),
			enrich.WithPageSize(cfg.News.PageSize),
			enrich.WithHTTPClient(httpc.NewClient(cfg.News.Timeout)),
		)
	} else {
		logger.Warn("NEWS_API_KEY not set, headlines disabled")
	}
	enricher := enrich.New(news,
		enrich.WithLocation(cfg.TimeLocation()),
		enrich.WithFetchTimeout(cfg.News.Timeout),
		enrich.WithLogger(logger),
	)

	synth, err := newSynthesizer(ctx, cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.synth = synth

	playerCmd := cfg.Speech.Player
	if len(playerCmd) == 0 {
		playerCmd = audio.DefaultCommand()
	}
	player := audio.NewPlayer(playerCmd, logger)
	a.speaker = speech.NewSpeaker(synth, player,
		speech.WithQueueSize(cfg.Speech.QueueSize),
		speech.WithSynthesisTimeout(cfg.Speech.Timeout),
		speech.WithLogger(logger),
	)

	recognizer, permission := newRecognizer(cfg, logger)
	orch, err := turn.New(turn.Deps{
		Store:      store,
		Enricher:   enricher,
		Completer:  completer,
		Speaker:    a.speaker,
		Capture:    stt.NewService(recognizer, logger),
		Permission: permission,
	}, turn.WithLogger(logger))
	if err != nil {
		a.close()
		return nil, err
	}
	a.orch = orch

	a.server = web.NewServer(cfg.HTTP.Addr, orch,
		web.WithLogger(logger),
		web.WithRequestLog(requestLog),
	)
	return a, nil
}

// newInference builds the chat-completion provider for the configured driver.
// With a fallback key the OpenRouter client is chained in front of OpenAI.
func newInference(cfg *config.Config, logger *slog.Logger) (inference.Provider, error) {
	opts := []inference.Option{
		inference.WithBaseURL(cfg.Completion.BaseURL),
		inference.WithAPIKey(cfg.Completion.APIKey),
		inference.WithModel(cfg.Completion.Model),
		inference.WithTemperature(cfg.Completion.Temperature),
		inference.WithMaxTokens(cfg.Completion.MaxTokens),
		inference.WithTimeout(cfg.Completion.Timeout),
		inference.WithRetry(cfg.Completion.MaxRetries, time.Second),
		inference.WithApp(cfg.Completion.AppURL, cfg.Completion.AppTitle),
		inference.WithLogger(logger),
	}
	if cfg.Completion.Driver == config.CompletionOpenAI {
		return inference.NewOpenAI(opts...)
	}

	primary, err := inference.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	if cfg.Completion.FallbackAPIKey == "" {
		return primary, nil
	}

	fallback, err := inference.NewOpenAI(
		inference.WithBaseURL(cfg.Completion.FallbackBaseURL),
		inference.WithAPIKey(cfg.Completion.FallbackAPIKey),
		inference.WithModel(cfg.Completion.FallbackModel),
		inference.WithTemperature(cfg.Completion.Temperature),
		inference.WithMaxTokens(cfg.Completion.MaxTokens),
		inference.WithTimeout(cfg.Completion.Timeout),
		inference.WithLogger(logger),
	)
	if err != nil {
		primary.Close()
		return nil, fmt.Errorf("fallback completion: %w", err)
	}
	logger.Info("completion fallback enabled", "model", cfg.Completion.FallbackModel)
	return inference.NewChainWithLogger(logger, primary, fallback)
}

// checkInference logs whether the completion endpoint answers. A failure is
// not fatal: the assistant still speaks the fallback reply.
func checkInference(ctx context.Context, p inference.Provider, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if err := p.Health(ctx); err != nil {
		logger.Warn("completion endpoint unreachable", "error", err)
		return
	}
	logger.Info("completion endpoint reachable")
}

// newSynthesizer builds Google TTS, with OpenAI TTS as a fallback when a key
// is available.
func newSynthesizer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (tts.Provider, error) {
	var providers []tts.Provider

	opts := []tts.Option{
		tts.WithAPIKey(cfg.Speech.GoogleAPIKey),
		tts.WithCredentialsFile(cfg.Speech.CredentialsFile),
		tts.WithLanguage(cfg.Speech.LanguageCode),
		tts.WithVoice(cfg.Speech.Voice),
		tts.WithProsody(cfg.Speech.SpeakingRate, cfg.Speech.Pitch),
		tts.WithTimeout(cfg.Speech.Timeout),
		tts.WithLogger(logger),
	}
	if cfg.Speech.Endpoint != "" {
		opts = append(opts, tts.WithBaseURL(cfg.Speech.Endpoint))
	}
	// With neither key nor file, Application Default Credentials are tried.
	google, err := tts.NewGoogle(ctx, opts...)
	switch {
	case errors.Is(err, tts.ErrNoCredentials):
		logger.Warn("google tts unavailable", "error", err)
	case err != nil:
		return nil, fmt.Errorf("google tts: %w", err)
	default:
		providers = append(providers, google)
	}

	if cfg.Speech.OpenAIKey != "" {
		openai, err := tts.NewOpenAI(
			tts.WithAPIKey(cfg.Speech.OpenAIKey),
			tts.WithVoice(cfg.Speech.OpenAIVoice),
			tts.WithTimeout(cfg.Speech.Timeout),
			tts.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("openai tts: %w", err)
		}
		providers = append(providers, openai)
	}

	if len(providers) == 0 {
		logger.Warn("no speech credentials configured, replies will not be spoken")
		return silentSynth{}, nil
	}
	return tts.NewChainWithLogger(logger, providers...)
}

// newRecognizer builds the record-then-transcribe pipeline and its
// microphone gate.
func newRecognizer(cfg *config.Config, logger *slog.Logger) (stt.Recognizer, stt.Permission) {
	recordCmd := cfg.Capture.Recorder
	if len(recordCmd) == 0 {
		recordCmd = stt.DefaultRecordCommand(cfg.Capture.MaxDuration)
	}
	recorder := stt.NewCommandRecorder(recordCmd, cfg.Capture.MaxDuration)
	permission := stt.CommandPermission{Binary: recorder.Binary()}

	whisper, err := stt.NewWhisper(cfg.Capture.OpenAIKey,
		stt.WithWhisperBaseURL(cfg.Capture.BaseURL),
		stt.WithWhisperModel(cfg.Capture.Model),
		stt.WithWhisperLanguage(cfg.Capture.Language),
	)
	if err != nil {
		logger.Warn("transcription disabled", "error", err)
		return stt.RecognizerFunc(func(context.Context) (string, error) {
			return "", &stt.Error{Code: stt.CodeClient, Err: errTranscriptionDisabled}
		}), permission
	}

	return &stt.Pipeline{
		Recorder:    recorder,
		Transcriber: whisper,
		Logger:      logger.With("component", "stt.pipeline"),
	}, permission
}

// run serves until ctx is cancelled or a component fails.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.orch.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-a.orch.Ready():
		case <-gctx.Done():
			return nil
		}
		return a.server.Run(gctx)
	})

	a.logger.Info("RealTalk ready", "addr", a.server.Addr())
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// close releases resources in reverse dependency order.
func (a *app) close() {
	if a.speaker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), speakerDrainTimeout)
		if err := a.speaker.Close(ctx); err != nil {
			a.logger.Warn("speaker did not drain", "error", err)
		}
		cancel()
	}
	if a.synth != nil {
		if err := a.synth.Close(); err != nil {
			a.logger.Warn("close synthesizer", "error", err)
		}
	}
	if a.provider != nil {
		if err := a.provider.Close(); err != nil {
			a.logger.Warn("close completion provider", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close history", "error", err)
		}
	}
}

// silentSynth stands in when no speech backend is configured. Every
// synthesis fails, which the speaker logs and skips.
type silentSynth struct{}

func (silentSynth) Synthesize(context.Context, string) (*tts.AudioResult, error) {
	return nil, tts.ErrNoCredentials
}

func (silentSynth) Health(context.Context) error { return tts.ErrNoCredentials }

func (silentSynth) Close() error { return nil }
