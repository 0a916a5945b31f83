// Package config loads go-realtalk configuration.
//
// Values are layered, lowest priority first: built-in defaults, an optional
// config file, a .env file in the working directory, then environment
// variables. cmd/realtalk applies command-line flags on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for go-realtalk specific environment variables,
// e.g. REALTALK_HTTP_ADDR or REALTALK_COMPLETION_MODEL.
const EnvPrefix = "REALTALK"

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// Completion drivers.
const (
	CompletionHTTP   = "http"
	CompletionOpenAI = "openai"
)

// Config is the full process configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	HTTP       HTTPConfig       `mapstructure:"http"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Completion CompletionConfig `mapstructure:"completion"`
	News       NewsConfig       `mapstructure:"news"`
	Speech     SpeechConfig     `mapstructure:"speech"`
	Capture    CaptureConfig    `mapstructure:"capture"`
}

// HTTPConfig configures the local control API.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// StorageConfig selects and locates the turn log.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// CompletionConfig configures the chat-completion endpoint.
type CompletionConfig struct {
	Driver      string        `mapstructure:"driver"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	AppURL      string        `mapstructure:"app_url"`
	AppTitle    string        `mapstructure:"app_title"`

	// Fallback* name an OpenAI endpoint tried when the primary one fails.
	// Empty FallbackAPIKey disables it.
	FallbackAPIKey  string `mapstructure:"fallback_api_key"`
	FallbackBaseURL string `mapstructure:"fallback_base_url"`
	FallbackModel   string `mapstructure:"fallback_model"`
}

// NewsConfig configures the headline source used for context.
type NewsConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Country  string        `mapstructure:"country"`
	PageSize int           `mapstructure:"page_size"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Location string        `mapstructure:"location"`
}

// SpeechConfig configures synthesis and playback.
type SpeechConfig struct {
	GoogleAPIKey    string        `mapstructure:"google_api_key"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	Endpoint        string        `mapstructure:"endpoint"`
	LanguageCode    string        `mapstructure:"language_code"`
	Voice           string        `mapstructure:"voice"`
	SpeakingRate    float64       `mapstructure:"speaking_rate"`
	Pitch           float64       `mapstructure:"pitch"`
	OpenAIKey       string        `mapstructure:"openai_api_key"`
	OpenAIVoice     string        `mapstructure:"openai_voice"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Player          []string      `mapstructure:"player"`
	QueueSize       int           `mapstructure:"queue_size"`
}

// CaptureConfig configures utterance capture and transcription.
type CaptureConfig struct {
	Recorder    []string      `mapstructure:"recorder"`
	MaxDuration time.Duration `mapstructure:"max_duration"`
	OpenAIKey   string        `mapstructure:"openai_api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Language    string        `mapstructure:"language"`
}

// envAliases binds well-known variable names alongside the REALTALK_ ones.
var envAliases = map[string][]string{
	"completion.api_key":          {"REALTALK_COMPLETION_API_KEY", "OPENROUTER_API_KEY"},
	"completion.fallback_api_key": {"REALTALK_COMPLETION_FALLBACK_API_KEY", "OPENAI_API_KEY"},
	"news.api_key":                {"REALTALK_NEWS_API_KEY", "NEWS_API_KEY"},
	"speech.google_api_key":       {"REALTALK_SPEECH_GOOGLE_API_KEY", "GOOGLE_API_KEY"},
	"speech.credentials_file":     {"REALTALK_SPEECH_CREDENTIALS_FILE", "GOOGLE_APPLICATION_CREDENTIALS"},
	"speech.openai_api_key":       {"REALTALK_SPEECH_OPENAI_API_KEY", "OPENAI_API_KEY"},
	"capture.openai_api_key":      {"REALTALK_CAPTURE_OPENAI_API_KEY", "OPENAI_API_KEY"},
}

// setDefaults registers built-in defaults on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("http.addr", "127.0.0.1:8790")

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.path", defaultDataPath("realtalk.db"))

	v.SetDefault("completion.driver", CompletionHTTP)
	v.SetDefault("completion.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("completion.model", "openai/gpt-3.5-turbo-0613")
	v.SetDefault("completion.temperature", 0.8)
	v.SetDefault("completion.max_tokens", 512)
	v.SetDefault("completion.timeout", 30*time.Second)
	v.SetDefault("completion.max_retries", 2)
	v.SetDefault("completion.app_title", "RealTalk")
	v.SetDefault("completion.app_url", "")
	v.SetDefault("completion.fallback_base_url", "https://api.openai.com/v1")
	v.SetDefault("completion.fallback_model", "gpt-3.5-turbo")

	v.SetDefault("news.base_url", "https://newsapi.org")
	v.SetDefault("news.country", "us")
	v.SetDefault("news.page_size", 5)
	v.SetDefault("news.timeout", 5*time.Second)
	v.SetDefault("news.location", "Local")

	v.SetDefault("speech.language_code", "en-US")
	v.SetDefault("speech.voice", "en-US-Studio-O")
	v.SetDefault("speech.speaking_rate", 1.0)
	v.SetDefault("speech.pitch", -2.0)
	v.SetDefault("speech.openai_voice", "alloy")
	v.SetDefault("speech.timeout", 20*time.Second)
	v.SetDefault("speech.queue_size", 8)
	v.SetDefault("speech.endpoint", "")
	v.SetDefault("speech.player", []string{})

	v.SetDefault("capture.max_duration", 30*time.Second)
	v.SetDefault("capture.base_url", "https://api.openai.com/v1")
	v.SetDefault("capture.model", "whisper-1")
	v.SetDefault("capture.language", "en")
	v.SetDefault("capture.recorder", []string{})
}

// Load reads configuration. path may be empty, in which case only defaults,
// .env and the environment are consulted.
func Load(path string) (*Config, error) {
	// A missing .env is the normal case outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Speech.Player = splitCommand(cfg.Speech.Player)
	cfg.Capture.Recorder = splitCommand(cfg.Capture.Recorder)
	return &cfg, nil
}

// Validate checks that required configuration is present.
// Missing news or speech keys are not errors: those features degrade.
func (c *Config) Validate() error {
	if c.Completion.APIKey == "" {
		return &Error{Field: "completion.api_key", Message: "OPENROUTER_API_KEY (or REALTALK_COMPLETION_API_KEY) is required"}
	}
	switch c.Completion.Driver {
	case CompletionHTTP, CompletionOpenAI:
	default:
		return &Error{Field: "completion.driver", Message: fmt.Sprintf("unknown completion driver %q", c.Completion.Driver)}
	}
	switch c.Storage.Driver {
	case DriverSQLite, DriverBolt:
	default:
		return &Error{Field: "storage.driver", Message: fmt.Sprintf("unknown storage driver %q", c.Storage.Driver)}
	}
	if c.Storage.Path == "" {
		return &Error{Field: "storage.path", Message: "storage path is required"}
	}
	if c.HTTP.Addr == "" {
		return &Error{Field: "http.addr", Message: "http address is required"}
	}
	if c.News.Location != "" && c.News.Location != "Local" {
		if _, err := time.LoadLocation(c.News.Location); err != nil {
			return &Error{Field: "news.location", Message: fmt.Sprintf("unknown time zone %q", c.News.Location)}
		}
	}
	return nil
}

// TimeLocation resolves the configured display time zone.
func (c *Config) TimeLocation() *time.Location {
	if c.News.Location == "" || c.News.Location == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.News.Location)
	if err != nil {
		return time.Local
	}
	return loc
}

// Error represents a configuration validation error.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return "config: " + e.Message
}

// defaultDataPath places data files under ~/.realtalk, or the working
// directory when the home directory is unknown.
func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".realtalk", name)
}

// splitCommand lets a command be given as one string in the environment.
func splitCommand(args []string) []string {
	if len(args) == 1 && strings.ContainsRune(args[0], ' ') {
		return strings.Fields(args[0])
	}
	return args
}
