package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime settings for the chat orchestration service.
type Config struct {
	BindAddr         string        `env:"APP_BIND_ADDR" envDefault:":8080"`
	ShutdownTimeout  time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MetricsNamespace string        `env:"APP_METRICS_NAMESPACE" envDefault:"parley"`
	AllowAnyOrigin   bool          `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile        string `env:"LOG_FILE"`
	LogDevelopment bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`

	DatabaseURL string `env:"DATABASE_URL"`

	// Gateway
	GatewayMode        string        `env:"GATEWAY_MODE" envDefault:"auto"`
	GeminiAPIKey       string        `env:"GEMINI_API_KEY"`
	GeminiBaseURL      string        `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com"`
	GatewayTimeout     time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"120s"`
	RequestsPerMinute  int           `env:"GATEWAY_REQUESTS_PER_MINUTE" envDefault:"60"`
	DefaultModel       string        `env:"DEFAULT_MODEL" envDefault:"gemini-2.5-flash"`
	ClientCacheTTL     time.Duration `env:"CLIENT_CACHE_TTL" envDefault:"30m"`
	UploadPollInterval time.Duration `env:"UPLOAD_POLL_INTERVAL" envDefault:"2s"`
	UploadPollAttempts int           `env:"UPLOAD_POLL_ATTEMPTS" envDefault:"30"`

	// Speech
	TTSModel            string `env:"TTS_MODEL" envDefault:"gemini-2.5-flash-preview-tts"`
	TTSVoice            string `env:"TTS_VOICE" envDefault:"Kore"`
	TTSSampleRate       int    `env:"TTS_SAMPLE_RATE" envDefault:"24000"`
	TTSMaxWordsPerPart  int    `env:"TTS_MAX_WORDS_PER_SEGMENT" envDefault:"0"`
	TTSFetchConcurrency int    `env:"TTS_FETCH_CONCURRENCY" envDefault:"4"`
	AudioPlayerCmd      string `env:"AUDIO_PLAYER_CMD"`

	// Loops and triggers
	AutoSendRepeatDelay    time.Duration `env:"AUTOSEND_REPEAT_DELAY" envDefault:"1s"`
	AutoSendRetryCountdown time.Duration `env:"AUTOSEND_RETRY_COUNTDOWN" envDefault:"30s"`
	AutoPlayDebounce       time.Duration `env:"AUTOPLAY_DEBOUNCE" envDefault:"750ms"`
}

// Load reads environment variables, applies defaults and validates ranges.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.GatewayMode = strings.ToLower(strings.TrimSpace(cfg.GatewayMode))
	cfg.GeminiAPIKey = strings.TrimSpace(cfg.GeminiAPIKey)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.AudioPlayerCmd = strings.TrimSpace(cfg.AudioPlayerCmd)
	cfg.GeminiBaseURL = strings.TrimRight(strings.TrimSpace(cfg.GeminiBaseURL), "/")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.GatewayMode {
	case "auto", "http", "mock":
	default:
		return fmt.Errorf("GATEWAY_MODE must be one of auto|http|mock, got %q", c.GatewayMode)
	}
	if c.GatewayMode == "http" && c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when GATEWAY_MODE=http")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.GatewayTimeout < time.Second {
		return fmt.Errorf("GATEWAY_TIMEOUT must be at least 1s")
	}
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("GATEWAY_REQUESTS_PER_MINUTE must be >= 0")
	}
	if c.TTSSampleRate <= 0 {
		return fmt.Errorf("TTS_SAMPLE_RATE must be positive")
	}
	if c.TTSMaxWordsPerPart < 0 {
		return fmt.Errorf("TTS_MAX_WORDS_PER_SEGMENT must be >= 0")
	}
	if c.TTSFetchConcurrency <= 0 {
		return fmt.Errorf("TTS_FETCH_CONCURRENCY must be positive")
	}
	if c.AutoSendRepeatDelay < 0 || c.AutoSendRetryCountdown < 0 || c.AutoPlayDebounce < 0 {
		return fmt.Errorf("AUTOSEND_* and AUTOPLAY_DEBOUNCE durations must be >= 0")
	}
	if c.UploadPollInterval <= 0 {
		return fmt.Errorf("UPLOAD_POLL_INTERVAL must be positive")
	}
	if c.UploadPollAttempts <= 0 {
		return fmt.Errorf("UPLOAD_POLL_ATTEMPTS must be positive")
	}
	if c.ClientCacheTTL <= 0 {
		return fmt.Errorf("CLIENT_CACHE_TTL must be positive")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	return nil
}
