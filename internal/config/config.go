package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	GeminiAPIKey     string `env:"GEMINI_API_KEY"`
	GeminiBaseURL    string `env:"GEMINI_BASE_URL"`
	GeminiAPIVersion string `env:"GEMINI_API_VERSION" envDefault:"v1beta"`
	TextModel        string `env:"GEMINI_TEXT_MODEL" envDefault:"gemini-2.5-flash"`
	ImageModel       string `env:"GEMINI_IMAGE_MODEL" envDefault:"imagen-4.0-generate-001"`
	EditModel        string `env:"GEMINI_EDIT_MODEL" envDefault:"gemini-2.5-flash-image"`
	PersonaFile      string `env:"PERSONA_FILE"`

	WebAddr string `env:"WEB_ADDR" envDefault:":8080"`

	TelegramToken  string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID int64  `env:"TELEGRAM_CHAT_ID"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Debug    bool   `env:"DEBUG" envDefault:"false"`

	PreferIPv4         bool `env:"PREFER_IPV4" envDefault:"true"`
	HTTPTimeoutSeconds int  `env:"HTTP_TIMEOUT_SECONDS" envDefault:"180"`

	HTTPTimeout time.Duration
}

// Load reads the web surface configuration. Only the Gemini credential is
// mandatory.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.normalize()

	if cfg.GeminiAPIKey == "" {
		return Config{}, errors.New("GEMINI_API_KEY is required")
	}
	return cfg, nil
}

// LoadBot is Load plus the Telegram settings cmd/bot needs.
func LoadBot() (Config, error) {
	cfg, err := Load()
	if err != nil {
		return Config{}, err
	}

	switch {
	case cfg.TelegramToken == "":
		return Config{}, errors.New("TELEGRAM_BOT_TOKEN is required")
	case cfg.TelegramChatID == 0:
		return Config{}, errors.New("TELEGRAM_CHAT_ID is required")
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.GeminiAPIKey = strings.TrimSpace(c.GeminiAPIKey)
	c.GeminiBaseURL = strings.TrimRight(strings.TrimSpace(c.GeminiBaseURL), "/")
	c.GeminiAPIVersion = strings.TrimSpace(c.GeminiAPIVersion)
	c.TextModel = strings.TrimSpace(c.TextModel)
	c.ImageModel = strings.TrimSpace(c.ImageModel)
	c.EditModel = strings.TrimSpace(c.EditModel)
	c.PersonaFile = strings.TrimSpace(c.PersonaFile)
	c.WebAddr = strings.TrimSpace(c.WebAddr)
	c.TelegramToken = strings.TrimSpace(c.TelegramToken)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))

	if c.WebAddr == "" {
		c.WebAddr = ":8080"
	}
	if c.HTTPTimeoutSeconds <= 0 {
		c.HTTPTimeoutSeconds = 180
	}
	c.HTTPTimeout = time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// Level maps LOG_LEVEL onto a slog level; unknown values mean info.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
