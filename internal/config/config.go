package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Telegram MTProto application credentials
	TelegramAPIID   int    `env:"TELEGRAM_API_ID,required"`
	TelegramAPIHash string `env:"TELEGRAM_API_HASH,required"`

	// Directory holding per-user session state on disk
	SessionDir string `env:"SESSION_DIR" envDefault:"./data/sessions"`

	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/aggregram.db"`

	// Worker pools
	FetchWorkers int `env:"FETCH_WORKERS" envDefault:"4"`
	PostWorkers  int `env:"POST_WORKERS" envDefault:"4"`

	// Queue
	QueuePollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`

	// Relay pacing between successful posts
	RelayDelay time.Duration `env:"RELAY_DELAY" envDefault:"1s"`

	// Session restoration
	RestorationCooldown time.Duration `env:"RESTORATION_COOLDOWN" envDefault:"60s"`
	RestorationTimeout  time.Duration `env:"RESTORATION_TIMEOUT" envDefault:"10s"`

	// Security
	EncryptionKey string `env:"ENCRYPTION_KEY,required"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate encryption key length (32 bytes for AES-256)
	if len(cfg.EncryptionKey) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(cfg.EncryptionKey))
	}

	return cfg, nil
}
