package link

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds coordinator and state-store settings.
type Config struct {
	Language          string        `env:"LINK_LANGUAGE"           envDefault:"en"`
	StateTTL          time.Duration `env:"LINK_STATE_TTL"          envDefault:"24h"`
	StateBackend      string        `env:"CHAT_STATE_BACKEND"      envDefault:"sql"`
	PlaceholderDomain string        `env:"LINK_PLACEHOLDER_DOMAIN" envDefault:"chat.invalid"`
}

func ConfigFromEnv() Config {
	var cfg Config
	_ = env.Parse(&cfg)
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 24 * time.Hour
	}
	if cfg.StateBackend != "memory" {
		cfg.StateBackend = "sql"
	}
	if cfg.PlaceholderDomain == "" {
		cfg.PlaceholderDomain = "chat.invalid"
	}
	return cfg
}
