package chat

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ListenAddr     string        `env:"CHAT_LISTEN_ADDR"      envDefault:"0.0.0.0:8431"`
	WebhookSecret  string        `env:"CHAT_WEBHOOK_SECRET"`
	GatewayURL     string        `env:"CHAT_GATEWAY_URL"`
	GatewayTimeout time.Duration `env:"CHAT_GATEWAY_TIMEOUT"  envDefault:"5s"`
}

// ConfigFromEnv reads chat transport config from environment variables
func ConfigFromEnv() Config {
	var cfg Config
	_ = env.Parse(&cfg)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:8431"
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 5 * time.Second
	}
	return cfg
}
