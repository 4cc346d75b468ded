package verification

import (
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/crypto/bcrypt"
)

// Config holds challenge timing and throttling knobs.
type Config struct {
	ChallengeTTL   time.Duration `env:"LINK_CHALLENGE_TTL"      envDefault:"15m"`
	MaxAttempts    int           `env:"LINK_MAX_CODE_ATTEMPTS"  envDefault:"5"`
	ResendCooldown time.Duration `env:"LINK_RESEND_COOLDOWN"    envDefault:"60s"`
	BcryptCost     int           `env:"VERIFICATION_BCRYPT_COST" envDefault:"10"`
}

// ConfigFromEnv loads the config and fills zero values with defaults.
func ConfigFromEnv() Config {
	var cfg Config
	_ = env.Parse(&cfg)
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = 15 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.ResendCooldown <= 0 {
		c.ResendCooldown = time.Minute
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		c.BcryptCost = bcrypt.DefaultCost
	}
	return c
}
