package main

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// config holds the application configuration.
type config struct {
	JWTSignatureKeyFile string        `env:"KILN_JWT_SIGNATURE_KEY_FILE,required"`
	Subject             string        `env:"KILN_TOKEN_SUBJECT,required"`
	TTL                 time.Duration `env:"KILN_TOKEN_TTL"` // default: 720h
}

func (c *config) ttl() time.Duration {
	if c.TTL == 0 {
		return 30 * 24 * time.Hour
	}
	return c.TTL
}

// parseConfig parses the application configuration from the environment variables.
func parseConfig(environ []string) (*config, error) {
	var cfg config

	err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(environ),
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
