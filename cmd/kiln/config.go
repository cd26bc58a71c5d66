package main

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// config holds the flag defaults read from the environment.
type config struct {
	ServerURL    string        `env:"KILN_SERVER_URL"` // default: "http://127.0.0.1:8080"
	Token        string        `env:"KILN_TOKEN"`
	Vcordova     string        `env:"KILN_VCORDOVA"`
	CertFile     string        `env:"KILN_CERT_FILE"`
	KeyFile      string        `env:"KILN_KEY_FILE"`
	CAFile       string        `env:"KILN_CA_FILE"`
	PollInterval time.Duration `env:"KILN_POLL_INTERVAL"` // default: 5s
}

func (c *config) serverURL() string {
	if c.ServerURL == "" {
		return "http://127.0.0.1:8080"
	}
	return c.ServerURL
}

func (c *config) pollInterval() time.Duration {
	if c.PollInterval == 0 {
		return 5 * time.Second
	}
	return c.PollInterval
}

// parseConfig parses the flag defaults from the environment variables.
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
