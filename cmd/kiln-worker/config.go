package main

import (
	"github.com/caarlos0/env/v11"

	"github.com/k11v/kiln/internal/amqputil"
	"github.com/k11v/kiln/internal/executor"
	"github.com/k11v/kiln/internal/s3util"
	"github.com/k11v/kiln/internal/worker"
)

// config holds the application configuration.
type config struct {
	Worker worker.Config         `envPrefix:"KILN_WORKER_"`
	Guard  executor.VersionGuard `envPrefix:"KILN_GUARD_"`
	Runner runnerConfig          `envPrefix:"KILN_RUNNER_"`
	S3     s3util.Config         `envPrefix:"KILN_S3_"`
	AMQP   amqputil.Config       `envPrefix:"KILN_AMQP_"`
}

// runnerConfig selects where toolchain commands run.
type runnerConfig struct {
	Docker  bool   `env:"DOCKER"`  // runs commands in containers of Image
	Image   string `env:"IMAGE"`   // default: "kiln-toolchain:latest"
	Network string `env:"NETWORK"` // default: "none"
}

func (c *runnerConfig) image() string {
	if c.Image == "" {
		return "kiln-toolchain:latest"
	}
	return c.Image
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
