package main

import (
	"github.com/caarlos0/env/v11"

	"github.com/k11v/kiln/internal/amqputil"
	"github.com/k11v/kiln/internal/coordinator"
	"github.com/k11v/kiln/internal/postgresutil"
	"github.com/k11v/kiln/internal/s3util"
	"github.com/k11v/kiln/internal/server"
)

// config holds the application configuration.
type config struct {
	Development bool                `env:"KILN_DEVELOPMENT"`
	Coordinator coordinator.Config  `envPrefix:"KILN_COORDINATOR_"`
	Postgres    postgresutil.Config `envPrefix:"KILN_POSTGRES_"`
	S3          s3util.Config       `envPrefix:"KILN_S3_"`
	AMQP        amqputil.Config     `envPrefix:"KILN_AMQP_"`
	Server      server.Config       `envPrefix:"KILN_SERVER_"`
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
