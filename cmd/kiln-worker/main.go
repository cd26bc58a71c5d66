package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/k11v/kiln/internal/amqputil"
	"github.com/k11v/kiln/internal/build/buildamqp"
	"github.com/k11v/kiln/internal/build/builds3"
	"github.com/k11v/kiln/internal/process"
	"github.com/k11v/kiln/internal/process/processdocker"
	"github.com/k11v/kiln/internal/s3util"
	"github.com/k11v/kiln/internal/worker"
)

func main() {
	if err := run(os.Environ()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(environ []string) error {
	cfg, err := parseConfig(environ)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var runner process.Runner = process.ExecRunner{}
	if cfg.Runner.Docker {
		dockerRunner, err := processdocker.NewRunner()
		if err != nil {
			return err
		}
		dockerRunner.Image = cfg.Runner.image()
		dockerRunner.Network = cfg.Runner.Network
		runner = dockerRunner
	}

	s3Client, err := s3util.NewClient(cfg.S3.ConnectionString())
	if err != nil {
		return err
	}

	mq := amqputil.NewClient(cfg.AMQP.ConnectionString(), logger.With("component", "amqp"))
	defer func() {
		if closeErr := mq.Close(); closeErr != nil {
			logger.Error("didn't close amqp connection", "error", closeErr)
		}
	}()

	w := worker.New(&worker.NewParams{
		Config:  &cfg.Worker,
		Storage: builds3.NewStorage(s3Client),
		Broker:  buildamqp.NewBroker(mq, logger),
		Runner:  runner,
		Logger:  logger,
		Guard:   &cfg.Guard,
	})

	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
