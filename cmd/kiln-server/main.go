package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/k11v/kiln/internal/amqputil"
	"github.com/k11v/kiln/internal/build/buildamqp"
	"github.com/k11v/kiln/internal/build/buildpg"
	"github.com/k11v/kiln/internal/build/builds3"
	"github.com/k11v/kiln/internal/coordinator"
	"github.com/k11v/kiln/internal/postgresutil"
	"github.com/k11v/kiln/internal/s3util"
	"github.com/k11v/kiln/internal/server"
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

	pool, err := postgresutil.NewPool(ctx, &cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()

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

	c := coordinator.New(
		&cfg.Coordinator,
		buildpg.NewDatabase(pool),
		builds3.NewStorage(s3Client),
		buildamqp.NewBroker(mq, logger),
		logger,
	)

	srv, err := server.New(&server.NewParams{
		Config:      &cfg.Server,
		Service:     c,
		Logger:      logger,
		Development: cfg.Development,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := c.ConsumeStatuses(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logger.Info("starting server", "addr", srv.Addr)
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
