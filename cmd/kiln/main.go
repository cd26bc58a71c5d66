// Command kiln builds hybrid mobile projects on a remote build server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Environ())
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, environ []string) int {
	cfg, err := parseConfig(environ)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	rootCmd := &cobra.Command{
		Use:           "kiln",
		Short:         "Build hybrid mobile projects on a remote build server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newBuildCmd(cfg))
	rootCmd.SetArgs(args)

	if err = rootCmd.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
