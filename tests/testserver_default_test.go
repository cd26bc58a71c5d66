//go:build !local

package tests

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/testcontainers/testcontainers-go/modules/compose"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewTestServer brings up the compose stack and returns the server's base URL.
// The stack, its volumes and locally built images are removed on cleanup.
func NewTestServer(tb testing.TB, ctx context.Context) (baseURL string) {
	tb.Helper()

	stack, err := compose.NewDockerCompose("../compose.yaml")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	tb.Cleanup(func() {
		err := stack.Down(context.Background(), compose.RemoveImagesLocal, compose.RemoveOrphans(true), compose.RemoveVolumes(true))
		if err != nil {
			tb.Errorf("didn't want %q", err)
		}
	})

	err = stack.
		WaitForService("server", wait.ForHTTP("/health").WithPort("8080/tcp")).
		Up(ctx, compose.Wait(true))
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	server, err := stack.ServiceContainer(ctx, "server")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	host, err := server.Host(ctx)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	port, err := server.MappedPort(ctx, "8080/tcp")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	return fmt.Sprintf("http://%s", net.JoinHostPort(host, port.Port()))
}
