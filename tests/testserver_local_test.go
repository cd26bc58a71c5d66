//go:build local

package tests

import (
	"context"
	"os"
	"testing"
)

// NewTestServer uses a server that is already running, for example one
// started with docker compose up.
func NewTestServer(tb testing.TB, ctx context.Context) (baseURL string) {
	tb.Helper()

	if u := os.Getenv("KILN_SERVER_URL"); u != "" {
		return u
	}
	return "http://127.0.0.1:8080"
}
