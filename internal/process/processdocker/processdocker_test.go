package processdocker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/docker/docker/api/types/image"

	"github.com/k11v/kiln/internal/process"
)

func TestRunner(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}

	ctx := context.Background()
	r, err := NewRunner()
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	r.Image = "alpine:3.20"

	pull, err := r.Client.ImagePull(ctx, r.Image, image.PullOptions{})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	_, _ = io.Copy(io.Discard, pull)
	_ = pull.Close()

	t.Run("separates output streams", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		err := r.Run(ctx, &process.Command{
			Name:   "sh",
			Args:   []string{"-c", "echo out; echo err >&2"},
			Stdout: &stdout,
			Stderr: &stderr,
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := stdout.String(), "out\n"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got, want := stderr.String(), "err\n"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("reports the exit code", func(t *testing.T) {
		err := r.Run(ctx, &process.Command{Name: "sh", Args: []string{"-c", "exit 2"}})
		var exitErr *process.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode != 2 {
			t.Fatalf("got %v, want exit code 2", err)
		}
	})
}
