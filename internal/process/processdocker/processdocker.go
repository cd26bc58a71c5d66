// Package processdocker runs commands inside a container.
package processdocker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/k11v/kiln/internal/process"
)

// Runner runs each command in a fresh container of Image.
// The command's directory is bind-mounted at the same path,
// so paths in arguments mean the same inside and outside.
type Runner struct {
	Client  *client.Client // required
	Image   string         // required
	Network string         // optional, defaults to none
}

func NewRunner() (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &Runner{Client: cli}, nil
}

func (r *Runner) network() string {
	if r.Network == "" {
		return "none"
	}
	return r.Network
}

func (r *Runner) Run(ctx context.Context, cmd *process.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Once created, the container runs to completion.
	ctx = context.WithoutCancel(ctx)

	var mounts []mount.Mount
	if cmd.Dir != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: cmd.Dir, Target: cmd.Dir})
	}

	cont, err := r.Client.ContainerCreate(
		ctx,
		&container.Config{
			Image:        r.Image,
			Entrypoint:   strslice.StrSlice{},
			Cmd:          append(strslice.StrSlice{cmd.Name}, cmd.Args...),
			Env:          cmd.Env,
			WorkingDir:   cmd.Dir,
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(r.network()),
			Mounts:      mounts,
			LogConfig:   container.LogConfig{Type: "none"},
		},
		nil,
		nil,
		"",
	)
	if err != nil {
		return fmt.Errorf("processdocker: %w", err)
	}
	defer func() {
		if err := r.Client.ContainerRemove(ctx, cont.ID, container.RemoveOptions{}); err != nil {
			slog.Error("didn't remove container", "id", cont.ID, "error", err)
		}
	}()

	conn, err := r.Client.ContainerAttach(ctx, cont.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return fmt.Errorf("processdocker: %w", err)
	}
	defer conn.Close()

	if err = r.Client.ContainerStart(ctx, cont.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("processdocker: %w", err)
	}

	stdout, stderr := cmd.Stdout, cmd.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	if _, err = stdcopy.StdCopy(stdout, stderr, conn.Reader); err != nil {
		return fmt.Errorf("processdocker: %w", err)
	}

	waitCh, errCh := r.Client.ContainerWait(ctx, cont.ID, container.WaitConditionNotRunning)
	select {
	case err = <-errCh:
		return fmt.Errorf("processdocker: %w", err)
	case <-waitCh:
	}

	inspect, err := r.Client.ContainerInspect(ctx, cont.ID)
	if err != nil {
		return fmt.Errorf("processdocker: %w", err)
	}
	if inspect.State == nil || inspect.State.Status != "exited" {
		return errors.New("processdocker: didn't exit")
	}
	if inspect.State.ExitCode != 0 {
		return &process.ExitError{ExitCode: inspect.State.ExitCode}
	}
	return nil
}
