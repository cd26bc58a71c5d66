// Package process runs external programs with structured arguments.
//
// A started process is never killed by context cancellation: the context is
// checked before the process starts and the process then runs to completion.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

type ExitError struct {
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code is %d", e.ExitCode)
}

// Command is one program invocation. Args are passed as is, without a shell.
type Command struct {
	Name   string
	Args   []string
	Dir    string    // optional
	Env    []string  // optional, added to the runner's environment
	Stdout io.Writer // optional
	Stderr io.Writer // optional
}

func (c *Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Runner runs commands to completion.
// A non-zero exit is reported as *ExitError.
type Runner interface {
	Run(ctx context.Context, cmd *Command) error
}

// Output runs cmd and returns its trimmed standard output.
func Output(ctx context.Context, r Runner, cmd *Command) (string, error) {
	var stdout bytes.Buffer
	c := *cmd
	c.Stdout = &stdout
	if err := r.Run(ctx, &c); err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, cmd *Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Not exec.CommandContext: a started process runs to completion.
	c := exec.Command(cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr

	slog.Default().Debug("running command", "command", cmd.String(), "dir", cmd.Dir)
	err := c.Run()
	if exitErr := (*exec.ExitError)(nil); errors.As(err, &exitErr) {
		return &ExitError{ExitCode: exitErr.ExitCode()}
	}
	return err
}
