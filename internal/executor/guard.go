package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/k11v/kiln/internal/process"
)

var ErrIncompatibleToolchain = errors.New("incompatible toolchain")

const (
	DefaultGuardMinToolchain = "5.4.0"
	DefaultGuardMinRuntime   = "5.0.0"
)

// VersionGuard rejects toolchain versions older than MinToolchain when the
// host runtime is MinRuntime or newer.
type VersionGuard struct {
	MinToolchain   string   `env:"MIN_TOOLCHAIN"`   // optional, defaults to DefaultGuardMinToolchain
	MinRuntime     string   `env:"MIN_RUNTIME"`     // optional, defaults to DefaultGuardMinRuntime
	RuntimeCommand []string `env:"RUNTIME_COMMAND"` // optional, defaults to node --version
}

func (g *VersionGuard) minToolchain() string {
	if g.MinToolchain == "" {
		return DefaultGuardMinToolchain
	}
	return g.MinToolchain
}

func (g *VersionGuard) minRuntime() string {
	if g.MinRuntime == "" {
		return DefaultGuardMinRuntime
	}
	return g.MinRuntime
}

func (g *VersionGuard) runtimeCommand() []string {
	if len(g.RuntimeCommand) == 0 {
		return []string{"node", "--version"}
	}
	return g.RuntimeCommand
}

// Check returns an error wrapping ErrIncompatibleToolchain for a rejected
// combination. A host runtime version that can't be read doesn't reject.
func (g *VersionGuard) Check(ctx context.Context, runner process.Runner, vcordova string) error {
	toolchain, err := semver.NewVersion(vcordova)
	if err != nil {
		return fmt.Errorf("%w: toolchain version %q: %w", ErrIncompatibleToolchain, vcordova, err)
	}
	minToolchain, err := semver.NewVersion(g.minToolchain())
	if err != nil {
		return err
	}
	if !toolchain.LessThan(minToolchain) {
		return nil
	}

	cmd := g.runtimeCommand()
	out, err := process.Output(ctx, runner, &process.Command{Name: cmd[0], Args: cmd[1:]})
	if err != nil {
		slog.Default().Warn("didn't get host runtime version", "error", err)
		return nil
	}
	runtime, err := semver.NewVersion(strings.TrimPrefix(out, "v"))
	if err != nil {
		slog.Default().Warn("didn't parse host runtime version", "output", out, "error", err)
		return nil
	}
	minRuntime, err := semver.NewVersion(g.minRuntime())
	if err != nil {
		return err
	}
	if runtime.LessThan(minRuntime) {
		return nil
	}
	return fmt.Errorf("%w: toolchain %s requires a host runtime older than %s, found %s", ErrIncompatibleToolchain, toolchain, minRuntime, runtime)
}
