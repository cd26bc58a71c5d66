// Package platform keeps the native platform of a working project at the right version.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/k11v/kiln/internal/fsutil"
	"github.com/k11v/kiln/internal/process"
	"github.com/k11v/kiln/internal/projectconfig"
	"github.com/k11v/kiln/internal/toolchain"
)

// Dir is the project-relative directory of the native platforms.
const Dir = "platforms"

// toolchainMarker records the toolchain version a platform was added with.
const toolchainMarker = ".kiln-toolchain"

// Action is what Reconcile did.
type Action string

const (
	ActionNone  Action = "none"
	ActionAdd   Action = "add"
	ActionReadd Action = "readd"
)

type Reconciler struct {
	ProjectDir string              // required
	Toolchain  toolchain.Toolchain // required
	Runner     process.Runner      // required, runs the platform's version script
	Logger     *slog.Logger        // optional
}

type ReconcileParams struct {
	Platform         string                // required
	Vcordova         string                // required
	PreviousVcordova string                // optional
	Config           *projectconfig.Config // optional
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Reconcile adds the platform when it is missing and removes and adds it again
// when its installed version doesn't satisfy the pinned engine version or,
// without a pin, when the toolchain version changed since the previous build.
//
// Failing to determine the installed version is treated as a mismatch.
// This is a heuristic that favors a slow correct build over a fast broken one.
func (r *Reconciler) Reconcile(ctx context.Context, params *ReconcileParams) (Action, error) {
	p := params.Platform
	if !fsutil.IsDir(filepath.Join(r.ProjectDir, Dir, p)) {
		if err := r.add(ctx, p, params.Vcordova); err != nil {
			return ActionNone, err
		}
		return ActionAdd, nil
	}

	var readd bool
	var reason string
	if pin, ok := pinOf(params.Config, p); ok {
		readd, reason = r.violatesPin(ctx, p, pin)
	} else if r.toolchainChanged(p, params.PreviousVcordova, params.Vcordova) {
		readd, reason = true, "toolchain version changed"
	}
	if !readd {
		return ActionNone, nil
	}

	r.logger().Info("re-adding platform", "platform", p, "reason", reason)
	if err := r.Toolchain.RemovePlatform(ctx, p, nil); err != nil {
		return ActionNone, fmt.Errorf("platform: %w", err)
	}
	if err := r.add(ctx, p, params.Vcordova); err != nil {
		return ActionNone, err
	}
	return ActionReadd, nil
}

func (r *Reconciler) add(ctx context.Context, p string, vcordova string) error {
	if err := r.Toolchain.AddPlatform(ctx, p, nil); err != nil {
		return fmt.Errorf("platform: %w", err)
	}
	marker := filepath.Join(r.ProjectDir, Dir, p, toolchainMarker)
	if err := os.WriteFile(marker, []byte(vcordova), 0o666); err != nil {
		r.logger().Warn("didn't write toolchain marker", "platform", p, "error", err)
	}
	return nil
}

func pinOf(config *projectconfig.Config, p string) (string, bool) {
	if config == nil {
		return "", false
	}
	return config.EnginePin(p)
}

func (r *Reconciler) violatesPin(ctx context.Context, p string, pin string) (bool, string) {
	constraint, err := semver.NewConstraint(pin)
	if err != nil {
		r.logger().Warn("didn't parse engine pin", "platform", p, "pin", pin, "error", err)
		return true, "engine pin unreadable"
	}
	installed, err := r.InstalledVersion(ctx, p)
	if err != nil {
		r.logger().Warn("didn't get installed platform version", "platform", p, "error", err)
		return true, "installed version unknown"
	}
	if !constraint.Check(installed) {
		return true, fmt.Sprintf("installed version %s doesn't satisfy %s", installed, pin)
	}
	return false, ""
}

// toolchainChanged reports whether the platform was generated by another toolchain version.
// A platform already re-added with the current toolchain doesn't count as changed.
func (r *Reconciler) toolchainChanged(p string, previous, current string) bool {
	if data, err := os.ReadFile(filepath.Join(r.ProjectDir, Dir, p, toolchainMarker)); err == nil {
		if sameVersion(strings.TrimSpace(string(data)), current) {
			return false
		}
	}
	if previous == "" {
		return false
	}
	return !sameVersion(previous, current)
}

func sameVersion(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return va.Equal(vb)
}

var ErrNoVersion = errors.New("no version")

// InstalledVersion runs the platform's own version script.
func (r *Reconciler) InstalledVersion(ctx context.Context, p string) (*semver.Version, error) {
	script := filepath.Join(r.ProjectDir, Dir, p, "cordova", "version")
	out, err := process.Output(ctx, r.Runner, &process.Command{Name: script, Dir: r.ProjectDir})
	if err != nil {
		return nil, err
	}
	lines := strings.Fields(out)
	if len(lines) == 0 {
		return nil, ErrNoVersion
	}
	return semver.NewVersion(lines[len(lines)-1])
}
