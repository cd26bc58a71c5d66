// Package plugin brings the installed plugins of a working project in line
// with a submitted change-list.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/Masterminds/semver/v3"

	"github.com/k11v/kiln/internal/archive"
	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/fsutil"
	"github.com/k11v/kiln/internal/toolchain"
)

const (
	DefaultBaseline             = "cordova-plugin-whitelist"
	DefaultBaselineURL          = "https://github.com/apache/cordova-plugin-whitelist.git"
	DefaultRegistryMinToolchain = "5.0.0"
)

type Reconciler struct {
	ProjectDir string              // required
	Toolchain  toolchain.Toolchain // required
	Logger     *slog.Logger        // optional

	Baseline             string // optional, defaults to DefaultBaseline
	BaselineURL          string // optional, defaults to DefaultBaselineURL
	RegistryMinToolchain string // optional, defaults to DefaultRegistryMinToolchain
}

type ReconcileParams struct {
	ChangeList *build.ChangeList // optional, nil for a full build
	Vcordova   string            // required
}

// Result lists the plugin ids Reconcile acted on.
type Result struct {
	Removed     []string
	Overwritten []string
	Installed   []string
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Reconciler) stagingDir() string {
	return filepath.Join(r.ProjectDir, filepath.FromSlash(archive.StagedPluginsDir))
}

func (r *Reconciler) installedDir(id string) string {
	return filepath.Join(r.ProjectDir, build.PluginsDir, id)
}

// Reconcile removes deleted plugins, overwrites or installs the staged ones
// and ensures the baseline plugin is present. The staging area is removed
// in every case.
//
// A failed removal is logged and ignored: removing one plugin can cascade
// to plugins that depend on it. A failed install is an error.
func (r *Reconciler) Reconcile(ctx context.Context, params *ReconcileParams) (*Result, error) {
	defer func() {
		if err := os.RemoveAll(r.stagingDir()); err != nil {
			r.logger().Error("didn't remove plugin staging area", "error", err)
		}
	}()

	result := new(Result)

	for _, id := range params.ChangeList.DeletedPlugins() {
		if !fsutil.IsDir(r.installedDir(id)) {
			continue
		}
		if err := r.Toolchain.RemovePlugin(ctx, id, nil); err != nil {
			r.logger().Warn("didn't remove plugin", "plugin", id, "error", err)
			continue
		}
		result.Removed = append(result.Removed, id)
	}

	staged, err := r.staged()
	if err != nil {
		return result, fmt.Errorf("plugin: %w", err)
	}
	record := ReadFetchRecord(
		r.logger(),
		filepath.Join(r.stagingDir(), FetchFile),
		filepath.Join(r.ProjectDir, build.PluginsDir, FetchFile),
	)

	for _, id := range staged {
		src := filepath.Join(r.stagingDir(), id)
		if fsutil.IsDir(r.installedDir(id)) {
			if err = fsutil.CopyDir(src, r.installedDir(id)); err != nil {
				return result, fmt.Errorf("plugin: overwrite %s: %w", id, err)
			}
			result.Overwritten = append(result.Overwritten, id)
			continue
		}
		opts := &toolchain.Options{Variables: record.Variables(id)}
		if err = r.Toolchain.AddPlugin(ctx, src, opts); err != nil {
			return result, fmt.Errorf("plugin: install %s: %w", id, err)
		}
		result.Installed = append(result.Installed, id)
	}

	if err = r.ensureBaseline(ctx, params.Vcordova); err != nil {
		return result, err
	}
	return result, nil
}

// staged returns the plugin ids in the staging area in lexical order.
func (r *Reconciler) staged() ([]string, error) {
	entries, err := os.ReadDir(r.stagingDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (r *Reconciler) ensureBaseline(ctx context.Context, vcordova string) error {
	id := r.Baseline
	if id == "" {
		id = DefaultBaseline
	}
	if fsutil.IsDir(r.installedDir(id)) {
		return nil
	}

	source := id
	if !r.registrySupported(vcordova) {
		source = r.BaselineURL
		if source == "" {
			source = DefaultBaselineURL
		}
	}
	if err := r.Toolchain.AddPlugin(ctx, source, nil); err != nil {
		return fmt.Errorf("plugin: install %s: %w", id, err)
	}
	return nil
}

// registrySupported reports whether the toolchain fetches plugins from the package registry.
func (r *Reconciler) registrySupported(vcordova string) bool {
	minimum := r.RegistryMinToolchain
	if minimum == "" {
		minimum = DefaultRegistryMinToolchain
	}
	v, err := semver.NewVersion(vcordova)
	if err != nil {
		return false
	}
	m, err := semver.NewVersion(minimum)
	if err != nil {
		return false
	}
	return !v.LessThan(m)
}
