// Package toolchaintest has a Toolchain double that records calls
// and mimics their effect on the project directory.
package toolchaintest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/fsutil"
	"github.com/k11v/kiln/internal/toolchain"
)

// Recorder records each call as "<Op> <arg>" (plus sorted variables for AddPlugin).
// Platform and plugin operations create or remove the matching directories.
type Recorder struct {
	ProjectDir string            // required
	Fail       map[string]error  // optional, keyed by recorded call
	Installed  map[string]string // optional, platform version reported after AddPlatform

	mu    sync.Mutex
	calls []string
}

var _ toolchain.Toolchain = (*Recorder)(nil)

func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func (r *Recorder) record(call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return r.Fail[call]
}

func (r *Recorder) AddPlatform(ctx context.Context, platform string, opts *toolchain.Options) error {
	if err := r.record("AddPlatform " + platform); err != nil {
		return err
	}
	dir := filepath.Join(r.ProjectDir, "platforms", platform, "cordova")
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return err
	}
	version := r.Installed[platform]
	if version == "" {
		return nil
	}
	script := fmt.Sprintf("#!/bin/sh\necho %s\n", version)
	return os.WriteFile(filepath.Join(dir, "version"), []byte(script), 0o777)
}

func (r *Recorder) RemovePlatform(ctx context.Context, platform string, opts *toolchain.Options) error {
	if err := r.record("RemovePlatform " + platform); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(r.ProjectDir, "platforms", platform))
}

func (r *Recorder) UpdatePlatform(ctx context.Context, platform string, opts *toolchain.Options) error {
	return r.record("UpdatePlatform " + platform)
}

// AddPlugin installs a plugin source directory by copying it into plugins/<base>.
// Registry ids and URLs only create an empty plugin directory.
func (r *Recorder) AddPlugin(ctx context.Context, source string, opts *toolchain.Options) error {
	call := "AddPlugin " + source
	if opts != nil && len(opts.Variables) > 0 {
		var vars []string
		for k, v := range opts.Variables {
			vars = append(vars, k+"="+v)
		}
		sort.Strings(vars)
		call += " " + strings.Join(vars, " ")
	}
	if err := r.record(call); err != nil {
		return err
	}

	id := filepath.Base(strings.TrimSuffix(source, ".git"))
	dst := filepath.Join(r.ProjectDir, build.PluginsDir, id)
	if fsutil.IsDir(source) {
		return fsutil.CopyDir(source, dst)
	}
	return os.MkdirAll(dst, 0o777)
}

func (r *Recorder) RemovePlugin(ctx context.Context, id string, opts *toolchain.Options) error {
	if err := r.record("RemovePlugin " + id); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(r.ProjectDir, build.PluginsDir, id))
}

func (r *Recorder) Build(ctx context.Context, platform string, opts *toolchain.Options) error {
	return r.record("Build " + platform)
}

func (r *Recorder) Compile(ctx context.Context, platform string, opts *toolchain.Options) error {
	return r.record("Compile " + platform)
}

func (r *Recorder) Package(ctx context.Context, platform string, opts *toolchain.Options) error {
	if err := r.record("Package " + platform); err != nil {
		return err
	}
	if opts == nil || opts.Output == "" {
		return nil
	}
	return os.WriteFile(opts.Output, []byte("artifact"), 0o666)
}
